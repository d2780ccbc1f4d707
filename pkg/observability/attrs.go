// Sync-engine semantic convention attributes and span helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Remote call attributes
	AttrEndpoint = attribute.Key("syncengine.endpoint")
	AttrAttempt  = attribute.Key("syncengine.attempt")

	// Circuit attributes
	AttrCircuitState = attribute.Key("syncengine.circuit.state")

	// Cache attributes
	AttrCacheTier = attribute.Key("syncengine.cache.tier")
	AttrCacheKey  = attribute.Key("syncengine.cache.key")

	// Queue attributes
	AttrEntityID     = attribute.Key("syncengine.entity.id")
	AttrActionID     = attribute.Key("syncengine.action.id")
	AttrActionStatus = attribute.Key("syncengine.action.status")

	// Conflict attributes
	AttrConflictStrategy = attribute.Key("syncengine.conflict.strategy")
	AttrConflictOutcome  = attribute.Key("syncengine.conflict.outcome")

	// Network attributes
	AttrNetworkClass = attribute.Key("syncengine.network.class")
)

// CallOperation creates attributes for one remote call attempt.
func CallOperation(endpoint string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEndpoint.String(endpoint),
		AttrAttempt.Int(attempt),
	}
}

// CacheOperation creates attributes for a cache lookup or write.
func CacheOperation(tier, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCacheTier.String(tier),
		AttrCacheKey.String(key),
	}
}

// QueueOperation creates attributes for queue lifecycle events.
func QueueOperation(entityID, actionID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEntityID.String(entityID),
		AttrActionID.String(actionID),
		AttrActionStatus.String(status),
	}
}

// ConflictOperation creates attributes for a conflict resolution.
func ConflictOperation(entityID, strategy, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEntityID.String(entityID),
		AttrConflictStrategy.String(strategy),
		AttrConflictOutcome.String(outcome),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
