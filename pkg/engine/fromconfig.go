package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	// Queue store drivers. SQLite is the embedded default; Postgres
	// serves shared server deployments.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/WedSync/sync-engine/pkg/adapt"
	"github.com/WedSync/sync-engine/pkg/blob"
	"github.com/WedSync/sync-engine/pkg/breaker"
	"github.com/WedSync/sync-engine/pkg/cache"
	"github.com/WedSync/sync-engine/pkg/conflict"
	"github.com/WedSync/sync-engine/pkg/config"
	"github.com/WedSync/sync-engine/pkg/netstate"
	"github.com/WedSync/sync-engine/pkg/observability"
	"github.com/WedSync/sync-engine/pkg/queue"
	"github.com/WedSync/sync-engine/pkg/resiliency"
	"github.com/WedSync/sync-engine/pkg/schema"
	"github.com/WedSync/sync-engine/pkg/transport"
)

// FromConfig assembles a fully wired Engine from deployment config and a
// behavior profile. It opens the queue store for cfg.QueueDriver ("sqlite",
// "postgres" or "memory"), attaches the Redis tier when an address is set
// and the blob edge tier when the profile enables it, and turns the
// profile's conflict and trimming sections into a resolver and adapter.
//
// SQLite migrates itself on open. Postgres does not: run
// (*queue.PostgresStore).Migrate as a deliberate deployment step.
//
// The returned engine owns everything FromConfig opened; Close releases it.
// Call Start to recover crash leftovers and begin draining.
func FromConfig(ctx context.Context, cfg *config.Config, p *config.Profile) (*Engine, error) {
	if p == nil {
		p = config.DefaultProfile()
	}

	obs, ownsObs, err := buildObservability(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "engine", "profile", p.Name)

	var owned []func() error
	if ownsObs {
		owned = append(owned, func() error {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return obs.Shutdown(shutCtx)
		})
	}
	closeOwned := func() {
		for _, fn := range owned {
			_ = fn()
		}
	}

	store, storeClose, err := openStore(cfg)
	if err != nil {
		closeOwned()
		return nil, err
	}
	if storeClose != nil {
		owned = append(owned, storeClose)
	}

	tiers := []cache.Tier{cache.NewMemoryTier(p.Cache.MemoryCapacity, p.Cache.MemoryTTL())}
	syncTiers := 1
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		owned = append(owned, client.Close)
		tiers = append(tiers, cache.NewRedisTier(client, p.Cache.SharedTTL()))
		syncTiers = 2
	}

	var archive blob.Store
	if p.Cache.EdgeEnabled {
		bs, err := blob.NewStoreFromEnv(ctx)
		if err != nil {
			closeOwned()
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		tiers = append(tiers, cache.NewBlobTier(bs, p.Cache.EdgeTTL()))
		archive = bs
	}

	layered := cache.New(tiers, cache.Options{SyncTiers: syncTiers, Provider: obs})

	breakers := breaker.NewRegistry(breaker.Options{
		Threshold:      p.Circuit.Threshold,
		Cooldown:       p.Circuit.Cooldown(),
		CooldownFactor: p.Circuit.CooldownFactor,
		MaxCooldown:    p.Circuit.MaxCooldown(),
	})
	callOpts := resiliency.Options{
		MaxAttempts: p.Call.MaxAttempts,
		BaseDelay:   p.Call.BaseDelay(),
		MaxDelay:    p.Call.MaxDelay(),
		MaxJitter:   p.Call.MaxJitter(),
		CallTimeout: p.Call.CallTimeout(),
	}
	exec := resiliency.New(breakers, obs, callOpts)

	resolver, err := buildResolver(p, obs, logger)
	if err != nil {
		closeOwned()
		return nil, err
	}
	adapter, err := buildAdapter(p.PoliciesFile)
	if err != nil {
		closeOwned()
		return nil, err
	}
	validator, err := buildValidator(cfg.SchemaDir)
	if err != nil {
		closeOwned()
		return nil, err
	}

	var compat *schema.Compat
	if len(p.Compat) > 0 {
		compat, err = schema.NewCompat(p.Compat)
		if err != nil {
			closeOwned()
			return nil, fmt.Errorf("compat ranges: %w", err)
		}
	}

	caller := transport.NewHTTPCaller(cfg.BaseURL,
		transport.WithToken(cfg.AuthToken),
		transport.WithTimeout(p.Call.CallTimeout()),
	)

	eng, err := New(Options{
		Store:     store,
		Caller:    caller,
		Cache:     layered,
		Executor:  exec,
		Resolver:  resolver,
		Adapter:   adapter,
		Validator: validator,
		Compat:    compat,
		Net:       netstate.NewFeed(netstate.Status{Online: true, Class: netstate.ClassUnknown}),
		Archive:   archive,
		Namespace: p.Cache.Namespace,
		CacheTTL:  p.Cache.EdgeTTL(),
		Call:      callOpts,
		Drain: queue.DrainerOptions{
			MaxWorkers:  p.Drain.MaxWorkers,
			MaxAttempts: p.Drain.MaxAttempts,
			BatchLimit:  p.Drain.BatchLimit,
			Rate:        p.Drain.RatePerSec,
			Burst:       p.Drain.Burst,
			StaleAfter:  p.Drain.StaleAfter(),
			Call:        callOpts,
		},
		Provider: obs,
		Logger:   logger,
	})
	if err != nil {
		closeOwned()
		return nil, err
	}
	eng.owned = owned
	return eng, nil
}

func buildObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, bool, error) {
	if cfg.OTLPEndpoint == "" {
		return observability.Nop(), false, nil
	}
	oc := observability.DefaultConfig()
	oc.OTLPEndpoint = cfg.OTLPEndpoint
	oc.Environment = cfg.Environment
	oc.Enabled = true
	obs, err := observability.New(ctx, oc)
	if err != nil {
		return nil, false, fmt.Errorf("init telemetry: %w", err)
	}
	return obs, true, nil
}

func openStore(cfg *config.Config) (queue.Store, func() error, error) {
	switch cfg.QueueDriver {
	case "memory":
		return queue.NewMemoryStore(), nil, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.QueueDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		store, err := queue.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		return store, db.Close, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.QueueDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres queue: %w", err)
		}
		return queue.NewPostgresStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}

func buildResolver(p *config.Profile, obs *observability.Provider, logger *slog.Logger) (*conflict.Resolver, error) {
	rc := conflict.Config{Provider: obs, Logger: logger.With("component", "conflict")}

	if p.Conflict.Default != "" {
		def, err := conflict.ParseStrategy(p.Conflict.Default)
		if err != nil {
			return nil, fmt.Errorf("conflict default: %w", err)
		}
		rc.Default = def
	}
	if len(p.Conflict.Strategies) > 0 {
		rc.Strategies = make(map[string]conflict.Strategy, len(p.Conflict.Strategies))
		for kind, token := range p.Conflict.Strategies {
			s, err := conflict.ParseStrategy(token)
			if err != nil {
				return nil, fmt.Errorf("conflict strategy for %s: %w", kind, err)
			}
			rc.Strategies[kind] = s
		}
	}
	if len(p.Conflict.Merges) > 0 {
		rc.Merges = make(map[string]conflict.MergeFunc, len(p.Conflict.Merges))
		for kind, rule := range p.Conflict.Merges {
			switch rule {
			case "fields":
				rc.Merges[kind] = conflict.FieldMerge
			case "prefer-local":
				rc.Merges[kind] = conflict.PreferLocalMerge
			default:
				fn, err := conflict.NewCELMerge(rule)
				if err != nil {
					return nil, fmt.Errorf("merge expression for %s: %w", kind, err)
				}
				rc.Merges[kind] = fn
			}
		}
	}
	return conflict.NewResolver(rc), nil
}

func buildAdapter(path string) (*adapt.Adapter, error) {
	if path == "" {
		return adapt.NewAdapter(adapt.DefaultPolicy(), nil), nil
	}
	return adapt.LoadPolicies(path)
}

// buildValidator registers every *.schema.json in dir under its base name,
// so guest.schema.json validates the "guest" kind. Unregistered kinds pass.
func buildValidator(dir string) (*schema.Validator, error) {
	if dir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.schema.json"))
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	v := schema.NewValidator(false)
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		kind := strings.TrimSuffix(filepath.Base(path), ".schema.json")
		if err := v.Register(kind, string(raw)); err != nil {
			return nil, fmt.Errorf("register schema %s: %w", kind, err)
		}
	}
	return v, nil
}
