package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

const (
	celCostLimit          = 10000
	celInterruptFrequency = 100
)

// NewCELMerge compiles a CEL expression into a MergeFunc. The expression
// sees two variables, `local` and `remote`, both map<string, dyn>, and must
// evaluate to the merged map. Evaluating to null signals that the rule
// declines to reconcile, which defers the conflict to user choice; runtime
// evaluation errors defer the same way so a badly written rule parks actions
// instead of failing drains.
//
//	{"name": local.name, "rsvp": remote.rsvp}
//
// Compile errors are reported here so malformed rules fail at configuration
// time, not mid-drain.
func NewCELMerge(expr string) (MergeFunc, error) {
	env, err := cel.NewEnv(
		cel.Variable("local", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("remote", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile merge rule: %w", issues.Err())
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(celInterruptFrequency),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("build merge program: %w", err)
	}

	return func(local, remote map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		lv, err := fieldsToAny(local)
		if err != nil {
			return nil, err
		}
		rv, err := fieldsToAny(remote)
		if err != nil {
			return nil, err
		}

		out, _, err := prg.Eval(map[string]any{"local": lv, "remote": rv})
		if err != nil {
			return nil, fmt.Errorf("merge rule failed: %v: %w", err, ErrCannotReconcile)
		}
		if _, isNull := out.(types.Null); isNull {
			return nil, fmt.Errorf("merge rule declined: %w", ErrCannotReconcile)
		}

		native, err := out.ConvertToNative(reflect.TypeOf(map[string]any{}))
		if err != nil {
			return nil, fmt.Errorf("merge rule must produce an object: %v: %w", err, ErrCannotReconcile)
		}
		return anyToFields(native.(map[string]any))
	}, nil
}

func fieldsToAny(fields map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func anyToFields(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
