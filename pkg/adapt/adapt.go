// Package adapt trims responses to fit the network they travel over. It runs
// after the cache and the call executor have produced a full-fidelity value,
// so stored data is never degraded; only what the caller sees is.
package adapt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Class is the measured or declared network quality.
type Class uint8

const (
	// Poor means the link is barely usable: essential fields only.
	Poor Class = iota + 1
	// Medium means constrained but workable: a mid-size subset.
	Medium
	// Good means no trimming is needed.
	Good
)

func (c Class) String() string {
	switch c {
	case Poor:
		return "poor"
	case Medium:
		return "medium"
	case Good:
		return "good"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseClass maps a config or header token to a Class.
func ParseClass(s string) (Class, error) {
	switch s {
	case "poor":
		return Poor, nil
	case "medium":
		return Medium, nil
	case "good":
		return Good, nil
	default:
		return 0, fmt.Errorf("unknown network class %q", s)
	}
}

// Signal combines the measured class with the user's explicit reduce-data
// preference. The preference always wins over detection.
type Signal struct {
	Class      Class
	ReduceData bool
}

// Mode is the trimming level actually applied.
type Mode uint8

const (
	// ModeFull returns the payload unchanged.
	ModeFull Mode = iota + 1
	// ModeReduced keeps the reduced field set and applies the reduced
	// collection cap.
	ModeReduced
	// ModeMinimal keeps only essential fields and applies the small cap.
	ModeMinimal
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeReduced:
		return "reduced"
	case ModeMinimal:
		return "minimal"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Mode resolves the effective trimming level. ReduceData forces minimal
// regardless of the measured class; an unset class is treated as good, since
// trimming is an optimization and full fidelity is always correct.
func (s Signal) Mode() Mode {
	if s.ReduceData {
		return ModeMinimal
	}
	switch s.Class {
	case Poor:
		return ModeMinimal
	case Medium:
		return ModeReduced
	default:
		return ModeFull
	}
}

// Policy declares, per payload kind, which top-level fields survive each
// trimming level and how long embedded collections may be. An empty field
// list keeps every field, so a zero Policy only caps collections. Reduced is
// additive: the reduced set is Essential plus Reduced.
type Policy struct {
	Essential    []string `yaml:"essential"`
	Reduced      []string `yaml:"reduced"`
	MinimalItems int      `yaml:"minimal_items"`
	ReducedItems int      `yaml:"reduced_items"`
}

// DefaultPolicy caps collections without dropping fields, a safe behavior
// for kinds nobody has written a policy for.
func DefaultPolicy() Policy {
	return Policy{MinimalItems: 10, ReducedItems: 50}
}

func (p Policy) fieldsFor(mode Mode) map[string]bool {
	switch mode {
	case ModeMinimal:
		if len(p.Essential) == 0 {
			return nil
		}
		set := make(map[string]bool, len(p.Essential))
		for _, f := range p.Essential {
			set[f] = true
		}
		return set
	case ModeReduced:
		if len(p.Essential) == 0 && len(p.Reduced) == 0 {
			return nil
		}
		set := make(map[string]bool, len(p.Essential)+len(p.Reduced))
		for _, f := range p.Essential {
			set[f] = true
		}
		for _, f := range p.Reduced {
			set[f] = true
		}
		return set
	default:
		return nil
	}
}

func (p Policy) capFor(mode Mode) int {
	switch mode {
	case ModeMinimal:
		return p.MinimalItems
	case ModeReduced:
		return p.ReducedItems
	default:
		return 0
	}
}

// Apply trims payload according to sig and policy. It is deterministic and
// side-effect free: equal inputs produce byte-equal outputs, and applying it
// twice is the same as applying it once. ModeFull returns the payload
// byte-identical.
func Apply(payload json.RawMessage, sig Signal, policy Policy) (json.RawMessage, Mode, error) {
	mode := sig.Mode()
	if mode == ModeFull {
		return payload, ModeFull, nil
	}

	keep := policy.fieldsFor(mode)
	limit := policy.capFor(mode)

	head := firstByte(payload)
	switch head {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, 0, fmt.Errorf("adapt: %w", err)
		}
		out := make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			if keep != nil && !keep[k] {
				continue
			}
			capped, err := capValue(v, limit)
			if err != nil {
				return nil, 0, fmt.Errorf("adapt field %q: %w", k, err)
			}
			out[k] = capped
		}
		trimmed, err := json.Marshal(out)
		if err != nil {
			return nil, 0, fmt.Errorf("adapt: %w", err)
		}
		return trimmed, mode, nil
	case '[':
		capped, err := capValue(payload, limit)
		if err != nil {
			return nil, 0, fmt.Errorf("adapt: %w", err)
		}
		return capped, mode, nil
	case 0:
		return nil, 0, fmt.Errorf("adapt: empty payload")
	default:
		// Scalars have nothing to trim, but must still be valid JSON.
		if !json.Valid(payload) {
			return nil, 0, fmt.Errorf("adapt: payload is not valid JSON")
		}
		return payload, mode, nil
	}
}

// capValue bounds every collection reachable from raw to limit items.
// Objects are re-encoded with sorted keys, keeping the output deterministic.
func capValue(raw json.RawMessage, limit int) (json.RawMessage, error) {
	switch firstByte(raw) {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		if limit > 0 && len(items) > limit {
			items = items[:limit]
		}
		for i, item := range items {
			capped, err := capValue(item, limit)
			if err != nil {
				return nil, err
			}
			items[i] = capped
		}
		return json.Marshal(items)
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			capped, err := capValue(v, limit)
			if err != nil {
				return nil, err
			}
			fields[k] = capped
		}
		return json.Marshal(fields)
	default:
		return raw, nil
	}
}

func firstByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// Adapter resolves the policy for a payload kind and applies it.
type Adapter struct {
	def      Policy
	policies map[string]Policy
}

// NewAdapter builds an Adapter. Kinds absent from perKind use def.
func NewAdapter(def Policy, perKind map[string]Policy) *Adapter {
	return &Adapter{def: def, policies: perKind}
}

// PolicyFor reports the policy Adapt would use for kind.
func (a *Adapter) PolicyFor(kind string) Policy {
	if p, ok := a.policies[kind]; ok {
		return p
	}
	return a.def
}

// Adapt trims payload for its kind under the given signal.
func (a *Adapter) Adapt(kind string, payload json.RawMessage, sig Signal) (json.RawMessage, Mode, error) {
	return Apply(payload, sig, a.PolicyFor(kind))
}
