package adapt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML shape for adapter policies:
//
//	default:
//	  minimal_items: 10
//	  reduced_items: 50
//	kinds:
//	  guest:
//	    essential: [id, name, rsvp]
//	    reduced: [table, diet]
//	    minimal_items: 5
//	    reduced_items: 25
type PolicyFile struct {
	Default Policy            `yaml:"default"`
	Kinds   map[string]Policy `yaml:"kinds"`
}

// ParsePolicies builds an Adapter from YAML bytes. An absent default falls
// back to DefaultPolicy.
func ParsePolicies(data []byte) (*Adapter, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse adapter policies: %w", err)
	}
	def := file.Default
	if def.MinimalItems == 0 && def.ReducedItems == 0 && len(def.Essential) == 0 && len(def.Reduced) == 0 {
		def = DefaultPolicy()
	}
	return NewAdapter(def, file.Kinds), nil
}

// LoadPolicies reads and parses an adapter policy file.
func LoadPolicies(path string) (*Adapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load adapter policies: %w", err)
	}
	return ParsePolicies(data)
}
