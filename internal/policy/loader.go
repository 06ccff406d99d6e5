package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk policy set. Policies load in file order, which
// becomes their evaluation order.
type File struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile parses a YAML policy file. Rules are taken as-is (a
// malformed rule never matches), but every policy needs an ID so the
// admin API can address it across restarts.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for i, p := range f.Policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy file %s: policy %d has no id", path, i)
		}
	}
	return f.Policies, nil
}
