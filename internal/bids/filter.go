package bids

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StringList decodes from either a single scalar or a sequence, so filter
// files can write "subject: 01" and "subject: [01, 02]" interchangeably.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
	default:
		return fmt.Errorf("line %d: entity filters must be a string or a list of strings", value.Line)
	}
	return nil
}

// Filter selects dataset files by their BIDS entities. Empty fields match
// everything; several values for one field combine as alternatives. Extra
// carries entity keys without a dedicated field, such as hemi or acq.
type Filter struct {
	Subjects   StringList `yaml:"subject"`
	Sessions   StringList `yaml:"session"`
	Tasks      StringList `yaml:"task"`
	Runs       StringList `yaml:"run"`
	Spaces     StringList `yaml:"space"`
	Suffixes   StringList `yaml:"suffix"`
	Extensions StringList `yaml:"extension"`
	Datatypes  StringList `yaml:"datatype"`

	Extra map[string]StringList `yaml:",inline"`
}

// Merge overlays the populated fields of override onto f and returns the
// result. Command line filters win over filter file entries key by key.
func (f Filter) Merge(override Filter) Filter {
	out := f
	if len(override.Subjects) > 0 {
		out.Subjects = override.Subjects
	}
	if len(override.Sessions) > 0 {
		out.Sessions = override.Sessions
	}
	if len(override.Tasks) > 0 {
		out.Tasks = override.Tasks
	}
	if len(override.Runs) > 0 {
		out.Runs = override.Runs
	}
	if len(override.Spaces) > 0 {
		out.Spaces = override.Spaces
	}
	if len(override.Suffixes) > 0 {
		out.Suffixes = override.Suffixes
	}
	if len(override.Extensions) > 0 {
		out.Extensions = override.Extensions
	}
	if len(override.Datatypes) > 0 {
		out.Datatypes = override.Datatypes
	}
	if len(override.Extra) > 0 {
		merged := make(map[string]StringList, len(f.Extra)+len(override.Extra))
		for key, values := range f.Extra {
			merged[key] = values
		}
		for key, values := range override.Extra {
			merged[key] = values
		}
		out.Extra = merged
	}
	return out
}

// extraKeys returns the Extra entity keys in a stable order.
func (f Filter) extraKeys() []string {
	keys := make([]string, 0, len(f.Extra))
	for key := range f.Extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// LoadFilterFile reads an entity filter document. YAML and JSON are both
// accepted, since the YAML parser covers the JSON form.
func LoadFilterFile(path string) (Filter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Filter{}, fmt.Errorf("read filter file: %w", err)
	}
	var f Filter
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Filter{}, fmt.Errorf("parse filter file %s: %w", path, err)
	}
	return f, nil
}
