package configstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLStore loads a Store from a YAML document shaped as:
//
//	ref-device:
//	  model: TESS-W
//	  endpoint: udp://192.168.1.10:2255
//	ref-stats:
//	  samples: "75"
//	  period: "5"
//
// Values are kept as strings (mirroring the source's raw config table) so
// typed conversion stays centralized in Resolve's parse functions.
type YAMLStore struct {
	sections map[string]map[string]string
}

// LoadYAMLFile reads and parses path into a YAMLStore.
func LoadYAMLFile(path string) (*YAMLStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configstore: reading %s: %w", path, err)
	}
	return ParseYAML(data)
}

// ParseYAML parses a YAML document's bytes into a YAMLStore.
func ParseYAML(data []byte) (*YAMLStore, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("configstore: parsing yaml: %w", err)
	}
	sections := make(map[string]map[string]string, len(raw))
	for section, props := range raw {
		flat := make(map[string]string, len(props))
		for k, v := range props {
			flat[k] = fmt.Sprintf("%v", v)
		}
		sections[section] = flat
	}
	return &YAMLStore{sections: sections}, nil
}

func (y *YAMLStore) Load(section, property string) (string, bool) {
	sec, ok := y.sections[section]
	if !ok {
		return "", false
	}
	v, ok := sec[property]
	return v, ok
}
