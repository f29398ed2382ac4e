package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadEquipmentMapping reads the optional YAML file of source equipment id
// overrides. A missing path returns an empty mapping; callers keep the map
// for the lifetime of one run instead of sharing a process-wide cache.
func LoadEquipmentMapping(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read equipment mapping file: %w", err)
	}
	mapping := make(map[string]string)
	if err := yaml.Unmarshal(raw, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse equipment mapping file: %w", err)
	}
	return mapping, nil
}
