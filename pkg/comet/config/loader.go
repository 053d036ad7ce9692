package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Decode parses a YAML document. JSON is valid YAML and decodes too.
func Decode(data []byte) (Section, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return New(m), nil
}

// ReadFile decodes the YAML or JSON file at path.
func ReadFile(path string) (Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Decode(data)
}
