package plancatalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Version string         `yaml:"version"`
	Plans   []Plan         `yaml:"plans"`
	Prices  []PriceMapping `yaml:"prices"`
}

// Parse builds a catalog from its YAML representation.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("plan catalog has no version")
	}
	return New(f.Version, f.Plans, f.Prices)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(data)
}
