// Package catalog lists the mergeable attributes of each entity kind. The
// merge engine binds these names to typed accessors once at startup.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind names an entity type that can be merged.
type Kind string

const (
	KindCase   Kind = "case"
	KindPerson Kind = "person"
)

// FieldType describes the value shape of an attribute.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeDate        FieldType = "date"
	TypePreciseDate FieldType = "precise_date"
	TypeTags        FieldType = "tags"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeDate, TypePreciseDate, TypeTags:
		return true
	}
	return false
}

// FieldInfo is one catalog entry.
type FieldInfo struct {
	Name  string    `yaml:"name" json:"name"`
	Label string    `yaml:"label" json:"label"`
	Type  FieldType `yaml:"type" json:"type"`
}

// Catalog maps each kind to its ordered attribute list.
type Catalog struct {
	kinds map[Kind][]FieldInfo
}

//go:embed catalog.yaml
var defaultCatalog []byte

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var raw map[Kind][]FieldInfo
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	for kind, fields := range raw {
		seen := make(map[string]bool, len(fields))
		for i, f := range fields {
			if f.Name == "" {
				return nil, fmt.Errorf("catalog %s: entry %d has no name", kind, i)
			}
			if seen[f.Name] {
				return nil, fmt.Errorf("catalog %s: duplicate field %q", kind, f.Name)
			}
			seen[f.Name] = true
			if !f.Type.valid() {
				return nil, fmt.Errorf("catalog %s: field %q has unknown type %q", kind, f.Name, f.Type)
			}
			if f.Label == "" {
				fields[i].Label = f.Name
			}
		}
	}
	return &Catalog{kinds: raw}, nil
}

// Fields returns the attributes of kind in display order.
func (c *Catalog) Fields(kind Kind) []FieldInfo {
	out := make([]FieldInfo, len(c.kinds[kind]))
	copy(out, c.kinds[kind])
	return out
}
