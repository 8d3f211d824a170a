// Package meter describes the power-meter families the ingest service understands:
// which profile strings identify them, which canonical columns they persist, the
// alternate field names each column may arrive under, and when an accumulated
// reading is complete.
package meter

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Multidrop identifies RS-485 multi-drop families that share one gateway.
type Multidrop string

const (
	MultidropNone   Multidrop = "none"
	MultidropFour   Multidrop = "4way"
	MultidropTwelve Multidrop = "12way"
)

// FieldSpec maps one canonical column to the payload keys it may arrive under,
// in priority order.
type FieldSpec struct {
	Column  string   `yaml:"column"`
	Aliases []string `yaml:"aliases"`
}

// VariantSpec is one meter-type variant and its durable table.
type VariantSpec struct {
	Name      string      `yaml:"name"`
	Profiles  []string    `yaml:"profiles"`
	Table     string      `yaml:"table"`
	Multidrop Multidrop   `yaml:"multidrop"`
	Required  []string    `yaml:"required"`
	Fields    []FieldSpec `yaml:"fields"`

	fieldIndex map[string]int
}

// Deployment is one ingest endpoint with its own cache and defaults.
type Deployment struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	DefaultVariant string `yaml:"default_variant"`
	TablePrefix    string `yaml:"table_prefix"`
	ErrorTable     string `yaml:"error_table"`
}

// Catalog is the full deployment and variant table.
type Catalog struct {
	Deployments []Deployment   `yaml:"deployments"`
	Variants    []*VariantSpec `yaml:"variants"`
}

// LoadCatalog reads a catalog from path, or the built-in catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog file: %w", err)
		}
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

// Validate checks catalog invariants and fills defaults.
func (c *Catalog) Validate() error {
	if len(c.Variants) == 0 {
		return errors.New("no variants defined")
	}
	if len(c.Deployments) == 0 {
		return errors.New("no deployments defined")
	}

	variants := make(map[string]struct{}, len(c.Variants))
	profiles := make(map[string]string)
	for _, v := range c.Variants {
		if err := v.validate(); err != nil {
			return err
		}
		if _, dup := variants[v.Name]; dup {
			return fmt.Errorf("duplicate variant %q", v.Name)
		}
		variants[v.Name] = struct{}{}
		for _, p := range v.Profiles {
			if owner, dup := profiles[p]; dup {
				return fmt.Errorf("profile %q claimed by both %q and %q", p, owner, v.Name)
			}
			profiles[p] = v.Name
		}
	}

	names := make(map[string]struct{}, len(c.Deployments))
	paths := make(map[string]struct{}, len(c.Deployments))
	for i := range c.Deployments {
		d := &c.Deployments[i]
		if d.Name == "" {
			return fmt.Errorf("deployment %d: empty name", i)
		}
		if !strings.HasPrefix(d.Path, "/") {
			return fmt.Errorf("deployment %q: path must start with /", d.Name)
		}
		if _, ok := variants[d.DefaultVariant]; !ok {
			return fmt.Errorf("deployment %q: unknown default variant %q", d.Name, d.DefaultVariant)
		}
		if d.ErrorTable == "" {
			d.ErrorTable = "device_errors"
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("duplicate deployment %q", d.Name)
		}
		if _, dup := paths[d.Path]; dup {
			return fmt.Errorf("duplicate deployment path %q", d.Path)
		}
		names[d.Name] = struct{}{}
		paths[d.Path] = struct{}{}
	}
	return nil
}

func (v *VariantSpec) validate() error {
	if v.Name == "" {
		return errors.New("variant with empty name")
	}
	if v.Table == "" {
		return fmt.Errorf("variant %q: empty table", v.Name)
	}
	switch v.Multidrop {
	case "":
		v.Multidrop = MultidropNone
	case MultidropNone, MultidropFour, MultidropTwelve:
	default:
		return fmt.Errorf("variant %q: unknown multidrop mode %q", v.Name, v.Multidrop)
	}
	if len(v.Fields) == 0 {
		return fmt.Errorf("variant %q: no fields", v.Name)
	}

	v.fieldIndex = make(map[string]int, len(v.Fields))
	for i := range v.Fields {
		f := &v.Fields[i]
		if f.Column == "" {
			return fmt.Errorf("variant %q: field %d has empty column", v.Name, i)
		}
		if _, dup := v.fieldIndex[f.Column]; dup {
			return fmt.Errorf("variant %q: duplicate column %q", v.Name, f.Column)
		}
		if len(f.Aliases) == 0 {
			f.Aliases = []string{f.Column}
		}
		v.fieldIndex[f.Column] = i
	}
	for _, col := range v.Required {
		if _, ok := v.fieldIndex[col]; !ok {
			return fmt.Errorf("variant %q: required column %q is not a field", v.Name, col)
		}
	}
	return nil
}

// Variant returns the variant with the given name.
func (c *Catalog) Variant(name string) (*VariantSpec, bool) {
	for _, v := range c.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// Columns returns the canonical column names in declaration order.
func (v *VariantSpec) Columns() []string {
	cols := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		cols[i] = f.Column
	}
	return cols
}

// IsMultidrop reports whether uplinks for this variant carry a sub-address.
func (v *VariantSpec) IsMultidrop() bool {
	return v.Multidrop == MultidropFour || v.Multidrop == MultidropTwelve
}

// TableFor returns the durable table for this variant within a deployment.
func (v *VariantSpec) TableFor(d Deployment) string {
	return d.TablePrefix + v.Table
}

func (v *VariantSpec) field(column string) (FieldSpec, bool) {
	i, ok := v.fieldIndex[column]
	if !ok {
		return FieldSpec{}, false
	}
	return v.Fields[i], true
}
