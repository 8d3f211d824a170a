package meter

import (
	"fmt"
	"strings"
)

// Classifier maps a declared device profile to a variant.
type Classifier struct {
	byProfile map[string]*VariantSpec
	fallback  *VariantSpec
}

// NewClassifier builds a classifier over the catalog's variants, falling back to
// the named default variant.
func NewClassifier(c *Catalog, defaultVariant string) (*Classifier, error) {
	fallback, ok := c.Variant(defaultVariant)
	if !ok {
		return nil, fmt.Errorf("unknown default variant %q", defaultVariant)
	}

	byProfile := make(map[string]*VariantSpec)
	for _, v := range c.Variants {
		for _, p := range v.Profiles {
			byProfile[p] = v
		}
	}

	return &Classifier{byProfile: byProfile, fallback: fallback}, nil
}

// Classify returns the variant for profile. Unknown or empty profiles return the
// default variant with recognized set to false.
func (c *Classifier) Classify(profile string) (v *VariantSpec, recognized bool) {
	if v, ok := c.byProfile[strings.TrimSpace(profile)]; ok {
		return v, true
	}
	return c.fallback, false
}
