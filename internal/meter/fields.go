package meter

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Resolve returns the first non-nil value found under aliases, and the alias it
// was found under.
func Resolve(fields map[string]any, aliases []string) (any, string, bool) {
	for _, alias := range aliases {
		if v, ok := fields[alias]; ok && v != nil {
			return v, alias, true
		}
	}
	return nil, "", false
}

// IsComplete reports whether every required column resolves to a value.
func (v *VariantSpec) IsComplete(fields map[string]any) bool {
	for _, col := range v.Required {
		f, _ := v.field(col)
		if _, _, ok := Resolve(fields, f.Aliases); !ok {
			return false
		}
	}
	return true
}

// Missing lists the required columns that do not resolve yet.
func (v *VariantSpec) Missing(fields map[string]any) []string {
	var missing []string
	for _, col := range v.Required {
		f, _ := v.field(col)
		if _, _, ok := Resolve(fields, f.Aliases); !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

// Float coerces a payload scalar to float64. Booleans map to 1 and 0.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
