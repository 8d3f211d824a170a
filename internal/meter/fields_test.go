package meter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultVariant(t *testing.T, name string) *VariantSpec {
	t.Helper()
	c, err := LoadCatalog("")
	require.NoError(t, err)
	v, ok := c.Variant(name)
	require.True(t, ok)
	return v
}

func TestClassify(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	cl, err := NewClassifier(c, "three_phase_a")
	require.NoError(t, err)

	tests := []struct {
		profile    string
		variant    string
		recognized bool
	}{
		{"ADW300", "three_phase_a", true},
		{"DTSD1352", "three_phase_b", true},
		{"ADW310", "single_phase", true},
		{"RS485-4CH", "rs485_4ch", true},
		{"ADF400L-12", "rs485_12ch", true},
		{" ADW310 ", "single_phase", true},
		{"adw310", "three_phase_a", false},
		{"UNKNOWN-999", "three_phase_a", false},
		{"", "three_phase_a", false},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			v, recognized := cl.Classify(tt.profile)
			assert.Equal(t, tt.variant, v.Name)
			assert.Equal(t, tt.recognized, recognized)
		})
	}

	fallback, recognized := cl.Classify("")
	assert.Equal(t, "three_phase_a", fallback.Name)
	assert.False(t, recognized)

	_, err = NewClassifier(c, "nope")
	assert.Error(t, err)
}

func TestResolve_FirstNonNilAliasWins(t *testing.T) {
	fields := map[string]any{"UA": nil, "Va": 229.0, "ua": 231.0}

	v, alias, ok := Resolve(fields, []string{"Ua", "UA", "ua", "Va"})
	require.True(t, ok)
	assert.Equal(t, "ua", alias)
	assert.Equal(t, 231.0, v)

	_, _, ok = Resolve(fields, []string{"Ub"})
	assert.False(t, ok)
}

func TestIsComplete_ThreePhase(t *testing.T) {
	v := defaultVariant(t, "three_phase_a")

	fields := map[string]any{"Ua": 230.0, "Ub": 231.0, "Uc": 229.0}
	assert.False(t, v.IsComplete(fields))
	assert.Equal(t,
		[]string{"power_a", "power_b", "power_c", "power_total", "energy_import", "energy_export"},
		v.Missing(fields))

	for k, val := range map[string]any{"Pa": 1.1, "Pb": 1.0, "Pc": 0.9, "P": 3.0, "EPI": 1000.0, "EPE": 5.0} {
		fields[k] = val
	}
	assert.True(t, v.IsComplete(fields))
	assert.Empty(t, v.Missing(fields))
}

func TestIsComplete_AlternateSpellings(t *testing.T) {
	v := defaultVariant(t, "three_phase_a")

	fields := map[string]any{
		"UA": 230.0, "UB": 231.0, "UC": 229.0,
		"PA": 1.1, "PB": 1.0, "PC": 0.9, "Psum": 3.0,
		"ImpEp": 1000.0, "ExpEp": 5.0,
	}
	assert.True(t, v.IsComplete(fields))
}

func TestIsComplete_NilIsAbsent(t *testing.T) {
	v := defaultVariant(t, "single_phase")

	fields := map[string]any{"U": 230.0, "P": 1.2, "EPI": nil}
	assert.False(t, v.IsComplete(fields))
	assert.Equal(t, []string{"energy_import"}, v.Missing(fields))

	fields["EP"] = 12.5
	assert.True(t, v.IsComplete(fields))
}

func TestFloat(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"float64", 1.5, 1.5, true},
		{"float32", float32(2.5), 2.5, true},
		{"int", 3, 3, true},
		{"int64", int64(4), 4, true},
		{"json number", json.Number("5.25"), 5.25, true},
		{"numeric string", " 6.5 ", 6.5, true},
		{"true", true, 1, true},
		{"false", false, 0, true},
		{"text", "on", 0, false},
		{"bad json number", json.Number("x"), 0, false},
		{"object", map[string]any{}, 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Float(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
