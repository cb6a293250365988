package dictionary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
tags:
  - code: YI-01
    name: Outpatient
    default_spaces: [DS, DX]
    professions: [TJ, AZ]
scale_ranges:
  - code: S1
    tag_code: YI-01
    min: 0
    max: 5000
  - code: S2
    tag_code: YI-01
    min: 5000
factors:
  - kind: region
    key: BJ
    value: 1.08
  - kind: quality
    key: high
    value: 1.15
`

func TestParse_LoadsAllSections(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Len(t, c.Tags, 1)
	assert.Len(t, c.ScaleRanges, 2)
	assert.Len(t, c.Factors, 2)
	assert.Equal(t, []string{"DS", "DX"}, c.Tags[0].DefaultSpaces)
}

func TestFunctionTag_Pairs(t *testing.T) {
	tag := FunctionTag{Code: "T", DefaultSpaces: []string{"DS", "DX"}, Professions: []string{"TJ", "AZ"}}

	pairs := tag.Pairs()

	assert.Equal(t, []Pair{
		{Space: "DS", Profession: "TJ"},
		{Space: "DS", Profession: "AZ"},
		{Space: "DX", Profession: "TJ"},
		{Space: "DX", Profession: "AZ"},
	}, pairs)
}

func TestScaleRange_Match(t *testing.T) {
	bounded := ScaleRange{Code: "S1", Min: 0, Max: 5000}
	open := ScaleRange{Code: "S2", Min: 5000}

	assert.True(t, bounded.Match(0))
	assert.True(t, bounded.Match(4999.99))
	assert.False(t, bounded.Match(5000), "max is exclusive")
	assert.True(t, open.Match(5000))
	assert.True(t, open.Match(1e9))
	assert.False(t, open.Match(4999))
}

func TestDictionary_Lookups(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	d, err := New(c)
	require.NoError(t, err)

	tag, ok := d.Tag("YI-01")
	require.True(t, ok)
	assert.Equal(t, "Outpatient", tag.Name)

	_, ok = d.Tag("missing")
	assert.False(t, ok)

	r, ok := d.MatchScale("YI-01", 12000)
	require.True(t, ok)
	assert.Equal(t, "S2", r.Code)

	r, ok = d.MatchScale("YI-01", 800)
	require.True(t, ok)
	assert.Equal(t, "S1", r.Code)

	_, ok = d.MatchScale("OTHER", 800)
	assert.False(t, ok)

	v, ok := d.Factor(KindRegion, "BJ")
	require.True(t, ok)
	assert.InDelta(t, 1.08, v, 1e-9)

	_, ok = d.Factor(KindStructure, "BJ")
	assert.False(t, ok)
}

func TestContent_Validate(t *testing.T) {
	tag := FunctionTag{Code: "T", DefaultSpaces: []string{"DS"}, Professions: []string{"TJ"}}

	tests := []struct {
		name    string
		content Content
		wantErr string
	}{
		{"valid", Content{Tags: []FunctionTag{tag}}, ""},
		{"duplicate tag", Content{Tags: []FunctionTag{tag, tag}}, "duplicate tag"},
		{"tag without spaces", Content{Tags: []FunctionTag{{Code: "X", Professions: []string{"TJ"}}}}, "default spaces"},
		{"scale for unknown tag", Content{
			Tags:        []FunctionTag{tag},
			ScaleRanges: []ScaleRange{{Code: "S", TagCode: "Y"}},
		}, "unknown tag"},
		{"inverted scale", Content{
			Tags:        []FunctionTag{tag},
			ScaleRanges: []ScaleRange{{Code: "S", TagCode: "T", Min: 10, Max: 5}},
		}, "must exceed"},
		{"unknown factor kind", Content{Factors: []FactorEntry{{Kind: "weather", Key: "k", Value: 1}}}, "unknown kind"},
		{"non-positive factor", Content{Factors: []FactorEntry{{Kind: KindRegion, Key: "k", Value: 0}}}, "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile_AndReload(t *testing.T) {
	// GIVEN: A dictionary file on disk
	path := filepath.Join(t.TempDir(), "dict.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	d, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, d.Tags(), 1)

	// WHEN: The file changes and the dictionary reloads
	updated := sampleYAML + `
  - kind: structure
    key: frame
    value: 1.05
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, d.Reload(path))

	// THEN: The new factor is served
	v, ok := d.Factor(KindStructure, "frame")
	require.True(t, ok)
	assert.InDelta(t, 1.05, v, 1e-9)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
