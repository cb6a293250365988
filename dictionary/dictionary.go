/*
Package dictionary holds the reference data delivered by collaborators.

PURPOSE:
  The estimation calculator needs three lookups it does not own:
    - FunctionTag: which (space, profession) pairs a building function implies
    - ScaleRange:  which size band a functional scale falls into
    - Factors:     default adjustment factor values by kind and key

  The data is maintained elsewhere and delivered as a YAML file. This
  package only loads, validates and serves it.

HOW IT WORKS:
  A Dictionary is read-mostly. Replace swaps the whole content under a write
  lock so a reload never exposes a half-loaded dictionary to readers.

SPACES:
  DS  above-ground
  DX  underground
  SW  outdoor
  QT  other

SEE ALSO:
  - load.go: YAML loading
  - estimation/factors.go: Factor resolution against the dictionary
*/
package dictionary

import (
	"fmt"
	"sort"
	"sync"
)

// Space codes.
const (
	SpaceAboveGround = "DS"
	SpaceUnderground = "DX"
	SpaceOutdoor     = "SW"
	SpaceOther       = "QT"
)

// =============================================================================
// FUNCTION TAGS
// =============================================================================

// FunctionTag describes a building function and the cost lines it implies.
type FunctionTag struct {
	Code          string   `yaml:"code" json:"code"`
	Name          string   `yaml:"name" json:"name"`
	DefaultSpaces []string `yaml:"default_spaces" json:"default_spaces"`
	Professions   []string `yaml:"professions" json:"professions"`
}

// Pair is one (space, profession) cost line.
type Pair struct {
	Space      string
	Profession string
}

// Pairs returns DefaultSpaces x Professions in declaration order.
func (t FunctionTag) Pairs() []Pair {
	out := make([]Pair, 0, len(t.DefaultSpaces)*len(t.Professions))
	for _, s := range t.DefaultSpaces {
		for _, p := range t.Professions {
			out = append(out, Pair{Space: s, Profession: p})
		}
	}
	return out
}

// =============================================================================
// SCALE RANGES
// =============================================================================

// ScaleRange is a half-open size band [Min, Max) for one tag. Max of zero
// means unbounded.
type ScaleRange struct {
	Code    string  `yaml:"code" json:"code"`
	TagCode string  `yaml:"tag_code" json:"tag_code"`
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Match reports whether v falls inside the band.
func (r ScaleRange) Match(v float64) bool {
	if v < r.Min {
		return false
	}
	return r.Max <= 0 || v < r.Max
}

// =============================================================================
// FACTORS
// =============================================================================

// Factor kinds. The estimation factor chain applies them in this order.
const (
	KindRegion    = "region"
	KindQuality   = "quality"
	KindStructure = "structure"
	KindCustom    = "custom"
)

// FactorKinds lists the factor kinds in chain order.
var FactorKinds = []string{KindRegion, KindQuality, KindStructure, KindCustom}

// FactorEntry is one default factor value.
type FactorEntry struct {
	Kind  string  `yaml:"kind" json:"kind"`
	Key   string  `yaml:"key" json:"key"`
	Value float64 `yaml:"value" json:"value"`
}

// =============================================================================
// DICTIONARY
// =============================================================================

// Content is the raw dictionary payload.
type Content struct {
	Tags        []FunctionTag `yaml:"tags"`
	ScaleRanges []ScaleRange  `yaml:"scale_ranges"`
	Factors     []FactorEntry `yaml:"factors"`
}

// Validate checks the payload for structural errors.
func (c Content) Validate() error {
	tags := make(map[string]bool, len(c.Tags))
	for _, t := range c.Tags {
		if t.Code == "" {
			return fmt.Errorf("tag without code")
		}
		if tags[t.Code] {
			return fmt.Errorf("duplicate tag %s", t.Code)
		}
		if len(t.DefaultSpaces) == 0 || len(t.Professions) == 0 {
			return fmt.Errorf("tag %s: needs default spaces and professions", t.Code)
		}
		tags[t.Code] = true
	}
	for _, r := range c.ScaleRanges {
		if r.Code == "" || r.TagCode == "" {
			return fmt.Errorf("scale range needs code and tag code")
		}
		if !tags[r.TagCode] {
			return fmt.Errorf("scale range %s: unknown tag %s", r.Code, r.TagCode)
		}
		if r.Max > 0 && r.Max <= r.Min {
			return fmt.Errorf("scale range %s: max %v must exceed min %v", r.Code, r.Max, r.Min)
		}
	}
	for _, f := range c.Factors {
		if !validKind(f.Kind) {
			return fmt.Errorf("factor %s: unknown kind %q", f.Key, f.Kind)
		}
		if f.Value <= 0 {
			return fmt.Errorf("factor %s/%s: value must be positive", f.Kind, f.Key)
		}
	}
	return nil
}

func validKind(k string) bool {
	for _, kind := range FactorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type factorKey struct {
	kind, key string
}

// Dictionary serves tags, scale ranges and factors. Safe for concurrent use.
type Dictionary struct {
	mu      sync.RWMutex
	tags    map[string]FunctionTag
	scales  map[string][]ScaleRange // by tag, sorted by Min
	factors map[factorKey]float64
}

// New builds a dictionary from validated content.
func New(c Content) (*Dictionary, error) {
	d := &Dictionary{}
	if err := d.Replace(c); err != nil {
		return nil, err
	}
	return d, nil
}

// Replace swaps the dictionary content.
func (d *Dictionary) Replace(c Content) error {
	if err := c.Validate(); err != nil {
		return err
	}
	tags := make(map[string]FunctionTag, len(c.Tags))
	for _, t := range c.Tags {
		tags[t.Code] = t
	}
	scales := make(map[string][]ScaleRange)
	for _, r := range c.ScaleRanges {
		scales[r.TagCode] = append(scales[r.TagCode], r)
	}
	for _, rs := range scales {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Min < rs[j].Min })
	}
	factors := make(map[factorKey]float64, len(c.Factors))
	for _, f := range c.Factors {
		factors[factorKey{f.Kind, f.Key}] = f.Value
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags, d.scales, d.factors = tags, scales, factors
	return nil
}

// Tag returns a function tag by code.
func (d *Dictionary) Tag(code string) (FunctionTag, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tags[code]
	return t, ok
}

// Tags returns every tag sorted by code.
func (d *Dictionary) Tags() []FunctionTag {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]FunctionTag, 0, len(d.tags))
	for _, t := range d.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// MatchScale returns the first scale range of a tag containing v.
func (d *Dictionary) MatchScale(tagCode string, v float64) (ScaleRange, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.scales[tagCode] {
		if r.Match(v) {
			return r, true
		}
	}
	return ScaleRange{}, false
}

// Factor returns the default value of a factor.
func (d *Dictionary) Factor(kind, key string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.factors[factorKey{kind, key}]
	return v, ok
}
