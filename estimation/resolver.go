/*
resolver.go - Fallback ladder over a published index version

PURPOSE:
  Finds the most specific index for an under-specified target. The ladder
  is data: each Rung says how the scale range and region dimensions must
  match. Adding a rung is a change to Ladder, not new branches.

LADDER:
  L4  scale exact, region exact
  L3  scale exact, region unset (region dropped)
  L2  scale unset, region unset (scale dropped too)
  L1  anything for tag + space + profession

  "unset" means the index is not segmented on that dimension. Space and
  profession must match whenever the target supplies them.

CONFIDENCE:
  confidence = qualityScore/100 x Decay[level]

CONCURRENCY:
  Published versions never change, so the index list of a version is
  loaded once and then read without locks.

SEE ALSO:
  - calculator.go: Main caller
  - publish: Versions and their indexes
*/
package estimation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "costindex_fallback_resolutions_total",
	Help: "Fallback resolutions by matched level (none when exhausted)",
}, []string{"level"})

// =============================================================================
// LEVELS AND RUNGS
// =============================================================================

// Level is the specificity tier of a match.
type Level string

const (
	L4 Level = "L4"
	L3 Level = "L3"
	L2 Level = "L2"
	L1 Level = "L1"
)

// MatchMode says how an optional dimension is compared on a rung.
type MatchMode int

const (
	MatchExact MatchMode = iota // index value equals the target value
	MatchUnset                  // index is not segmented on the dimension
	MatchAny                    // dimension ignored
)

func (m MatchMode) matches(want, have string) bool {
	switch m {
	case MatchExact:
		return want == have
	case MatchUnset:
		return have == ""
	default:
		return true
	}
}

// Rung is one step of the fallback ladder.
type Rung struct {
	Level  Level
	Scale  MatchMode
	Region MatchMode
}

// Ladder is searched in order, most specific first.
var Ladder = []Rung{
	{Level: L4, Scale: MatchExact, Region: MatchExact},
	{Level: L3, Scale: MatchExact, Region: MatchUnset},
	{Level: L2, Scale: MatchUnset, Region: MatchUnset},
	{Level: L1, Scale: MatchAny, Region: MatchAny},
}

// Decay maps a level to the confidence multiplier of a match at that level.
type Decay map[Level]float64

// DefaultDecay returns the standard decay table.
func DefaultDecay() Decay {
	return Decay{L4: 1.0, L3: 0.85, L2: 0.7, L1: 0.5}
}

// Validate checks every ladder level has a factor in [0,1] and that
// factors never increase as specificity drops.
func (d Decay) Validate() error {
	prev := 1.0
	for _, r := range Ladder {
		f, ok := d[r.Level]
		if !ok {
			return fmt.Errorf("decay: missing level %s", r.Level)
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("decay: %s factor %v outside [0,1]", r.Level, f)
		}
		if f > prev {
			return fmt.Errorf("decay: %s factor %v exceeds the level above", r.Level, f)
		}
		prev = f
	}
	return nil
}

// Confidence returns the confidence of a match of idx at level.
func (d Decay) Confidence(idx index.CostIndex, level Level) float64 {
	return idx.QualityScore / 100 * d[level]
}

// =============================================================================
// TARGET
// =============================================================================

// Target is the tuple being looked up. TagCode is required.
type Target struct {
	TagCode        string `json:"tag_code"`
	Space          string `json:"space,omitempty"`
	Profession     string `json:"profession,omitempty"`
	ScaleRangeCode string `json:"scale_range_code,omitempty"`
	RegionCode     string `json:"region_code,omitempty"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s scale=%q region=%q", t.TagCode, t.Space, t.Profession, t.ScaleRangeCode, t.RegionCode)
}

func (t Target) matches(r Rung, idx index.CostIndex) bool {
	if idx.TagCode != t.TagCode {
		return false
	}
	if t.Space != "" && idx.Space != t.Space {
		return false
	}
	if t.Profession != "" && idx.Profession != t.Profession {
		return false
	}
	return r.Scale.matches(t.ScaleRangeCode, idx.ScaleRangeCode) &&
		r.Region.matches(t.RegionCode, idx.RegionCode)
}

// =============================================================================
// RESOLVER
// =============================================================================

// Versions is the read side of the publish pipeline.
type Versions interface {
	Get(ctx context.Context, id string) (*publish.IndexVersion, error)
	Indexes(ctx context.Context, id string) ([]index.CostIndex, error)
	CurrentVersion(ctx context.Context, scope publish.Scope, scopeID string) (*publish.IndexVersion, error)
	STRValue(ctx context.Context, versionID, indexID string, q index.Quantile) (*publish.STRValue, error)
}

// Resolution is the outcome of a successful search.
type Resolution struct {
	Index        index.CostIndex `json:"index"`
	Level        Level           `json:"level"`
	FallbackPath []Level         `json:"fallback_path"`
	Confidence   float64         `json:"confidence"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// Recommendation is one candidate returned by Recommend.
type Recommendation struct {
	Index      index.CostIndex `json:"index"`
	Level      Level           `json:"level"`
	Confidence float64         `json:"confidence"`
}

// Resolver searches the ladder within one published version.
type Resolver struct {
	Versions Versions
	Decay    Decay

	cache sync.Map // version id -> map[tag][]index.CostIndex
}

// NewResolver creates a resolver with the default decay table.
func NewResolver(versions Versions) *Resolver {
	return &Resolver{Versions: versions, Decay: DefaultDecay()}
}

// candidates returns the indexes of a version carrying tagCode.
func (r *Resolver) candidates(ctx context.Context, versionID, tagCode string) ([]index.CostIndex, error) {
	if cached, ok := r.cache.Load(versionID); ok {
		return cached.(map[string][]index.CostIndex)[tagCode], nil
	}
	v, err := r.Versions.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !v.Status.WasPublished() {
		return nil, fmt.Errorf("version %s is %s: %w", versionID, v.Status, ErrVersionNotPublished)
	}
	all, err := r.Versions.Indexes(ctx, versionID)
	if err != nil {
		return nil, err
	}
	byTag := make(map[string][]index.CostIndex)
	for _, idx := range all {
		byTag[idx.TagCode] = append(byTag[idx.TagCode], idx)
	}
	actual, _ := r.cache.LoadOrStore(versionID, byTag)
	return actual.(map[string][]index.CostIndex)[tagCode], nil
}

// better orders matches within a level: quality score, then sample count,
// then id for determinism.
func better(a, b index.CostIndex) bool {
	if a.QualityScore != b.QualityScore {
		return a.QualityScore > b.QualityScore
	}
	if a.SampleCount != b.SampleCount {
		return a.SampleCount > b.SampleCount
	}
	return a.ID < b.ID
}

// Resolve returns the best index at the first rung with any match.
func (r *Resolver) Resolve(ctx context.Context, versionID string, t Target) (*Resolution, error) {
	if t.TagCode == "" {
		return nil, fmt.Errorf("target needs a tag code: %w", ErrInvalidInput)
	}
	cands, err := r.candidates(ctx, versionID, t.TagCode)
	if err != nil {
		return nil, err
	}

	var path []Level
	for _, rung := range Ladder {
		path = append(path, rung.Level)
		var best *index.CostIndex
		for i := range cands {
			if !t.matches(rung, cands[i]) {
				continue
			}
			if best == nil || better(cands[i], *best) {
				best = &cands[i]
			}
		}
		if best == nil {
			continue
		}
		res := &Resolution{
			Index:        *best,
			Level:        rung.Level,
			FallbackPath: path,
			Confidence:   r.Decay.Confidence(*best, rung.Level),
		}
		if rung.Level != Ladder[0].Level {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"%s: no exact index, fell back to %s (%s)", t, rung.Level, best.Dimensions))
		}
		resolutionsTotal.WithLabelValues(string(rung.Level)).Inc()
		return res, nil
	}
	resolutionsTotal.WithLabelValues("none").Inc()
	return nil, &FallbackExhaustedError{Target: t, Path: path}
}

// Recommend returns up to maxCount candidates across all rungs, ordered by
// level and then by confidence. Each index appears once, at its most
// specific level.
func (r *Resolver) Recommend(ctx context.Context, versionID string, t Target, maxCount int) ([]Recommendation, error) {
	if t.TagCode == "" {
		return nil, fmt.Errorf("target needs a tag code: %w", ErrInvalidInput)
	}
	if maxCount <= 0 {
		maxCount = 5
	}
	cands, err := r.candidates(ctx, versionID, t.TagCode)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Recommendation
	for _, rung := range Ladder {
		var level []Recommendation
		for _, idx := range cands {
			if seen[idx.ID] || !t.matches(rung, idx) {
				continue
			}
			seen[idx.ID] = true
			level = append(level, Recommendation{Index: idx, Level: rung.Level, Confidence: r.Decay.Confidence(idx, rung.Level)})
		}
		sort.Slice(level, func(i, j int) bool {
			if level[i].Confidence != level[j].Confidence {
				return level[i].Confidence > level[j].Confidence
			}
			return better(level[i].Index, level[j].Index)
		})
		out = append(out, level...)
		if len(out) >= maxCount {
			return out[:maxCount], nil
		}
	}
	return out, nil
}
