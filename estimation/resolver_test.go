package estimation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cost-index-engine/estimation"
)

func TestResolve_PicksMostSpecificLevel(t *testing.T) {
	// GIVEN: A version with indexes segmented at every granularity
	// WHEN: Resolving targets of decreasing specificity
	// THEN: The first rung with a match wins and the path lists every rung tried

	f := newFixture(t)
	ctx := context.Background()
	v := f.publishTask(t, "task-1",
		ix("a", "OFFICE", "DS", "TJ", "S1", "EAST", 2800, 80),
		ix("b", "OFFICE", "DS", "TJ", "S1", "", 2700, 95),
		ix("c", "OFFICE", "DS", "TJ", "", "", 2600, 90),
		ix("d", "OFFICE", "DS", "TJ", "S2", "WEST", 3000, 99),
		ix("m", "MIXED", "DS", "TJ", "S9", "NORTH", 1800, 60),
	)

	tests := []struct {
		name       string
		target     estimation.Target
		wantID     string
		wantLevel  estimation.Level
		wantPath   []estimation.Level
		confidence float64
	}{
		{
			name:       "exact",
			target:     estimation.Target{TagCode: "OFFICE", Space: "DS", Profession: "TJ", ScaleRangeCode: "S1", RegionCode: "EAST"},
			wantID:     "a",
			wantLevel:  estimation.L4,
			wantPath:   []estimation.Level{estimation.L4},
			confidence: 0.8,
		},
		{
			name:       "region dropped",
			target:     estimation.Target{TagCode: "OFFICE", Space: "DS", Profession: "TJ", ScaleRangeCode: "S1", RegionCode: "WEST"},
			wantID:     "b",
			wantLevel:  estimation.L3,
			wantPath:   []estimation.Level{estimation.L4, estimation.L3},
			confidence: 0.95 * 0.85,
		},
		{
			name:       "scale dropped",
			target:     estimation.Target{TagCode: "OFFICE", Space: "DS", Profession: "TJ", ScaleRangeCode: "S2", RegionCode: "EAST"},
			wantID:     "c",
			wantLevel:  estimation.L2,
			wantPath:   []estimation.Level{estimation.L4, estimation.L3, estimation.L2},
			confidence: 0.9 * 0.7,
		},
		{
			name:       "anything for the tag",
			target:     estimation.Target{TagCode: "MIXED", Space: "DS", Profession: "TJ", ScaleRangeCode: "S1", RegionCode: "EAST"},
			wantID:     "m",
			wantLevel:  estimation.L1,
			wantPath:   []estimation.Level{estimation.L4, estimation.L3, estimation.L2, estimation.L1},
			confidence: 0.6 * 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.resolver.Resolve(ctx, v.ID, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, res.Index.ID)
			assert.Equal(t, tt.wantLevel, res.Level)
			assert.Equal(t, tt.wantPath, res.FallbackPath)
			assert.InDelta(t, tt.confidence, res.Confidence, 1e-9)
			if tt.wantLevel == estimation.L4 {
				assert.Empty(t, res.Warnings)
			} else {
				assert.Len(t, res.Warnings, 1)
			}
		})
	}
}

func TestResolve_TieBrokenByQuality(t *testing.T) {
	// GIVEN: Two L2 candidates for the same target
	// WHEN: Resolving
	// THEN: The higher quality score wins

	f := newFixture(t)
	v := f.publishTask(t, "task-1",
		ix("low", "OFFICE", "DS", "TJ", "", "", 2500, 70),
		ix("high", "OFFICE", "DS", "", "", "", 2550, 92),
	)

	res, err := f.resolver.Resolve(context.Background(), v.ID,
		estimation.Target{TagCode: "OFFICE", Space: "DS", ScaleRangeCode: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "high", res.Index.ID)
	assert.Equal(t, estimation.L2, res.Level)
}

func TestResolve_Exhausted(t *testing.T) {
	// GIVEN: A version without any index for the requested space
	// WHEN: Resolving
	// THEN: FallbackExhaustedError carries the full path

	f := newFixture(t)
	v := f.publishTask(t, "task-1", ix("c", "OFFICE", "DS", "TJ", "", "", 2600, 90))

	_, err := f.resolver.Resolve(context.Background(), v.ID,
		estimation.Target{TagCode: "OFFICE", Space: "DX", Profession: "TJ"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, estimation.ErrFallbackExhausted))

	var gap *estimation.FallbackExhaustedError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, []estimation.Level{estimation.L4, estimation.L3, estimation.L2, estimation.L1}, gap.Path)
}

func TestResolve_RequiresPublishedVersion(t *testing.T) {
	// GIVEN: A draft version
	// WHEN: Resolving against it
	// THEN: ErrVersionNotPublished

	f := newFixture(t)
	ctx := context.Background()
	f.publishTask(t, "task-1", ix("c", "OFFICE", "DS", "TJ", "", "", 2600, 90))

	draft := f.draftVersion(t, "task-2", ix("c2", "OFFICE", "DS", "TJ", "", "", 2700, 90))
	_, err := f.resolver.Resolve(ctx, draft, estimation.Target{TagCode: "OFFICE"})
	assert.True(t, errors.Is(err, estimation.ErrVersionNotPublished))

	_, err = f.resolver.Resolve(ctx, draft, estimation.Target{})
	assert.True(t, errors.Is(err, estimation.ErrInvalidInput))
}

func TestRecommend_OrderedByLevel(t *testing.T) {
	// GIVEN: Candidates at every level
	// WHEN: Asking for recommendations
	// THEN: Each index appears once at its most specific level, L4 first

	f := newFixture(t)
	ctx := context.Background()
	v := f.publishTask(t, "task-1",
		ix("a", "OFFICE", "DS", "TJ", "S1", "EAST", 2800, 80),
		ix("b", "OFFICE", "DS", "TJ", "S1", "", 2700, 95),
		ix("c", "OFFICE", "DS", "TJ", "", "", 2600, 90),
		ix("d", "OFFICE", "DS", "TJ", "S2", "WEST", 3000, 99),
	)
	target := estimation.Target{TagCode: "OFFICE", Space: "DS", Profession: "TJ", ScaleRangeCode: "S1", RegionCode: "EAST"}

	recs, err := f.resolver.Recommend(ctx, v.ID, target, 10)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	var ids []string
	var levels []estimation.Level
	for _, r := range recs {
		ids = append(ids, r.Index.ID)
		levels = append(levels, r.Level)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, []estimation.Level{estimation.L4, estimation.L3, estimation.L2, estimation.L1}, levels)

	recs, err = f.service.Recommend(ctx, "", target, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestDecay_Validate(t *testing.T) {
	tests := []struct {
		name    string
		decay   estimation.Decay
		wantErr bool
	}{
		{"default", estimation.DefaultDecay(), false},
		{"flat", estimation.Decay{estimation.L4: 1, estimation.L3: 1, estimation.L2: 1, estimation.L1: 1}, false},
		{"missing level", estimation.Decay{estimation.L4: 1, estimation.L3: 0.8, estimation.L2: 0.6}, true},
		{"above one", estimation.Decay{estimation.L4: 1.2, estimation.L3: 0.8, estimation.L2: 0.6, estimation.L1: 0.4}, true},
		{"negative", estimation.Decay{estimation.L4: 1, estimation.L3: 0.8, estimation.L2: 0.6, estimation.L1: -0.1}, true},
		{"increasing", estimation.Decay{estimation.L4: 0.8, estimation.L3: 0.9, estimation.L2: 0.6, estimation.L1: 0.4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decay.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
