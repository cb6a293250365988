package estimation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/cost-index-engine/dictionary"
	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
	"github.com/warp/cost-index-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	store    *memory.Memory
	pipeline *publish.Pipeline
	dict     *dictionary.Dictionary
	resolver *estimation.Resolver
	calc     *estimation.Calculator
	service  *estimation.Service

	mu    sync.Mutex
	clock time.Time
}

func testDictionary(t *testing.T) *dictionary.Dictionary {
	t.Helper()
	d, err := dictionary.New(dictionary.Content{
		Tags: []dictionary.FunctionTag{
			{Code: "OFFICE", Name: "Office", DefaultSpaces: []string{dictionary.SpaceAboveGround}, Professions: []string{"TJ"}},
			{Code: "MIXED", Name: "Mixed use",
				DefaultSpaces: []string{dictionary.SpaceAboveGround, dictionary.SpaceUnderground},
				Professions:   []string{"TJ", "AZ"}},
		},
		ScaleRanges: []dictionary.ScaleRange{
			{Code: "S1", TagCode: "OFFICE", Min: 0, Max: 5000},
			{Code: "S2", TagCode: "OFFICE", Min: 5000},
		},
		Factors: []dictionary.FactorEntry{
			{Kind: dictionary.KindRegion, Key: "EAST", Value: 1.1},
			{Kind: dictionary.KindQuality, Key: "high", Value: 1.2},
		},
	})
	require.NoError(t, err)
	return d
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{store: store, clock: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.pipeline = publish.NewPipeline(store, index.NewCatalog(store), store, nil)
	f.pipeline.Now = f.now
	f.dict = testDictionary(t)
	f.resolver = estimation.NewResolver(f.pipeline)
	f.calc = estimation.NewCalculator(f.pipeline, f.resolver, f.dict, nil)
	f.service = estimation.NewService(store, f.calc, f.pipeline, nil)
	f.service.Now = f.now
	return f
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// ix builds an A-grade index.
func ix(id, tag, space, prof, scale, region string, p50, quality float64) index.CostIndex {
	return index.CostIndex{
		ID: id,
		Dimensions: index.Dimensions{
			TagCode: tag, Space: space, Profession: prof,
			ScaleRangeCode: scale, RegionCode: region, PriceBaseDate: "2025-01",
		},
		SampleCount: 8, P25: p50 - 100, P50: p50, P75: p50 + 100, Median: p50, RecommendedValue: p50,
		QualityLevel: index.QualityA, QualityScore: quality, Status: index.IndexDraft,
	}
}

// draftVersion stores a completed task holding indexes and bundles it into
// a draft version.
func (f *fixture) draftVersion(t *testing.T, taskID string, indexes ...index.CostIndex) string {
	t.Helper()
	ctx := context.Background()
	task := index.CalcTask{
		ID: taskID, Name: taskID, Type: index.TaskFull, Status: index.TaskRunning,
		PriceBaseDate: "2025-01", CreatedAt: f.clock,
	}
	require.NoError(t, f.store.CreateTask(ctx, task))

	records := make([]index.IndexRecord, 0, len(indexes))
	for _, idx := range indexes {
		records = append(records, index.IndexRecord{Index: idx})
	}
	require.NoError(t, f.store.AppendIndexes(ctx, taskID, records))
	task.Status = index.TaskCompleted
	task.TotalCombinations = len(indexes)
	task.GeneratedCount = len(indexes)
	require.NoError(t, f.store.CompleteTask(ctx, task))

	v, err := f.pipeline.CreateFromTask(ctx, publish.CreateRequest{TaskID: taskID})
	require.NoError(t, err)
	return v.ID
}

// publishTask walks a version built from indexes through review to GLOBAL
// publication.
func (f *fixture) publishTask(t *testing.T, taskID string, indexes ...index.CostIndex) *publish.IndexVersion {
	t.Helper()
	ctx := context.Background()
	id := f.draftVersion(t, taskID, indexes...)
	_, err := f.pipeline.Submit(ctx, id, "alice")
	require.NoError(t, err)
	_, err = f.pipeline.Approve(ctx, id, "bob")
	require.NoError(t, err)
	v, err := f.pipeline.Publish(ctx, id, publish.PublishRequest{PublishedBy: "carol"})
	require.NoError(t, err)
	return v
}

func ptr(v float64) *float64 { return &v }
