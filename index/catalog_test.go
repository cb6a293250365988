package index_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/store/memory"
)

func seedCatalog(t *testing.T, n int) (*index.Catalog, *memory.Memory) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	task := index.CalcTask{ID: "task-1", Status: index.TaskRunning, PriceBaseDate: "2025-01", CreatedAt: time.Now()}
	require.NoError(t, store.CreateTask(ctx, task))

	var records []index.IndexRecord
	for i := 0; i < n; i++ {
		records = append(records, index.IndexRecord{
			Index: index.CostIndex{
				ID: fmt.Sprintf("idx-%03d", i),
				Dimensions: index.Dimensions{
					TagCode: fmt.Sprintf("T%03d", i), Space: "DS", Profession: "TJ", PriceBaseDate: "2025-01",
				},
				QualityLevel: index.QualityA,
			},
			Samples: []index.IndexSample{{IndexID: fmt.Sprintf("idx-%03d", i), UnitID: "u1", Value: 1}},
		})
	}
	require.NoError(t, store.AppendIndexes(ctx, task.ID, records))
	task.Status = index.TaskCompleted
	require.NoError(t, store.CompleteTask(ctx, task))
	return index.NewCatalog(store), store
}

func TestCatalog_QueryClampsPageSize(t *testing.T) {
	catalog, _ := seedCatalog(t, 3)

	page, err := catalog.Query(context.Background(), index.IndexFilter{PageSize: 10_000})
	require.NoError(t, err)
	assert.Equal(t, index.MaxPageSize, page.PageSize)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 3, page.Total)

	page, err = catalog.Query(context.Background(), index.IndexFilter{})
	require.NoError(t, err)
	assert.Equal(t, index.DefaultPageSize, page.PageSize)
}

func TestCatalog_AllWalksPages(t *testing.T) {
	// GIVEN: More indexes than one maximum page
	// WHEN: Listing all
	// THEN: Every index is returned once

	catalog, _ := seedCatalog(t, index.MaxPageSize+7)

	all, err := catalog.All(context.Background(), index.IndexFilter{})
	require.NoError(t, err)
	assert.Len(t, all, index.MaxPageSize+7)

	current, err := catalog.Current(context.Background(), "2025-01")
	require.NoError(t, err)
	assert.Len(t, current, index.MaxPageSize+7)
}

func TestCatalog_GetAndSamples(t *testing.T) {
	catalog, _ := seedCatalog(t, 2)
	ctx := context.Background()

	idx, err := catalog.Get(ctx, "idx-001")
	require.NoError(t, err)
	assert.Equal(t, "T001", idx.TagCode)

	samples, err := catalog.Samples(ctx, "idx-001")
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	_, err = catalog.Get(ctx, "missing")
	assert.True(t, index.IsNotFound(err))
	_, err = catalog.Samples(ctx, "missing")
	assert.True(t, index.IsNotFound(err))
}

func TestCatalog_LookupExactTuple(t *testing.T) {
	catalog, _ := seedCatalog(t, 2)

	got, err := catalog.Lookup(context.Background(), index.Dimensions{
		TagCode: "T000", Space: "DS", Profession: "TJ", PriceBaseDate: "2025-01",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "idx-000", got.ID)

	got, err = catalog.Lookup(context.Background(), index.Dimensions{
		TagCode: "T000", Space: "DS", Profession: "TJ", RegionCode: "R1", PriceBaseDate: "2025-01",
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}
