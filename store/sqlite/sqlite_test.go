package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func testIndex(id, taskID, tag string) index.CostIndex {
	return index.CostIndex{
		ID: id,
		Dimensions: index.Dimensions{
			TagCode: tag, Space: "DS", Profession: "civil", PriceBaseDate: "2025-01",
		},
		SampleCount: 4, Mean: 2500, Median: 2450, StdDev: 120, Min: 2300, Max: 2700,
		P25: 2400, P50: 2450, P75: 2600, RecommendedValue: 2450,
		QualityLevel: index.QualityA, QualityScore: 88.5, Status: index.IndexDraft,
		CalcTaskID: taskID, SampleDigest: "d-" + id, CreatedAt: t0,
	}
}

func record(idx index.CostIndex) index.IndexRecord {
	return index.IndexRecord{
		Index: idx,
		Samples: []index.IndexSample{
			{IndexID: idx.ID, UnitID: "u1", Value: 2300},
			{IndexID: idx.ID, UnitID: "u2", Value: 9000, IsOutlier: true, OutlierReason: "iqr"},
		},
	}
}

func completedTask(id string) index.CalcTask {
	done := t0.Add(time.Minute)
	return index.CalcTask{
		ID: id, Name: id, Type: index.TaskFull, Scope: index.DefaultScope,
		Status: index.TaskCompleted, PriceBaseDate: "2025-01", OutlierMethod: index.OutlierIQR,
		MinSampleCount: 3, CreatedAt: t0, StartedAt: &t0, CompletedAt: &done,
	}
}

func seedTask(t *testing.T, s *Store, task index.CalcTask, indexes ...index.CostIndex) {
	t.Helper()
	ctx := context.Background()
	pending := task
	pending.Status = index.TaskRunning
	require.NoError(t, s.CreateTask(ctx, pending))

	var records []index.IndexRecord
	for _, idx := range indexes {
		records = append(records, record(idx))
	}
	require.NoError(t, s.AppendIndexes(ctx, task.ID, records))
	require.NoError(t, s.CompleteTask(ctx, task))
}

// =============================================================================
// SCHEMA
// =============================================================================

func TestMigrate_NewAppliesLatestVersion(t *testing.T) {
	// GIVEN: A freshly opened store
	// WHEN: Reading the migration version
	// THEN: The initial migration is applied and clean

	s := newTestStore(t)
	version, dirty, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-applying is a no-op
	require.NoError(t, s.MigrateUp())
}

// =============================================================================
// FACTS AND TASKS
// =============================================================================

func TestFacts_AppendIgnoresDuplicates(t *testing.T) {
	// GIVEN: Two facts, one delivered twice
	// WHEN: Appending them
	// THEN: Only distinct keys are stored, in delivery order

	s := newTestStore(t)
	ctx := context.Background()

	f1 := index.UnitCostFact{UnitID: "u1", TagCode: "OFFICE", Space: "DS", Profession: "civil",
		PriceBaseDate: "2025-01", TotalCost: 240000, UnitCost: 2400, Area: 100, Confidence: 0.9}
	f2 := f1
	f2.UnitID = "u2"
	f2.UnitCost = 2500

	n, err := s.AppendFacts(ctx, []index.UnitCostFact{f1, f2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.AppendFacts(ctx, []index.UnitCostFact{f1})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	facts, err := s.ListFacts(ctx, "2025-01")
	require.NoError(t, err)
	if diff := cmp.Diff([]index.UnitCostFact{f1, f2}, facts); diff != "" {
		t.Errorf("facts mismatch (-want +got):\n%s", diff)
	}

	other, err := s.ListFacts(ctx, "2024-12")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTasks_RoundTrip(t *testing.T) {
	// GIVEN: A stored task
	// WHEN: Updating its progress and reading it back
	// THEN: Every field survives

	s := newTestStore(t)
	ctx := context.Background()

	task := index.CalcTask{
		ID: "task-1", Name: "January", Type: index.TaskIncremental, Scope: "GLOBAL",
		Status: index.TaskPending, PriceBaseDate: "2025-01", OutlierMethod: index.OutlierZScore,
		OutlierThreshold: 2.5, MinSampleCount: 3, RecommendedQuantile: index.P50, Rollup: true,
		CreatedAt: t0,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	started := t0.Add(time.Second)
	task.Status = index.TaskRunning
	task.StartedAt = &started
	task.TotalCombinations = 10
	task.GeneratedCount = 4
	task.SkippedCount = 1
	task.Warnings = []string{"OFFICE/DS/civil: insufficient sample"}
	require.NoError(t, s.UpdateTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(task, *got); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}

	running, err := s.ListTasks(ctx, index.TaskRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	missing, err := s.GetTask(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = s.UpdateTask(ctx, index.CalcTask{ID: "nope"})
	assert.True(t, index.IsNotFound(err))
}

func TestTasks_CorruptWarningsIsAnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, index.CalcTask{
		ID: "task-1", Type: index.TaskFull, Status: index.TaskPending, PriceBaseDate: "2025-01", CreatedAt: t0,
	}))
	_, err := s.db.ExecContext(ctx, `UPDATE calc_tasks SET warnings_json = '{not json' WHERE id = 'task-1'`)
	require.NoError(t, err)

	_, err = s.GetTask(ctx, "task-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task-1")

	_, err = s.ListTasks(ctx, "")
	assert.Error(t, err)
}

// =============================================================================
// INDEXES
// =============================================================================

func TestIndexes_InvisibleUntilTaskCompletes(t *testing.T) {
	// GIVEN: A running task with staged rows
	// WHEN: Reading before and after completion
	// THEN: Rows appear only after CompleteTask

	s := newTestStore(t)
	ctx := context.Background()

	task := completedTask("task-1")
	running := task
	running.Status = index.TaskRunning
	require.NoError(t, s.CreateTask(ctx, running))
	require.NoError(t, s.AppendIndexes(ctx, task.ID, []index.IndexRecord{record(testIndex("idx-1", task.ID, "OFFICE"))}))

	got, err := s.GetIndex(ctx, "idx-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	page, err := s.QueryIndexes(ctx, index.IndexFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)

	require.NoError(t, s.CompleteTask(ctx, task))

	got, err = s.GetIndex(ctx, "idx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(testIndex("idx-1", task.ID, "OFFICE"), *got); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	samples, err := s.ListSamples(ctx, "idx-1")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.True(t, samples[1].IsOutlier)
	assert.Equal(t, "iqr", samples[1].OutlierReason)
}

func TestIndexes_RecomputeSupersedesSameTuple(t *testing.T) {
	// GIVEN: Two completed tasks producing the same tuple
	// WHEN: Querying
	// THEN: Only the newer row is current; the older one names its successor

	s := newTestStore(t)
	ctx := context.Background()

	seedTask(t, s, completedTask("task-1"), testIndex("idx-1", "task-1", "OFFICE"), testIndex("idx-2", "task-1", "SCHOOL"))
	seedTask(t, s, completedTask("task-2"), testIndex("idx-3", "task-2", "OFFICE"))

	page, err := s.QueryIndexes(ctx, index.IndexFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	var ids []string
	for _, idx := range page.Items {
		ids = append(ids, idx.ID)
	}
	assert.ElementsMatch(t, []string{"idx-2", "idx-3"}, ids)

	old, err := s.GetIndex(ctx, "idx-1")
	require.NoError(t, err)
	assert.Equal(t, "task-2", old.SupersededBy)

	all, err := s.QueryIndexes(ctx, index.IndexFilter{TagCode: "OFFICE", IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
}

func TestIndexes_QueryPaginates(t *testing.T) {
	// GIVEN: Three current indexes
	// WHEN: Requesting page 2 of size 2
	// THEN: The last index in key order is returned with the full total

	s := newTestStore(t)
	seedTask(t, s, completedTask("task-1"),
		testIndex("idx-a", "task-1", "A"), testIndex("idx-b", "task-1", "B"), testIndex("idx-c", "task-1", "C"))

	page, err := s.QueryIndexes(context.Background(), index.IndexFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "idx-c", page.Items[0].ID)
}

func TestIndexes_DiscardDropsStagedRows(t *testing.T) {
	// GIVEN: A cancelled task with staged rows
	// WHEN: Discarding it
	// THEN: The rows never become visible, even if the task is later completed

	s := newTestStore(t)
	ctx := context.Background()

	task := completedTask("task-1")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.AppendIndexes(ctx, task.ID, []index.IndexRecord{record(testIndex("idx-1", task.ID, "OFFICE"))}))
	require.NoError(t, s.DiscardTask(ctx, task.ID))
	require.NoError(t, s.CompleteTask(ctx, task))

	got, err := s.GetIndex(ctx, "idx-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// VERSIONS AND PUBLISH
// =============================================================================

func TestVersions_OptimisticRevision(t *testing.T) {
	// GIVEN: A stored version at revision 0
	// WHEN: Two writers update with the same expected revision
	// THEN: The second one gets ErrVersionConflict

	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, completedTask("task-1"), testIndex("idx-1", "task-1", "OFFICE"))

	v := publish.IndexVersion{ID: "v1", Name: "Jan", PriceBaseDate: "2025-01",
		Status: publish.StatusDraft, SourceTaskID: "task-1", IndexIDs: []string{"idx-1"}, CreatedAt: t0}
	require.NoError(t, s.CreateVersion(ctx, v))

	idx, err := s.GetIndex(ctx, "idx-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", idx.VersionID)

	v.Status = publish.StatusReviewing
	require.NoError(t, s.UpdateVersion(ctx, v, 0))
	err = s.UpdateVersion(ctx, v, 0)
	assert.True(t, errors.Is(err, publish.ErrVersionConflict))

	got, err := s.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Revision)
	assert.Equal(t, publish.StatusReviewing, got.Status)
	assert.Equal(t, []string{"idx-1"}, got.IndexIDs)

	byVersion, err := s.QueryIndexes(ctx, index.IndexFilter{VersionID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 1, byVersion.Total)
}

func TestApplyPublish_ClosesSTRAndAppendsPointers(t *testing.T) {
	// GIVEN: v1 published, then v2 published for the same series
	// WHEN: Applying the second publication
	// THEN: v1 is archived, the v1 STR row is closed, and the pointer log has both rows

	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, completedTask("task-1"), testIndex("idx-1", "task-1", "OFFICE"))
	seedTask(t, s, completedTask("task-2"), testIndex("idx-2", "task-2", "OFFICE"))

	publishVersion := func(id, indexID, prev string, at time.Time, archive []string) {
		v := publish.IndexVersion{ID: id, Name: id, PriceBaseDate: "2025-01",
			Status: publish.StatusApproved, IndexIDs: []string{indexID}, CreatedAt: t0}
		require.NoError(t, s.CreateVersion(ctx, v))
		v.Status = publish.StatusPublished
		v.PublishedAt = &at
		v.PublishedBy = "alice"
		idx, err := s.GetIndex(ctx, indexID)
		require.NoError(t, err)
		require.NoError(t, s.ApplyPublish(ctx, publish.PublishBatch{
			Version: v, ExpectedRevision: 0, Archive: archive,
			STRValues: []publish.STRValue{{
				ID: "str-" + id, VersionID: id, IndexID: indexID,
				SeriesKey: publish.SeriesKey(idx.Dimensions), Quantile: index.P50,
				Value: decimal.NewFromFloat(idx.P50), EffectiveFrom: at,
			}},
			Pointers: []publish.VersionPointer{{
				ID: "ptr-" + id, Scope: publish.ScopeGlobal, VersionID: id,
				PreviousVersionID: prev, SwitchedBy: "alice", SwitchedAt: at,
			}},
		}))
	}
	at1, at2 := t0.Add(time.Hour), t0.Add(2*time.Hour)
	publishVersion("v1", "idx-1", "", at1, nil)
	publishVersion("v2", "idx-2", "v1", at2, []string{"v1"})

	v1, err := s.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, publish.StatusArchived, v1.Status)
	idx1, err := s.GetIndex(ctx, "idx-1")
	require.NoError(t, err)
	assert.Equal(t, index.IndexArchived, idx1.Status)
	idx2, err := s.GetIndex(ctx, "idx-2")
	require.NoError(t, err)
	assert.Equal(t, index.IndexPublished, idx2.Status)

	old, err := s.GetSTRValue(ctx, "v1", "idx-1", index.P50)
	require.NoError(t, err)
	require.NotNil(t, old.EffectiveTo)
	assert.True(t, old.EffectiveTo.Equal(at2))
	assert.True(t, old.Value.Equal(decimal.NewFromInt(2450)))

	cur, err := s.CurrentPointer(ctx, publish.ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, "v2", cur.VersionID)
	assert.Equal(t, "v1", cur.PreviousVersionID)

	history, err := s.PointerHistory(ctx, publish.ScopeGlobal, "")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "v1", history[1].VersionID)

	currents, err := s.CurrentPointers(ctx)
	require.NoError(t, err)
	assert.Len(t, currents, 1)
}

func TestApplyPublish_KeepsSTROfVersionCurrentElsewhere(t *testing.T) {
	// GIVEN: v1 published globally
	// WHEN: v2 is published for one org without archiving v1
	// THEN: v1's STR row stays open next to v2's

	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, completedTask("task-1"), testIndex("idx-1", "task-1", "OFFICE"))
	seedTask(t, s, completedTask("task-2"), testIndex("idx-2", "task-2", "OFFICE"))

	publishVersion := func(id, indexID string, scope publish.Scope, scopeID string, at time.Time) {
		v := publish.IndexVersion{ID: id, Name: id, PriceBaseDate: "2025-01",
			Status: publish.StatusApproved, IndexIDs: []string{indexID}, CreatedAt: t0}
		require.NoError(t, s.CreateVersion(ctx, v))
		v.Status = publish.StatusPublished
		v.PublishedAt = &at
		idx, err := s.GetIndex(ctx, indexID)
		require.NoError(t, err)
		require.NoError(t, s.ApplyPublish(ctx, publish.PublishBatch{
			Version: v, ExpectedRevision: 0,
			STRValues: []publish.STRValue{{
				ID: "str-" + id, VersionID: id, IndexID: indexID,
				SeriesKey: publish.SeriesKey(idx.Dimensions), Quantile: index.P50,
				Value: decimal.NewFromFloat(idx.P50), EffectiveFrom: at,
			}},
			Pointers: []publish.VersionPointer{{
				ID: "ptr-" + id, Scope: scope, ScopeID: scopeID, VersionID: id, SwitchedAt: at,
			}},
		}))
	}
	publishVersion("v1", "idx-1", publish.ScopeGlobal, "", t0.Add(time.Hour))
	publishVersion("v2", "idx-2", publish.ScopeOrg, "org-9", t0.Add(2*time.Hour))

	for _, id := range []string{"v1", "v2"} {
		rows, err := s.ListSTRValues(ctx, id)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Nil(t, rows[0].EffectiveTo, id)
	}
}

func TestReviewItems_Resolve(t *testing.T) {
	// GIVEN: A blocking review item
	// WHEN: Resolving it
	// THEN: The stored item is resolved with the actor recorded

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddReviewItem(ctx, publish.ReviewItem{
		ID: "ri-1", VersionID: "v1", Severity: publish.SeverityBlocking, Message: "check P75", CreatedAt: t0,
	}))
	at := t0.Add(time.Hour)
	require.NoError(t, s.ResolveReviewItem(ctx, publish.ReviewItem{ID: "ri-1", ResolvedBy: "bob", ResolvedAt: &at}))

	items, err := s.ListReviewItems(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Resolved)
	assert.Equal(t, "bob", items[0].ResolvedBy)

	err = s.ResolveReviewItem(ctx, publish.ReviewItem{ID: "nope"})
	assert.True(t, index.IsNotFound(err))
}

// =============================================================================
// SCENARIOS AND SNAPSHOTS
// =============================================================================

func TestScenario_LockIsOneWay(t *testing.T) {
	// GIVEN: An unlocked scenario
	// WHEN: Locking it twice
	// THEN: The second lock is a freeze violation and the scenario stays bound

	s := newTestStore(t)
	ctx := context.Background()

	area := 1200.0
	sc := estimation.Scenario{ID: "sc-1", Name: "Tower", IndexVersionID: "v1", Quantile: index.P50,
		Inputs: []estimation.UnitInput{{UnitID: "u1", FunctionTag: "OFFICE", TotalArea: area}}, CreatedAt: t0}
	require.NoError(t, s.CreateScenario(ctx, sc))

	at := t0.Add(time.Minute)
	sc.IsLocked = true
	sc.LockedAt = &at
	require.NoError(t, s.LockScenario(ctx, sc))
	err := s.LockScenario(ctx, sc)
	assert.True(t, estimation.IsFreezeViolation(err))

	got, err := s.GetScenario(ctx, "sc-1")
	require.NoError(t, err)
	assert.True(t, got.IsLocked)
	assert.Equal(t, "v1", got.IndexVersionID)
	require.Len(t, got.Inputs, 1)
	assert.Equal(t, area, got.Inputs[0].TotalArea)

	n, err := s.CountLockedScenarios(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	// GIVEN: A saved snapshot
	// WHEN: Reading it back by id and by scenario
	// THEN: Totals and rows survive exactly

	s := newTestStore(t)
	ctx := context.Background()

	snap := estimation.Snapshot{
		ID: "snap-1", ScenarioID: "sc-1", IndexVersionID: "v1", Quantile: index.P50,
		Rows: []estimation.ResultRow{{UnitID: "u1", Space: "DS", Profession: "civil", IndexID: "idx-1",
			TotalCost: decimal.RequireFromString("2940000.00")}},
		TotalCost:    decimal.RequireFromString("2940000.00"),
		TotalArea:    decimal.NewFromInt(1200),
		UnitCost:     decimal.NewFromInt(2450),
		UsedIndexIDs: []string{"idx-1"},
		CreatedAt:    t0,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TotalCost.Equal(snap.TotalCost))
	assert.Equal(t, []string{"idx-1"}, got.UsedIndexIDs)
	require.Len(t, got.Rows, 1)
	assert.True(t, got.Rows[0].TotalCost.Equal(snap.Rows[0].TotalCost))

	list, err := s.ListSnapshots(ctx, "sc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
