// Package memory provides an in-memory implementation of every store
// interface, for tests and dev.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	facts    []index.UnitCostFact
	factKeys map[factKey]bool

	tasks map[string]index.CalcTask

	indexes   map[string]*indexRow
	taskRows  map[string][]string // task id -> index ids, in append order
	completed map[string]bool     // task ids whose rows are visible

	versions       map[string]publish.IndexVersion
	versionIndexes map[string][]string
	reviewItems    []publish.ReviewItem
	strValues      []publish.STRValue
	pointers       []publish.VersionPointer

	scenarios map[string]estimation.Scenario
	snapshots []estimation.Snapshot
}

type factKey struct {
	UnitID, Space, Profession, PriceBaseDate string
}

type indexRow struct {
	index   index.CostIndex
	samples []index.IndexSample
}

var (
	_ index.Store      = (*Memory)(nil)
	_ publish.Store    = (*Memory)(nil)
	_ estimation.Store = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{
		factKeys:       make(map[factKey]bool),
		tasks:          make(map[string]index.CalcTask),
		indexes:        make(map[string]*indexRow),
		taskRows:       make(map[string][]string),
		completed:      make(map[string]bool),
		versions:       make(map[string]publish.IndexVersion),
		versionIndexes: make(map[string][]string),
		scenarios:      make(map[string]estimation.Scenario),
	}
}

// =============================================================================
// FACTS
// =============================================================================

// AppendFacts adds facts, skipping ones already stored. Append-only.
func (m *Memory) AppendFacts(_ context.Context, facts []index.UnitCostFact) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, f := range facts {
		k := factKey{f.UnitID, f.Space, f.Profession, f.PriceBaseDate}
		if m.factKeys[k] {
			continue
		}
		m.factKeys[k] = true
		m.facts = append(m.facts, f)
		added++
	}
	return added, nil
}

func (m *Memory) ListFacts(_ context.Context, priceBaseDate string) ([]index.UnitCostFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []index.UnitCostFact
	for _, f := range m.facts {
		if f.PriceBaseDate == priceBaseDate {
			out = append(out, f)
		}
	}
	return out, nil
}

// =============================================================================
// TASKS
// =============================================================================

func (m *Memory) CreateTask(_ context.Context, task index.CalcTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, task index.CalcTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return index.NewNotFound("task", task.ID)
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*index.CalcTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	t = cloneTask(t)
	return &t, nil
}

func (m *Memory) ListTasks(_ context.Context, status index.TaskStatus) ([]index.CalcTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []index.CalcTask
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func cloneTask(t index.CalcTask) index.CalcTask {
	t.Warnings = append([]string(nil), t.Warnings...)
	return t
}

// =============================================================================
// INDEXES
// =============================================================================

// AppendIndexes stages rows of a running task.
func (m *Memory) AppendIndexes(_ context.Context, taskID string, records []index.IndexRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		idx := r.Index
		idx.CalcTaskID = taskID
		m.indexes[idx.ID] = &indexRow{index: idx, samples: append([]index.IndexSample(nil), r.Samples...)}
		m.taskRows[taskID] = append(m.taskRows[taskID], idx.ID)
	}
	return nil
}

// CompleteTask publishes the task's rows to readers and supersedes older
// rows with the same tuple.
func (m *Memory) CompleteTask(_ context.Context, task index.CalcTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		return index.NewNotFound("task", task.ID)
	}
	fresh := make(map[string]bool)
	for _, id := range m.taskRows[task.ID] {
		fresh[m.indexes[id].index.Dimensions.Key()] = true
	}
	for _, row := range m.indexes {
		if row.index.CalcTaskID == task.ID || !m.completed[row.index.CalcTaskID] {
			continue
		}
		if row.index.SupersededBy == "" && fresh[row.index.Dimensions.Key()] {
			row.index.SupersededBy = task.ID
		}
	}
	m.completed[task.ID] = true
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// DiscardTask drops the staged rows of a task.
func (m *Memory) DiscardTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completed[taskID] {
		return nil
	}
	for _, id := range m.taskRows[taskID] {
		delete(m.indexes, id)
	}
	delete(m.taskRows, taskID)
	return nil
}

func (m *Memory) visible(row *indexRow) bool {
	return m.completed[row.index.CalcTaskID]
}

func (m *Memory) GetIndex(_ context.Context, id string) (*index.CostIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.indexes[id]
	if !ok || !m.visible(row) {
		return nil, nil
	}
	idx := row.index
	return &idx, nil
}

func (m *Memory) QueryIndexes(_ context.Context, f index.IndexFilter) (index.Page[index.CostIndex], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var members map[string]bool
	if f.VersionID != "" {
		members = make(map[string]bool)
		for _, id := range m.versionIndexes[f.VersionID] {
			members[id] = true
		}
	}

	var all []index.CostIndex
	for id, row := range m.indexes {
		if !m.visible(row) || (members != nil && !members[id]) {
			continue
		}
		if matchIndex(row.index, f) {
			all = append(all, row.index)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ki, kj := all[i].Dimensions.Key(), all[j].Dimensions.Key()
		if ki != kj {
			return ki < kj
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, f.Page, f.PageSize), nil
}

func matchIndex(idx index.CostIndex, f index.IndexFilter) bool {
	switch {
	case !f.IncludeSuperseded && idx.SupersededBy != "":
		return false
	case f.TagCode != "" && idx.TagCode != f.TagCode:
		return false
	case f.Space != "" && idx.Space != f.Space:
		return false
	case f.Profession != "" && idx.Profession != f.Profession:
		return false
	case f.ScaleRangeCode != "" && idx.ScaleRangeCode != f.ScaleRangeCode:
		return false
	case f.RegionCode != "" && idx.RegionCode != f.RegionCode:
		return false
	case f.PriceBaseDate != "" && idx.PriceBaseDate != f.PriceBaseDate:
		return false
	case f.Status != "" && idx.Status != f.Status:
		return false
	case f.QualityLevel != "" && idx.QualityLevel != f.QualityLevel:
		return false
	case f.TaskID != "" && idx.CalcTaskID != f.TaskID:
		return false
	}
	return true
}

func paginate[T any](items []T, page, size int) index.Page[T] {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = index.DefaultPageSize
	}
	out := index.Page[T]{Total: len(items), Page: page, PageSize: size, Items: []T{}}
	start := (page - 1) * size
	if start >= len(items) {
		return out
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	out.Items = append(out.Items, items[start:end]...)
	return out
}

func (m *Memory) ListSamples(_ context.Context, indexID string) ([]index.IndexSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.indexes[indexID]
	if !ok || !m.visible(row) {
		return nil, nil
	}
	return append([]index.IndexSample(nil), row.samples...), nil
}

func (m *Memory) SetIndexStatus(_ context.Context, ids []string, status index.IndexStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setIndexStatusLocked(ids, status)
	return nil
}

func (m *Memory) setIndexStatusLocked(ids []string, status index.IndexStatus) {
	for _, id := range ids {
		if row, ok := m.indexes[id]; ok {
			row.index.Status = status
		}
	}
}
