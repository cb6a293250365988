/*
store.go - Persistence interfaces for facts, tasks and indexes

PURPOSE:
  Defines the boundary between the index engine and the database. Different
  implementations use SQLite or in-memory storage.

KEY INTERFACES:
  FactStore:  Tagged unit cost facts (external collaborator boundary)
  TaskStore:  CalcTask records and progress
  IndexStore: Append-only CostIndex + IndexSample rows

APPEND-ONLY CONTRACT:
  CostIndex statistics are never updated. A recompute appends new rows and
  marks the old ones superseded when its task completes. The only mutable
  index column is the lifecycle status driven by the publish pipeline.

VISIBILITY:
  Rows appended by a task stay invisible to GetIndex/QueryIndexes until the
  task is completed through CompleteTask. DiscardTask removes the staged rows
  of a failed or cancelled task.

IMPLEMENTATIONS:
  - store/sqlite: SQLite via database/sql
  - store/memory: In-memory for tests and dev

SEE ALSO:
  - catalog.go: Query surface built on IndexStore
  - calc/runner.go: The only writer of tasks and indexes
*/
package index

import "context"

// =============================================================================
// FACT STORE
// =============================================================================

// FactStore supplies already-tagged facts.
type FactStore interface {
	// AppendFacts stores facts, ignoring rows whose
	// (unit, space, profession, price base date) already exists.
	// Returns the number of rows inserted.
	AppendFacts(ctx context.Context, facts []UnitCostFact) (int, error)

	// ListFacts returns all facts for a price base date.
	ListFacts(ctx context.Context, priceBaseDate string) ([]UnitCostFact, error)
}

// =============================================================================
// TASK STORE
// =============================================================================

// TaskStore persists CalcTask records.
type TaskStore interface {
	CreateTask(ctx context.Context, task CalcTask) error
	// UpdateTask overwrites status, counters and timestamps of a task.
	UpdateTask(ctx context.Context, task CalcTask) error
	GetTask(ctx context.Context, id string) (*CalcTask, error)
	// ListTasks returns tasks newest first; an empty status lists all.
	ListTasks(ctx context.Context, status TaskStatus) ([]CalcTask, error)
}

// =============================================================================
// INDEX STORE
// =============================================================================

// IndexRecord is one CostIndex with its samples, written together.
type IndexRecord struct {
	Index   CostIndex
	Samples []IndexSample
}

// IndexFilter selects indexes. Empty fields match anything.
type IndexFilter struct {
	TagCode        string
	Space          string
	Profession     string
	ScaleRangeCode string
	RegionCode     string
	PriceBaseDate  string
	Status         IndexStatus
	QualityLevel   QualityLevel
	VersionID      string
	TaskID         string

	IncludeSuperseded bool

	Page     int
	PageSize int
}

// Page is one page of query results.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// IndexStore persists CostIndex and IndexSample rows.
type IndexStore interface {
	// AppendIndexes stages records for a running task. Append-only.
	AppendIndexes(ctx context.Context, taskID string, records []IndexRecord) error

	// CompleteTask marks the task completed and, atomically, marks every
	// earlier visible index with the same dimension tuple as superseded by it.
	CompleteTask(ctx context.Context, task CalcTask) error

	// DiscardTask removes staged rows of a task that will never complete.
	DiscardTask(ctx context.Context, taskID string) error

	GetIndex(ctx context.Context, id string) (*CostIndex, error)
	QueryIndexes(ctx context.Context, filter IndexFilter) (Page[CostIndex], error)
	ListSamples(ctx context.Context, indexID string) ([]IndexSample, error)

	// SetIndexStatus updates the lifecycle status of the given indexes.
	SetIndexStatus(ctx context.Context, ids []string, status IndexStatus) error
}

// Store bundles every index-engine interface.
type Store interface {
	FactStore
	TaskStore
	IndexStore
}
