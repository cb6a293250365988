/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine (index.Store,
  publish.Store, estimation.Store) on one SQLite database.

INTERFACES IMPLEMENTED:
  index.Store:      Facts, calc tasks, cost indexes and samples
  publish.Store:    Versions, review items, STR values, version pointers
  estimation.Store: Scenarios and snapshots

APPEND-ONLY ENFORCEMENT:
  - No UPDATE of statistics columns on cost_indexes; a recompute inserts new
    rows and sets superseded_by on the old ones
  - str_values and version_pointers are never deleted; superseding an STR
    row only sets effective_to
  - snapshots are insert-only

VISIBILITY:
  Rows staged by a running task carry visible = 0 and are filtered out of
  every read. CompleteTask flips them to 1 in the same transaction that
  supersedes the older rows, so a reader never sees a half-written task.

KEY TABLES:
  facts:            Tagged unit cost facts (unique per unit/space/profession/date)
  calc_tasks:       Aggregation runs
  cost_indexes:     Index statistics
  index_samples:    Contributing facts per index
  index_versions:   Versioned bundles with an optimistic revision
  str_values:       Published quantile values
  version_pointers: Append-only pointer log
  scenarios:        Estimation scenarios and their lock
  snapshots:        Calculation results, stored as JSON

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so an
  in-memory database is shared by every caller.

MIGRATION:
  Schema is versioned under migrations/ and applied by golang-migrate.
  New() migrates to the latest version; Open() does not.

USAGE:
  store, err := sqlite.New("./data/costindex.db", logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - index/store.go, publish/store.go, estimation/snapshot.go: Interfaces
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

var (
	_ index.Store      = (*Store)(nil)
	_ publish.Store    = (*Store)(nil)
	_ estimation.Store = (*Store)(nil)
)

// Open opens the database without touching the schema.
// Use ":memory:" for an in-memory database.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// New opens the database and migrates it to the latest schema version.
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	store, err := Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateUp(); err != nil {
		store.db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a database transaction. The caller holds s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// FACTS
// =============================================================================

// AppendFacts inserts facts, ignoring rows whose key already exists.
func (s *Store) AppendFacts(ctx context.Context, facts []index.UnitCostFact) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO facts
			(unit_id, tag_code, space, profession, scale_range_code, region_code,
			 price_base_date, total_cost, unit_cost, area, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare fact insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range facts {
			res, err := stmt.ExecContext(ctx,
				f.UnitID, f.TagCode, f.Space, f.Profession, f.ScaleRangeCode, f.RegionCode,
				f.PriceBaseDate, f.TotalCost, f.UnitCost, f.Area, f.Confidence,
			)
			if err != nil {
				return fmt.Errorf("failed to insert fact %s: %w", f.UnitID, err)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// ListFacts returns the facts of a price base date in insertion order.
func (s *Store) ListFacts(ctx context.Context, priceBaseDate string) ([]index.UnitCostFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, tag_code, space, profession, scale_range_code, region_code,
		       price_base_date, total_cost, unit_cost, area, confidence
		FROM facts
		WHERE price_base_date = ?
		ORDER BY rowid
	`, priceBaseDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []index.UnitCostFact
	for rows.Next() {
		var f index.UnitCostFact
		if err := rows.Scan(
			&f.UnitID, &f.TagCode, &f.Space, &f.Profession, &f.ScaleRangeCode, &f.RegionCode,
			&f.PriceBaseDate, &f.TotalCost, &f.UnitCost, &f.Area, &f.Confidence,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `
	id, name, type, scope, status, price_base_date, outlier_method, outlier_threshold,
	min_sample_count, recommended_quantile, rollup, total_combinations, generated_count,
	skipped_count, failed_count, unchanged_count, warnings_json, error, cancel_reason,
	version_id, created_at, started_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, task index.CalcTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	warnings, _ := json.Marshal(nonNilStrings(task.Warnings))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calc_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.Name, task.Type, task.Scope, task.Status, task.PriceBaseDate,
		task.OutlierMethod, task.OutlierThreshold, task.MinSampleCount, task.RecommendedQuantile,
		task.Rollup, task.TotalCombinations, task.GeneratedCount, task.SkippedCount,
		task.FailedCount, task.UnchangedCount, string(warnings), task.Error, task.CancelReason,
		task.VersionID, formatTime(task.CreatedAt), nullTime(task.StartedAt), nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task index.CalcTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTask(ctx, s.db, task)
}

func updateTask(ctx context.Context, db execer, task index.CalcTask) error {
	warnings, _ := json.Marshal(nonNilStrings(task.Warnings))
	res, err := db.ExecContext(ctx, `
		UPDATE calc_tasks SET
			status = ?, total_combinations = ?, generated_count = ?, skipped_count = ?,
			failed_count = ?, unchanged_count = ?, warnings_json = ?, error = ?,
			cancel_reason = ?, version_id = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`,
		task.Status, task.TotalCombinations, task.GeneratedCount, task.SkippedCount,
		task.FailedCount, task.UnchangedCount, string(warnings), task.Error,
		task.CancelReason, task.VersionID, nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return index.NewNotFound("task", task.ID)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*index.CalcTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM calc_tasks WHERE id = ?`, id)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

func (s *Store) ListTasks(ctx context.Context, status index.TaskStatus) ([]index.CalcTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + taskColumns + ` FROM calc_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]index.CalcTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []index.CalcTask
	for rows.Next() {
		var (
			t                      index.CalcTask
			warnings, createdAt    string
			startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Type, &t.Scope, &t.Status, &t.PriceBaseDate,
			&t.OutlierMethod, &t.OutlierThreshold, &t.MinSampleCount, &t.RecommendedQuantile,
			&t.Rollup, &t.TotalCombinations, &t.GeneratedCount, &t.SkippedCount,
			&t.FailedCount, &t.UnchangedCount, &warnings, &t.Error, &t.CancelReason,
			&t.VersionID, &createdAt, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if warnings != "" {
			if err := json.Unmarshal([]byte(warnings), &t.Warnings); err != nil {
				return nil, fmt.Errorf("failed to decode warnings of task %s: %w", t.ID, err)
			}
		}
		if len(t.Warnings) == 0 {
			t.Warnings = nil
		}
		t.CreatedAt = parseTime(createdAt)
		t.StartedAt = parseNullTime(startedAt)
		t.CompletedAt = parseNullTime(completedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
