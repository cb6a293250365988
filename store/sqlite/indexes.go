package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// INDEX STORE (index.IndexStore interface)
// =============================================================================

const indexColumns = `
	id, tag_code, space, profession, scale_range_code, region_code, price_base_date,
	sample_count, mean, median, std_dev, min_value, max_value, outlier_count,
	outlier_ratio, p25, p50, p75, recommended_value, quality_level, quality_score,
	status, calc_task_id, version_id, sample_digest, superseded_by, created_at`

// AppendIndexes stages rows for a running task. They stay invisible until
// CompleteTask.
func (s *Store) AppendIndexes(ctx context.Context, taskID string, records []index.IndexRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			idx := r.Index
			idx.CalcTaskID = taskID
			if err := insertIndex(ctx, tx, idx); err != nil {
				return err
			}
			for _, smp := range r.Samples {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO index_samples (index_id, unit_id, value, is_outlier, outlier_reason, weight)
					VALUES (?, ?, ?, ?, ?, ?)
				`, idx.ID, smp.UnitID, smp.Value, smp.IsOutlier, smp.OutlierReason, smp.Weight)
				if err != nil {
					return fmt.Errorf("failed to insert sample: %w", err)
				}
			}
		}
		return nil
	})
}

func insertIndex(ctx context.Context, tx *sql.Tx, idx index.CostIndex) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cost_indexes (`+indexColumns+`, dim_key, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		idx.ID, idx.TagCode, idx.Space, idx.Profession, idx.ScaleRangeCode, idx.RegionCode,
		idx.PriceBaseDate, idx.SampleCount, idx.Mean, idx.Median, idx.StdDev, idx.Min, idx.Max,
		idx.OutlierCount, idx.OutlierRatio, idx.P25, idx.P50, idx.P75, idx.RecommendedValue,
		idx.QualityLevel, idx.QualityScore, idx.Status, idx.CalcTaskID, idx.VersionID,
		idx.SampleDigest, idx.SupersededBy, formatTime(idx.CreatedAt), idx.Dimensions.Key(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("index %s already stored: %w", idx.ID, index.ErrTaskConflict)
		}
		return fmt.Errorf("failed to insert index: %w", err)
	}
	return nil
}

// CompleteTask makes the task's rows visible and supersedes older visible
// rows with the same dimension tuple, in one transaction.
func (s *Store) CompleteTask(ctx context.Context, task index.CalcTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateTask(ctx, tx, task); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE cost_indexes SET superseded_by = ?
			WHERE visible = 1 AND superseded_by = '' AND calc_task_id != ?
			  AND dim_key IN (SELECT dim_key FROM cost_indexes WHERE calc_task_id = ?)
		`, task.ID, task.ID, task.ID)
		if err != nil {
			return fmt.Errorf("failed to supersede indexes: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cost_indexes SET visible = 1 WHERE calc_task_id = ?`, task.ID,
		); err != nil {
			return fmt.Errorf("failed to reveal indexes: %w", err)
		}
		return nil
	})
}

// DiscardTask deletes the staged rows of a task. Visible rows are kept.
func (s *Store) DiscardTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM index_samples WHERE index_id IN
			(SELECT id FROM cost_indexes WHERE calc_task_id = ? AND visible = 0)
		`, taskID); err != nil {
			return fmt.Errorf("failed to discard samples: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cost_indexes WHERE calc_task_id = ? AND visible = 0`, taskID,
		); err != nil {
			return fmt.Errorf("failed to discard indexes: %w", err)
		}
		return nil
	})
}

func (s *Store) GetIndex(ctx context.Context, id string) (*index.CostIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indexes, err := queryIndexes(ctx, s.db,
		`SELECT `+indexColumns+` FROM cost_indexes WHERE id = ? AND visible = 1`, id)
	if err != nil || len(indexes) == 0 {
		return nil, err
	}
	return &indexes[0], nil
}

// QueryIndexes filters visible indexes, ordered by dimension key then id.
func (s *Store) QueryIndexes(ctx context.Context, f index.IndexFilter) (index.Page[index.CostIndex], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := indexWhere(f)
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = index.DefaultPageSize
	}
	out := index.Page[index.CostIndex]{Page: page, PageSize: size, Items: []index.CostIndex{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cost_indexes WHERE `+where, args...,
	).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("failed to count indexes: %w", err)
	}

	items, err := queryIndexes(ctx, s.db,
		`SELECT `+indexColumns+` FROM cost_indexes WHERE `+where+
			` ORDER BY dim_key, id LIMIT ? OFFSET ?`,
		append(args, size, (page-1)*size)...)
	if err != nil {
		return out, err
	}
	out.Items = append(out.Items, items...)
	return out, nil
}

func indexWhere(f index.IndexFilter) (string, []any) {
	clauses := []string{"visible = 1"}
	var args []any
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}

	if !f.IncludeSuperseded {
		clauses = append(clauses, "superseded_by = ''")
	}
	if f.TagCode != "" {
		add("tag_code = ?", f.TagCode)
	}
	if f.Space != "" {
		add("space = ?", f.Space)
	}
	if f.Profession != "" {
		add("profession = ?", f.Profession)
	}
	if f.ScaleRangeCode != "" {
		add("scale_range_code = ?", f.ScaleRangeCode)
	}
	if f.RegionCode != "" {
		add("region_code = ?", f.RegionCode)
	}
	if f.PriceBaseDate != "" {
		add("price_base_date = ?", f.PriceBaseDate)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.QualityLevel != "" {
		add("quality_level = ?", f.QualityLevel)
	}
	if f.TaskID != "" {
		add("calc_task_id = ?", f.TaskID)
	}
	if f.VersionID != "" {
		add("id IN (SELECT index_id FROM version_indexes WHERE version_id = ?)", f.VersionID)
	}
	return strings.Join(clauses, " AND "), args
}

func queryIndexes(ctx context.Context, db execer, query string, args ...any) ([]index.CostIndex, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer rows.Close()

	var out []index.CostIndex
	for rows.Next() {
		var (
			idx       index.CostIndex
			createdAt string
		)
		if err := rows.Scan(
			&idx.ID, &idx.TagCode, &idx.Space, &idx.Profession, &idx.ScaleRangeCode, &idx.RegionCode,
			&idx.PriceBaseDate, &idx.SampleCount, &idx.Mean, &idx.Median, &idx.StdDev, &idx.Min,
			&idx.Max, &idx.OutlierCount, &idx.OutlierRatio, &idx.P25, &idx.P50, &idx.P75,
			&idx.RecommendedValue, &idx.QualityLevel, &idx.QualityScore, &idx.Status,
			&idx.CalcTaskID, &idx.VersionID, &idx.SampleDigest, &idx.SupersededBy, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		idx.CreatedAt = parseTime(createdAt)
		out = append(out, idx)
	}
	return out, rows.Err()
}

// ListSamples returns the samples of a visible index.
func (s *Store) ListSamples(ctx context.Context, indexID string) ([]index.IndexSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT smp.index_id, smp.unit_id, smp.value, smp.is_outlier, smp.outlier_reason, smp.weight
		FROM index_samples smp
		JOIN cost_indexes ci ON ci.id = smp.index_id
		WHERE smp.index_id = ? AND ci.visible = 1
		ORDER BY smp.rowid
	`, indexID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []index.IndexSample
	for rows.Next() {
		var smp index.IndexSample
		if err := rows.Scan(&smp.IndexID, &smp.UnitID, &smp.Value, &smp.IsOutlier,
			&smp.OutlierReason, &smp.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *Store) SetIndexStatus(ctx context.Context, ids []string, status index.IndexStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setIndexStatus(ctx, s.db, ids, status)
}

func setIndexStatus(ctx context.Context, db execer, ids []string, status index.IndexStatus) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, status)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.ExecContext(ctx,
		`UPDATE cost_indexes SET status = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to set index status: %w", err)
	}
	return nil
}
