package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// =============================================================================
// VERSION STORE (publish.Store interface)
// =============================================================================

const versionColumns = `
	id, name, price_base_date, status, base_version_id, source_task_id, new_count,
	updated_count, deleted_count, submitted_by, submitted_at, approved_by, approved_at,
	rejected_reason, published_by, published_at, archived_at, revision, created_at`

// CreateVersion stores a version, its membership, and stamps the version id
// on the member indexes.
func (s *Store) CreateVersion(ctx context.Context, v publish.IndexVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO index_versions (`+versionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			v.ID, v.Name, v.PriceBaseDate, v.Status, v.BaseVersionID, v.SourceTaskID,
			v.NewCount, v.UpdatedCount, v.DeletedCount, v.SubmittedBy, nullTime(v.SubmittedAt),
			v.ApprovedBy, nullTime(v.ApprovedAt), v.RejectedReason, v.PublishedBy,
			nullTime(v.PublishedAt), nullTime(v.ArchivedAt), v.Revision, formatTime(v.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}
		for i, id := range v.IndexIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO version_indexes (version_id, index_id, position) VALUES (?, ?, ?)`,
				v.ID, id, i,
			); err != nil {
				return fmt.Errorf("failed to insert version member: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cost_indexes SET version_id = ?
			WHERE id IN (SELECT index_id FROM version_indexes WHERE version_id = ?)
		`, v.ID, v.ID); err != nil {
			return fmt.Errorf("failed to stamp version on indexes: %w", err)
		}
		return nil
	})
}

func (s *Store) GetVersion(ctx context.Context, id string) (*publish.IndexVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, err := queryVersions(ctx, s.db, `SELECT `+versionColumns+` FROM index_versions WHERE id = ?`, id)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	v := versions[0]
	if v.IndexIDs, err = versionMembers(ctx, s.db, v.ID); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVersions(ctx context.Context, status publish.VersionStatus) ([]publish.IndexVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + versionColumns + ` FROM index_versions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	versions, err := queryVersions(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].IndexIDs, err = versionMembers(ctx, s.db, versions[i].ID); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

func (s *Store) UpdateVersion(ctx context.Context, v publish.IndexVersion, expectedRevision int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateVersion(ctx, s.db, v, expectedRevision)
}

// updateVersion writes the mutable columns when the stored revision matches.
func updateVersion(ctx context.Context, db execer, v publish.IndexVersion, expectedRevision int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE index_versions SET
			name = ?, status = ?, submitted_by = ?, submitted_at = ?, approved_by = ?,
			approved_at = ?, rejected_reason = ?, published_by = ?, published_at = ?,
			archived_at = ?, revision = revision + 1
		WHERE id = ? AND revision = ?
	`,
		v.Name, v.Status, v.SubmittedBy, nullTime(v.SubmittedAt), v.ApprovedBy,
		nullTime(v.ApprovedAt), v.RejectedReason, v.PublishedBy, nullTime(v.PublishedAt),
		nullTime(v.ArchivedAt), v.ID, expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to update version: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM index_versions WHERE id = ?`, v.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check version: %w", err)
	}
	if exists == 0 {
		return index.NewNotFound("version", v.ID)
	}
	return publish.ErrVersionConflict
}

func queryVersions(ctx context.Context, db execer, query string, args ...any) ([]publish.IndexVersion, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var out []publish.IndexVersion
	for rows.Next() {
		var (
			v                       publish.IndexVersion
			submittedAt, approvedAt sql.NullString
			publishedAt, archivedAt sql.NullString
			createdAt               string
		)
		if err := rows.Scan(
			&v.ID, &v.Name, &v.PriceBaseDate, &v.Status, &v.BaseVersionID, &v.SourceTaskID,
			&v.NewCount, &v.UpdatedCount, &v.DeletedCount, &v.SubmittedBy, &submittedAt,
			&v.ApprovedBy, &approvedAt, &v.RejectedReason, &v.PublishedBy, &publishedAt,
			&archivedAt, &v.Revision, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.SubmittedAt = parseNullTime(submittedAt)
		v.ApprovedAt = parseNullTime(approvedAt)
		v.PublishedAt = parseNullTime(publishedAt)
		v.ArchivedAt = parseNullTime(archivedAt)
		v.CreatedAt = parseTime(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func versionMembers(ctx context.Context, db execer, versionID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT index_id FROM version_indexes WHERE version_id = ? ORDER BY position`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query version members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// REVIEW ITEMS
// =============================================================================

const reviewColumns = `id, version_id, index_id, severity, message, resolved, resolved_by, resolved_at, created_at`

func (s *Store) AddReviewItem(ctx context.Context, item publish.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_items (`+reviewColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.VersionID, item.IndexID, item.Severity, item.Message, item.Resolved,
		item.ResolvedBy, nullTime(item.ResolvedAt), formatTime(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert review item: %w", err)
	}
	return nil
}

func (s *Store) GetReviewItem(ctx context.Context, id string) (*publish.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := s.queryReviewItems(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

func (s *Store) ResolveReviewItem(ctx context.Context, item publish.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE review_items SET resolved = 1, resolved_by = ?, resolved_at = ? WHERE id = ?
	`, item.ResolvedBy, nullTime(item.ResolvedAt), item.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return index.NewNotFound("review item", item.ID)
	}
	return nil
}

func (s *Store) ListReviewItems(ctx context.Context, versionID string) ([]publish.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryReviewItems(ctx,
		`SELECT `+reviewColumns+` FROM review_items WHERE version_id = ? ORDER BY created_at, rowid`, versionID)
}

func (s *Store) queryReviewItems(ctx context.Context, query string, args ...any) ([]publish.ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query review items: %w", err)
	}
	defer rows.Close()

	var out []publish.ReviewItem
	for rows.Next() {
		var (
			it         publish.ReviewItem
			resolvedAt sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&it.ID, &it.VersionID, &it.IndexID, &it.Severity, &it.Message,
			&it.Resolved, &it.ResolvedBy, &resolvedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}
		it.ResolvedAt = parseNullTime(resolvedAt)
		it.CreatedAt = parseTime(createdAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

// =============================================================================
// PUBLISH
// =============================================================================

// ApplyPublish applies every write of a publication in one transaction.
func (s *Store) ApplyPublish(ctx context.Context, b publish.PublishBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateVersion(ctx, tx, b.Version, b.ExpectedRevision); err != nil {
			return err
		}

		for _, id := range b.Archive {
			res, err := tx.ExecContext(ctx, `
				UPDATE index_versions SET status = ?, archived_at = ?, revision = revision + 1
				WHERE id = ?
			`, publish.StatusArchived, nullTime(b.Version.PublishedAt), id)
			if err != nil {
				return fmt.Errorf("failed to archive version: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return index.NewNotFound("version", id)
			}
			if err := setMemberStatus(ctx, tx, id, index.IndexArchived); err != nil {
				return err
			}
		}
		if err := setMemberStatus(ctx, tx, b.Version.ID, index.IndexPublished); err != nil {
			return err
		}

		for _, v := range b.STRValues {
			for _, id := range b.Archive {
				if _, err := tx.ExecContext(ctx, `
					UPDATE str_values SET effective_to = ?
					WHERE version_id = ? AND series_key = ? AND quantile = ? AND effective_to IS NULL
				`, formatTime(v.EffectiveFrom), id, v.SeriesKey, v.Quantile); err != nil {
					return fmt.Errorf("failed to close STR value: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO str_values
				(id, version_id, index_id, series_key, quantile, value, effective_from, effective_to)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				v.ID, v.VersionID, v.IndexID, v.SeriesKey, v.Quantile, v.Value.String(),
				formatTime(v.EffectiveFrom), nullTime(v.EffectiveTo),
			); err != nil {
				return fmt.Errorf("failed to insert STR value: %w", err)
			}
		}

		for _, p := range b.Pointers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO version_pointers
				(id, scope, scope_id, version_id, previous_version_id, switched_by, switched_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`,
				p.ID, p.Scope, p.ScopeID, p.VersionID, p.PreviousVersionID, p.SwitchedBy,
				formatTime(p.SwitchedAt),
			); err != nil {
				return fmt.Errorf("failed to insert version pointer: %w", err)
			}
		}
		return nil
	})
}

func setMemberStatus(ctx context.Context, db execer, versionID string, status index.IndexStatus) error {
	_, err := db.ExecContext(ctx, `
		UPDATE cost_indexes SET status = ?
		WHERE id IN (SELECT index_id FROM version_indexes WHERE version_id = ?)
	`, status, versionID)
	if err != nil {
		return fmt.Errorf("failed to set member status: %w", err)
	}
	return nil
}

// =============================================================================
// STR VALUES
// =============================================================================

const strColumns = `id, version_id, index_id, series_key, quantile, value, effective_from, effective_to`

func (s *Store) ListSTRValues(ctx context.Context, versionID string) ([]publish.STRValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return querySTRValues(ctx, s.db,
		`SELECT `+strColumns+` FROM str_values WHERE version_id = ? ORDER BY seq`, versionID)
}

// GetSTRValue returns the latest STR row of an index and quantile.
func (s *Store) GetSTRValue(ctx context.Context, versionID, indexID string, q index.Quantile) (*publish.STRValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, err := querySTRValues(ctx, s.db, `
		SELECT `+strColumns+` FROM str_values
		WHERE version_id = ? AND index_id = ? AND quantile = ?
		ORDER BY seq DESC LIMIT 1
	`, versionID, indexID, q)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return &values[0], nil
}

func querySTRValues(ctx context.Context, db execer, query string, args ...any) ([]publish.STRValue, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query STR values: %w", err)
	}
	defer rows.Close()

	var out []publish.STRValue
	for rows.Next() {
		var (
			v                    publish.STRValue
			value, effectiveFrom string
			effectiveTo          sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.VersionID, &v.IndexID, &v.SeriesKey, &v.Quantile,
			&value, &effectiveFrom, &effectiveTo); err != nil {
			return nil, fmt.Errorf("failed to scan STR value: %w", err)
		}
		if v.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("failed to parse STR value %s: %w", v.ID, err)
		}
		v.EffectiveFrom = parseTime(effectiveFrom)
		v.EffectiveTo = parseNullTime(effectiveTo)
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// POINTERS
// =============================================================================

const pointerColumns = `id, scope, scope_id, version_id, previous_version_id, switched_by, switched_at`

func (s *Store) CurrentPointer(ctx context.Context, scope publish.Scope, scopeID string) (*publish.VersionPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pointers, err := s.queryPointers(ctx, `
		SELECT `+pointerColumns+` FROM version_pointers
		WHERE scope = ? AND scope_id = ?
		ORDER BY seq DESC LIMIT 1
	`, scope, scopeID)
	if err != nil || len(pointers) == 0 {
		return nil, err
	}
	return &pointers[0], nil
}

func (s *Store) CurrentPointers(ctx context.Context) ([]publish.VersionPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPointers(ctx, `
		SELECT `+pointerColumns+` FROM version_pointers p
		WHERE seq = (SELECT MAX(seq) FROM version_pointers q
		             WHERE q.scope = p.scope AND q.scope_id = p.scope_id)
		ORDER BY seq DESC
	`)
}

func (s *Store) PointerHistory(ctx context.Context, scope publish.Scope, scopeID string) ([]publish.VersionPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPointers(ctx, `
		SELECT `+pointerColumns+` FROM version_pointers
		WHERE scope = ? AND scope_id = ?
		ORDER BY seq DESC
	`, scope, scopeID)
}

func (s *Store) queryPointers(ctx context.Context, query string, args ...any) ([]publish.VersionPointer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pointers: %w", err)
	}
	defer rows.Close()

	var out []publish.VersionPointer
	for rows.Next() {
		var (
			p          publish.VersionPointer
			switchedAt string
		)
		if err := rows.Scan(&p.ID, &p.Scope, &p.ScopeID, &p.VersionID, &p.PreviousVersionID,
			&p.SwitchedBy, &switchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pointer: %w", err)
		}
		p.SwitchedAt = parseTime(switchedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CountLockedScenarios(ctx context.Context, versionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scenarios WHERE is_locked = 1 AND index_version_id = ?`, versionID,
	).Scan(&n)
	return n, err
}
