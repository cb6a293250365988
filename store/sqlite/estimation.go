package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// SCENARIO STORE (estimation.ScenarioStore interface)
// =============================================================================

const scenarioColumns = `id, name, index_version_id, quantile, inputs_json, is_locked, locked_at, upgraded_from, created_at`

func (s *Store) CreateScenario(ctx context.Context, sc estimation.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputs, err := json.Marshal(sc.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode scenario inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenarios (`+scenarioColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sc.ID, sc.Name, sc.IndexVersionID, sc.Quantile, string(inputs), sc.IsLocked,
		nullTime(sc.LockedAt), sc.UpgradedFrom, formatTime(sc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert scenario: %w", err)
	}
	return nil
}

func (s *Store) GetScenario(ctx context.Context, id string) (*estimation.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sc                estimation.Scenario
		inputs, createdAt string
		lockedAt          sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios WHERE id = ?`, id,
	).Scan(&sc.ID, &sc.Name, &sc.IndexVersionID, &sc.Quantile, &inputs, &sc.IsLocked,
		&lockedAt, &sc.UpgradedFrom, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario: %w", err)
	}
	if inputs != "" && inputs != "null" {
		if err := json.Unmarshal([]byte(inputs), &sc.Inputs); err != nil {
			return nil, fmt.Errorf("failed to decode scenario inputs: %w", err)
		}
	}
	sc.LockedAt = parseNullTime(lockedAt)
	sc.CreatedAt = parseTime(createdAt)
	return &sc, nil
}

// LockScenario sets the one-way lock. The WHERE clause makes a second lock
// attempt a freeze violation even under concurrent callers.
func (s *Store) LockScenario(ctx context.Context, sc estimation.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputs, err := json.Marshal(sc.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode scenario inputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scenarios SET inputs_json = ?, is_locked = 1, locked_at = ?
		WHERE id = ? AND is_locked = 0
	`, string(inputs), nullTime(sc.LockedAt), sc.ID)
	if err != nil {
		return fmt.Errorf("failed to lock scenario: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scenarios WHERE id = ?`, sc.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check scenario: %w", err)
	}
	if exists == 0 {
		return index.NewNotFound("scenario", sc.ID)
	}
	return &estimation.FreezeViolationError{ScenarioID: sc.ID, Reason: "already locked"}
}

// =============================================================================
// SNAPSHOT STORE (estimation.SnapshotStore interface)
// =============================================================================

// SaveSnapshot stores the whole snapshot as JSON next to its lookup columns.
func (s *Store) SaveSnapshot(ctx context.Context, snap estimation.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, scenario_id, index_version_id, total_cost, body_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.ScenarioID, snap.IndexVersionID, snap.TotalCost.String(), string(body),
		formatTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*estimation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps, err := s.querySnapshots(ctx, `SELECT body_json FROM snapshots WHERE id = ?`, id)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

func (s *Store) ListSnapshots(ctx context.Context, scenarioID string) ([]estimation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySnapshots(ctx,
		`SELECT body_json FROM snapshots WHERE scenario_id = ? ORDER BY seq`, scenarioID)
}

func (s *Store) querySnapshots(ctx context.Context, query string, args ...any) ([]estimation.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []estimation.Snapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		var snap estimation.Snapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
