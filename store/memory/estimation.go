package memory

import (
	"context"

	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// SCENARIOS AND SNAPSHOTS
// =============================================================================

func (m *Memory) CreateScenario(_ context.Context, s estimation.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios[s.ID] = s
	return nil
}

func (m *Memory) GetScenario(_ context.Context, id string) (*estimation.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// LockScenario sets the one-way lock.
func (m *Memory) LockScenario(_ context.Context, s estimation.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.scenarios[s.ID]
	if !ok {
		return index.NewNotFound("scenario", s.ID)
	}
	if cur.IsLocked {
		return &estimation.FreezeViolationError{ScenarioID: s.ID, Reason: "already locked"}
	}
	cur.Inputs = s.Inputs
	cur.IsLocked = true
	cur.LockedAt = s.LockedAt
	m.scenarios[s.ID] = cur
	return nil
}

// SaveSnapshot appends a snapshot. Append-only.
func (m *Memory) SaveSnapshot(_ context.Context, s estimation.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, id string) (*estimation.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.snapshots {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSnapshots(_ context.Context, scenarioID string) ([]estimation.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []estimation.Snapshot
	for _, s := range m.snapshots {
		if s.ScenarioID == scenarioID {
			out = append(out, s)
		}
	}
	return out, nil
}
