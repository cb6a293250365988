package estimation

import "context"

// =============================================================================
// SNAPSHOT STORE - Append-only persistence for calculation results
// =============================================================================

// SnapshotStore persists snapshots. There is no update or delete; a
// snapshot is tied for good to the version that produced it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	// ListSnapshots returns the snapshots of a scenario, oldest first.
	ListSnapshots(ctx context.Context, scenarioID string) ([]Snapshot, error)
}

// =============================================================================
// SCENARIO STORE
// =============================================================================

// ScenarioStore persists scenarios.
type ScenarioStore interface {
	CreateScenario(ctx context.Context, s Scenario) error
	GetScenario(ctx context.Context, id string) (*Scenario, error)
	// LockScenario stores the inputs and sets the lock. It returns
	// ErrFreezeViolation when the scenario is already locked.
	LockScenario(ctx context.Context, s Scenario) error
}

// Store bundles the estimation stores.
type Store interface {
	SnapshotStore
	ScenarioStore
}
