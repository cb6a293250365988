/*
scenario.go - Scenario lifecycle and snapshot writing

PURPOSE:
  Binds scenarios to a published version, runs calculations and persists
  every result as a new snapshot.

LOCKING:
  The first successful calculation locks the scenario together with the
  inputs it used. A locked scenario:
    - recomputes with its stored inputs against its bound version
    - rejects different inputs or another version with ErrFreezeViolation
  Lock is one-way. Upgrade creates a new, unlocked scenario.

CONCURRENCY:
  Calculations on the same scenario are serialized so only one of two
  racing first calculations can lock it.
*/
package estimation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

var calculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "costindex_estimations_total",
	Help: "Estimation calculations by result",
}, []string{"result"})

// Service manages scenarios and snapshots.
type Service struct {
	Store      Store
	Calculator *Calculator
	Versions   Versions
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string

	locks sync.Map // scenario id -> *sync.Mutex
}

// NewService creates a scenario service.
func NewService(store Store, calc *Calculator, versions Versions, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:      store,
		Calculator: calc,
		Versions:   versions,
		Logger:     logger,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
	}
}

func (s *Service) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// publishedVersion returns the requested version, or the current GLOBAL
// one when id is empty. The version must have been published.
func (s *Service) publishedVersion(ctx context.Context, id string) (*publish.IndexVersion, error) {
	if id == "" {
		v, err := s.Versions.CurrentVersion(ctx, publish.ScopeGlobal, "")
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, ErrNoPublishedVersion
		}
		return v, nil
	}
	v, err := s.Versions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.Status.WasPublished() {
		return nil, fmt.Errorf("version %s is %s: %w", id, v.Status, ErrVersionNotPublished)
	}
	return v, nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

// CreateScenarioRequest describes a new scenario.
type CreateScenarioRequest struct {
	Name           string
	IndexVersionID string // empty: current GLOBAL version
	Quantile       index.Quantile
	Inputs         []UnitInput
}

// CreateScenario binds a new scenario to a published version.
func (s *Service) CreateScenario(ctx context.Context, req CreateScenarioRequest) (*Scenario, error) {
	q := req.Quantile
	if q == "" {
		q = index.P50
	}
	if !q.Valid() {
		return nil, fmt.Errorf("quantile %q: %w", q, ErrInvalidInput)
	}
	for _, u := range req.Inputs {
		if err := u.Validate(); err != nil {
			return nil, err
		}
	}
	v, err := s.publishedVersion(ctx, req.IndexVersionID)
	if err != nil {
		return nil, err
	}
	sc := Scenario{
		ID:             s.NewID(),
		Name:           req.Name,
		IndexVersionID: v.ID,
		Quantile:       q,
		Inputs:         req.Inputs,
		CreatedAt:      s.Now(),
	}
	if err := s.Store.CreateScenario(ctx, sc); err != nil {
		return nil, fmt.Errorf("create scenario: %w", err)
	}
	return &sc, nil
}

// GetScenario returns a scenario.
func (s *Service) GetScenario(ctx context.Context, id string) (*Scenario, error) {
	sc, err := s.Store.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, index.NewNotFound("scenario", id)
	}
	return sc, nil
}

// UpgradeRequest moves a scenario's inputs onto another version.
type UpgradeRequest struct {
	IndexVersionID string // empty: current GLOBAL version
	Name           string
}

// Upgrade creates a new unlocked scenario with the same inputs and
// quantile, bound to the requested version. The old scenario and its
// snapshots stay as they are.
func (s *Service) Upgrade(ctx context.Context, id string, req UpgradeRequest) (*Scenario, error) {
	old, err := s.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}
	v, err := s.publishedVersion(ctx, req.IndexVersionID)
	if err != nil {
		return nil, err
	}
	if v.ID == old.IndexVersionID {
		return nil, fmt.Errorf("scenario %s is already bound to %s: %w", id, v.ID, ErrInvalidInput)
	}
	name := req.Name
	if name == "" {
		name = old.Name
	}
	sc := Scenario{
		ID:             s.NewID(),
		Name:           name,
		IndexVersionID: v.ID,
		Quantile:       old.Quantile,
		Inputs:         old.Inputs,
		UpgradedFrom:   old.ID,
		CreatedAt:      s.Now(),
	}
	if err := s.Store.CreateScenario(ctx, sc); err != nil {
		return nil, fmt.Errorf("create scenario: %w", err)
	}
	s.Logger.Info("scenario upgraded",
		zap.String("from", old.ID),
		zap.String("to", sc.ID),
		zap.String("from_version", old.IndexVersionID),
		zap.String("to_version", v.ID))
	return &sc, nil
}

// =============================================================================
// CALCULATION
// =============================================================================

// CalcRequest runs a scenario. Without ScenarioID a scenario bound to the
// current GLOBAL version is created on the fly.
type CalcRequest struct {
	ScenarioID     string
	Name           string
	IndexVersionID string
	Quantile       index.Quantile
	Inputs         []UnitInput
	FailOnGap      bool
}

// Calculate computes a scenario and appends a snapshot.
func (s *Service) Calculate(ctx context.Context, req CalcRequest) (*Snapshot, error) {
	snap, err := s.calculate(ctx, req)
	switch {
	case err == nil:
		calculationsTotal.WithLabelValues("ok").Inc()
	case IsFreezeViolation(err):
		calculationsTotal.WithLabelValues("frozen").Inc()
	default:
		calculationsTotal.WithLabelValues("error").Inc()
	}
	return snap, err
}

func (s *Service) calculate(ctx context.Context, req CalcRequest) (*Snapshot, error) {
	if req.ScenarioID == "" {
		sc, err := s.CreateScenario(ctx, CreateScenarioRequest{
			Name:           req.Name,
			IndexVersionID: req.IndexVersionID,
			Quantile:       req.Quantile,
			Inputs:         req.Inputs,
		})
		if err != nil {
			return nil, err
		}
		req.ScenarioID = sc.ID
	}

	unlock := s.lock(req.ScenarioID)
	defer unlock()

	sc, err := s.GetScenario(ctx, req.ScenarioID)
	if err != nil {
		return nil, err
	}
	if req.IndexVersionID != "" && req.IndexVersionID != sc.IndexVersionID {
		return nil, &FreezeViolationError{ScenarioID: sc.ID,
			Reason: fmt.Sprintf("bound to version %s, not %s", sc.IndexVersionID, req.IndexVersionID)}
	}
	if req.Quantile != "" && req.Quantile != sc.Quantile {
		return nil, fmt.Errorf("scenario %s uses quantile %s: %w", sc.ID, sc.Quantile, ErrInvalidInput)
	}

	inputs := sc.Inputs
	if len(req.Inputs) > 0 {
		if sc.IsLocked {
			same, err := sameInputs(sc.Inputs, req.Inputs)
			if err != nil {
				return nil, err
			}
			if !same {
				return nil, &FreezeViolationError{ScenarioID: sc.ID, Reason: "inputs differ from the locked inputs"}
			}
		}
		inputs = req.Inputs
	}

	comp, err := s.Calculator.Calculate(ctx, sc.IndexVersionID, sc.Quantile, inputs, req.FailOnGap)
	if err != nil {
		return nil, err
	}

	if !sc.IsLocked {
		now := s.Now()
		sc.Inputs = inputs
		sc.IsLocked = true
		sc.LockedAt = &now
		if err := s.Store.LockScenario(ctx, *sc); err != nil {
			return nil, err
		}
	}

	snap := Snapshot{
		ID:             s.NewID(),
		ScenarioID:     sc.ID,
		IndexVersionID: sc.IndexVersionID,
		Quantile:       sc.Quantile,
		Inputs:         inputs,
		Rows:           comp.Rows,
		TotalCost:      comp.TotalCost,
		TotalArea:      comp.TotalArea,
		UnitCost:       comp.UnitCost,
		UsedIndexIDs:   comp.UsedIndexIDs,
		GapCount:       comp.GapCount,
		Warnings:       comp.Warnings,
		CreatedAt:      s.Now(),
	}
	if err := s.Store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	s.Logger.Info("estimation snapshot saved",
		zap.String("snapshot_id", snap.ID),
		zap.String("scenario_id", sc.ID),
		zap.String("version_id", sc.IndexVersionID),
		zap.Int("rows", len(snap.Rows)),
		zap.Int("gaps", snap.GapCount))
	return &snap, nil
}

// sameInputs compares inputs by their JSON encoding.
func sameInputs(a, b []UnitInput) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ja, jb), nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// GetSnapshot returns a snapshot.
func (s *Service) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	snap, err := s.Store.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, index.NewNotFound("snapshot", id)
	}
	return snap, nil
}

// Snapshots lists the snapshots of a scenario, oldest first.
func (s *Service) Snapshots(ctx context.Context, scenarioID string) ([]Snapshot, error) {
	if _, err := s.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}
	return s.Store.ListSnapshots(ctx, scenarioID)
}

// Recommend returns candidate indexes from a published version (the
// current GLOBAL one when versionID is empty).
func (s *Service) Recommend(ctx context.Context, versionID string, t Target, maxCount int) ([]Recommendation, error) {
	v, err := s.publishedVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.Calculator.Resolver.Recommend(ctx, v.ID, t, maxCount)
}
