/*
pipeline.go - Index version state machine

PURPOSE:
  Owns every status change of an IndexVersion and the guards in front of
  them. The pipeline is the single writer of versions.

STATE MACHINE:
  draft ──submit──> reviewing ──approve──> approved ──publish──> published ──archive──> archived
    ^                   │
    └─────reject────────┘

GUARDS:
  submit:  version holds at least one index
  approve: no unresolved blocking review items
  publish: precheck passes (see precheck.go)

CONCURRENCY:
  Transitions are serialized per version. A second caller arriving while a
  transition on the same version is in flight fails fast with
  ErrVersionConflict; it is never queued behind the first. Stores also
  check the revision a version was read at, so a stale write fails the
  same way.

SEE ALSO:
  - precheck.go, impact.go
  - store.go: Persistence contract
*/
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/index"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "costindex_version_transitions_total",
		Help: "Index version transitions by target status and result",
	}, []string{"to", "result"})

	strValuesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "costindex_str_values_written_total",
		Help: "STR rows written at publish time",
	})
)

// =============================================================================
// PIPELINE
// =============================================================================

// Config holds publish settings.
type Config struct {
	// CoverageFloor is the minimum share of combinations of the source task
	// that produced an index. Falling below it is a warning, not a blocker.
	CoverageFloor float64

	// FlagQualityLevel marks indexes at this level with a warning review
	// item when a version is submitted. Empty disables the check.
	FlagQualityLevel index.QualityLevel
}

// DefaultConfig returns the standard publish settings.
func DefaultConfig() Config {
	return Config{CoverageFloor: 0.6, FlagQualityLevel: index.QualityD}
}

// Pipeline drives versions through their lifecycle.
type Pipeline struct {
	Store   Store
	Catalog *index.Catalog
	Tasks   index.TaskStore
	Config  Config
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string

	locks     sync.Map // version id -> *sync.Mutex
	pointerMu sync.Mutex
}

// NewPipeline creates a pipeline with default settings.
func NewPipeline(store Store, catalog *index.Catalog, tasks index.TaskStore, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		Store:   store,
		Catalog: catalog,
		Tasks:   tasks,
		Config:  DefaultConfig(),
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
}

// withVersionLock runs fn while holding the version's writer slot.
func (p *Pipeline) withVersionLock(id string, fn func() error) error {
	v, _ := p.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return fmt.Errorf("version %s is being modified: %w", id, ErrVersionConflict)
	}
	defer mu.Unlock()
	return fn()
}

// Get returns a version.
func (p *Pipeline) Get(ctx context.Context, id string) (*IndexVersion, error) {
	v, err := p.Store.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, index.NewNotFound("version", id)
	}
	return v, nil
}

// List returns versions, optionally filtered by status.
func (p *Pipeline) List(ctx context.Context, status VersionStatus) ([]IndexVersion, error) {
	return p.Store.ListVersions(ctx, status)
}

// Indexes returns the indexes bundled in a version.
func (p *Pipeline) Indexes(ctx context.Context, id string) ([]index.CostIndex, error) {
	return p.Catalog.All(ctx, index.IndexFilter{VersionID: id, IncludeSuperseded: true})
}

// CurrentVersion returns the version a scope currently points at, or nil.
func (p *Pipeline) CurrentVersion(ctx context.Context, scope Scope, scopeID string) (*IndexVersion, error) {
	ptr, err := p.Store.CurrentPointer(ctx, scope, scopeID)
	if err != nil || ptr == nil {
		return nil, err
	}
	return p.Get(ctx, ptr.VersionID)
}

// =============================================================================
// VERSION CREATION
// =============================================================================

// CreateRequest builds a draft version from a completed task.
type CreateRequest struct {
	TaskID        string
	Name          string
	BaseVersionID string // empty: the current GLOBAL version, if any
}

// CreateFromTask bundles the indexes of a completed task into a draft
// version. A full task contributes exactly its own indexes; an incremental
// task contributes every current index of its price base date, so unchanged
// groups carried over from earlier runs stay in the bundle.
func (p *Pipeline) CreateFromTask(ctx context.Context, req CreateRequest) (*IndexVersion, error) {
	task, err := p.Tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, index.NewNotFound("task", req.TaskID)
	}
	if task.Status != index.TaskCompleted {
		return nil, fmt.Errorf("task %s is %s: %w", task.ID, task.Status, ErrTaskNotCompleted)
	}

	var members []index.CostIndex
	if task.Type == index.TaskIncremental {
		current, err := p.Catalog.Current(ctx, task.PriceBaseDate)
		if err != nil {
			return nil, err
		}
		for _, idx := range current {
			members = append(members, idx)
		}
	} else {
		members, err = p.Catalog.All(ctx, index.IndexFilter{TaskID: task.ID, IncludeSuperseded: true})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Dimensions.Key() < members[j].Dimensions.Key() })

	baseID := req.BaseVersionID
	if baseID == "" {
		if cur, err := p.CurrentVersion(ctx, ScopeGlobal, ""); err != nil {
			return nil, err
		} else if cur != nil {
			baseID = cur.ID
		}
	}
	var base []index.CostIndex
	if baseID != "" {
		if _, err := p.Get(ctx, baseID); err != nil {
			return nil, err
		}
		if base, err = p.Indexes(ctx, baseID); err != nil {
			return nil, err
		}
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s (%s)", task.PriceBaseDate, task.Name)
	}
	v := IndexVersion{
		ID:            p.NewID(),
		Name:          name,
		PriceBaseDate: task.PriceBaseDate,
		Status:        StatusDraft,
		BaseVersionID: baseID,
		SourceTaskID:  task.ID,
		CreatedAt:     p.Now(),
	}
	v.NewCount, v.UpdatedCount, v.DeletedCount = diffCounts(base, members)
	for _, idx := range members {
		v.IndexIDs = append(v.IndexIDs, idx.ID)
	}

	if err := p.Store.CreateVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	p.Logger.Info("version created",
		zap.String("version_id", v.ID),
		zap.String("task_id", task.ID),
		zap.Int("indexes", len(v.IndexIDs)),
		zap.Int("new", v.NewCount),
		zap.Int("updated", v.UpdatedCount),
		zap.Int("deleted", v.DeletedCount))
	return &v, nil
}

// diffCounts compares two bundles by series.
func diffCounts(base, next []index.CostIndex) (added, updated, deleted int) {
	old := make(map[string]index.CostIndex, len(base))
	for _, idx := range base {
		old[SeriesKey(idx.Dimensions)] = idx
	}
	seen := make(map[string]bool, len(next))
	for _, idx := range next {
		k := SeriesKey(idx.Dimensions)
		seen[k] = true
		prev, ok := old[k]
		switch {
		case !ok:
			added++
		case prev.ID != idx.ID:
			updated++
		}
	}
	for k := range old {
		if !seen[k] {
			deleted++
		}
	}
	return added, updated, deleted
}

// =============================================================================
// TRANSITIONS
// =============================================================================

var allowed = map[VersionStatus][]VersionStatus{
	StatusDraft:     {StatusReviewing},
	StatusReviewing: {StatusApproved, StatusDraft},
	StatusApproved:  {StatusPublished},
	StatusPublished: {StatusArchived},
}

func canTransition(from, to VersionStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition loads the version, checks the edge and guard, applies mutate
// and stores the result against the revision it read.
func (p *Pipeline) transition(ctx context.Context, id string, to VersionStatus,
	guard func(*IndexVersion) error, mutate func(*IndexVersion)) (*IndexVersion, error) {

	var out *IndexVersion
	err := p.withVersionLock(id, func() error {
		v, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if !canTransition(v.Status, to) {
			return &TransitionError{VersionID: id, From: v.Status, To: to, Err: ErrInvalidTransition}
		}
		if guard != nil {
			if err := guard(v); err != nil {
				return &TransitionError{VersionID: id, From: v.Status, To: to, Err: err}
			}
		}
		read := v.Revision
		v.Status = to
		mutate(v)
		if err := p.Store.UpdateVersion(ctx, *v, read); err != nil {
			return err
		}
		v.Revision = read + 1
		out = v
		return nil
	})
	recordTransition(to, err)
	if err != nil {
		return nil, err
	}
	p.Logger.Info("version transition", zap.String("version_id", id), zap.String("to", string(to)))
	return out, nil
}

func recordTransition(to VersionStatus, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrVersionConflict):
		result = "conflict"
	default:
		result = "rejected"
	}
	transitionsTotal.WithLabelValues(string(to), result).Inc()
}

// Submit moves a draft into review. Indexes at the configured low quality
// level get a warning review item each.
func (p *Pipeline) Submit(ctx context.Context, id, actor string) (*IndexVersion, error) {
	v, err := p.transition(ctx, id, StatusReviewing,
		func(v *IndexVersion) error {
			if len(v.IndexIDs) == 0 {
				return ErrEmptyVersion
			}
			return nil
		},
		func(v *IndexVersion) {
			now := p.Now()
			v.SubmittedBy = actor
			v.SubmittedAt = &now
			v.RejectedReason = ""
		})
	if err != nil {
		return nil, err
	}
	if err := p.flagLowQuality(ctx, v); err != nil {
		p.Logger.Warn("flagging low quality indexes failed", zap.String("version_id", id), zap.Error(err))
	}
	return v, nil
}

func (p *Pipeline) flagLowQuality(ctx context.Context, v *IndexVersion) error {
	if p.Config.FlagQualityLevel == "" {
		return nil
	}
	indexes, err := p.Indexes(ctx, v.ID)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx.QualityLevel != p.Config.FlagQualityLevel {
			continue
		}
		item := ReviewItem{
			ID:        p.NewID(),
			VersionID: v.ID,
			IndexID:   idx.ID,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("quality level %s (score %.1f) for %s", idx.QualityLevel, idx.QualityScore, idx.Dimensions),
			CreatedAt: p.Now(),
		}
		if err := p.Store.AddReviewItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Approve accepts a version under review.
func (p *Pipeline) Approve(ctx context.Context, id, actor string) (*IndexVersion, error) {
	return p.transition(ctx, id, StatusApproved,
		func(v *IndexVersion) error {
			open, err := p.openBlocking(ctx, v.ID)
			if err != nil {
				return err
			}
			if open > 0 {
				return fmt.Errorf("%d open: %w", open, ErrBlockingReviewItems)
			}
			return nil
		},
		func(v *IndexVersion) {
			now := p.Now()
			v.ApprovedBy = actor
			v.ApprovedAt = &now
		})
}

// Reject sends a version under review back to draft.
func (p *Pipeline) Reject(ctx context.Context, id, actor, reason string) (*IndexVersion, error) {
	return p.transition(ctx, id, StatusDraft, nil, func(v *IndexVersion) {
		v.RejectedReason = reason
		v.ApprovedBy = ""
		v.ApprovedAt = nil
		p.Logger.Info("version rejected", zap.String("version_id", v.ID), zap.String("by", actor), zap.String("reason", reason))
	})
}

// Archive retires a published version. Locked scenarios bound to it keep
// reading it.
func (p *Pipeline) Archive(ctx context.Context, id string) (*IndexVersion, error) {
	v, err := p.transition(ctx, id, StatusArchived, nil, func(v *IndexVersion) {
		now := p.Now()
		v.ArchivedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if err := p.Catalog.Store.SetIndexStatus(ctx, v.IndexIDs, index.IndexArchived); err != nil {
		return nil, err
	}
	return v, nil
}

func (p *Pipeline) openBlocking(ctx context.Context, versionID string) (int, error) {
	items, err := p.Store.ListReviewItems(ctx, versionID)
	if err != nil {
		return 0, err
	}
	open := 0
	for _, it := range items {
		if it.Severity == SeverityBlocking && !it.Resolved {
			open++
		}
	}
	return open, nil
}

// =============================================================================
// REVIEW ITEMS
// =============================================================================

// AddReviewItem records a reviewer finding on a version.
func (p *Pipeline) AddReviewItem(ctx context.Context, item ReviewItem) (*ReviewItem, error) {
	if _, err := p.Get(ctx, item.VersionID); err != nil {
		return nil, err
	}
	if item.Severity == "" {
		item.Severity = SeverityWarning
	}
	item.ID = p.NewID()
	item.Resolved = false
	item.CreatedAt = p.Now()
	if err := p.Store.AddReviewItem(ctx, item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ResolveReviewItem marks an item resolved.
func (p *Pipeline) ResolveReviewItem(ctx context.Context, id, actor string) (*ReviewItem, error) {
	item, err := p.Store.GetReviewItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, index.NewNotFound("review item", id)
	}
	if item.Resolved {
		return item, nil
	}
	now := p.Now()
	item.Resolved = true
	item.ResolvedBy = actor
	item.ResolvedAt = &now
	if err := p.Store.ResolveReviewItem(ctx, *item); err != nil {
		return nil, err
	}
	return item, nil
}

// ReviewItems lists the findings on a version.
func (p *Pipeline) ReviewItems(ctx context.Context, versionID string) ([]ReviewItem, error) {
	if _, err := p.Get(ctx, versionID); err != nil {
		return nil, err
	}
	return p.Store.ListReviewItems(ctx, versionID)
}

// =============================================================================
// PUBLISH
// =============================================================================

// PublishRequest selects which pointer the publication switches.
type PublishRequest struct {
	Strategy      Scope // GLOBAL when empty
	ScopeID       string
	PublishedBy   string
	EffectiveFrom *time.Time
}

// Publish runs the precheck and, when it passes, writes STR rows for every
// index and quantile, switches the pointer and archives the version the
// pointer left if nothing else points at it. Scenarios are never touched.
func (p *Pipeline) Publish(ctx context.Context, id string, req PublishRequest) (*IndexVersion, error) {
	scope := req.Strategy
	if scope == "" {
		scope = ScopeGlobal
	}
	if !scope.Valid() {
		return nil, fmt.Errorf("unknown publish strategy %q: %w", scope, ErrInvalidTransition)
	}
	if scope == ScopeGlobal {
		req.ScopeID = ""
	}

	var out *IndexVersion
	err := p.withVersionLock(id, func() error {
		p.pointerMu.Lock()
		defer p.pointerMu.Unlock()

		v, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if !canTransition(v.Status, StatusPublished) {
			return &TransitionError{VersionID: id, From: v.Status, To: StatusPublished, Err: ErrInvalidTransition}
		}
		check, err := p.precheck(ctx, v)
		if err != nil {
			return err
		}
		if !check.Passed {
			return &PrecheckError{Precheck: check}
		}

		now := p.Now()
		effective := now
		if req.EffectiveFrom != nil {
			effective = req.EffectiveFrom.UTC()
		}

		indexes, err := p.Indexes(ctx, id)
		if err != nil {
			return err
		}
		var strs []STRValue
		for _, idx := range indexes {
			for _, q := range index.Quantiles {
				strs = append(strs, STRValue{
					ID:            p.NewID(),
					VersionID:     id,
					IndexID:       idx.ID,
					SeriesKey:     SeriesKey(idx.Dimensions),
					Quantile:      q,
					Value:         decimal.NewFromFloat(idx.QuantileValue(q)),
					EffectiveFrom: effective,
				})
			}
		}

		prev, err := p.Store.CurrentPointer(ctx, scope, req.ScopeID)
		if err != nil {
			return err
		}
		ptr := VersionPointer{
			ID:         p.NewID(),
			Scope:      scope,
			ScopeID:    req.ScopeID,
			VersionID:  id,
			SwitchedBy: req.PublishedBy,
			SwitchedAt: now,
		}
		var archive []string
		if prev != nil && prev.VersionID != id {
			ptr.PreviousVersionID = prev.VersionID
			stillUsed, err := p.referencedElsewhere(ctx, prev.VersionID, scope, req.ScopeID)
			if err != nil {
				return err
			}
			if !stillUsed {
				archive = append(archive, prev.VersionID)
			}
		}

		read := v.Revision
		v.Status = StatusPublished
		v.PublishedBy = req.PublishedBy
		v.PublishedAt = &now
		batch := PublishBatch{
			Version:          *v,
			ExpectedRevision: read,
			STRValues:        strs,
			Pointers:         []VersionPointer{ptr},
			Archive:          archive,
		}
		if err := p.Store.ApplyPublish(ctx, batch); err != nil {
			return err
		}
		v.Revision = read + 1
		strValuesWritten.Add(float64(len(strs)))
		out = v

		p.Logger.Info("version published",
			zap.String("version_id", id),
			zap.String("scope", string(scope)),
			zap.String("scope_id", req.ScopeID),
			zap.String("previous_version_id", ptr.PreviousVersionID),
			zap.Strings("archived", archive),
			zap.Int("str_values", len(strs)))
		return nil
	})
	recordTransition(StatusPublished, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// referencedElsewhere reports whether any pointer other than (scope, scopeID)
// currently targets versionID.
func (p *Pipeline) referencedElsewhere(ctx context.Context, versionID string, scope Scope, scopeID string) (bool, error) {
	ptrs, err := p.Store.CurrentPointers(ctx)
	if err != nil {
		return false, err
	}
	for _, ptr := range ptrs {
		if ptr.Scope == scope && ptr.ScopeID == scopeID {
			continue
		}
		if ptr.VersionID == versionID {
			return true, nil
		}
	}
	return false, nil
}

// STRValue returns the published value of an index quantile in a version,
// or nil when the version has not been published.
func (p *Pipeline) STRValue(ctx context.Context, versionID, indexID string, q index.Quantile) (*STRValue, error) {
	return p.Store.GetSTRValue(ctx, versionID, indexID, q)
}

// PointerHistory returns the pointer log of a scope, newest first.
func (p *Pipeline) PointerHistory(ctx context.Context, scope Scope, scopeID string) ([]VersionPointer, error) {
	if scope == "" {
		scope = ScopeGlobal
	}
	return p.Store.PointerHistory(ctx, scope, scopeID)
}
