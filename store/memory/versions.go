package memory

import (
	"context"
	"sort"

	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// =============================================================================
// VERSIONS
// =============================================================================

func (m *Memory) CreateVersion(_ context.Context, v publish.IndexVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.IndexIDs = append([]string(nil), v.IndexIDs...)
	m.versions[v.ID] = v
	m.versionIndexes[v.ID] = v.IndexIDs
	for _, id := range v.IndexIDs {
		if row, ok := m.indexes[id]; ok {
			row.index.VersionID = v.ID
		}
	}
	return nil
}

func (m *Memory) GetVersion(_ context.Context, id string) (*publish.IndexVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, nil
	}
	v.IndexIDs = append([]string(nil), v.IndexIDs...)
	return &v, nil
}

func (m *Memory) ListVersions(_ context.Context, status publish.VersionStatus) ([]publish.IndexVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []publish.IndexVersion
	for _, v := range m.versions {
		if status == "" || v.Status == status {
			v.IndexIDs = append([]string(nil), v.IndexIDs...)
			out = append(out, v)
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

func (m *Memory) UpdateVersion(_ context.Context, v publish.IndexVersion, expectedRevision int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateVersionLocked(v, expectedRevision)
}

func (m *Memory) updateVersionLocked(v publish.IndexVersion, expectedRevision int) error {
	cur, ok := m.versions[v.ID]
	if !ok {
		return index.NewNotFound("version", v.ID)
	}
	if cur.Revision != expectedRevision {
		return publish.ErrVersionConflict
	}
	v.Revision = expectedRevision + 1
	v.IndexIDs = cur.IndexIDs
	m.versions[v.ID] = v
	return nil
}

// =============================================================================
// REVIEW ITEMS
// =============================================================================

func (m *Memory) AddReviewItem(_ context.Context, item publish.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewItems = append(m.reviewItems, item)
	return nil
}

func (m *Memory) GetReviewItem(_ context.Context, id string) (*publish.ReviewItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.reviewItems {
		if it.ID == id {
			return &it, nil
		}
	}
	return nil, nil
}

func (m *Memory) ResolveReviewItem(_ context.Context, item publish.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reviewItems {
		if m.reviewItems[i].ID == item.ID {
			m.reviewItems[i].Resolved = true
			m.reviewItems[i].ResolvedBy = item.ResolvedBy
			m.reviewItems[i].ResolvedAt = item.ResolvedAt
			return nil
		}
	}
	return index.NewNotFound("review item", item.ID)
}

func (m *Memory) ListReviewItems(_ context.Context, versionID string) ([]publish.ReviewItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []publish.ReviewItem
	for _, it := range m.reviewItems {
		if it.VersionID == versionID {
			out = append(out, it)
		}
	}
	return out, nil
}

// =============================================================================
// PUBLISH
// =============================================================================

// ApplyPublish applies every write of a publication under one lock. All
// checks run before the first write.
func (m *Memory) ApplyPublish(_ context.Context, b publish.PublishBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.versions[b.Version.ID]
	if !ok {
		return index.NewNotFound("version", b.Version.ID)
	}
	if cur.Revision != b.ExpectedRevision {
		return publish.ErrVersionConflict
	}
	for _, id := range b.Archive {
		if _, ok := m.versions[id]; !ok {
			return index.NewNotFound("version", id)
		}
	}

	at := b.Version.PublishedAt
	for _, id := range b.Archive {
		old := m.versions[id]
		old.Status = publish.StatusArchived
		old.ArchivedAt = at
		old.Revision++
		m.versions[id] = old
		m.setIndexStatusLocked(m.versionIndexes[id], index.IndexArchived)
	}
	if err := m.updateVersionLocked(b.Version, b.ExpectedRevision); err != nil {
		return err
	}
	m.setIndexStatusLocked(m.versionIndexes[b.Version.ID], index.IndexPublished)

	archived := make(map[string]bool, len(b.Archive))
	for _, id := range b.Archive {
		archived[id] = true
	}
	for _, s := range b.STRValues {
		for i := range m.strValues {
			open := &m.strValues[i]
			if open.EffectiveTo == nil && archived[open.VersionID] &&
				open.SeriesKey == s.SeriesKey && open.Quantile == s.Quantile {
				closedAt := s.EffectiveFrom
				open.EffectiveTo = &closedAt
			}
		}
		m.strValues = append(m.strValues, s)
	}
	m.pointers = append(m.pointers, b.Pointers...)
	return nil
}

func (m *Memory) ListSTRValues(_ context.Context, versionID string) ([]publish.STRValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []publish.STRValue
	for _, s := range m.strValues {
		if s.VersionID == versionID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) GetSTRValue(_ context.Context, versionID, indexID string, q index.Quantile) (*publish.STRValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.strValues) - 1; i >= 0; i-- {
		s := m.strValues[i]
		if s.VersionID == versionID && s.IndexID == indexID && s.Quantile == q {
			return &s, nil
		}
	}
	return nil, nil
}

// =============================================================================
// POINTERS
// =============================================================================

func (m *Memory) CurrentPointer(_ context.Context, scope publish.Scope, scopeID string) (*publish.VersionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.pointers) - 1; i >= 0; i-- {
		p := m.pointers[i]
		if p.Scope == scope && p.ScopeID == scopeID {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *Memory) CurrentPointers(_ context.Context) ([]publish.VersionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scopeKey struct {
		scope publish.Scope
		id    string
	}
	seen := make(map[scopeKey]bool)
	var out []publish.VersionPointer
	for i := len(m.pointers) - 1; i >= 0; i-- {
		p := m.pointers[i]
		k := scopeKey{p.Scope, p.ScopeID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) PointerHistory(_ context.Context, scope publish.Scope, scopeID string) ([]publish.VersionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []publish.VersionPointer
	for i := len(m.pointers) - 1; i >= 0; i-- {
		p := m.pointers[i]
		if p.Scope == scope && p.ScopeID == scopeID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) CountLockedScenarios(_ context.Context, versionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.scenarios {
		if s.IsLocked && s.IndexVersionID == versionID {
			n++
		}
	}
	return n, nil
}
