package publish

import (
	"context"

	"github.com/warp/cost-index-engine/index"
)

// PublishBatch is every write of one publication, applied atomically.
type PublishBatch struct {
	// Version is the published version; ExpectedRevision is the revision it
	// was read at.
	Version          IndexVersion
	ExpectedRevision int

	// STRValues are appended after closing, at their EffectiveFrom, the open
	// rows of the same series and quantile that belong to an archived
	// version. Rows of a version still current in another scope stay open.
	STRValues []STRValue

	// Pointers are appended to the pointer log.
	Pointers []VersionPointer

	// Archive lists versions moving from published to archived.
	Archive []string
}

// Store persists versions, review items, STR values and pointers.
type Store interface {
	// CreateVersion stores a new version and its index membership.
	CreateVersion(ctx context.Context, v IndexVersion) error
	GetVersion(ctx context.Context, id string) (*IndexVersion, error)
	// ListVersions returns versions newest first; an empty status lists all.
	ListVersions(ctx context.Context, status VersionStatus) ([]IndexVersion, error)
	// UpdateVersion stores v if the stored revision equals expectedRevision
	// and returns ErrVersionConflict otherwise.
	UpdateVersion(ctx context.Context, v IndexVersion, expectedRevision int) error

	AddReviewItem(ctx context.Context, item ReviewItem) error
	GetReviewItem(ctx context.Context, id string) (*ReviewItem, error)
	ResolveReviewItem(ctx context.Context, item ReviewItem) error
	ListReviewItems(ctx context.Context, versionID string) ([]ReviewItem, error)

	// ApplyPublish performs the publication writes in one transaction and
	// moves the indexes of the published and archived versions to the
	// matching index status.
	ApplyPublish(ctx context.Context, batch PublishBatch) error

	ListSTRValues(ctx context.Context, versionID string) ([]STRValue, error)
	GetSTRValue(ctx context.Context, versionID, indexID string, q index.Quantile) (*STRValue, error)

	// CurrentPointer returns the latest pointer row of a scope, or nil.
	CurrentPointer(ctx context.Context, scope Scope, scopeID string) (*VersionPointer, error)
	// CurrentPointers returns the latest row of every scope.
	CurrentPointers(ctx context.Context) ([]VersionPointer, error)
	// PointerHistory returns all rows of a scope, newest first.
	PointerHistory(ctx context.Context, scope Scope, scopeID string) ([]VersionPointer, error)

	// CountLockedScenarios returns how many locked scenarios are bound to a version.
	CountLockedScenarios(ctx context.Context, versionID string) (int, error)
}
