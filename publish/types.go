/*
Package publish moves index versions through review to publication.

PURPOSE:
  An IndexVersion bundles the CostIndex rows of one price base date. It
  travels draft -> reviewing -> approved -> published -> archived, with
  reviewing -> draft on rejection. Publishing writes the standard target
  range (STR) rows and switches version pointers.

FREEZE RULE:
  Publishing never touches estimation scenarios. A scenario locked against
  an older version keeps it until the user upgrades the scenario explicitly.

SEE ALSO:
  - pipeline.go: State machine and transition guards
  - precheck.go: Publish precheck
  - impact.go: Pre-publish impact assessment
  - estimation: Consumer of published versions
*/
package publish

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// INDEX VERSION
// =============================================================================

type VersionStatus string

const (
	StatusDraft     VersionStatus = "draft"
	StatusReviewing VersionStatus = "reviewing"
	StatusApproved  VersionStatus = "approved"
	StatusPublished VersionStatus = "published"
	StatusArchived  VersionStatus = "archived"
)

// WasPublished reports whether estimation may read from a version in this status.
func (s VersionStatus) WasPublished() bool {
	return s == StatusPublished || s == StatusArchived
}

// IndexVersion is a named bundle of indexes sharing a price base date.
type IndexVersion struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	PriceBaseDate string        `json:"price_base_date"`
	Status        VersionStatus `json:"status"`
	BaseVersionID string        `json:"base_version_id,omitempty"`
	SourceTaskID  string        `json:"source_task_id,omitempty"`

	NewCount     int      `json:"new_count"`
	UpdatedCount int      `json:"updated_count"`
	DeletedCount int      `json:"deleted_count"`
	IndexIDs     []string `json:"index_ids"`

	SubmittedBy    string     `json:"submitted_by,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	ApprovedBy     string     `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	RejectedReason string     `json:"rejected_reason,omitempty"`
	PublishedBy    string     `json:"published_by,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`

	// Revision increments on every stored change; writers must present the
	// revision they read.
	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// REVIEW ITEMS
// =============================================================================

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// ReviewItem is one reviewer finding on a version.
type ReviewItem struct {
	ID         string     `json:"id"`
	VersionID  string     `json:"version_id"`
	IndexID    string     `json:"index_id,omitempty"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// =============================================================================
// STR VALUES AND POINTERS
// =============================================================================

// STRValue is a published quantile value. Rows are append-only; a newer
// value for the same series closes the previous one via EffectiveTo.
type STRValue struct {
	ID            string          `json:"id"`
	VersionID     string          `json:"version_id"`
	IndexID       string          `json:"index_id"`
	SeriesKey     string          `json:"series_key"`
	Quantile      index.Quantile  `json:"quantile"`
	Value         decimal.Decimal `json:"value"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
}

type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeOrg    Scope = "ORG"
	ScopeUser   Scope = "USER"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeGlobal || s == ScopeOrg || s == ScopeUser
}

// VersionPointer is one row of the append-only pointer log. The current
// pointer of a (scope, scope id) is its latest row.
type VersionPointer struct {
	ID                string    `json:"id"`
	Scope             Scope     `json:"scope"`
	ScopeID           string    `json:"scope_id,omitempty"`
	VersionID         string    `json:"version_id"`
	PreviousVersionID string    `json:"previous_version_id,omitempty"`
	SwitchedBy        string    `json:"switched_by,omitempty"`
	SwitchedAt        time.Time `json:"switched_at"`
}

// SeriesKey identifies an index series across price base dates.
func SeriesKey(d index.Dimensions) string {
	d.PriceBaseDate = ""
	return d.Key()
}
