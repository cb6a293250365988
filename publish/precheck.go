package publish

import (
	"context"
	"fmt"
)

// =============================================================================
// PRECHECK - Gate in front of approved -> published
// =============================================================================

const (
	CheckApproval      = "approval_present"
	CheckPriceBaseDate = "price_base_date_set"
	CheckCoverage      = "sample_coverage"
	CheckBlocking      = "no_blocking_issues"
)

// PrecheckItem is one check. Only blocking items can fail a precheck.
type PrecheckItem struct {
	Code     string `json:"code"`
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
	Message  string `json:"message"`
}

// Precheck is the result of checking a version before publication.
type Precheck struct {
	VersionID string         `json:"version_id"`
	Passed    bool           `json:"passed"`
	Coverage  float64        `json:"coverage"`
	Items     []PrecheckItem `json:"items"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// Precheck evaluates whether a version may be published.
func (p *Pipeline) Precheck(ctx context.Context, id string) (Precheck, error) {
	v, err := p.Get(ctx, id)
	if err != nil {
		return Precheck{}, err
	}
	return p.precheck(ctx, v)
}

func (p *Pipeline) precheck(ctx context.Context, v *IndexVersion) (Precheck, error) {
	res := Precheck{VersionID: v.ID}

	approved := v.Status == StatusApproved && v.ApprovedAt != nil
	res.Items = append(res.Items, PrecheckItem{
		Code:     CheckApproval,
		Passed:   approved,
		Blocking: true,
		Message:  fmt.Sprintf("status %s, approved by %q", v.Status, v.ApprovedBy),
	})

	res.Items = append(res.Items, PrecheckItem{
		Code:     CheckPriceBaseDate,
		Passed:   v.PriceBaseDate != "",
		Blocking: true,
		Message:  fmt.Sprintf("price base date %q", v.PriceBaseDate),
	})

	coverage, err := p.coverage(ctx, v)
	if err != nil {
		return Precheck{}, err
	}
	res.Coverage = coverage
	covered := coverage >= p.Config.CoverageFloor
	covItem := PrecheckItem{
		Code:     CheckCoverage,
		Passed:   covered,
		Blocking: false,
		Message:  fmt.Sprintf("coverage %.1f%%, floor %.1f%%", coverage*100, p.Config.CoverageFloor*100),
	}
	res.Items = append(res.Items, covItem)
	if !covered {
		res.Warnings = append(res.Warnings, covItem.Message)
	}

	open, err := p.openBlocking(ctx, v.ID)
	if err != nil {
		return Precheck{}, err
	}
	res.Items = append(res.Items, PrecheckItem{
		Code:     CheckBlocking,
		Passed:   open == 0,
		Blocking: true,
		Message:  fmt.Sprintf("%d unresolved blocking review items", open),
	})

	res.Passed = true
	for _, it := range res.Items {
		if it.Blocking && !it.Passed {
			res.Passed = false
		}
	}
	return res, nil
}

// coverage is the share of combinations of the source task that produced
// an index. Versions without a source task count as fully covered.
func (p *Pipeline) coverage(ctx context.Context, v *IndexVersion) (float64, error) {
	if v.SourceTaskID == "" || p.Tasks == nil {
		return 1, nil
	}
	task, err := p.Tasks.GetTask(ctx, v.SourceTaskID)
	if err != nil {
		return 0, err
	}
	if task == nil || task.TotalCombinations == 0 {
		return 1, nil
	}
	produced := task.GeneratedCount + task.UnchangedCount
	return float64(produced) / float64(task.TotalCombinations), nil
}
