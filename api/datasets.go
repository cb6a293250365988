/*
datasets.go - Demo fact datasets for testing and demonstrations

PURPOSE:

	Provides pre-built fact sets that populate the fact store with realistic
	unit costs, so a calc task, a publication and an estimation can be run
	end to end without an upstream tagging system.

AVAILABLE DATASETS:

	office-basic:  One office tag, two professions, one scale band
	mixed-campus:  Several tags, regions and scale bands, with outliers
	sparse:        Too few facts for most groups; exercises the fallback ladder

HOW DATASETS WORK:
 1. Each dataset is a list of series (tuple + base unit cost + size)
 2. Every series expands into facts with a fixed spread around its base
 3. Facts are appended; known facts are ignored, so loading twice is a no-op

USAGE VIA API:

	POST /api/demo/load
	{"dataset_id": "mixed-campus", "price_base_date": "2025-01"}

NOTE:

	Datasets only append facts. Use in development/demo environments.

SEE ALSO:
  - indexes.go: IngestFacts, the production ingest path
*/
package api

import (
	"fmt"
	"net/http"

	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// DATASET DEFINITIONS
// =============================================================================

// defaultDemoDate is used when a load request names no price base date.
const defaultDemoDate = "2025-01"

// spread is applied to a series base cost, one multiplier per fact.
var spread = []float64{0.92, 0.95, 0.97, 0.99, 1.0, 1.01, 1.03, 1.05, 1.08, 0.96, 1.02, 0.98}

type series struct {
	tag, space, profession, scale, region string
	base                                  float64
	count                                 int
	outlier                               float64 // extra fact at base x outlier, 0 for none
}

type dataset struct {
	DatasetDTO
	series []series
}

var datasets = []dataset{
	{
		DatasetDTO: DatasetDTO{
			ID:          "office-basic",
			Name:        "Office Basic",
			Description: "One office tag with civil and installation lines in one scale band",
		},
		series: []series{
			{tag: "OFFICE", space: "DS", profession: "TJ", scale: "S1", base: 2600, count: 10},
			{tag: "OFFICE", space: "DS", profession: "AZ", scale: "S1", base: 850, count: 8},
		},
	},
	{
		DatasetDTO: DatasetDTO{
			ID:          "mixed-campus",
			Name:        "Mixed Campus",
			Description: "Offices, schools and parking across regions and scale bands, with outliers",
		},
		series: []series{
			{tag: "OFFICE", space: "DS", profession: "TJ", scale: "S1", region: "EAST", base: 2750, count: 12, outlier: 2.1},
			{tag: "OFFICE", space: "DS", profession: "TJ", scale: "S2", region: "EAST", base: 2480, count: 9},
			{tag: "OFFICE", space: "DS", profession: "TJ", scale: "S1", region: "WEST", base: 2550, count: 7},
			{tag: "OFFICE", space: "DX", profession: "TJ", scale: "S1", region: "EAST", base: 3900, count: 6, outlier: 0.3},
			{tag: "SCHOOL", space: "DS", profession: "TJ", region: "EAST", base: 2150, count: 11},
			{tag: "SCHOOL", space: "DS", profession: "AZ", region: "EAST", base: 700, count: 5},
			{tag: "PARKING", space: "DX", profession: "TJ", base: 3300, count: 8},
		},
	},
	{
		DatasetDTO: DatasetDTO{
			ID:          "sparse",
			Name:        "Sparse",
			Description: "Thin data: most groups fall below the minimum sample count",
		},
		series: []series{
			{tag: "OFFICE", space: "DS", profession: "TJ", scale: "S1", region: "NORTH", base: 2700, count: 2},
			{tag: "OFFICE", space: "DS", profession: "TJ", base: 2650, count: 4},
			{tag: "SCHOOL", space: "DS", profession: "TJ", scale: "S1", region: "NORTH", base: 2200, count: 1},
		},
	},
}

func init() {
	for i := range datasets {
		n := 0
		for _, s := range datasets[i].series {
			n += s.count
			if s.outlier > 0 {
				n++
			}
		}
		datasets[i].Facts = n
	}
}

func findDataset(id string) (dataset, bool) {
	for _, d := range datasets {
		if d.ID == id {
			return d, true
		}
	}
	return dataset{}, false
}

// facts expands a dataset into facts for one price base date.
func (d dataset) facts(priceBaseDate string) []index.UnitCostFact {
	var out []index.UnitCostFact
	for _, s := range d.series {
		add := func(n int, unitCost float64) {
			area := 800 + float64(n%5)*450
			out = append(out, index.UnitCostFact{
				UnitID:         fmt.Sprintf("%s-%s-%s-%s-%s-%02d", d.ID, s.tag, s.space, s.scale, s.region, n),
				TagCode:        s.tag,
				Space:          s.space,
				Profession:     s.profession,
				ScaleRangeCode: s.scale,
				RegionCode:     s.region,
				PriceBaseDate:  priceBaseDate,
				UnitCost:       unitCost,
				Area:           area,
				TotalCost:      unitCost * area,
				Confidence:     0.9,
			})
		}
		for i := 0; i < s.count; i++ {
			add(i, s.base*spread[i%len(spread)])
		}
		if s.outlier > 0 {
			add(s.count, s.base*s.outlier)
		}
	}
	return out
}

// =============================================================================
// DATASET ENDPOINTS
// =============================================================================

// ListDatasets returns the available demo datasets.
// GET /api/demo/datasets
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	out := make([]DatasetDTO, len(datasets))
	for i, d := range datasets {
		out[i] = d.DatasetDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadDataset appends the facts of a demo dataset.
// POST /api/demo/load
func (h *Handler) LoadDataset(w http.ResponseWriter, r *http.Request) {
	var req LoadDatasetRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	d, ok := findDataset(req.DatasetID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("dataset %q not found", req.DatasetID), nil)
		return
	}
	date := req.PriceBaseDate
	if date == "" {
		date = defaultDemoDate
	}
	facts := d.facts(date)
	n, err := h.Facts.AppendFacts(r.Context(), facts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IngestFactsResponse{Received: len(facts), Inserted: n})
}
