// Package queryapi exposes the read-only contract an external UI consumes:
// GET /scenarios?fromDate&toDate&searchQuery&page&limit, returning a
// paginated ScenarioDataResponse built from the dataset and attribution
// packages. This module owns the contract, not a UI — no client is shipped.
package queryapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ja7ad/cardamon/pkg/attribution"
	"github.com/ja7ad/cardamon/pkg/dataset"
	"github.com/ja7ad/cardamon/pkg/store"
)

const (
	defaultLimit = 20
	defaultTrendK = 5
)

// ScenarioDataResponse is one scenario's paginated summary: its aggregated
// totals, per-run breakdown, and trend versus its prior runs.
type ScenarioDataResponse struct {
	ScenarioName string                `json:"scenario_name"`
	PowWh        float64               `json:"pow_wh"`
	CO2G         float64               `json:"co2_g"`
	Trend        *float64              `json:"trend,omitempty"`
	Runs         []RunSummary          `json:"runs"`
}

// RunSummary is one run's totals within a ScenarioDataResponse.
type RunSummary struct {
	RunID  string    `json:"run_id"`
	Region string    `json:"region,omitempty"`
	CI     float64   `json:"carbon_intensity"`
	Start  time.Time `json:"start"`
	Stop   time.Time `json:"stop"`
	PowWh  float64   `json:"pow_wh"`
	CO2G   float64   `json:"co2_g"`
}

// ListResponse is the paginated envelope /scenarios returns.
type ListResponse struct {
	Total int                     `json:"total"`
	Page  int                     `json:"page"`
	Limit int                     `json:"limit"`
	Items []ScenarioDataResponse `json:"items"`
}

// Handler serves GET /scenarios from a store.Store.
type Handler struct {
	st store.Store
}

// NewHandler returns a Handler reading from st.
func NewHandler(st store.Store) *Handler {
	return &Handler{st: st}
}

// Mux returns a ServeMux with /scenarios registered, matching the
// stdlib-only HTTP surface used elsewhere in the module (pkg/driver's
// daemon control endpoints).
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/scenarios", h.handleScenarios)
	return mux
}

func (h *Handler) handleScenarios(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(q.Get("limit"), defaultLimit)
	search := q.Get("searchQuery")
	fromDate, toDate, hasRange := parseDateRange(q.Get("fromDate"), q.Get("toDate"))

	b := dataset.New(h.st)
	if hasRange {
		b.ScenariosInRange(fromDate, toDate)
	} else if search != "" {
		b.ScenariosByName(search)
	} else {
		b.ScenariosAll()
	}
	b.PageScenarios(page, limit)

	ds, err := b.LastNRuns(0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]ScenarioDataResponse, 0, len(ds.ByScenario()))
	for _, sd := range ds.ByScenario() {
		items = append(items, toResponse(attribution.AggregateScenario(sd, defaultTrendK)))
	}

	resp := ListResponse{Total: ds.TotalScenarios, Page: page, Limit: limit, Items: items}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func toResponse(sd attribution.ScenarioData) ScenarioDataResponse {
	out := ScenarioDataResponse{
		ScenarioName: sd.ScenarioName,
		PowWh:        sd.Data.PowWh,
		CO2G:         sd.Data.CO2G,
	}
	if !isNaN(sd.Trend) {
		trend := sd.Trend
		out.Trend = &trend
	}
	for _, rd := range sd.RunData {
		out.Runs = append(out.Runs, RunSummary{
			RunID:  rd.RunID,
			Region: rd.Region,
			CI:     rd.CI,
			Start:  rd.Start,
			Stop:   rd.Stop,
			PowWh:  rd.Data.PowWh,
			CO2G:   rd.Data.CO2G,
		})
	}
	return out
}

func isNaN(f float64) bool { return f != f }

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseDateRange(from, to string) (time.Time, time.Time, bool) {
	if from == "" || to == "" {
		return time.Time{}, time.Time{}, false
	}
	f, err1 := time.Parse(time.RFC3339, from)
	t, err2 := time.Parse(time.RFC3339, to)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return f, t, true
}
