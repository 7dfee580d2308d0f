// Package dataset assembles stored runs/iterations/samples into hierarchical
// Datasets (scenario -> run -> iteration -> process -> samples) for the
// attribution model to aggregate over.
package dataset

import (
	"sort"
	"strconv"

	"github.com/ja7ad/cardamon/pkg/store"
)

// IterationMetrics pairs one Iteration with the samples recorded during its
// window.
type IterationMetrics struct {
	Iteration store.Iteration
	Samples   []store.CpuSampleRecord
}

// ByProcess groups an iteration's samples by process id (OS pid as decimal,
// or container name).
func (im IterationMetrics) ByProcess() map[string][]store.CpuSampleRecord {
	out := make(map[string][]store.CpuSampleRecord)
	for _, s := range im.Samples {
		id := processID(s)
		out[id] = append(out[id], s)
	}
	return out
}

func processID(s store.CpuSampleRecord) string {
	if s.Container != "" {
		return s.Container
	}
	return strconv.Itoa(s.Pid)
}

// Dataset is a table: rows are scenarios, columns are runs, cells are
// iterations with their samples.
type Dataset struct {
	Items []IterationMetrics
	// Runs carries the store.Run row for every run id appearing in Items,
	// so the attribution model can read each run's configured CPU average
	// power and carbon intensity without a second store round-trip.
	Runs map[string]*store.Run
	// TotalScenarios is the number of scenarios matching the summary-path
	// filter before paging was applied.
	TotalScenarios int
	// TotalRuns is the number of runs matching the drill-down path's
	// scenario before paging was applied.
	TotalRuns int
}

// ScenarioDataset is a Dataset restricted to a single scenario.
type ScenarioDataset struct {
	ScenarioName string
	Items        []IterationMetrics
	Runs         map[string]*store.Run
}

// ScenarioRunDataset is a ScenarioDataset further restricted to one run.
type ScenarioRunDataset struct {
	ScenarioName string
	RunID        string
	// Run is the run's stored metadata (nil only if the builder couldn't
	// resolve it, which shouldn't happen for a run that has items).
	Run   *store.Run
	Items []IterationMetrics
}

// ByScenario groups the dataset's items by scenario name, scenario order
// matching first appearance in Items.
func (d *Dataset) ByScenario() []ScenarioDataset {
	var order []string
	seen := map[string]bool{}
	for _, im := range d.Items {
		if !seen[im.Iteration.Scenario] {
			seen[im.Iteration.Scenario] = true
			order = append(order, im.Iteration.Scenario)
		}
	}

	out := make([]ScenarioDataset, 0, len(order))
	for _, name := range order {
		var items []IterationMetrics
		for _, im := range d.Items {
			if im.Iteration.Scenario == name {
				items = append(items, im)
			}
		}
		out = append(out, ScenarioDataset{ScenarioName: name, Items: items, Runs: d.Runs})
	}
	return out
}

// ByRun groups a scenario's items by run id, most recently started run
// first.
func (s ScenarioDataset) ByRun() []ScenarioRunDataset {
	type runEntry struct {
		id    string
		start timeValue
	}
	var order []runEntry
	seen := map[string]bool{}
	for _, im := range s.Items {
		if !seen[im.Iteration.RunID] {
			seen[im.Iteration.RunID] = true
			order = append(order, runEntry{id: im.Iteration.RunID, start: timeValue(im.Iteration.Start.UnixNano())})
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].start > order[j].start })

	out := make([]ScenarioRunDataset, 0, len(order))
	for _, e := range order {
		var items []IterationMetrics
		for _, im := range s.Items {
			if im.Iteration.RunID == e.id {
				items = append(items, im)
			}
		}
		out = append(out, ScenarioRunDataset{ScenarioName: s.ScenarioName, RunID: e.id, Run: s.Runs[e.id], Items: items})
	}
	return out
}

type timeValue int64

// ByIteration returns the run's items ordered by iteration count ascending.
func (s ScenarioRunDataset) ByIteration() []IterationMetrics {
	out := make([]IterationMetrics, len(s.Items))
	copy(out, s.Items)
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration.Count < out[j].Iteration.Count })
	return out
}
