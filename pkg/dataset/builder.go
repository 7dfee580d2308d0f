package dataset

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ja7ad/cardamon/pkg/store"
)

type pathKind int

const (
	noPath pathKind = iota
	summaryPath
	drillDownPath
)

type scenarioSelectionKind int

const (
	scenarioAll scenarioSelectionKind = iota
	scenarioInRun
	scenarioInRange
	scenarioByName
)

type runSelectionKind int

const (
	runAll runSelectionKind = iota
	runInRange
)

// ErrWrongPath is returned by a terminal builder call when the preceding
// calls set up the other path — e.g. calling Page before Scenario, or
// LastNRuns before any ScenariosX call.
var ErrWrongPath = fmt.Errorf("dataset: builder method called on the wrong path")

// Builder assembles a Dataset from a store.Store. It holds one tagged
// filter state rather than a chain of distinct builder types: the two
// query paths ("summary", many scenarios summarized over their last N
// runs; "drill-down", one scenario paged over its runs) share this single
// struct, and calling a path's terminal method while the other path's
// selectors are set returns ErrWrongPath instead of building a
// nonsensical Dataset.
type Builder struct {
	st store.Store

	path pathKind

	scenarioSelection scenarioSelectionKind
	filterRunID       string
	filterFrom        time.Time
	filterTo          time.Time
	nameSubstring     string
	scenarioPageNum   int
	scenarioPageSize  int

	scenarioName string
	runSelection runSelectionKind
	runFrom      time.Time
	runTo        time.Time
}

// New returns an empty Builder reading from st.
func New(st store.Store) *Builder {
	return &Builder{st: st}
}

// ScenariosAll selects every scenario (summary path).
func (b *Builder) ScenariosAll() *Builder {
	b.path = summaryPath
	b.scenarioSelection = scenarioAll
	return b
}

// ScenariosInRun selects the scenarios executed within a single run
// (summary path).
func (b *Builder) ScenariosInRun(runID string) *Builder {
	b.path = summaryPath
	b.scenarioSelection = scenarioInRun
	b.filterRunID = runID
	return b
}

// ScenariosInRange selects scenarios with at least one iteration starting
// in [from, to] (summary path).
func (b *Builder) ScenariosInRange(from, to time.Time) *Builder {
	b.path = summaryPath
	b.scenarioSelection = scenarioInRange
	b.filterFrom, b.filterTo = from, to
	return b
}

// ScenariosByName selects scenarios whose name contains substring (summary
// path).
func (b *Builder) ScenariosByName(substring string) *Builder {
	b.path = summaryPath
	b.scenarioSelection = scenarioByName
	b.nameSubstring = substring
	return b
}

// PageScenarios restricts the summary path's scenario set to one page.
// pageNum is 1-based; pageNum <= 0 or pageSize <= 0 disables paging.
func (b *Builder) PageScenarios(pageNum, pageSize int) *Builder {
	b.scenarioPageNum, b.scenarioPageSize = pageNum, pageSize
	return b
}

// Scenario starts the drill-down path: a single named scenario.
func (b *Builder) Scenario(name string) *Builder {
	b.path = drillDownPath
	b.scenarioName = name
	return b
}

// RunsAll selects every run of the drill-down scenario.
func (b *Builder) RunsAll() *Builder {
	b.runSelection = runAll
	return b
}

// RunsInRange selects runs of the drill-down scenario starting in
// [from, to].
func (b *Builder) RunsInRange(from, to time.Time) *Builder {
	b.runSelection = runInRange
	b.runFrom, b.runTo = from, to
	return b
}

// iterationsForRun lists one run's iterations, fetching samples for each
// iteration's closed window.
func (b *Builder) iterationsForRun(runID string) ([]IterationMetrics, error) {
	its, err := b.st.ListIterations(runID)
	if err != nil {
		return nil, fmt.Errorf("dataset: list iterations for %s: %w", runID, err)
	}
	out := make([]IterationMetrics, 0, len(its))
	for _, it := range its {
		stop := it.Stop
		if stop.IsZero() {
			stop = time.Now()
		}
		samples, err := b.st.SamplesInWindow(runID, it.Start, stop)
		if err != nil {
			return nil, fmt.Errorf("dataset: samples for %s/%s/%d: %w", runID, it.Scenario, it.Count, err)
		}
		matched := samples[:0:0]
		for _, s := range samples {
			if s.Scenario == it.Scenario && s.Iteration == it.Count {
				matched = append(matched, s)
			}
		}
		out = append(out, IterationMetrics{Iteration: *it, Samples: matched})
	}
	return out, nil
}

func (b *Builder) matchingRuns() ([]*store.Run, error) {
	runs, err := b.st.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("dataset: list runs: %w", err)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Start.After(runs[j].Start) })
	return runs, nil
}

// LastNRuns builds the summary-path Dataset: for each scenario matching
// the configured selection (optionally paged), include iterations from
// that scenario's last n runs.
func (b *Builder) LastNRuns(n int) (*Dataset, error) {
	if b.path != summaryPath {
		return nil, ErrWrongPath
	}

	runs, err := b.matchingRuns()
	if err != nil {
		return nil, err
	}

	scenarioNames, err := b.selectScenarioNames(runs)
	if err != nil {
		return nil, err
	}
	total := len(scenarioNames)
	scenarioNames = paginate(scenarioNames, b.scenarioPageNum, b.scenarioPageSize)

	var items []IterationMetrics
	for _, name := range scenarioNames {
		runIDs, err := b.runIDsContainingScenario(runs, name)
		if err != nil {
			return nil, err
		}
		if n > 0 && len(runIDs) > n {
			runIDs = runIDs[:n]
		}
		for _, runID := range runIDs {
			ims, err := b.iterationsForRun(runID)
			if err != nil {
				return nil, err
			}
			for _, im := range ims {
				if im.Iteration.Scenario == name {
					items = append(items, im)
				}
			}
		}
	}

	return &Dataset{Items: items, Runs: indexRuns(runs), TotalScenarios: total}, nil
}

// Page builds the drill-down path's Dataset: a single scenario's runs
// (filtered by RunsAll/RunsInRange), one page of them.
func (b *Builder) Page(pageNum, pageSize int) (*Dataset, error) {
	if b.path != drillDownPath {
		return nil, ErrWrongPath
	}

	runs, err := b.matchingRuns()
	if err != nil {
		return nil, err
	}

	runIDs, err := b.runIDsContainingScenario(runs, b.scenarioName)
	if err != nil {
		return nil, err
	}
	if b.runSelection == runInRange {
		filtered := runIDs[:0:0]
		byID := map[string]*store.Run{}
		for _, r := range runs {
			byID[r.ID] = r
		}
		for _, id := range runIDs {
			r := byID[id]
			if r != nil && !r.Start.Before(b.runFrom) && !r.Start.After(b.runTo) {
				filtered = append(filtered, id)
			}
		}
		runIDs = filtered
	}

	total := len(runIDs)
	runIDs = paginate(runIDs, pageNum, pageSize)

	var items []IterationMetrics
	for _, runID := range runIDs {
		ims, err := b.iterationsForRun(runID)
		if err != nil {
			return nil, err
		}
		for _, im := range ims {
			if im.Iteration.Scenario == b.scenarioName {
				items = append(items, im)
			}
		}
	}

	return &Dataset{Items: items, Runs: indexRuns(runs), TotalRuns: total}, nil
}

// indexRuns keys runs by id for cheap lookup from a ScenarioRunDataset.
func indexRuns(runs []*store.Run) map[string]*store.Run {
	out := make(map[string]*store.Run, len(runs))
	for _, r := range runs {
		out[r.ID] = r
	}
	return out
}

func (b *Builder) selectScenarioNames(runs []*store.Run) ([]string, error) {
	var order []string
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}

	switch b.scenarioSelection {
	case scenarioInRun:
		its, err := b.st.ListIterations(b.filterRunID)
		if err != nil {
			return nil, fmt.Errorf("dataset: list iterations for %s: %w", b.filterRunID, err)
		}
		for _, it := range its {
			add(it.Scenario)
		}
	default:
		for _, r := range runs {
			its, err := b.st.ListIterations(r.ID)
			if err != nil {
				return nil, fmt.Errorf("dataset: list iterations for %s: %w", r.ID, err)
			}
			for _, it := range its {
				switch b.scenarioSelection {
				case scenarioInRange:
					if it.Start.Before(b.filterFrom) || it.Start.After(b.filterTo) {
						continue
					}
				case scenarioByName:
					if !strings.Contains(it.Scenario, b.nameSubstring) {
						continue
					}
				}
				add(it.Scenario)
			}
		}
	}

	sort.Strings(order)
	return order, nil
}

// runIDsContainingScenario returns, in runsDesc's order (most-recent-first),
// the ids of runs that have at least one iteration for scenario.
func (b *Builder) runIDsContainingScenario(runsDesc []*store.Run, scenario string) ([]string, error) {
	var out []string
	for _, r := range runsDesc {
		its, err := b.st.ListIterations(r.ID)
		if err != nil {
			return nil, fmt.Errorf("dataset: list iterations for %s: %w", r.ID, err)
		}
		for _, it := range its {
			if it.Scenario == scenario {
				out = append(out, r.ID)
				break
			}
		}
	}
	return out, nil
}

// paginate returns the 1-based page (pageNum, pageSize) of items. A
// non-positive pageNum or pageSize disables paging (returns items unchanged). A pageNum past
// the last page returns an empty slice.
func paginate[T any](items []T, pageNum, pageSize int) []T {
	if pageNum <= 0 || pageSize <= 0 {
		return items
	}
	start := (pageNum - 1) * pageSize
	if start >= len(items) {
		return nil
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
