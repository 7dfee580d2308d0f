// Package attribution implements the RAB-linear power model: it integrates
// a process's CPU utilization samples over time into energy (Wh) and
// multiplies by a carbon-intensity figure to get CO2 (g), then aggregates
// those per-process figures up through iteration, run, and scenario.
package attribution

import (
	"math"
	"sort"
	"time"

	"github.com/ja7ad/cardamon/pkg/dataset"
	"github.com/ja7ad/cardamon/pkg/store"
)

// Data is an energy/CO2 pair, additive and averageable independent of order.
type Data struct {
	PowWh float64
	CO2G  float64
}

// Sum adds b into a new Data.
func Sum(a, b Data) Data {
	return Data{PowWh: a.PowWh + b.PowWh, CO2G: a.CO2G + b.CO2G}
}

// Mean returns the arithmetic mean of ds. Mean of an empty slice is the
// zero value.
func Mean(ds []Data) Data {
	if len(ds) == 0 {
		return Data{}
	}
	var sum Data
	for _, d := range ds {
		sum = Sum(sum, d)
	}
	return Data{PowWh: sum.PowWh / float64(len(ds)), CO2G: sum.CO2G / float64(len(ds))}
}

// ProcessEnergy applies the RAB-linear model to one process's samples
// within one iteration: energy_wh_slice = pow_w × Δt_sec / 3600, where
// pow_w = (mid_util / 0.5) × cpuAvgPowerW and mid_util is the average of
// two consecutive samples' cpu_usage. A process with fewer than two
// samples contributes zero. Samples need not arrive sorted; they are
// sorted by timestamp descending (matching the model's "consecutive pair"
// definition) before integration.
//
// This uses the corrected Δt_ms→hours conversion (/3600, seconds, not the
// source's /1000 bug that leaves units in watt-milliseconds). See
// DESIGN.md for why the corrected arithmetic was chosen over a bit-for-bit
// replication of the source.
func ProcessEnergy(samples []store.CpuSampleRecord, cpuAvgPowerW, gPerWh float64) Data {
	if len(samples) < 2 {
		return Data{}
	}

	sorted := make([]store.CpuSampleRecord, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	var wh float64
	for i := 0; i < len(sorted)-1; i++ {
		a, b := sorted[i], sorted[i+1]
		dtSec := a.Timestamp.Sub(b.Timestamp).Seconds()
		if dtSec < 0 {
			dtSec = -dtSec
		}
		mid := (a.CpuUsage + b.CpuUsage) / 2
		powW := (mid / 0.5) * cpuAvgPowerW
		wh += powW * dtSec / 3600
	}
	return Data{PowWh: wh, CO2G: wh * gPerWh}
}

// GlobalCI matches carbon.GlobalCI; duplicated here as a fallback constant
// so this package has no import-cycle dependency on pkg/carbon.
const GlobalCI = 0.494

// ProcessData is one process's averaged Data across a run's iterations.
type ProcessData struct {
	ProcessID string
	Data      Data
}

// ResourceBreakdown is a run's optional CPU+disk+RAM power split, recorded
// only when `cardamon run --resource-breakdown` was used. It supplements
// the mandatory CPU-only RAB-linear Data; it is never a substitute for it.
type ResourceBreakdown struct {
	CPUW     float64
	DiskW    float64
	RAMW     float64
	EnergyJ  float64
}

// RunData is a run's total Data (sum of per-process means) plus the
// per-process breakdown.
type RunData struct {
	RunID             string
	Region            string
	CI                float64
	Start             time.Time
	Stop              time.Time
	Data              Data
	ProcessData       []ProcessData
	ResourceBreakdown *ResourceBreakdown
}

// Duration returns the run's wall-clock length, or zero if still open.
func (r RunData) Duration() time.Duration {
	if r.Stop.IsZero() {
		return 0
	}
	return r.Stop.Sub(r.Start)
}

// ScenarioData sums RunData across a scenario's runs and reports trend
// against prior runs.
type ScenarioData struct {
	ScenarioName string
	Data         Data
	RunData      []RunData
	Trend        float64 // Wh delta vs mean of prior runs; NaN if no prior runs
}

// Trend computes current.PowWh − mean(prior[0..k-1].PowWh). Returns NaN
// when prior is empty, signaling "--" at the presentation layer rather
// than a misleading zero.
func Trend(current Data, prior []Data) float64 {
	if len(prior) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, d := range prior {
		sum += d.PowWh
	}
	return current.PowWh - sum/float64(len(prior))
}

// AggregateIteration applies the RAB-linear model to every process
// observed during one iteration, using the parent run's configured CPU
// average power and carbon intensity. A nil run degrades to zero power and
// GlobalCI — it should not occur for an iteration that has items, since
// the builder always resolves the owning run.
func AggregateIteration(im dataset.IterationMetrics, run *store.Run) map[string]Data {
	avgPower, ci := 0.0, GlobalCI
	if run != nil {
		avgPower, ci = run.CPUAvgPower, run.CI
	}
	out := make(map[string]Data)
	for pid, samples := range im.ByProcess() {
		out[pid] = ProcessEnergy(samples, avgPower, ci)
	}
	return out
}

// AggregateRun reduces one run's iterations to a RunData: per process, the
// arithmetic mean of that process's Data across iterations; the run's
// total Data is the sum of those per-process means.
func AggregateRun(run dataset.ScenarioRunDataset) RunData {
	perProcess := map[string][]Data{}
	for _, im := range run.ByIteration() {
		for pid, d := range AggregateIteration(im, run.Run) {
			perProcess[pid] = append(perProcess[pid], d)
		}
	}

	pids := make([]string, 0, len(perProcess))
	for pid := range perProcess {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	rd := RunData{RunID: run.RunID}
	if run.Run != nil {
		rd.Region = run.Run.Region
		rd.CI = run.Run.CI
		rd.Start = run.Run.Start
		rd.Stop = run.Run.Stop
		if run.Run.HasResourceBreakdown {
			rd.ResourceBreakdown = &ResourceBreakdown{
				CPUW:    run.Run.ResourceCPUW,
				DiskW:   run.Run.ResourceDiskW,
				RAMW:    run.Run.ResourceRAMW,
				EnergyJ: run.Run.ResourceEnergyJ,
			}
		}
	}
	for _, pid := range pids {
		mean := Mean(perProcess[pid])
		rd.ProcessData = append(rd.ProcessData, ProcessData{ProcessID: pid, Data: mean})
		rd.Data = Sum(rd.Data, mean)
	}
	return rd
}

// AggregateScenario reduces a scenario's runs (most-recent-first, per
// dataset.ScenarioDataset.ByRun) to a ScenarioData: the sum of every run's
// total Data, plus the trend of the most recent run against the mean of up
// to trendK runs immediately prior to it.
func AggregateScenario(sd dataset.ScenarioDataset, trendK int) ScenarioData {
	runsDesc := sd.ByRun()

	runData := make([]RunData, len(runsDesc))
	var total Data
	for i, r := range runsDesc {
		runData[i] = AggregateRun(r)
		total = Sum(total, runData[i].Data)
	}

	trend := math.NaN()
	if len(runData) > 0 {
		end := trendK
		if end > len(runData)-1 {
			end = len(runData) - 1
		}
		var prior []Data
		for i := 1; i <= end; i++ {
			prior = append(prior, runData[i].Data)
		}
		trend = Trend(runData[0].Data, prior)
	}

	return ScenarioData{ScenarioName: sd.ScenarioName, Data: total, RunData: runData, Trend: trend}
}
