// Package store persists runs, iterations, and CPU samples. Store is a
// capability interface so the rest of the module never depends on bbolt
// directly — only BoltStore does.
package store

import (
	"time"
)

// Run is one invocation of `cardamon run` (or one live/daemon session).
type Run struct {
	ID          string    `json:"id"`
	Observation string    `json:"observation"`
	CPUName     string    `json:"cpu_name"`
	CPUAvgPower float64   `json:"cpu_avg_power"`
	IsLive      bool      `json:"is_live"`
	Region      string    `json:"region,omitempty"`
	CI          float64   `json:"carbon_intensity"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`

	// HasResourceBreakdown and the fields below are set only when the run
	// was recorded with `cardamon run --resource-breakdown`: the average
	// CPU/disk/RAM power split and cumulative energy pkg/resourcemodel
	// accumulated over the run, supplementing (never replacing) the
	// mandatory CPU-only RAB-linear figure pkg/attribution computes from
	// the CPU samples.
	HasResourceBreakdown bool    `json:"has_resource_breakdown,omitempty"`
	ResourceCPUW         float64 `json:"resource_cpu_w,omitempty"`
	ResourceDiskW        float64 `json:"resource_disk_w,omitempty"`
	ResourceRAMW         float64 `json:"resource_ram_w,omitempty"`
	ResourceEnergyJ      float64 `json:"resource_energy_j,omitempty"`
}

// Iteration is one execution of a scenario's command within a run.
type Iteration struct {
	RunID    string    `json:"run_id"`
	Scenario string    `json:"scenario"`
	Count    int       `json:"count"`
	Start    time.Time `json:"start"`
	Stop     time.Time `json:"stop"`
}

// CpuSampleRecord is the persisted form of sampler.CpuSample, keyed to the
// run/iteration it belongs to.
type CpuSampleRecord struct {
	RunID     string      `json:"run_id"`
	Scenario  string      `json:"scenario"`
	Iteration int         `json:"iteration"`
	Pid       int         `json:"pid,omitempty"`
	Container string      `json:"container,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	CpuUsage  float64     `json:"cpu_usage"`
	CpuTotal  float64     `json:"cpu_total_usage"`
	CoreCount int         `json:"cpu_core_count"`
}

// Store is the capability set the recorder, driver, and dataset builder
// need from persistence. One implementation (BoltStore) backs all of them.
type Store interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	UpdateRun(r *Run) error
	ListRuns() ([]*Run, error)

	CreateIteration(it *Iteration) error
	UpdateIteration(it *Iteration) error
	// GetIteration returns the iteration for (runID, scenario, count).
	GetIteration(runID, scenario string, count int) (*Iteration, error)
	ListIterations(runID string) ([]*Iteration, error)

	AppendCpuSamples(samples []CpuSampleRecord) error
	// SamplesInWindow returns samples for runID whose Timestamp falls in
	// the CLOSED interval [start, stop].
	SamplesInWindow(runID string, start, stop time.Time) ([]CpuSampleRecord, error)

	Close() error
}
