package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ja7ad/cardamon/pkg/cardamonlog"
	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/ja7ad/cardamon/pkg/recorder"
	"github.com/ja7ad/cardamon/pkg/sampler"
)

// DaemonDriver wraps a LiveDriver with the §6 HTTP control surface:
// GET /start begins a live-style recording (create-or-update on the given
// run id), GET /stop ends it. A daemon run has exactly one iteration, so
// looking it up by run id alone is never ambiguous.
type DaemonDriver struct {
	live *LiveDriver

	mu     sync.Mutex
	cancel context.CancelFunc
	runID  string
	done   chan struct{}
}

// NewDaemonDriver returns a DaemonDriver built on the given recorder and
// container reader, the same dependencies a LiveDriver needs.
func NewDaemonDriver(rec *recorder.Recorder, creader sampler.ContainerReader) *DaemonDriver {
	return &DaemonDriver{live: NewLiveDriver(rec, creader)}
}

// WithResourceTracker attaches a ResourceTracker to the underlying
// LiveDriver, so a --resource-breakdown recording survives daemon-mode
// start/stop cycles the same way it does under `cardamon run`.
func (d *DaemonDriver) WithResourceTracker(rt ResourceTracker) *DaemonDriver {
	d.live.WithResourceTracker(rt)
	return d
}

// Handler returns the ServeMux the daemon listens on. No router framework
// appears anywhere in the pack's full source trees, so stdlib ServeMux is
// the idiomatic minimal choice.
func (d *DaemonDriver) Handler(p *plan.ExecutionPlan, cpuName string, cpuAvgPower float64, region string, ci float64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		d.handleStart(w, r, p, cpuName, cpuAvgPower, region, ci)
	})
	mux.HandleFunc("/stop", d.handleStop)
	return mux
}

type startResponse struct {
	RunID string `json:"run_id"`
}

func (d *DaemonDriver) handleStart(w http.ResponseWriter, r *http.Request, p *plan.ExecutionPlan, cpuName string, cpuAvgPower float64, region string, ci float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a recording is already running"})
		return
	}

	requested := r.URL.Query().Get("run_id")
	runID, err := d.live.Recorder().StartOrResumeRun(requested, "live", cpuName, cpuAvgPower, region, ci)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := d.live.Run(ctx, p, runID, cpuName, cpuAvgPower, region, ci); err != nil {
			cardamonlog.WithComponent("daemon").Error().Err(err).Msg("live run ended with error")
		}
	}()

	d.cancel = cancel
	d.runID = runID
	d.done = done

	writeJSON(w, http.StatusOK, startResponse{RunID: runID})
}

func (d *DaemonDriver) handleStop(w http.ResponseWriter, _ *http.Request) {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	runID := d.runID
	d.cancel = nil
	d.done = nil
	d.runID = ""
	d.mu.Unlock()

	if cancel == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no recording in progress"})
		return
	}
	cancel()
	<-done
	writeJSON(w, http.StatusOK, startResponse{RunID: runID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
