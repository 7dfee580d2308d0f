package driver

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/ja7ad/cardamon/pkg/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonDriver_StartThenStop(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	d := NewDaemonDriver(rec, nil)

	p := &plan.ExecutionPlan{Mode: plan.ModeDaemon}
	p.AddExternalPid(os.Getpid())

	handler := d.Handler(p, "test-cpu", 40, "", 0.494)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	startResp, err := srv.Client().Get(srv.URL + "/start")
	require.NoError(t, err)
	defer startResp.Body.Close()
	assert.Equal(t, 200, startResp.StatusCode)

	var started startResponse
	require.NoError(t, json.NewDecoder(startResp.Body).Decode(&started))
	assert.Len(t, started.RunID, 5)

	run, err := st.GetRun(started.RunID)
	require.NoError(t, err)
	assert.True(t, run.Stop.IsZero() || run.Stop.After(run.Start))

	time.Sleep(1200 * time.Millisecond)

	stopResp, err := srv.Client().Get(srv.URL + "/stop")
	require.NoError(t, err)
	defer stopResp.Body.Close()
	assert.Equal(t, 200, stopResp.StatusCode)

	var stopped startResponse
	require.NoError(t, json.NewDecoder(stopResp.Body).Decode(&stopped))
	assert.Equal(t, started.RunID, stopped.RunID)

	run, err = st.GetRun(started.RunID)
	require.NoError(t, err)
	assert.False(t, run.Stop.IsZero())
}

func TestDaemonDriver_StopWithoutStart_Conflict(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	d := NewDaemonDriver(rec, nil)

	p := &plan.ExecutionPlan{Mode: plan.ModeDaemon}
	handler := d.Handler(p, "cpu", 1, "", 0.494)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/stop")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 409, resp.StatusCode)
}

func TestDaemonDriver_DoubleStart_Conflict(t *testing.T) {
	st := openTestStore(t)
	rec := recorder.New(st)
	d := NewDaemonDriver(rec, nil)

	p := &plan.ExecutionPlan{Mode: plan.ModeDaemon}
	p.AddExternalPid(os.Getpid())
	handler := d.Handler(p, "cpu", 1, "", 0.494)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	first, err := srv.Client().Get(srv.URL + "/start")
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, 200, first.StatusCode)

	second, err := srv.Client().Get(srv.URL + "/start")
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, 409, second.StatusCode)

	stopResp, err := srv.Client().Get(srv.URL + "/stop")
	require.NoError(t, err)
	stopResp.Body.Close()
}
