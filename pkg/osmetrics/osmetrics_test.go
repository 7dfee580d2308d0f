//go:build linux

package osmetrics

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockTicks(t *testing.T) {
	t.Setenv("CLK_TCK", "")
	assert.Greater(t, ClockTicks(), 0)

	t.Setenv("CLK_TCK", "250")
	assert.Equal(t, 250, ClockTicks())
}

func TestExists(t *testing.T) {
	assert.True(t, Exists(os.Getpid()))
	assert.False(t, Exists(999999))
}

func TestReadProcStat_SelfMonotonic(t *testing.T) {
	me := os.Getpid()
	ut, st, err := ReadProcStat(me)
	require.NoError(t, err)
	assert.True(t, ut >= 0)
	assert.True(t, st >= 0)

	time.Sleep(5 * time.Millisecond)
	ut2, st2, err := ReadProcStat(me)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ut2, ut)
	assert.GreaterOrEqual(t, st2, st)
}

func TestReadProcStat_NoSuchPid(t *testing.T) {
	_, _, err := ReadProcStat(999999)
	require.Error(t, err)
}

func TestReadSystemCPU(t *testing.T) {
	active, total, err := ReadSystemCPU()
	require.NoError(t, err)
	assert.True(t, total >= active)
}

func TestDeltaU64(t *testing.T) {
	assert.Equal(t, uint64(5), DeltaU64(10, 5))
	assert.Equal(t, uint64(0), DeltaU64(3, 10))
}

func TestSafeDiv(t *testing.T) {
	assert.Equal(t, 2.0, SafeDiv(10, 5))
	assert.Equal(t, 0.0, SafeDiv(10, 0))
}
