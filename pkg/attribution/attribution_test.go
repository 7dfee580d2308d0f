package attribution

import (
	"math"
	"testing"
	"time"

	"github.com/ja7ad/cardamon/pkg/store"
	"github.com/stretchr/testify/assert"
)

func sampleAt(t time.Time, usage float64) store.CpuSampleRecord {
	return store.CpuSampleRecord{Timestamp: t, CpuUsage: usage}
}

func TestProcessEnergy_FewerThanTwoSamples_IsZero(t *testing.T) {
	assert.Equal(t, Data{}, ProcessEnergy(nil, 100, GlobalCI))
	assert.Equal(t, Data{}, ProcessEnergy([]store.CpuSampleRecord{sampleAt(time.Now(), 0.5)}, 100, GlobalCI))
}

func TestProcessEnergy_TwoSamplesOneSecondApart_AtHalfUtil(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []store.CpuSampleRecord{
		sampleAt(base, 0.5),
		sampleAt(base.Add(1*time.Second), 0.5),
	}
	// mid=0.5, powW = (0.5/0.5)*100 = 100W, energy = 100 * 1/3600 Wh
	got := ProcessEnergy(samples, 100, 1.0)
	assert.InDelta(t, 100.0/3600.0, got.PowWh, 1e-9)
	assert.InDelta(t, got.PowWh*1.0, got.CO2G, 1e-9)
}

func TestProcessEnergy_OrderIndependent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	forward := []store.CpuSampleRecord{
		sampleAt(base, 0.2),
		sampleAt(base.Add(1*time.Second), 0.4),
		sampleAt(base.Add(2*time.Second), 0.6),
	}
	reversed := []store.CpuSampleRecord{forward[2], forward[1], forward[0]}

	a := ProcessEnergy(forward, 50, GlobalCI)
	b := ProcessEnergy(reversed, 50, GlobalCI)
	assert.InDelta(t, a.PowWh, b.PowWh, 1e-9)
}

func TestSumAndMean_CommutativeAssociative(t *testing.T) {
	ds := []Data{{PowWh: 1, CO2G: 2}, {PowWh: 3, CO2G: 4}, {PowWh: 5, CO2G: 6}}
	m1 := Mean(ds)
	m2 := Mean([]Data{ds[2], ds[0], ds[1]})
	assert.Equal(t, m1, m2)

	s1 := Sum(Sum(ds[0], ds[1]), ds[2])
	s2 := Sum(ds[0], Sum(ds[1], ds[2]))
	assert.InDelta(t, s1.PowWh, s2.PowWh, 1e-9)
}

func TestMean_Empty_IsZero(t *testing.T) {
	assert.Equal(t, Data{}, Mean(nil))
}

func TestTrend_PositiveNegativeAndNoHistory(t *testing.T) {
	prior := []Data{{PowWh: 10}, {PowWh: 10}, {PowWh: 10}}

	assert.InDelta(t, 2.0, Trend(Data{PowWh: 12}, prior), 1e-9)
	assert.InDelta(t, -2.0, Trend(Data{PowWh: 8}, prior), 1e-9)
	assert.True(t, math.IsNaN(Trend(Data{PowWh: 12}, nil)))
}

func TestRunData_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := RunData{Start: start, Stop: start.Add(5 * time.Second)}
	assert.Equal(t, 5*time.Second, r.Duration())

	open := RunData{Start: start}
	assert.Equal(t, time.Duration(0), open.Duration())
}
