// Package carbon resolves a regional carbon-intensity figure (g-CO2 per
// Wh), falling back to a global constant when the region is unknown or the
// lookup fails. Both outbound calls it wraps are best-effort: a failure
// degrades to the default rather than aborting the run.
package carbon

import (
	"context"
	"time"
)

// GlobalCI is used whenever regional resolution fails or isn't configured.
const GlobalCI = 0.494

// ExternalLookupError wraps a failure reaching a region or intensity
// provider. Callers are expected to fall back to GlobalCI rather than
// propagate it to the operator.
type ExternalLookupError struct {
	Op  string
	Err error
}

func (e *ExternalLookupError) Error() string { return "carbon: " + e.Op + ": " + e.Err.Error() }
func (e *ExternalLookupError) Unwrap() error  { return e.Err }

// Lookup resolves the caller's region and that region's carbon intensity.
type Lookup interface {
	// RegionForCaller returns an ISO-3166 alpha-2 region code for the
	// machine currently running cardamon.
	RegionForCaller(ctx context.Context) (string, error)
	// IntensityFor returns g-CO2/Wh for region at date.
	IntensityFor(ctx context.Context, region string, date time.Time) (gPerWh float64, err error)
}

// OfflineLookup never makes network calls: it always returns GlobalCI and
// reports no resolvable region. Used when no outbound lookup is configured
// or when the caller has asked to run fully offline.
type OfflineLookup struct{}

func (OfflineLookup) RegionForCaller(context.Context) (string, error) {
	return "", &ExternalLookupError{Op: "region", Err: errNoRegion}
}

func (OfflineLookup) IntensityFor(context.Context, string, time.Time) (float64, error) {
	return GlobalCI, nil
}

var errNoRegion = offlineError("offline lookup configured, no region resolution available")

type offlineError string

func (e offlineError) Error() string { return string(e) }

// Resolve is the convenience entrypoint a driver calls once per run: it
// tries l for a region and intensity, and falls back to (region="",
// GlobalCI) on any error, matching the "downgrade to default" error policy.
func Resolve(ctx context.Context, l Lookup, at time.Time) (region string, gPerWh float64) {
	if l == nil {
		return "", GlobalCI
	}
	region, err := l.RegionForCaller(ctx)
	if err != nil {
		return "", GlobalCI
	}
	ci, err := l.IntensityFor(ctx, region, at)
	if err != nil {
		return region, GlobalCI
	}
	return region, ci
}
