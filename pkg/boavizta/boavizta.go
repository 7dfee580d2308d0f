// Package boavizta looks up a CPU's average power draw from the Boavizta
// component database, used by `cardamon init` when --tdp is not given.
package boavizta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const componentCPUURL = "https://api.boavizta.org/v1/component/cpu"

// ExternalLookupError wraps a failure reaching the Boavizta API. Callers
// degrade by prompting the operator for a TDP value instead of failing
// `init` outright.
type ExternalLookupError struct {
	CPUName string
	Err     error
}

func (e *ExternalLookupError) Error() string {
	return fmt.Sprintf("boavizta: lookup %q: %v", e.CPUName, e.Err)
}
func (e *ExternalLookupError) Unwrap() error { return e.Err }

type cpuRequest struct {
	Name string `json:"name"`
}

type cpuResponse struct {
	Verbose struct {
		AvgPower struct {
			Value float64 `json:"value"`
		} `json:"avg_power"`
	} `json:"verbose"`
}

// Client calls the Boavizta component API.
type Client struct {
	HTTP *http.Client
	// BaseURL defaults to componentCPUURL; overridable in tests.
	BaseURL string
}

// New returns a Client with a bounded-timeout http.Client.
func New() *Client {
	return &Client{HTTP: &http.Client{Timeout: 10 * time.Second}, BaseURL: componentCPUURL}
}

// FetchAvgPower looks up cpuName's average power draw in watts.
func (c *Client) FetchAvgPower(ctx context.Context, cpuName string) (float64, error) {
	body, err := json.Marshal(cpuRequest{Name: cpuName})
	if err != nil {
		return 0, &ExternalLookupError{CPUName: cpuName, Err: err}
	}

	base := c.BaseURL
	if base == "" {
		base = componentCPUURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return 0, &ExternalLookupError{CPUName: cpuName, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, &ExternalLookupError{CPUName: cpuName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &ExternalLookupError{CPUName: cpuName, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var cr cpuResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return 0, &ExternalLookupError{CPUName: cpuName, Err: err}
	}
	if cr.Verbose.AvgPower.Value <= 0 {
		return 0, &ExternalLookupError{CPUName: cpuName, Err: fmt.Errorf("no avg_power in response")}
	}
	return cr.Verbose.AvgPower.Value, nil
}
