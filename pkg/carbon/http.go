package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	countryLookupURL = "https://api.country.is/"
	defaultEmberBase = "https://api.ember-climate.org/v1"
)

// HTTPLookup implements Lookup against api.country.is (caller region by IP)
// and an Ember-shaped monthly emissions-intensity endpoint.
type HTTPLookup struct {
	Client    *http.Client
	EmberBase string
	EmberKey  string
}

// NewHTTPLookup returns an HTTPLookup with a bounded-timeout client.
func NewHTTPLookup(emberBase, emberKey string) *HTTPLookup {
	if emberBase == "" {
		emberBase = defaultEmberBase
	}
	return &HTTPLookup{
		Client:    &http.Client{Timeout: 5 * time.Second},
		EmberBase: emberBase,
		EmberKey:  emberKey,
	}
}

type countryResponse struct {
	Country string `json:"country"`
}

func (h *HTTPLookup) RegionForCaller(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, countryLookupURL, nil)
	if err != nil {
		return "", &ExternalLookupError{Op: "region", Err: err}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", &ExternalLookupError{Op: "region", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &ExternalLookupError{Op: "region", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var cr countryResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", &ExternalLookupError{Op: "region", Err: err}
	}
	if cr.Country == "" {
		return "", &ExternalLookupError{Op: "region", Err: fmt.Errorf("empty country in response")}
	}
	return cr.Country, nil
}

type emberResponse struct {
	Stats struct {
		QueryValueRange struct {
			EmissionsIntensityGco2PerKwh struct {
				Max float64 `json:"max"`
			} `json:"emissions_intensity_gco2_per_kwh"`
		} `json:"query_value_range"`
	} `json:"stats"`
}

// IntensityFor queries the Ember monthly endpoint for the calendar month
// containing date and returns the max emissions intensity, converted from
// g-CO2/kWh to g-CO2/Wh (divide by 1000).
func (h *HTTPLookup) IntensityFor(ctx context.Context, region string, date time.Time) (float64, error) {
	month := date.Format("2006-01")
	q := url.Values{}
	q.Set("entity_code", region)
	q.Set("start_date", month)
	q.Set("end_date", month)
	q.Set("api_key", h.EmberKey)

	reqURL := h.EmberBase + "/monthly?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, &ExternalLookupError{Op: "intensity", Err: err}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, &ExternalLookupError{Op: "intensity", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &ExternalLookupError{Op: "intensity", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var er emberResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return 0, &ExternalLookupError{Op: "intensity", Err: err}
	}
	maxGco2PerKwh := er.Stats.QueryValueRange.EmissionsIntensityGco2PerKwh.Max
	if maxGco2PerKwh <= 0 {
		return 0, &ExternalLookupError{Op: "intensity", Err: fmt.Errorf("no intensity value returned")}
	}
	return maxGco2PerKwh / 1000, nil
}
