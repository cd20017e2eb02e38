package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/velopay/orchestrator/pkg/models"
)

// HTTPSignals queries an external anomaly-signal service. Endpoints:
// GET /signals/device/{fingerprint} and GET /signals/geo/{customerID}
// (with an optional country query parameter), both returning
// {"weight":N,"reason":"..."}. Signals are advisory, so an unreachable
// service contributes a zero weight rather than an error.
type HTTPSignals struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSignals creates a signal client.
func NewHTTPSignals(baseURL string, timeout time.Duration) *HTTPSignals {
	return &HTTPSignals{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// DeviceAnomalyWeight returns the anomaly weight for a device
// fingerprint.
func (s *HTTPSignals) DeviceAnomalyWeight(ctx context.Context, fingerprint string) (int, string) {
	var out signalResponse
	target := fmt.Sprintf("%s/signals/device/%s", s.baseURL, url.PathEscape(fingerprint))
	if err := s.get(ctx, target, &out); err != nil {
		return 0, ""
	}
	return out.Weight, out.Reason
}

// GeoAnomalyWeight returns the anomaly weight for a customer's
// reported location.
func (s *HTTPSignals) GeoAnomalyWeight(ctx context.Context, customerID uuid.UUID, geo *models.Geolocation) (int, string) {
	target := fmt.Sprintf("%s/signals/geo/%s", s.baseURL, customerID)
	if geo != nil && geo.Country != "" {
		target += "?country=" + url.QueryEscape(geo.Country)
	}
	var out signalResponse
	if err := s.get(ctx, target, &out); err != nil {
		return 0, ""
	}
	return out.Weight, out.Reason
}

type signalResponse struct {
	Weight int    `json:"weight"`
	Reason string `json:"reason"`
}

func (s *HTTPSignals) get(ctx context.Context, target string, out *signalResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode signal response: %w", err)
	}
	return nil
}
