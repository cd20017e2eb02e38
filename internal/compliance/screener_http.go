package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPScreener calls the external compliance/screening service over
// HTTP. Endpoints: GET /aml/{customerID} -> {"status":"pass"|"fail"},
// GET /sanctions/{customerID} -> {"result":"match"|"clear"}.
type HTTPScreener struct {
	baseURL string
	client  *http.Client
}

// NewHTTPScreener creates a screening client.
func NewHTTPScreener(baseURL string, timeout time.Duration) *HTTPScreener {
	return &HTTPScreener{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckAML returns true if the customer passes AML/KYC.
func (s *HTTPScreener) CheckAML(ctx context.Context, customerID uuid.UUID) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := s.get(ctx, fmt.Sprintf("%s/aml/%s", s.baseURL, customerID), &out); err != nil {
		return false, err
	}
	return out.Status == "pass", nil
}

// CheckSanctions returns true if the customer matched a sanctions list.
func (s *HTTPScreener) CheckSanctions(ctx context.Context, customerID uuid.UUID) (bool, error) {
	var out struct {
		Result string `json:"result"`
	}
	if err := s.get(ctx, fmt.Sprintf("%s/sanctions/%s", s.baseURL, customerID), &out); err != nil {
		return false, err
	}
	return out.Result == "match", nil
}

func (s *HTTPScreener) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("screening service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("screening service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode screening response: %w", err)
	}
	return nil
}
