package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velopay/orchestrator/pkg/errors"
	"github.com/velopay/orchestrator/pkg/models"
)

// HTTPSource fetches rates from an exchange-rate HTTP API that returns
// {"base": "...", "rates": {"EUR": "0.91", ...}}.
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTP rate source.
func NewHTTPSource(name, baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetRate fetches the rate for the pair from the remote API.
func (s *HTTPSource) GetRate(ctx context.Context, from, to string) (models.RateSnapshot, error) {
	if from == to {
		return snapshot(s.name, from, to, decimal.NewFromInt(1)), nil
	}
	url := fmt.Sprintf("%s/rates?base=%s", s.baseURL, from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, fmt.Errorf("%s: status %d", s.name, resp.StatusCode))
	}
	var data struct {
		Base  string            `json:"base"`
		Rates map[string]string `json:"rates"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, err)
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, err)
	}
	rateStr, ok := data.Rates[to]
	if !ok {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, fmt.Errorf("%s: no %s rate", s.name, to))
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return models.RateSnapshot{}, errors.RateUnavailable(from, to, err)
	}
	return snapshot(s.name, from, to, rate), nil
}
