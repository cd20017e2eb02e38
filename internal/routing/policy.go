package routing

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/pkg/models"
)

// Rule is one routing policy rule. The first rule whose condition
// matches a request promotes its target provider to rank 0.
type Rule struct {
	Field    string // instrument, currency, amount, region
	Operator string // eq, ne, gt, gte, lt, lte
	Value    string
	Provider string
	Priority int
	Fallback string
}

// Matches evaluates the rule's condition against a route request.
func (r Rule) Matches(instrument models.InstrumentClass, currency string, amount decimal.Decimal, region string) bool {
	switch r.Field {
	case "instrument":
		return compareString(string(instrument), r.Operator, r.Value)
	case "currency":
		return compareString(currency, r.Operator, r.Value)
	case "region":
		return compareString(region, r.Operator, r.Value)
	case "amount":
		threshold, err := decimal.NewFromString(r.Value)
		if err != nil {
			return false
		}
		return compareDecimal(amount, r.Operator, threshold)
	}
	return false
}

func compareString(got, op, want string) bool {
	switch op {
	case "eq":
		return strings.EqualFold(got, want)
	case "ne":
		return !strings.EqualFold(got, want)
	}
	return false
}

func compareDecimal(got decimal.Decimal, op string, want decimal.Decimal) bool {
	switch op {
	case "eq":
		return got.Equal(want)
	case "ne":
		return !got.Equal(want)
	case "gt":
		return got.GreaterThan(want)
	case "gte":
		return got.GreaterThanOrEqual(want)
	case "lt":
		return got.LessThan(want)
	case "lte":
		return got.LessThanOrEqual(want)
	}
	return false
}

// Policy is an immutable routing policy snapshot: ordered rules plus
// the global optimization toggles.
type Policy struct {
	Rules             []Rule
	MinimizeCost      bool
	MaximizeSuccess   bool
	OptimizeSpeed     bool
	GeographicRouting bool
	HomeRegion        string
}

// PolicyFromConfig builds a policy snapshot with rules sorted by
// priority (lowest number wins).
func PolicyFromConfig(cfg config.RoutingConfig) *Policy {
	p := &Policy{
		MinimizeCost:      cfg.MinimizeCost,
		MaximizeSuccess:   cfg.MaximizeSuccess,
		OptimizeSpeed:     cfg.OptimizeSpeed,
		GeographicRouting: cfg.GeographicRouting,
		HomeRegion:        cfg.HomeRegion,
	}
	for _, rc := range cfg.Rules {
		p.Rules = append(p.Rules, Rule{
			Field:    rc.Field,
			Operator: rc.Operator,
			Value:    rc.Value,
			Provider: rc.Provider,
			Priority: rc.Priority,
			Fallback: rc.Fallback,
		})
	}
	sort.SliceStable(p.Rules, func(i, j int) bool {
		return p.Rules[i].Priority < p.Rules[j].Priority
	})
	return p
}

// PolicyHolder swaps policy snapshots atomically so no in-flight
// routing decision observes a half-updated policy.
type PolicyHolder struct {
	current atomic.Pointer[Policy]
}

// NewPolicyHolder creates a holder with the initial policy.
func NewPolicyHolder(p *Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// Load returns the current policy snapshot.
func (h *PolicyHolder) Load() *Policy {
	return h.current.Load()
}

// Swap replaces the policy in a single atomic store.
func (h *PolicyHolder) Swap(p *Policy) {
	h.current.Store(p)
}
