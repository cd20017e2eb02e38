// Package registry holds capability descriptors for the configured
// payment providers. The registry is an immutable snapshot swapped
// atomically on reload, so concurrent routing decisions never observe
// a half-updated provider set.
package registry

import (
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/pkg/models"
)

// Provider describes one payment provider's capabilities
type Provider struct {
	Name                 string
	GatewayVariant       string
	MerchantID           string
	AcquirerID           string
	Instruments          map[models.InstrumentClass]bool
	Currencies           map[string]bool
	Regions              map[string]bool
	FeeFixed             decimal.Decimal
	FeePercent           decimal.Decimal
	SupportsEscrow       bool
	SupportsSubscription bool
	SupportsRefund       bool
}

// Supports reports whether the provider can execute the given
// instrument class in the given currency.
func (p *Provider) Supports(class models.InstrumentClass, currency string) bool {
	return p.Instruments[class] && p.Currencies[currency]
}

// InRegion reports whether the provider operates in the given region.
// An empty region set means global coverage.
func (p *Provider) InRegion(region string) bool {
	if len(p.Regions) == 0 {
		return true
	}
	return p.Regions[region]
}

// Snapshot is an immutable view of the provider set
type Snapshot struct {
	providers map[string]*Provider
	ordered   []*Provider
}

// Get returns the provider by name, or nil.
func (s *Snapshot) Get(name string) *Provider {
	return s.providers[name]
}

// All returns every provider ordered by name for determinism.
func (s *Snapshot) All() []*Provider {
	return s.ordered
}

// Matching returns providers supporting the instrument class and
// currency, ordered by name.
func (s *Snapshot) Matching(class models.InstrumentClass, currency string) []*Provider {
	var out []*Provider
	for _, p := range s.ordered {
		if p.Supports(class, currency) {
			out = append(out, p)
		}
	}
	return out
}

// Registry is the atomically swappable provider registry
type Registry struct {
	snapshot atomic.Pointer[Snapshot]
}

// New builds a registry from provider configuration.
func New(providers []config.ProviderConfig) *Registry {
	r := &Registry{}
	r.Reload(providers)
	return r
}

// Snapshot returns the current immutable provider set.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Reload replaces the provider set in a single atomic swap.
func (r *Registry) Reload(providers []config.ProviderConfig) {
	snap := &Snapshot{providers: make(map[string]*Provider, len(providers))}
	for _, pc := range providers {
		p := &Provider{
			Name:                 pc.Name,
			GatewayVariant:       pc.GatewayVariant,
			MerchantID:           pc.MerchantID,
			AcquirerID:           pc.AcquirerID,
			Instruments:          make(map[models.InstrumentClass]bool, len(pc.Instruments)),
			Currencies:           make(map[string]bool, len(pc.Currencies)),
			Regions:              make(map[string]bool, len(pc.Regions)),
			FeeFixed:             pc.FeeFixed,
			FeePercent:           pc.FeePercent,
			SupportsEscrow:       pc.SupportsEscrow,
			SupportsSubscription: pc.SupportsSubscription,
			SupportsRefund:       pc.SupportsRefund,
		}
		for _, i := range pc.Instruments {
			p.Instruments[models.InstrumentClass(i)] = true
		}
		for _, c := range pc.Currencies {
			p.Currencies[c] = true
		}
		for _, reg := range pc.Regions {
			p.Regions[reg] = true
		}
		snap.providers[p.Name] = p
	}
	snap.ordered = make([]*Provider, 0, len(snap.providers))
	for _, p := range snap.providers {
		snap.ordered = append(snap.ordered, p)
	}
	sort.Slice(snap.ordered, func(i, j int) bool {
		return snap.ordered[i].Name < snap.ordered[j].Name
	})
	r.snapshot.Store(snap)
}
