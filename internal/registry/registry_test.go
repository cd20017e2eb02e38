package registry

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/pkg/models"
)

func testConfig() []config.ProviderConfig {
	return []config.ProviderConfig{
		{
			Name:        "stripe",
			Instruments: []string{"card", "digital_wallet"},
			Currencies:  []string{"USD", "EUR"},
			FeePercent:  decimal.RequireFromString("0.029"),
		},
		{
			Name:        "adyen",
			Instruments: []string{"card"},
			Currencies:  []string{"EUR"},
			Regions:     []string{"EU"},
		},
	}
}

func TestSnapshotLookup(t *testing.T) {
	reg := New(testConfig())
	snap := reg.Snapshot()

	t.Run("Get", func(t *testing.T) {
		p := snap.Get("stripe")
		require.NotNil(t, p)
		assert.True(t, p.Supports(models.InstrumentCard, "USD"))
		assert.False(t, p.Supports(models.InstrumentCryptocurrency, "USD"))
		assert.False(t, p.Supports(models.InstrumentCard, "GBP"))
		assert.Nil(t, snap.Get("unknown"))
	})

	t.Run("AllOrderedByName", func(t *testing.T) {
		all := snap.All()
		require.Len(t, all, 2)
		assert.Equal(t, "adyen", all[0].Name)
		assert.Equal(t, "stripe", all[1].Name)
	})

	t.Run("Matching", func(t *testing.T) {
		matched := snap.Matching(models.InstrumentCard, "EUR")
		require.Len(t, matched, 2)
		usdOnly := snap.Matching(models.InstrumentCard, "USD")
		require.Len(t, usdOnly, 1)
		assert.Equal(t, "stripe", usdOnly[0].Name)
	})
}

func TestInRegion(t *testing.T) {
	snap := New(testConfig()).Snapshot()

	assert.True(t, snap.Get("stripe").InRegion("US"), "no region set means global coverage")
	assert.True(t, snap.Get("adyen").InRegion("EU"))
	assert.False(t, snap.Get("adyen").InRegion("US"))
}

func TestReloadSwapsAtomically(t *testing.T) {
	reg := New(testConfig())
	before := reg.Snapshot()

	reg.Reload([]config.ProviderConfig{
		{Name: "coinpay", Instruments: []string{"cryptocurrency"}, Currencies: []string{"USD"}},
	})
	after := reg.Snapshot()

	// The old snapshot is untouched for readers that still hold it.
	require.Len(t, before.All(), 2)
	assert.NotNil(t, before.Get("stripe"))

	require.Len(t, after.All(), 1)
	assert.Nil(t, after.Get("stripe"))
	assert.NotNil(t, after.Get("coinpay"))
}
