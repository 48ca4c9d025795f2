package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/arena-trader/internal/storage"
)

func TestCalculateGroupsByClass(t *testing.T) {
	positions := []storage.Position{
		{Symbol: "AAPL", AssetClass: storage.AssetStock, Side: storage.SideLong, Quantity: 10, EntryPrice: 100, CurrentPrice: 110},
		{Symbol: "MSFT", AssetClass: storage.AssetStock, Side: storage.SideLong, Quantity: 5, EntryPrice: 200, CurrentPrice: 180},
		{Symbol: "BTC-USD", AssetClass: storage.AssetCrypto, Side: storage.SideLong, Quantity: 0.1, EntryPrice: 50000, CurrentPrice: 60000},
	}

	b := Calculate(1100, positions)

	assert.InDelta(t, 1100+1100+900+6000, b.AccountValue, 1e-9)
	assert.InDelta(t, 1100.0/9100*100, b.CashPercent, 1e-9)
	require.Len(t, b.Classes, 2)

	crypto := b.Classes[0]
	assert.Equal(t, storage.AssetCrypto, crypto.AssetClass)
	assert.InDelta(t, 6000, crypto.MarketValue, 1e-9)
	assert.InDelta(t, 1000, crypto.UnrealizedPnL, 1e-9)

	stock := b.Classes[1]
	assert.Equal(t, storage.AssetStock, stock.AssetClass)
	assert.InDelta(t, 2000, stock.MarketValue, 1e-9)
	assert.InDelta(t, 0, stock.UnrealizedPnL, 1e-9)
	assert.Equal(t, 2, stock.Positions)
	assert.InDelta(t, 2000.0/9100*100, stock.Percent, 1e-9)
}

func TestCalculateCashOnly(t *testing.T) {
	b := Calculate(5000, nil)

	assert.Equal(t, 5000.0, b.AccountValue)
	assert.Equal(t, 100.0, b.CashPercent)
	assert.Empty(t, b.Classes)
}

func TestCalculateEmptyBook(t *testing.T) {
	b := Calculate(0, nil)
	assert.Zero(t, b.CashPercent)
}
