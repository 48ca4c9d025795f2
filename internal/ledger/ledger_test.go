package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/arena-trader/internal/storage"
)

func newAgent(cash float64) *storage.Agent {
	return &storage.Agent{ID: "a1", CashBalance: cash, AccountValue: cash, StartingValue: cash}
}

func TestApplyBuyOpensPosition(t *testing.T) {
	agent := newAgent(10000)

	res, err := Apply(agent, nil, Fill{Symbol: "AAPL", AssetClass: storage.AssetStock, Action: storage.ActionBuy, Quantity: 10, Price: 150.20})
	require.NoError(t, err)
	require.NotNil(t, res.Position)

	assert.False(t, res.Closed)
	assert.Nil(t, res.RealizedPnL)
	assert.InDelta(t, 1502.00, res.Total, 1e-9)
	assert.InDelta(t, 8498.00, agent.CashBalance, 1e-9)
	assert.Equal(t, storage.SideLong, res.Position.Side)
	assert.InDelta(t, 150.20, res.Position.EntryPrice, 1e-9)
	assert.InDelta(t, 150.20, res.Position.CurrentPrice, 1e-9)

	positions := Merge(nil, "AAPL", res)
	Revalue(agent, positions)
	assert.InDelta(t, 10000.00, agent.AccountValue, 1e-9)
}

func TestApplyBuyAddsWithWeightedAverage(t *testing.T) {
	agent := newAgent(10000)
	pos := &storage.Position{AgentID: "a1", Symbol: "MSFT", Side: storage.SideLong, Quantity: 10, EntryPrice: 100, CurrentPrice: 100, OpenedAt: time.Now()}

	res, err := Apply(agent, pos, Fill{Symbol: "MSFT", Action: storage.ActionBuy, Quantity: 30, Price: 120})
	require.NoError(t, err)

	assert.InDelta(t, 40, res.Position.Quantity, 1e-9)
	assert.InDelta(t, 115, res.Position.EntryPrice, 1e-9)
	assert.InDelta(t, 10000-3600, agent.CashBalance, 1e-9)
	assert.Equal(t, pos.OpenedAt, res.Position.OpenedAt)
}

func TestApplySellClosesAndBooksPnL(t *testing.T) {
	agent := newAgent(8498)
	pos := &storage.Position{AgentID: "a1", Symbol: "AAPL", Side: storage.SideLong, Quantity: 10, EntryPrice: 150.20, CurrentPrice: 150.20}

	res, err := Apply(agent, pos, Fill{Symbol: "AAPL", Action: storage.ActionSell, Quantity: 10, Price: 159.80})
	require.NoError(t, err)

	assert.True(t, res.Closed)
	assert.Nil(t, res.Position)
	require.NotNil(t, res.RealizedPnL)
	assert.InDelta(t, 96.00, *res.RealizedPnL, 1e-9)
	assert.InDelta(t, 10096.00, agent.CashBalance, 1e-9)

	positions := Merge([]storage.Position{*pos}, "AAPL", res)
	assert.Empty(t, positions)
	Revalue(agent, positions)
	assert.InDelta(t, 10096.00, agent.AccountValue, 1e-9)
}

func TestApplyPartialSellKeepsEntry(t *testing.T) {
	agent := newAgent(0)
	pos := &storage.Position{AgentID: "a1", Symbol: "AAPL", Side: storage.SideLong, Quantity: 10, EntryPrice: 100, CurrentPrice: 100}

	res, err := Apply(agent, pos, Fill{Symbol: "AAPL", Action: storage.ActionSell, Quantity: 4, Price: 90})
	require.NoError(t, err)

	assert.False(t, res.Closed)
	assert.InDelta(t, 6, res.Position.Quantity, 1e-9)
	assert.InDelta(t, 100, res.Position.EntryPrice, 1e-9)
	assert.InDelta(t, -40, *res.RealizedPnL, 1e-9)
	assert.InDelta(t, 360, agent.CashBalance, 1e-9)
}

func TestApplyRejectsOversell(t *testing.T) {
	agent := newAgent(100)
	pos := &storage.Position{Symbol: "AAPL", Side: storage.SideLong, Quantity: 5, EntryPrice: 100}

	_, err := Apply(agent, pos, Fill{Symbol: "AAPL", Action: storage.ActionSell, Quantity: 6, Price: 100})
	assert.ErrorIs(t, err, ErrInsufficientQuantity)
	assert.Equal(t, 100.0, agent.CashBalance)

	_, err = Apply(agent, nil, Fill{Symbol: "AAPL", Action: storage.ActionSell, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrInsufficientQuantity)
}

func TestApplyRejectsInsufficientCash(t *testing.T) {
	agent := newAgent(500)

	_, err := Apply(agent, nil, Fill{Symbol: "TSLA", Action: storage.ActionBuy, Quantity: 100, Price: 300})
	assert.ErrorIs(t, err, ErrInsufficientCash)
	assert.Equal(t, 500.0, agent.CashBalance)
}

func TestApplyShortLifecycle(t *testing.T) {
	agent := newAgent(10000)

	res, err := Apply(agent, nil, Fill{Symbol: "TSLA", Action: storage.ActionSellShort, Quantity: 10, Price: 200})
	require.NoError(t, err)
	assert.Equal(t, storage.SideShort, res.Position.Side)
	assert.InDelta(t, 12000, agent.CashBalance, 1e-9)

	positions := Merge(nil, "TSLA", res)
	Revalue(agent, positions)
	assert.InDelta(t, 10000, agent.AccountValue, 1e-9)

	MarkToMarket(positions, map[string]float64{"TSLA": 180})
	Revalue(agent, positions)
	assert.InDelta(t, 10200, agent.AccountValue, 1e-9)
	assert.InDelta(t, 200, positions[0].UnrealizedPnL(), 1e-9)

	res, err = Apply(agent, &positions[0], Fill{Symbol: "TSLA", Action: storage.ActionBuyToCover, Quantity: 10, Price: 180})
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.InDelta(t, 200, *res.RealizedPnL, 1e-9)
	assert.InDelta(t, 10200, agent.CashBalance, 1e-9)
}

func TestApplySideConflict(t *testing.T) {
	agent := newAgent(10000)
	long := &storage.Position{Symbol: "AAPL", Side: storage.SideLong, Quantity: 1, EntryPrice: 100}

	_, err := Apply(agent, long, Fill{Symbol: "AAPL", Action: storage.ActionSellShort, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrSideConflict)

	_, err = Apply(agent, long, Fill{Symbol: "AAPL", Action: storage.ActionBuyToCover, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrInsufficientQuantity)
}

func TestAccountValueInvariant(t *testing.T) {
	positions := []storage.Position{
		{Symbol: "AAPL", Side: storage.SideLong, Quantity: 3, CurrentPrice: 100.10},
		{Symbol: "BTC-USD", Side: storage.SideLong, Quantity: 0.25, CurrentPrice: 60000},
	}
	assert.InDelta(t, 1000+300.30+15000, AccountValue(1000, positions), 1e-9)
}
