package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDatabase(":memory:")
	require.NoError(t, err)
	return NewRepository(db)
}

func seedAgent(t *testing.T, repo *Repository, id string) {
	t.Helper()
	_, err := repo.SeedAgent(context.Background(), &Agent{
		ID: id, Name: id, Model: "m", Broker: BrokerSimulation, Active: true,
		CashBalance: 10000, AccountValue: 10000, StartingValue: 10000,
	})
	require.NoError(t, err)
}

func fillAgent(t *testing.T, repo *Repository, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.SavePosition(ctx, &Position{AgentID: id, Symbol: "AAPL", AssetClass: AssetStock, Side: SideLong, Quantity: 10, EntryPrice: 150, CurrentPrice: 150}))
	require.NoError(t, repo.CreateTrade(ctx, &Trade{ID: id + "-t1", AgentID: id, Symbol: "AAPL", Action: ActionBuy, Quantity: 10, Price: 150, Total: 1500}))
	require.NoError(t, repo.CreateDecision(ctx, &Decision{AgentID: id, Action: ActionBuy, Symbol: "AAPL", Status: DecisionAccepted}))
	require.NoError(t, repo.CreatePerformancePoint(ctx, &PerformancePoint{AgentID: id, AccountValue: 10000, Source: SourceCycle}))
}

func TestSeedAgentKeepsLedger(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.SeedAgent(ctx, &Agent{ID: "a1", Name: "Alpha", Model: "m1", Broker: BrokerSimulation, Active: true, CashBalance: 10000, AccountValue: 10000, StartingValue: 10000})
	require.NoError(t, err)
	assert.True(t, created)

	a, err := repo.GetAgent(ctx, "a1")
	require.NoError(t, err)
	a.CashBalance = 4000
	require.NoError(t, repo.SaveAgent(ctx, a))

	created, err = repo.SeedAgent(ctx, &Agent{ID: "a1", Name: "Alpha v2", Model: "m2", CashBalance: 99999, StartingValue: 99999})
	require.NoError(t, err)
	assert.False(t, created)

	a, err = repo.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha v2", a.Name)
	assert.Equal(t, "m2", a.Model)
	assert.InDelta(t, 4000, a.CashBalance, 1e-9)
	assert.InDelta(t, 10000, a.StartingValue, 1e-9)
}

func TestListAgentsByKind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, repo, "sim")
	require.NoError(t, repo.CreateAgent(ctx, &Agent{ID: "live", Name: "live", Model: "m", Broker: BrokerAlpaca, Active: true}))
	require.NoError(t, repo.CreateAgent(ctx, &Agent{ID: "off", Name: "off", Model: "m", Broker: BrokerAlpaca}))

	active, err := repo.ListActiveAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	live, err := repo.ListLiveAgents(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "live", live[0].ID)
}

func TestDeleteAgentCascades(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, repo, "a1")
	seedAgent(t, repo, "a2")
	fillAgent(t, repo, "a1")
	fillAgent(t, repo, "a2")

	require.NoError(t, repo.DeleteAgent(ctx, "a1"))
	_, err := repo.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	positions, err := repo.GetPositions(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, positions)
	n, err := repo.CountTrades(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.CountTrades(ctx, "a2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.ErrorIs(t, repo.DeleteAgent(ctx, "a1"), ErrNotFound)
}

func TestResetAgentRestoresStartingCash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, repo, "a1")
	fillAgent(t, repo, "a1")

	a, err := repo.GetAgent(ctx, "a1")
	require.NoError(t, err)
	a.CashBalance = 8500
	now := time.Now()
	a.LastSyncAt = &now
	require.NoError(t, repo.SaveAgent(ctx, a))

	reset, err := repo.ResetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 10000, reset.CashBalance, 1e-9)
	assert.InDelta(t, 10000, reset.AccountValue, 1e-9)
	assert.Nil(t, reset.LastSyncAt)

	decisions, err := repo.GetDecisions(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, decisions)
	points, err := repo.GetPerformance(ctx, "a1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, points)

	_, err = repo.ResetAgent(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplacePositionsIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, repo, "a1")
	fillAgent(t, repo, "a1")

	reported := []Position{
		{Symbol: "MSFT", AssetClass: AssetStock, Side: SideLong, Quantity: 3, EntryPrice: 400, CurrentPrice: 410},
		{Symbol: "BTC-USD", AssetClass: AssetCrypto, Side: SideLong, Quantity: 0.05, EntryPrice: 60000, CurrentPrice: 61000},
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.ReplacePositions(ctx, "a1", reported))
		positions, err := repo.GetPositions(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, "BTC-USD", positions[0].Symbol)
		assert.Equal(t, "a1", positions[0].AgentID)
		assert.Equal(t, "MSFT", positions[1].Symbol)
	}

	require.NoError(t, repo.ReplacePositions(ctx, "a1", nil))
	positions, err := repo.GetPositions(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestTransactionRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, repo, "a1")

	err := repo.Transaction(ctx, func(tx *Repository) error {
		a, err := tx.GetAgent(ctx, "a1")
		if err != nil {
			return err
		}
		a.CashBalance = 1
		if err := tx.SaveAgent(ctx, a); err != nil {
			return err
		}
		return tx.CreateTrade(ctx, &Trade{ID: "dup", AgentID: "a1", Symbol: "X", Action: ActionBuy, Quantity: 1, Price: 1, Total: 1})
	})
	require.NoError(t, err)

	err = repo.Transaction(ctx, func(tx *Repository) error {
		a, err := tx.GetAgent(ctx, "a1")
		if err != nil {
			return err
		}
		a.CashBalance = 2
		if err := tx.SaveAgent(ctx, a); err != nil {
			return err
		}
		return tx.CreateTrade(ctx, &Trade{ID: "dup", AgentID: "a1", Symbol: "X", Action: ActionBuy, Quantity: 1, Price: 1, Total: 1})
	})
	require.Error(t, err)

	a, err := repo.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 1, a.CashBalance, 1e-9)
}

func TestRealizedPnL(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, repo, "a1")

	win, loss := 96.0, -40.0
	require.NoError(t, repo.CreateTrade(ctx, &Trade{ID: "t1", AgentID: "a1", Symbol: "AAPL", Action: ActionBuy, Quantity: 1, Price: 1, Total: 1}))
	require.NoError(t, repo.CreateTrade(ctx, &Trade{ID: "t2", AgentID: "a1", Symbol: "AAPL", Action: ActionSell, Quantity: 1, Price: 1, Total: 1, RealizedPnL: &win}))
	require.NoError(t, repo.CreateTrade(ctx, &Trade{ID: "t3", AgentID: "a1", Symbol: "TSLA", Action: ActionBuyToCover, Quantity: 1, Price: 1, Total: 1, RealizedPnL: &loss}))

	total, err := repo.RealizedPnL(ctx, "a1", time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 56, total, 1e-9)

	total, err = repo.RealizedPnL(ctx, "a1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPositionValuation(t *testing.T) {
	long := Position{Side: SideLong, Quantity: 10, EntryPrice: 100, CurrentPrice: 110}
	assert.InDelta(t, 1100, long.MarketValue(), 1e-9)
	assert.InDelta(t, 100, long.UnrealizedPnL(), 1e-9)
	assert.InDelta(t, 10, long.UnrealizedPnLPercent(), 1e-9)

	short := Position{Side: SideShort, Quantity: 10, EntryPrice: 100, CurrentPrice: 110}
	assert.InDelta(t, -1100, short.MarketValue(), 1e-9)
	assert.InDelta(t, -100, short.UnrealizedPnL(), 1e-9)
}

func TestParseAction(t *testing.T) {
	assert.Equal(t, ActionBuy, ParseAction(" buy "))
	assert.Equal(t, ActionSellShort, ParseAction("sell short"))
	assert.Equal(t, ActionSellShort, ParseAction("SHORT"))
	assert.Equal(t, ActionBuyToCover, ParseAction("buy_to_cover"))
	assert.Equal(t, ActionHold, ParseAction("wait"))
}
