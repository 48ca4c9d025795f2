package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/executor"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/storage"
)

const testConfig = `
database:
  path: ":memory:"
models:
  m1:
    model: gpt-4o-mini
    api_key: test
universe:
  - symbol: BTC-USD
    name: Bitcoin
    asset_class: crypto
simulation:
  max_slippage_pct: 0.1
  min_fill_ratio: 1
  max_fill_ratio: 1
  seed: 7
agents:
  - id: a1
    model: m1
  - id: a2
    model: m1
    starting_cash: 5000
`

type btcMarket struct{}

func (btcMarket) GetSnapshot(context.Context, []string) (marketdata.Snapshot, error) {
	return marketdata.Snapshot{
		Quotes: map[string]marketdata.Quote{
			"BTC-USD": {Symbol: "BTC-USD", AssetClass: storage.AssetCrypto, Price: 60000},
		},
		FetchedAt: time.Now(),
	}, nil
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	a, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	a.Market = marketdata.NewCached(btcMarket{}, nil, cfg.Universe, marketdata.CachedOptions{}, logger.Discard())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSeedAgents(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	created, err := a.SeedAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = a.SeedAgents(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)

	a2, err := a.Repo.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, storage.BrokerSimulation, a2.Broker)
	assert.InDelta(t, 5000, a2.StartingValue, 1e-9)
	assert.True(t, a2.Active)
}

func TestCloseAllFlattensThroughLedger(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	_, err := a.SeedAgents(ctx)
	require.NoError(t, err)

	agent, err := a.Repo.GetAgent(ctx, "a1")
	require.NoError(t, err)
	agent.CashBalance = 7000
	require.NoError(t, a.Repo.SaveAgent(ctx, agent))
	require.NoError(t, a.Repo.SavePosition(ctx, &storage.Position{
		AgentID: "a1", Symbol: "BTC-USD", AssetClass: storage.AssetCrypto, Side: storage.SideLong,
		Quantity: 0.05, EntryPrice: 60000, CurrentPrice: 60000,
	}))

	reports, err := a.CloseAll(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, executor.FillFilled, reports[0].FillStatus)
	assert.Equal(t, storage.ActionSell, reports[0].Trade.Action)

	positions, err := a.Repo.GetPositions(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, positions)

	agent, err = a.Repo.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 10000, agent.CashBalance, 3.01)
	assert.InDelta(t, agent.CashBalance, agent.AccountValue, 1e-9)

	reports, err = a.CloseAll(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, reports)
}
