package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/arena-trader/internal/agentlock"
	"github.com/camuig/arena-trader/internal/broker"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/storage"
)

type venue struct {
	mu        sync.Mutex
	account   broker.Account
	positions []broker.PositionSnapshot
	err       error
	calls     int
}

func (v *venue) Kind() storage.BrokerKind { return storage.BrokerAlpaca }

func (v *venue) PlaceOrder(context.Context, broker.OrderRequest) (*broker.Fill, error) {
	return nil, errors.New("not used")
}

func (v *venue) GetAccount(context.Context) (*broker.Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	a := v.account
	return &a, nil
}

func (v *venue) GetPositions(context.Context) ([]broker.PositionSnapshot, error) {
	return v.positions, v.err
}

func (v *venue) IsMarketOpen(context.Context, storage.AssetClass) (bool, error) { return true, nil }
func (v *venue) CancelAllOrders(context.Context) error                          { return nil }

type venues map[string]*venue

func (m venues) For(_ context.Context, agent *storage.Agent) (broker.Broker, error) {
	v, ok := m[agent.ID]
	if !ok {
		return nil, errors.New("no credentials")
	}
	return v, nil
}

func newRepo(t *testing.T) *storage.Repository {
	t.Helper()
	db, err := storage.NewDatabase(":memory:")
	require.NoError(t, err)
	return storage.NewRepository(db)
}

func addAgent(t *testing.T, repo *storage.Repository, id string, kind storage.BrokerKind) {
	t.Helper()
	require.NoError(t, repo.CreateAgent(context.Background(), &storage.Agent{
		ID: id, Name: id, Model: "m", Broker: kind, Active: true,
		CashBalance: 10000, AccountValue: 10000, StartingValue: 10000,
	}))
}

func liveVenue() *venue {
	return &venue{
		account: broker.Account{Cash: 7000, Equity: 10450},
		positions: []broker.PositionSnapshot{
			{Symbol: "AAPL", Name: "Apple", AssetClass: storage.AssetStock, Side: storage.SideLong, Quantity: 20, AvgPrice: 150, CurrentPrice: 160},
			{Symbol: "TSLA", AssetClass: storage.AssetStock, Side: storage.SideShort, Quantity: 5, AvgPrice: 250, CurrentPrice: 230},
		},
	}
}

func TestSyncAgentReplacesLocalState(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	addAgent(t, repo, "live", storage.BrokerAlpaca)
	require.NoError(t, repo.SavePosition(ctx, &storage.Position{
		AgentID: "live", Symbol: "MSFT", AssetClass: storage.AssetStock, Side: storage.SideLong,
		Quantity: 3, EntryPrice: 400, CurrentPrice: 410,
	}))
	require.NoError(t, repo.CreateTrade(ctx, &storage.Trade{ID: "t1", AgentID: "live", Symbol: "MSFT", Action: storage.ActionBuy, Quantity: 3, Price: 400, Total: 1200}))

	r := New(repo, venues{"live": liveVenue()}, agentlock.New(), time.Minute, logger.Discard())
	res, err := r.SyncAgent(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Positions)
	assert.InDelta(t, 10450, res.AccountValue, 1e-9)

	positions, err := repo.GetPositions(ctx, "live")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, storage.SideShort, positions[1].Side)

	agent, err := repo.GetAgent(ctx, "live")
	require.NoError(t, err)
	assert.InDelta(t, 7000, agent.CashBalance, 1e-9)
	assert.InDelta(t, 10450, agent.AccountValue, 1e-9)
	assert.Equal(t, 10000.0, agent.StartingValue)
	require.NotNil(t, agent.LastSyncAt)

	n, err := repo.CountTrades(ctx, "live")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	points, err := repo.GetPerformance(ctx, "live", time.Time{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, storage.SourceSync, points[0].Source)
}

func TestSyncIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	addAgent(t, repo, "live", storage.BrokerAlpaca)
	r := New(repo, venues{"live": liveVenue()}, agentlock.New(), time.Minute, logger.Discard())

	_, err := r.SyncAgent(ctx, "live")
	require.NoError(t, err)
	first, err := repo.GetPositions(ctx, "live")
	require.NoError(t, err)

	_, err = r.SyncAgent(ctx, "live")
	require.NoError(t, err)
	second, err := repo.GetPositions(ctx, "live")
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Symbol, second[i].Symbol)
		assert.Equal(t, first[i].Quantity, second[i].Quantity)
		assert.Equal(t, first[i].EntryPrice, second[i].EntryPrice)
		assert.True(t, first[i].OpenedAt.Equal(second[i].OpenedAt))
	}
	agent, err := repo.GetAgent(ctx, "live")
	require.NoError(t, err)
	assert.InDelta(t, 10450, agent.AccountValue, 1e-9)
}

func TestSyncEquityFallsBackToLedgerValue(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	addAgent(t, repo, "live", storage.BrokerTinkoff)
	v := liveVenue()
	v.account.Equity = 0

	r := New(repo, venues{"live": v}, agentlock.New(), time.Minute, logger.Discard())
	res, err := r.SyncAgent(ctx, "live")
	require.NoError(t, err)
	// 7000 + 20*160 - 5*230
	assert.InDelta(t, 9050, res.AccountValue, 1e-9)
}

func TestSyncRejectsSimulationAgent(t *testing.T) {
	repo := newRepo(t)
	addAgent(t, repo, "sim", storage.BrokerSimulation)
	r := New(repo, venues{}, agentlock.New(), time.Minute, logger.Discard())

	_, err := r.SyncAgent(context.Background(), "sim")
	assert.ErrorIs(t, err, ErrSimulationAgent)

	_, err = r.SyncAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	addAgent(t, repo, "a-down", storage.BrokerAlpaca)
	addAgent(t, repo, "b-live", storage.BrokerAlpaca)
	addAgent(t, repo, "c-sim", storage.BrokerSimulation)

	down := &venue{err: &broker.TransportError{Op: "get account", Err: errors.New("502")}}
	r := New(repo, venues{"a-down": down, "b-live": liveVenue()}, agentlock.New(), time.Minute, logger.Discard())

	results := r.SyncAllLiveAgents(ctx)
	require.Len(t, results, 2)
	assert.Equal(t, "a-down", results[0].AgentID)
	assert.Contains(t, results[0].Error, "502")
	assert.Equal(t, "b-live", results[1].AgentID)
	assert.Empty(t, results[1].Error)

	agent, err := repo.GetAgent(ctx, "a-down")
	require.NoError(t, err)
	assert.Nil(t, agent.LastSyncAt)
	assert.InDelta(t, 10000, agent.CashBalance, 1e-9)
}

func TestStartStopIdempotent(t *testing.T) {
	repo := newRepo(t)
	addAgent(t, repo, "live", storage.BrokerAlpaca)
	v := liveVenue()
	r := New(repo, venues{"live": v}, agentlock.New(), 10*time.Millisecond, logger.Discard())

	r.Start(context.Background())
	r.Start(context.Background())
	assert.True(t, r.Running())

	require.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.calls > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
}
