// Package reconciler periodically overwrites a live agent's local positions
// and cash with what its brokerage reports. Trade history is never touched.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/arena-trader/internal/agentlock"
	"github.com/camuig/arena-trader/internal/broker"
	"github.com/camuig/arena-trader/internal/ledger"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/storage"
)

var ErrSimulationAgent = errors.New("simulation agents have no brokerage to sync")

// BrokerResolver returns the broker an agent trades through.
type BrokerResolver interface {
	For(ctx context.Context, agent *storage.Agent) (broker.Broker, error)
}

type SyncResult struct {
	AgentID      string    `json:"agent_id"`
	Positions    int       `json:"positions"`
	CashBalance  float64   `json:"cash_balance"`
	AccountValue float64   `json:"account_value"`
	SyncedAt     time.Time `json:"synced_at"`
	Error        string    `json:"error,omitempty"`
}

type Reconciler struct {
	repo     *storage.Repository
	brokers  BrokerResolver
	locks    *agentlock.Locks
	interval time.Duration
	logger   *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(repo *storage.Repository, brokers BrokerResolver, locks *agentlock.Locks, interval time.Duration, log *logger.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		repo:     repo,
		brokers:  brokers,
		locks:    locks,
		interval: interval,
		logger:   log.Component("reconciler"),
		now:      time.Now,
	}
}

// Start launches the background loop. A second call while running does nothing.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	go r.loop(ctx, r.done)
	r.logger.Info("reconciler started", "interval", r.interval.String())
}

// Stop ends the loop and waits for an in-progress sync to return.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SyncAllLiveAgents(ctx)
		}
	}
}

// SyncAllLiveAgents syncs every active non-simulation agent. One agent's
// failure is recorded in its result and does not stop the others.
func (r *Reconciler) SyncAllLiveAgents(ctx context.Context) []SyncResult {
	agents, err := r.repo.ListLiveAgents(ctx)
	if err != nil {
		r.logger.Error("list live agents", "error", err)
		return nil
	}

	results := make([]SyncResult, 0, len(agents))
	for i := range agents {
		res, err := r.sync(ctx, &agents[i])
		if err != nil {
			r.logger.Error("sync failed", "agent", agents[i].ID, "error", err)
			res = SyncResult{AgentID: agents[i].ID, Error: err.Error()}
		}
		results = append(results, res)
	}
	return results
}

func (r *Reconciler) SyncAgent(ctx context.Context, agentID string) (SyncResult, error) {
	agent, err := r.repo.GetAgent(ctx, agentID)
	if err != nil {
		return SyncResult{AgentID: agentID}, fmt.Errorf("get agent: %w", err)
	}
	return r.sync(ctx, agent)
}

func (r *Reconciler) sync(ctx context.Context, agent *storage.Agent) (res SyncResult, err error) {
	res.AgentID = agent.ID
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during sync: %v", p)
		}
	}()

	if !agent.Broker.IsLive() {
		return res, ErrSimulationAgent
	}

	b, err := r.brokers.For(ctx, agent)
	if err != nil {
		return res, fmt.Errorf("resolve broker: %w", err)
	}
	account, err := b.GetAccount(ctx)
	if err != nil {
		return res, fmt.Errorf("get account: %w", err)
	}
	snapshots, err := b.GetPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("get positions: %w", err)
	}

	positions := make([]storage.Position, 0, len(snapshots))
	for _, s := range snapshots {
		if s.Quantity <= 0 {
			continue
		}
		positions = append(positions, storage.Position{
			AgentID:      agent.ID,
			Symbol:       s.Symbol,
			Name:         s.Name,
			AssetClass:   s.AssetClass,
			Side:         s.Side,
			Quantity:     s.Quantity,
			EntryPrice:   s.AvgPrice,
			CurrentPrice: s.CurrentPrice,
		})
	}

	now := r.now()
	value := account.Equity
	if value == 0 {
		value = ledger.AccountValue(account.Cash, positions)
	}

	unlock := r.locks.Lock(agent.ID)
	defer unlock()

	err = r.repo.Transaction(ctx, func(tx *storage.Repository) error {
		current, err := tx.GetAgent(ctx, agent.ID)
		if err != nil {
			return err
		}
		existing, err := tx.GetPositions(ctx, agent.ID)
		if err != nil {
			return err
		}
		opened := make(map[string]time.Time, len(existing))
		for _, p := range existing {
			opened[p.Symbol] = p.OpenedAt
		}
		for i := range positions {
			if t, ok := opened[positions[i].Symbol]; ok && !t.IsZero() {
				positions[i].OpenedAt = t
			} else {
				positions[i].OpenedAt = now
			}
		}

		if err := tx.ReplacePositions(ctx, agent.ID, positions); err != nil {
			return err
		}
		current.CashBalance = account.Cash
		current.AccountValue = value
		current.LastSyncAt = &now
		if err := tx.SaveAgent(ctx, current); err != nil {
			return fmt.Errorf("save agent: %w", err)
		}
		return tx.CreatePerformancePoint(ctx, &storage.PerformancePoint{
			AgentID:      agent.ID,
			AccountValue: value,
			CashBalance:  account.Cash,
			Source:       storage.SourceSync,
		})
	})
	if err != nil {
		return res, fmt.Errorf("commit sync: %w", err)
	}

	r.logger.Info("agent synced", "agent", agent.ID, "positions", len(positions), "cash", account.Cash, "value", value)
	return SyncResult{
		AgentID:      agent.ID,
		Positions:    len(positions),
		CashBalance:  account.Cash,
		AccountValue: value,
		SyncedAt:     now,
	}, nil
}
