// Package app wires the arena's components from a config. Both the daemon
// and the admin CLI build on it.
package app

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/camuig/arena-trader/internal/agentlock"
	"github.com/camuig/arena-trader/internal/ai"
	"github.com/camuig/arena-trader/internal/broker"
	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/executor"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/reconciler"
	"github.com/camuig/arena-trader/internal/scheduler"
	"github.com/camuig/arena-trader/internal/simulator"
	"github.com/camuig/arena-trader/internal/storage"
	"github.com/camuig/arena-trader/internal/telegram"
)

type App struct {
	Config       *config.Config
	Logger       *logger.Logger
	Repo         *storage.Repository
	Market       *marketdata.Cached
	Clock        *marketdata.Clock
	Locks        *agentlock.Locks
	Brokers      *broker.Factory
	Deciders     *ai.Registry
	Notifier     *telegram.Notifier
	Executor     *executor.Executor
	Orchestrator *scheduler.Orchestrator
	Reconciler   *reconciler.Reconciler
}

// New opens the database and builds every component. Nothing is started.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	repo := storage.NewRepository(db)

	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sim := simulator.New(simulator.ConfigFrom(cfg), rand.NewSource(seed))

	a := &App{
		Config:   cfg,
		Logger:   log,
		Repo:     repo,
		Market:   marketdata.NewFromConfig(cfg, log),
		Clock:    marketdata.ClockFromConfig(cfg),
		Locks:    agentlock.New(),
		Deciders: ai.NewRegistryFromConfig(cfg, log),
		Notifier: telegram.NewNotifier(cfg, log),
	}
	a.Brokers = broker.NewFactory(cfg, repo, sim, a.Clock, log)
	a.Executor = executor.NewExecutor(repo, a.Brokers, a.Locks, a.Notifier, executor.LimitsFrom(cfg), log)
	a.Orchestrator = scheduler.NewOrchestrator(repo, a.Market, a.Deciders, a.Executor, a.Locks, a.Clock,
		a.Notifier, scheduler.OptionsFrom(cfg), log)
	a.Reconciler = reconciler.New(repo, a.Brokers, a.Locks, cfg.SyncInterval(), log)
	return a, nil
}

// SeedAgents creates agents listed in the config that are not in the
// database yet. Existing agents keep their ledger.
func (a *App) SeedAgents(ctx context.Context) (created int, err error) {
	for _, ac := range a.Config.Agents {
		ok, err := a.Repo.SeedAgent(ctx, &storage.Agent{
			ID:            ac.ID,
			Name:          ac.Name,
			Model:         ac.Model,
			Color:         ac.Color,
			Broker:        storage.BrokerKind(ac.Broker),
			Active:        true,
			CashBalance:   ac.StartingCash,
			AccountValue:  ac.StartingCash,
			StartingValue: ac.StartingCash,
		})
		if err != nil {
			return created, fmt.Errorf("seed agent %s: %w", ac.ID, err)
		}
		if ok {
			created++
			a.Logger.Info("agent created", "agent", ac.ID, "model", ac.Model, "broker", ac.Broker, "cash", ac.StartingCash)
		}
	}
	return created, nil
}

// CloseAll cancels open orders and flattens every position of the agent
// through the regular execution pipeline, so the ledger records the exits.
func (a *App) CloseAll(ctx context.Context, agentID string) ([]*executor.AgentReport, error) {
	agent, err := a.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	b, err := a.Brokers.For(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("resolve broker: %w", err)
	}
	if err := b.CancelAllOrders(ctx); err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}

	positions, err := a.Repo.GetPositions(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Symbol
	}
	snap, err := a.Market.GetSnapshot(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("market snapshot: %w", err)
	}
	open := map[storage.AssetClass]bool{
		storage.AssetStock:  a.Clock.Open(storage.AssetStock),
		storage.AssetETF:    a.Clock.Open(storage.AssetETF),
		storage.AssetCrypto: true,
	}

	cycleID := "closeall-" + time.Now().UTC().Format("20060102T150405")
	reports := make([]*executor.AgentReport, 0, len(positions))
	for _, p := range positions {
		action := storage.ActionSell
		if p.Side == storage.SideShort {
			action = storage.ActionBuyToCover
		}
		current, err := a.Repo.GetAgent(ctx, agentID)
		if err != nil {
			return reports, fmt.Errorf("reload agent: %w", err)
		}
		reports = append(reports, a.Executor.Handle(ctx, executor.Request{
			Agent:   current,
			CycleID: cycleID,
			Decision: &ai.Decision{
				Action:     action,
				Symbol:     p.Symbol,
				Confidence: 100,
				Reasoning:  "manual close of all positions",
			},
			Snapshot:   snap,
			MarketOpen: open,
		}))
	}
	return reports, nil
}

// Close releases broker connections and the database.
func (a *App) Close() error {
	berr := a.Brokers.Close()
	if err := a.Repo.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return berr
}
