package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/simulator"
	"github.com/camuig/arena-trader/internal/storage"
)

// Factory resolves the broker for an agent once and reuses it.
type Factory struct {
	cfg    *config.Config
	repo   *storage.Repository
	sim    *simulator.Simulator
	clock  *marketdata.Clock
	logger *logger.Logger

	mu      sync.Mutex
	brokers map[string]Broker
	tinkoff *TinkoffClient
}

func NewFactory(cfg *config.Config, repo *storage.Repository, sim *simulator.Simulator, clock *marketdata.Clock, log *logger.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		repo:    repo,
		sim:     sim,
		clock:   clock,
		logger:  log.Component("broker"),
		brokers: make(map[string]Broker),
	}
}

// Register pins a broker for an agent id. Used to inject fakes.
func (f *Factory) Register(agentID string, b Broker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brokers[agentID] = b
}

func (f *Factory) For(ctx context.Context, agent *storage.Agent) (Broker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.brokers[agent.ID]; ok && b.Kind() == agent.Broker {
		return b, nil
	}

	var b Broker
	switch agent.Broker {
	case storage.BrokerSimulation, "":
		b = NewSimulation(agent.ID, f.sim, f.repo, f.clock, f.cfg.Simulation.Sleep)
	case storage.BrokerAlpaca:
		acct, ok := f.cfg.Alpaca.Accounts[agent.ID]
		if !ok {
			return nil, fmt.Errorf("no alpaca credentials for agent %s", agent.ID)
		}
		b = NewAlpaca(acct, AlpacaOptions{
			BaseURL:            f.cfg.Alpaca.BaseURL,
			FillTimeout:        f.cfg.AlpacaFillTimeout(),
			PollInterval:       f.cfg.AlpacaPollInterval(),
			RateLimitPerMinute: f.cfg.Alpaca.RateLimitPerMinute,
		}, f.logger.Agent(agent.ID))
	case storage.BrokerTinkoff:
		accountID, ok := f.cfg.Tinkoff.Accounts[agent.ID]
		if !ok {
			return nil, fmt.Errorf("no tinkoff account for agent %s", agent.ID)
		}
		if f.tinkoff == nil {
			conn, err := NewTinkoffClient(ctx, f.cfg.Tinkoff, f.logger)
			if err != nil {
				return nil, err
			}
			f.tinkoff = conn
		}
		b = NewTinkoff(f.tinkoff, accountID, f.cfg.TinkoffFillTimeout(), f.cfg.TinkoffPollInterval())
	default:
		return nil, fmt.Errorf("unknown broker %q for agent %s", agent.Broker, agent.ID)
	}

	f.brokers[agent.ID] = b
	return b, nil
}

// Close releases the shared Tinkoff connection if one was opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tinkoff == nil {
		return nil
	}
	err := f.tinkoff.Stop()
	f.tinkoff = nil
	return err
}
