package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/simulator"
	"github.com/camuig/arena-trader/internal/storage"
)

// Simulation fills orders through the simulator. Its account and positions
// are the agent's own ledger rows.
type Simulation struct {
	agentID string
	sim     *simulator.Simulator
	repo    *storage.Repository
	clock   *marketdata.Clock
	sleep   bool
}

func NewSimulation(agentID string, sim *simulator.Simulator, repo *storage.Repository, clock *marketdata.Clock, sleep bool) *Simulation {
	return &Simulation{agentID: agentID, sim: sim, repo: repo, clock: clock, sleep: sleep}
}

func (s *Simulation) Kind() storage.BrokerKind { return storage.BrokerSimulation }

func (s *Simulation) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	out := s.sim.Simulate(simulator.Request{
		Symbol:     req.Symbol,
		AssetClass: req.AssetClass,
		Action:     req.Action,
		Quantity:   req.Quantity,
		Price:      req.Price,
		MarketOpen: s.clock.Open(req.AssetClass),
	})

	switch out.Status {
	case simulator.StatusRejected:
		return nil, &RejectedError{Reason: out.Reason}
	case simulator.StatusNoFill:
		return nil, ErrNoFill
	}

	if s.sleep && out.Delay > 0 {
		t := time.NewTimer(out.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, &TransportError{Op: "simulated execution", Err: ctx.Err()}
		case <-t.C:
		}
	}

	return &Fill{
		OrderID:           "sim-" + uuid.NewString(),
		Symbol:            out.Symbol,
		Action:            out.Action,
		RequestedQuantity: out.RequestedQuantity,
		Quantity:          out.Quantity,
		Price:             out.Price,
		Slippage:          out.Slippage,
		FilledAt:          time.Now(),
	}, nil
}

func (s *Simulation) GetAccount(ctx context.Context) (*Account, error) {
	agent, err := s.repo.GetAgent(ctx, s.agentID)
	if err != nil {
		return nil, err
	}
	return &Account{Cash: agent.CashBalance, Equity: agent.AccountValue}, nil
}

func (s *Simulation) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	positions, err := s.repo.GetPositions(ctx, s.agentID)
	if err != nil {
		return nil, err
	}
	out := make([]PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		out = append(out, PositionSnapshot{
			Symbol:       p.Symbol,
			Name:         p.Name,
			AssetClass:   p.AssetClass,
			Side:         p.Side,
			Quantity:     p.Quantity,
			AvgPrice:     p.EntryPrice,
			CurrentPrice: p.CurrentPrice,
		})
	}
	return out, nil
}

func (s *Simulation) IsMarketOpen(_ context.Context, class storage.AssetClass) (bool, error) {
	return s.clock.Open(class), nil
}

// CancelAllOrders is a no-op: simulated orders never rest.
func (s *Simulation) CancelAllOrders(context.Context) error { return nil }
