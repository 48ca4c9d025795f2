// Package executor turns one agent decision into ledger state: normalize and
// validate the decision, record it, route the order to the agent's broker and
// commit the fill atomically.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/arena-trader/internal/agentlock"
	"github.com/camuig/arena-trader/internal/ai"
	"github.com/camuig/arena-trader/internal/broker"
	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/ledger"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/storage"
)

// BrokerResolver returns the broker an agent trades through.
type BrokerResolver interface {
	For(ctx context.Context, agent *storage.Agent) (broker.Broker, error)
}

// Notifier receives executed trades. Nil is allowed.
type Notifier interface {
	NotifyTrade(agentName string, trade *storage.Trade)
}

type Limits struct {
	MaxPositions  int
	MaxTradeUSD   float64
	MinConfidence int
	BrokerTimeout time.Duration

	// MaxSlippage is the worst adverse fill, as a fraction of the reference
	// price, that cash checks allow for.
	MaxSlippage float64
}

func LimitsFrom(cfg *config.Config) Limits {
	return Limits{
		MaxPositions:  cfg.Trading.MaxPositions,
		MaxTradeUSD:   cfg.Trading.MaxTradeUSD,
		MinConfidence: cfg.Trading.MinConfidence,
		BrokerTimeout: cfg.BrokerTimeout(),
		MaxSlippage:   cfg.Trading.SlippageAllowancePct / 100,
	}
}

type Executor struct {
	repo     *storage.Repository
	brokers  BrokerResolver
	locks    *agentlock.Locks
	notifier Notifier
	limits   Limits
	logger   *logger.Logger
}

func NewExecutor(
	repo *storage.Repository,
	brokers BrokerResolver,
	locks *agentlock.Locks,
	notifier Notifier,
	limits Limits,
	log *logger.Logger,
) *Executor {
	return &Executor{
		repo:     repo,
		brokers:  brokers,
		locks:    locks,
		notifier: notifier,
		limits:   limits,
		logger:   log.Component("executor"),
	}
}

// Request is one agent's decision for a cycle together with the state it
// was made against.
type Request struct {
	Agent         *storage.Agent
	CycleID       string
	Decision      *ai.Decision
	DecisionError error // set when the decision function failed and Decision is the implicit HOLD
	Snapshot      marketdata.Snapshot
	MarketOpen    map[storage.AssetClass]bool
}

// Handle runs the decision through validation, execution and the ledger.
// Failures are reported, never returned: one agent's problem must not
// concern the caller beyond its report.
func (e *Executor) Handle(ctx context.Context, req Request) *AgentReport {
	started := time.Now()
	d := req.Decision
	if d == nil {
		d = ai.Hold("no decision")
	}
	log := e.logger.Agent(req.Agent.ID)

	rep := &AgentReport{
		AgentID:   req.Agent.ID,
		AgentName: req.Agent.Name,
		Action:    d.Action,
		Symbol:    d.Symbol,
		ToolCalls: d.ToolCalls,
	}
	if req.DecisionError != nil {
		rep.DecisionError = req.DecisionError.Error()
	}
	defer func() { rep.Duration = time.Since(started) }()

	order, rejectReason := e.plan(ctx, req.Agent, d, req.Snapshot, req.MarketOpen)

	record := &storage.Decision{
		AgentID:               req.Agent.ID,
		CycleID:               req.CycleID,
		Action:                d.Action,
		Symbol:                d.Symbol,
		Quantity:              d.Quantity,
		Amount:                d.Amount,
		Reasoning:             d.Reasoning,
		Confidence:            d.Confidence,
		RiskAssessment:        d.RiskAssessment,
		TargetPrice:           d.TargetPrice,
		StopLoss:              d.StopLoss,
		InvalidationCondition: d.InvalidationCondition,
		PortfolioValue:        req.Agent.AccountValue,
		CashBalance:           req.Agent.CashBalance,
		Status:                storage.DecisionAccepted,
		RejectReason:          rejectReason,
		ToolCalls:             d.ToolCalls,
		Error:                 rep.DecisionError,
	}
	switch {
	case d.Action == storage.ActionHold:
		record.Status = storage.DecisionHold
	case rejectReason != "":
		record.Status = storage.DecisionRejected
	}
	if err := e.repo.CreateDecision(ctx, record); err != nil {
		rep.Error = fmt.Sprintf("persist decision: %v", err)
		log.Error("persist decision", "error", err)
		return rep
	}
	rep.DecisionID = record.ID
	rep.DecisionStatus = record.Status
	rep.RejectReason = rejectReason

	if record.Status == storage.DecisionRejected {
		log.Info("decision rejected", "action", d.Action, "symbol", d.Symbol, "reason", rejectReason)
	}

	if record.Status == storage.DecisionAccepted {
		fill, err := e.place(ctx, req.Agent, order)
		switch {
		case err == nil:
			trade, err := e.commitFill(ctx, req, record, order, fill)
			if err != nil {
				rep.Error = fmt.Sprintf("ledger commit: %v", err)
				log.Error("ledger commit failed", "symbol", order.Symbol, "order_id", fill.OrderID, "error", err)
				break
			}
			rep.Trade = trade.Trade
			rep.FillStatus = FillFilled
			if fill.Partial() {
				rep.FillStatus = FillPartial
			}
			rep.AccountValue, rep.CashBalance = trade.accountValue, trade.cash
			log.Info("trade executed",
				"action", trade.Action, "symbol", trade.Symbol, "qty", trade.Quantity,
				"price", trade.Price, "total", trade.Total)
			if e.notifier != nil {
				e.notifier.NotifyTrade(req.Agent.Name, trade.Trade)
			}
			return rep
		case errors.Is(err, broker.ErrNoFill):
			rep.FillStatus = FillNone
			log.Info("order produced no fill", "symbol", order.Symbol)
		case broker.IsRejected(err):
			rep.FillStatus = FillRejected
			rep.RejectReason = err.Error()
			log.Info("order rejected by venue", "symbol", order.Symbol, "error", err)
		default:
			rep.FillStatus = FillFailed
			rep.Error = fmt.Sprintf("broker: %v", err)
			log.Error("order failed", "symbol", order.Symbol, "error", err)
		}
	}

	value, cash, err := e.commitMark(ctx, req.Agent.ID, req.Snapshot)
	if err != nil {
		if rep.Error == "" {
			rep.Error = fmt.Sprintf("mark to market: %v", err)
		}
		log.Error("mark to market failed", "error", err)
		return rep
	}
	rep.AccountValue, rep.CashBalance = value, cash
	return rep
}

func (e *Executor) place(ctx context.Context, agent *storage.Agent, order broker.OrderRequest) (*broker.Fill, error) {
	b, err := e.brokers.For(ctx, agent)
	if err != nil {
		return nil, &broker.TransportError{Op: "resolve broker", Err: err}
	}
	if e.limits.BrokerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.BrokerTimeout)
		defer cancel()
	}
	return b.PlaceOrder(ctx, order)
}

type committedTrade struct {
	*storage.Trade
	accountValue float64
	cash         float64
}

// commitFill books the fill in one transaction under the agent lock:
// position, cash, account value, trade row and performance point.
func (e *Executor) commitFill(ctx context.Context, req Request, decision *storage.Decision, order broker.OrderRequest, fill *broker.Fill) (*committedTrade, error) {
	unlock := e.locks.Lock(req.Agent.ID)
	defer unlock()

	var out *committedTrade
	err := e.repo.Transaction(ctx, func(tx *storage.Repository) error {
		agent, err := tx.GetAgent(ctx, req.Agent.ID)
		if err != nil {
			return fmt.Errorf("reload agent: %w", err)
		}
		positions, err := tx.GetPositions(ctx, agent.ID)
		if err != nil {
			return fmt.Errorf("reload positions: %w", err)
		}
		ledger.MarkToMarket(positions, req.Snapshot.Prices())

		name := ""
		if q, ok := req.Snapshot.Quote(order.Symbol); ok {
			name = q.Name
		}
		res, err := ledger.Apply(agent, ledger.Find(positions, order.Symbol), ledger.Fill{
			Symbol:     order.Symbol,
			Name:       name,
			AssetClass: order.AssetClass,
			Action:     order.Action,
			Quantity:   fill.Quantity,
			Price:      fill.Price,
			At:         fill.FilledAt,
		})
		if err != nil {
			return err
		}
		positions = ledger.Merge(positions, order.Symbol, res)
		ledger.Revalue(agent, positions)

		if res.Closed {
			if err := tx.DeletePosition(ctx, agent.ID, order.Symbol); err != nil {
				return fmt.Errorf("delete position: %w", err)
			}
		}
		for i := range positions {
			if err := tx.SavePosition(ctx, &positions[i]); err != nil {
				return fmt.Errorf("save position %s: %w", positions[i].Symbol, err)
			}
		}
		if err := tx.SaveAgent(ctx, agent); err != nil {
			return fmt.Errorf("save agent: %w", err)
		}

		trade := &storage.Trade{
			ID:          uuid.NewString(),
			AgentID:     agent.ID,
			CycleID:     req.CycleID,
			DecisionID:  decision.ID,
			Symbol:      order.Symbol,
			Action:      order.Action,
			Quantity:    fill.Quantity,
			Price:       fill.Price,
			Total:       res.Total,
			RealizedPnL: res.RealizedPnL,
			Reasoning:   decision.Reasoning,
			Confidence:  decision.Confidence,
			Broker:      agent.Broker,
			OrderID:     fill.OrderID,
			Slippage:    fill.Slippage,
		}
		if err := tx.CreateTrade(ctx, trade); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if err := tx.CreatePerformancePoint(ctx, &storage.PerformancePoint{
			AgentID:      agent.ID,
			AccountValue: agent.AccountValue,
			CashBalance:  agent.CashBalance,
			Source:       storage.SourceCycle,
		}); err != nil {
			return fmt.Errorf("insert performance point: %w", err)
		}
		out = &committedTrade{Trade: trade, accountValue: agent.AccountValue, cash: agent.CashBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// commitMark revalues the agent's book at snapshot prices and records a
// performance point. Used for every cycle that ends without a fill.
func (e *Executor) commitMark(ctx context.Context, agentID string, snap marketdata.Snapshot) (value, cash float64, err error) {
	unlock := e.locks.Lock(agentID)
	defer unlock()

	err = e.repo.Transaction(ctx, func(tx *storage.Repository) error {
		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return fmt.Errorf("reload agent: %w", err)
		}
		positions, err := tx.GetPositions(ctx, agentID)
		if err != nil {
			return fmt.Errorf("reload positions: %w", err)
		}
		ledger.MarkToMarket(positions, snap.Prices())
		ledger.Revalue(agent, positions)

		for i := range positions {
			if err := tx.SavePosition(ctx, &positions[i]); err != nil {
				return fmt.Errorf("save position %s: %w", positions[i].Symbol, err)
			}
		}
		if err := tx.SaveAgent(ctx, agent); err != nil {
			return fmt.Errorf("save agent: %w", err)
		}
		if err := tx.CreatePerformancePoint(ctx, &storage.PerformancePoint{
			AgentID:      agentID,
			AccountValue: agent.AccountValue,
			CashBalance:  agent.CashBalance,
			Source:       storage.SourceCycle,
		}); err != nil {
			return fmt.Errorf("insert performance point: %w", err)
		}
		value, cash = agent.AccountValue, agent.CashBalance
		return nil
	})
	return value, cash, err
}
