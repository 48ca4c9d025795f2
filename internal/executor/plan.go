package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/camuig/arena-trader/internal/ai"
	"github.com/camuig/arena-trader/internal/broker"
	"github.com/camuig/arena-trader/internal/ledger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/storage"
)

var ErrValidation = errors.New("decision failed validation")

// ValidationError explains why a decision cannot become an order.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func reject(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// plan normalizes the decision into an order and returns the rejection
// reason if it is infeasible. HOLD yields an empty order and no reason.
func (e *Executor) plan(ctx context.Context, agent *storage.Agent, d *ai.Decision, snap marketdata.Snapshot, open map[storage.AssetClass]bool) (broker.OrderRequest, string) {
	if d.Action == storage.ActionHold {
		return broker.OrderRequest{}, ""
	}
	positions, err := e.repo.GetPositions(ctx, agent.ID)
	if err != nil {
		return broker.OrderRequest{}, fmt.Sprintf("load positions: %v", err)
	}
	order, err := Normalize(d, agent.CashBalance, positions, snap, open, e.limits)
	if err != nil {
		return broker.OrderRequest{}, err.Error()
	}
	return order, ""
}

// Normalize resolves amount to quantity, expands "close all" sells, clips to
// the per-trade cap and checks feasibility against the agent's book.
func Normalize(d *ai.Decision, cash float64, positions []storage.Position, snap marketdata.Snapshot, open map[storage.AssetClass]bool, limits Limits) (broker.OrderRequest, error) {
	if d.Symbol == "" {
		return broker.OrderRequest{}, reject("%s without a symbol", d.Action)
	}
	if d.Confidence < limits.MinConfidence {
		return broker.OrderRequest{}, reject("confidence %d below minimum %d", d.Confidence, limits.MinConfidence)
	}
	quote, ok := snap.Quote(d.Symbol)
	if !ok {
		return broker.OrderRequest{}, reject("no price for %s", d.Symbol)
	}
	class := quote.AssetClass
	if class != storage.AssetCrypto && !open[class] {
		return broker.OrderRequest{}, reject("market closed for %s", class)
	}

	price := quote.Price
	side := d.Action.PositionSide()
	pos := ledger.Find(positions, d.Symbol)

	qty := d.Quantity
	if qty <= 0 && d.Amount > 0 {
		qty = ledger.QuantityForAmount(d.Amount, price, class)
	}

	switch d.Action {
	case storage.ActionBuy, storage.ActionSellShort:
		if pos != nil && pos.Side != side {
			return broker.OrderRequest{}, reject("%s position in %s is open", pos.Side, d.Symbol)
		}
		if pos == nil && limits.MaxPositions > 0 && len(positions) >= limits.MaxPositions {
			return broker.OrderRequest{}, reject("position limit %d reached", limits.MaxPositions)
		}
		if limits.MaxTradeUSD > 0 && ledger.Notional(qty, price) > limits.MaxTradeUSD {
			qty = ledger.QuantityForAmount(limits.MaxTradeUSD, price, class)
		}
		qty = ledger.RoundQuantity(qty, class)
		if qty <= 0 {
			return broker.OrderRequest{}, reject("quantity rounds to zero for %s", d.Symbol)
		}
		if need := ledger.Notional(qty, price); need > cash {
			return broker.OrderRequest{}, reject("insufficient cash: need %.2f, have %.2f", need, cash)
		}
		if qty = fitCash(qty, price, cash, class, limits.MaxSlippage); qty <= 0 {
			return broker.OrderRequest{}, reject("insufficient cash for %s within slippage allowance", d.Symbol)
		}

	case storage.ActionSell, storage.ActionBuyToCover:
		if pos == nil || pos.Side != side {
			return broker.OrderRequest{}, reject("no %s position in %s", side, d.Symbol)
		}
		if qty <= 0 {
			qty = pos.Quantity // close entirely
		} else if qty = ledger.RoundQuantity(qty, class); qty <= 0 {
			return broker.OrderRequest{}, reject("quantity rounds to zero for %s", d.Symbol)
		}
		if qty > pos.Quantity {
			return broker.OrderRequest{}, reject("requested %g exceeds held %g %s", qty, pos.Quantity, d.Symbol)
		}
		if d.Action == storage.ActionBuyToCover {
			if need := ledger.Notional(qty, price); need > cash {
				return broker.OrderRequest{}, reject("insufficient cash to cover: need %.2f, have %.2f", need, cash)
			}
			if qty = fitCash(qty, price, cash, class, limits.MaxSlippage); qty <= 0 {
				return broker.OrderRequest{}, reject("insufficient cash to cover %s within slippage allowance", d.Symbol)
			}
		}

	default:
		return broker.OrderRequest{}, reject("unsupported action %q", d.Action)
	}

	return broker.OrderRequest{
		Symbol:     d.Symbol,
		AssetClass: class,
		Action:     d.Action,
		Quantity:   qty,
		Price:      price,
	}, nil
}

// fitCash shrinks a cash-paying order so that it stays affordable at the
// worst fill the slippage allowance permits.
func fitCash(qty, price, cash float64, class storage.AssetClass, maxSlippage float64) float64 {
	if maxSlippage <= 0 {
		return qty
	}
	worst := ledger.RoundPrice(price * (1 + maxSlippage))
	if ledger.Notional(qty, worst) <= cash {
		return qty
	}
	return ledger.QuantityForAmount(cash, worst, class)
}
