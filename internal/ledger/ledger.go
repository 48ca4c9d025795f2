// Package ledger holds the accounting rules applied to an agent's book when a
// fill lands: cash movement, weighted-average entry, realized P&L and
// mark-to-market. Arithmetic is done in decimal and stored back as float64.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/arena-trader/internal/storage"
)

var (
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientQuantity = errors.New("insufficient position quantity")
	ErrSideConflict         = errors.New("opposite-side position is open")
	ErrInvalidFill          = errors.New("invalid fill")
)

const entryPricePrecision = 8

type Fill struct {
	Symbol     string
	Name       string
	AssetClass storage.AssetClass
	Action     storage.Action
	Quantity   float64
	Price      float64
	At         time.Time
}

type Result struct {
	// Position is the position after the fill. Nil when Closed is true.
	Position    *storage.Position
	Closed      bool
	Total       float64
	RealizedPnL *float64
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Apply books fill against the agent's cash and the existing position in the
// same symbol (nil if none). The agent is mutated only on success. The caller
// must persist the returned position (or delete it when Closed) and call
// Revalue once all positions are marked.
func Apply(agent *storage.Agent, pos *storage.Position, fill Fill) (*Result, error) {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return nil, fmt.Errorf("%w: quantity %.8f price %.8f", ErrInvalidFill, fill.Quantity, fill.Price)
	}
	if fill.At.IsZero() {
		fill.At = time.Now()
	}

	qty := dec(fill.Quantity)
	price := dec(fill.Price)
	total := qty.Mul(price)
	cash := dec(agent.CashBalance)

	if pos != nil && pos.Quantity <= 0 {
		pos = nil
	}
	side := fill.Action.PositionSide()
	if pos != nil && pos.Side != side {
		if fill.Action.Opens() {
			return nil, fmt.Errorf("%w: %s is %s", ErrSideConflict, fill.Symbol, pos.Side)
		}
		return nil, fmt.Errorf("%w: no %s position in %s", ErrInsufficientQuantity, side, fill.Symbol)
	}

	res := &Result{Total: total.InexactFloat64()}

	switch fill.Action {
	case storage.ActionBuy, storage.ActionSellShort:
		// Shorts are collateralized by cash of the same notional.
		if total.GreaterThan(cash) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, total.StringFixed(2), cash.StringFixed(2))
		}
		if fill.Action == storage.ActionBuy {
			cash = cash.Sub(total)
		} else {
			cash = cash.Add(total)
		}
		res.Position = extend(agent.ID, pos, fill, side)

	case storage.ActionSell, storage.ActionBuyToCover:
		if pos == nil {
			return nil, fmt.Errorf("%w: no %s position in %s", ErrInsufficientQuantity, side, fill.Symbol)
		}
		held := dec(pos.Quantity)
		if qty.GreaterThan(held) {
			return nil, fmt.Errorf("%w: %s held %s, requested %s", ErrInsufficientQuantity, fill.Symbol, held, qty)
		}
		if fill.Action == storage.ActionBuyToCover {
			if total.GreaterThan(cash) {
				return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, total.StringFixed(2), cash.StringFixed(2))
			}
			cash = cash.Sub(total)
		} else {
			cash = cash.Add(total)
		}

		pnl := price.Sub(dec(pos.EntryPrice)).Mul(qty)
		if side == storage.SideShort {
			pnl = pnl.Neg()
		}
		realized := pnl.InexactFloat64()
		res.RealizedPnL = &realized

		remaining := held.Sub(qty)
		if remaining.IsZero() {
			res.Closed = true
		} else {
			updated := *pos
			updated.Quantity = remaining.InexactFloat64()
			updated.CurrentPrice = fill.Price
			res.Position = &updated
		}

	default:
		return nil, fmt.Errorf("%w: unsupported action %q", ErrInvalidFill, fill.Action)
	}

	agent.CashBalance = cash.InexactFloat64()
	return res, nil
}

func extend(agentID string, pos *storage.Position, fill Fill, side storage.Side) *storage.Position {
	if pos == nil {
		return &storage.Position{
			AgentID:      agentID,
			Symbol:       fill.Symbol,
			Name:         fill.Name,
			AssetClass:   fill.AssetClass,
			Side:         side,
			Quantity:     fill.Quantity,
			EntryPrice:   fill.Price,
			CurrentPrice: fill.Price,
			OpenedAt:     fill.At,
		}
	}

	oldQty := dec(pos.Quantity)
	addQty := dec(fill.Quantity)
	newQty := oldQty.Add(addQty)
	cost := oldQty.Mul(dec(pos.EntryPrice)).Add(addQty.Mul(dec(fill.Price)))

	updated := *pos
	updated.Quantity = newQty.InexactFloat64()
	updated.EntryPrice = cost.DivRound(newQty, entryPricePrecision).InexactFloat64()
	updated.CurrentPrice = fill.Price
	return &updated
}

// MarkToMarket sets CurrentPrice from prices. Symbols without a positive
// price keep their last mark.
func MarkToMarket(positions []storage.Position, prices map[string]float64) {
	for i := range positions {
		if p, ok := prices[positions[i].Symbol]; ok && p > 0 {
			positions[i].CurrentPrice = p
		}
	}
}

func AccountValue(cash float64, positions []storage.Position) float64 {
	total := dec(cash)
	for _, p := range positions {
		v := dec(p.Quantity).Mul(dec(p.CurrentPrice))
		if p.Side == storage.SideShort {
			v = v.Neg()
		}
		total = total.Add(v)
	}
	return total.InexactFloat64()
}

// Revalue recomputes agent.AccountValue from its cash and positions.
func Revalue(agent *storage.Agent, positions []storage.Position) {
	agent.AccountValue = AccountValue(agent.CashBalance, positions)
}

// Merge returns positions with the fill result applied, keeping order by symbol.
func Merge(positions []storage.Position, symbol string, res *Result) []storage.Position {
	out := make([]storage.Position, 0, len(positions)+1)
	replaced := false
	for _, p := range positions {
		if p.Symbol != symbol {
			out = append(out, p)
			continue
		}
		replaced = true
		if !res.Closed && res.Position != nil {
			out = append(out, *res.Position)
		}
	}
	if !replaced && !res.Closed && res.Position != nil {
		out = append(out, *res.Position)
	}
	return out
}

// Find returns a pointer into positions for symbol, or nil.
func Find(positions []storage.Position, symbol string) *storage.Position {
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i]
		}
	}
	return nil
}
