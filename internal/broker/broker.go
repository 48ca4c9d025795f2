// Package broker routes orders to the venue an agent is bound to: the
// in-process simulator, Alpaca paper/live accounts or Tinkoff Invest.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/arena-trader/internal/storage"
)

// ErrNoFill means the venue accepted the order but nothing executed.
var ErrNoFill = errors.New("order produced no fill")

// RejectedError is a legitimate refusal by the venue: market closed,
// insufficient buying power, cancelled or expired order.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "order rejected: " + e.Reason
}

// TransportError wraps network, auth and timeout failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

type OrderRequest struct {
	Symbol     string
	AssetClass storage.AssetClass
	Action     storage.Action
	Quantity   float64
	Price      float64 // reference price from the snapshot
}

type Fill struct {
	OrderID           string
	Symbol            string
	Action            storage.Action
	RequestedQuantity float64
	Quantity          float64
	Price             float64
	Slippage          float64 // fraction of the reference price
	FilledAt          time.Time
}

func (f *Fill) Partial() bool {
	return f.Quantity < f.RequestedQuantity
}

type Account struct {
	Cash   float64
	Equity float64
}

type PositionSnapshot struct {
	Symbol       string
	Name         string
	AssetClass   storage.AssetClass
	Side         storage.Side
	Quantity     float64
	AvgPrice     float64
	CurrentPrice float64
}

// Broker is one agent's view of its venue.
type Broker interface {
	Kind() storage.BrokerKind
	PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]PositionSnapshot, error)
	IsMarketOpen(ctx context.Context, class storage.AssetClass) (bool, error)
	CancelAllOrders(ctx context.Context) error
}

func slippage(reference, price float64, action storage.Action) float64 {
	if reference <= 0 || price <= 0 {
		return 0
	}
	if action.IsBuySide() {
		return (price - reference) / reference
	}
	return (reference - price) / reference
}
