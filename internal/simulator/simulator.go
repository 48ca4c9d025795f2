// Package simulator produces realistic fills for the simulation broker
// without touching any venue: unfavourable slippage, execution delay and
// partial fills. All randomness comes from the injected source.
package simulator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/ledger"
	"github.com/camuig/arena-trader/internal/storage"
)

type Status string

const (
	StatusFilled   Status = "filled"
	StatusPartial  Status = "partial"
	StatusNoFill   Status = "no_fill"
	StatusRejected Status = "rejected"
)

type Config struct {
	MinSlippage  float64 // fraction of price, 0.002 = 0.2%
	MaxSlippage  float64
	MinDelay     time.Duration
	MaxDelay     time.Duration
	MinFillRatio float64
	MaxFillRatio float64
}

func DefaultConfig() Config {
	return Config{
		MinSlippage:  0,
		MaxSlippage:  0.002,
		MinDelay:     time.Second,
		MaxDelay:     3 * time.Second,
		MinFillRatio: 0.9,
		MaxFillRatio: 1.0,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MinSlippage:  cfg.Simulation.MinSlippagePct / 100,
		MaxSlippage:  cfg.Simulation.MaxSlippagePct / 100,
		MinDelay:     cfg.SimulationMinDelay(),
		MaxDelay:     cfg.SimulationMaxDelay(),
		MinFillRatio: cfg.Simulation.MinFillRatio,
		MaxFillRatio: cfg.Simulation.MaxFillRatio,
	}
}

type Request struct {
	Symbol     string
	AssetClass storage.AssetClass
	Action     storage.Action
	Quantity   float64
	Price      float64 // reference price
	MarketOpen bool
}

type Outcome struct {
	Status            Status
	Symbol            string
	Action            storage.Action
	RequestedQuantity float64
	Quantity          float64
	ReferencePrice    float64
	Price             float64
	Slippage          float64
	FillRatio         float64
	Delay             time.Duration
	Reason            string
}

func (o Outcome) Filled() bool {
	return o.Status == StatusFilled || o.Status == StatusPartial
}

type Simulator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, src rand.Source) *Simulator {
	return &Simulator{cfg: cfg, rng: rand.New(src)}
}

// Simulate computes a fill for req. Draws happen in a fixed order
// (slippage, delay, fill ratio) so a seeded source replays exactly.
func (s *Simulator) Simulate(req Request) Outcome {
	out := Outcome{
		Symbol:            req.Symbol,
		Action:            req.Action,
		RequestedQuantity: req.Quantity,
		ReferencePrice:    req.Price,
	}

	if req.Quantity <= 0 || req.Price <= 0 {
		out.Status = StatusRejected
		out.Reason = "invalid quantity or price"
		return out
	}
	if !req.MarketOpen && req.AssetClass != storage.AssetCrypto {
		out.Status = StatusRejected
		out.Reason = "market closed"
		return out
	}

	s.mu.Lock()
	slip := s.uniform(s.cfg.MinSlippage, s.cfg.MaxSlippage)
	delay := s.cfg.MinDelay + time.Duration(s.uniform(0, float64(s.cfg.MaxDelay-s.cfg.MinDelay)))
	ratio := s.uniform(s.cfg.MinFillRatio, s.cfg.MaxFillRatio)
	s.mu.Unlock()

	price := req.Price * (1 + slip)
	if !req.Action.IsBuySide() {
		price = req.Price * (1 - slip)
	}

	out.Slippage = slip
	out.Delay = delay
	out.FillRatio = ratio
	out.Price = ledger.RoundPrice(price)
	out.Quantity = ledger.ScaleQuantity(req.Quantity, ratio, req.AssetClass)

	switch {
	case out.Quantity <= 0:
		out.Status = StatusNoFill
		out.Reason = "fill quantity rounds to zero"
		out.Quantity = 0
	case out.Quantity < req.Quantity:
		out.Status = StatusPartial
	default:
		out.Quantity = req.Quantity
		out.Status = StatusFilled
	}
	return out
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Float64()*(hi-lo)
}
