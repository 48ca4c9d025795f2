package marketdata

import (
	"context"
	"time"

	"github.com/camuig/arena-trader/internal/storage"
)

type Indicators struct {
	RSI14 float64 `json:"rsi14,omitempty"`
	SMA20 float64 `json:"sma20,omitempty"`
	EMA12 float64 `json:"ema12,omitempty"`
	EMA26 float64 `json:"ema26,omitempty"`
	MACD  float64 `json:"macd,omitempty"`
}

type Quote struct {
	Symbol        string             `json:"symbol"`
	Name          string             `json:"name"`
	AssetClass    storage.AssetClass `json:"asset_class"`
	Price         float64            `json:"price"`
	Change        float64            `json:"change"`
	ChangePercent float64            `json:"change_percent"`
	Indicators    Indicators         `json:"indicators"`
	AsOf          time.Time          `json:"as_of"`
	// Stale is set when the provider failed and the last known quote is served.
	Stale bool `json:"stale,omitempty"`
}

type Snapshot struct {
	Quotes    map[string]Quote `json:"quotes"`
	FetchedAt time.Time        `json:"fetched_at"`
}

func (s Snapshot) Quote(symbol string) (Quote, bool) {
	q, ok := s.Quotes[symbol]
	return q, ok && q.Price > 0
}

func (s Snapshot) Price(symbol string) (float64, bool) {
	q, ok := s.Quote(symbol)
	return q.Price, ok
}

func (s Snapshot) Prices() map[string]float64 {
	out := make(map[string]float64, len(s.Quotes))
	for sym, q := range s.Quotes {
		if q.Price > 0 {
			out[sym] = q.Price
		}
	}
	return out
}

// Provider supplies current quotes for a set of symbols.
type Provider interface {
	GetSnapshot(ctx context.Context, symbols []string) (Snapshot, error)
}

// HistoryProvider supplies daily closes, oldest first, for indicator math.
type HistoryProvider interface {
	GetCloses(ctx context.Context, symbol string, days int) ([]float64, error)
}
