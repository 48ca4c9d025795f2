package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
)

// Yahoo serves US equities, ETFs and crypto pairs (BTC-USD) from Yahoo Finance.
// finance-go has no context support, so ctx is only checked between calls.
type Yahoo struct{}

func NewYahoo() *Yahoo {
	return &Yahoo{}
}

func (y *Yahoo) GetSnapshot(ctx context.Context, symbols []string) (Snapshot, error) {
	snap := Snapshot{Quotes: make(map[string]Quote, len(symbols)), FetchedAt: time.Now()}
	if len(symbols) == 0 {
		return snap, nil
	}
	if err := ctx.Err(); err != nil {
		return snap, err
	}

	iter := quote.List(symbols)
	for iter.Next() {
		q := iter.Quote()
		if q == nil || q.RegularMarketPrice <= 0 {
			continue
		}
		asOf := snap.FetchedAt
		if q.RegularMarketTime > 0 {
			asOf = time.Unix(int64(q.RegularMarketTime), 0)
		}
		snap.Quotes[q.Symbol] = Quote{
			Symbol:        q.Symbol,
			Name:          q.ShortName,
			Price:         q.RegularMarketPrice,
			Change:        q.RegularMarketChange,
			ChangePercent: q.RegularMarketChangePercent,
			AsOf:          asOf,
		}
	}
	if err := iter.Err(); err != nil {
		return snap, fmt.Errorf("yahoo quotes: %w", err)
	}
	return snap, nil
}

func (y *Yahoo) GetCloses(ctx context.Context, symbol string, days int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.AddDate(0, 0, -days)

	iter := chart.Get(&chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	})

	var closes []float64
	for iter.Next() {
		c, _ := iter.Bar().Close.Float64()
		if c > 0 {
			closes = append(closes, c)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}
	return closes, nil
}
