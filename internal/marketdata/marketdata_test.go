package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/storage"
)

type fakeProvider struct {
	quotes map[string]Quote
	err    error
	calls  int
}

func (f *fakeProvider) GetSnapshot(_ context.Context, symbols []string) (Snapshot, error) {
	f.calls++
	if f.err != nil {
		return Snapshot{}, f.err
	}
	snap := Snapshot{Quotes: map[string]Quote{}, FetchedAt: time.Now()}
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			snap.Quotes[s] = q
		}
	}
	return snap, nil
}

type fakeHistory struct{ closes []float64 }

func (f *fakeHistory) GetCloses(context.Context, string, int) ([]float64, error) {
	return f.closes, nil
}

var testUniverse = []config.Instrument{
	{Symbol: "AAPL", Name: "Apple", AssetClass: "stock"},
	{Symbol: "BTC-USD", Name: "Bitcoin", AssetClass: "crypto"},
}

func TestCachedFallsBackToLastKnown(t *testing.T) {
	p := &fakeProvider{quotes: map[string]Quote{
		"AAPL":    {Symbol: "AAPL", Price: 150},
		"BTC-USD": {Symbol: "BTC-USD", Price: 60000},
	}}
	c := NewCached(p, nil, testUniverse, CachedOptions{}, logger.Discard())
	ctx := context.Background()

	snap, err := c.GetSnapshot(ctx, []string{"AAPL", "BTC-USD"})
	require.NoError(t, err)
	assert.False(t, snap.Quotes["AAPL"].Stale)
	assert.Equal(t, storage.AssetCrypto, snap.Quotes["BTC-USD"].AssetClass)
	assert.Equal(t, "Apple", snap.Quotes["AAPL"].Name)

	p.err = errors.New("provider down")
	snap, err = c.GetSnapshot(ctx, []string{"AAPL", "BTC-USD"})
	require.NoError(t, err)
	price, ok := snap.Price("AAPL")
	assert.True(t, ok)
	assert.Equal(t, 150.0, price)
	assert.True(t, snap.Quotes["AAPL"].Stale)
}

func TestCachedFailsWithoutHistory(t *testing.T) {
	p := &fakeProvider{err: errors.New("provider down")}
	c := NewCached(p, nil, testUniverse, CachedOptions{}, logger.Discard())

	_, err := c.GetSnapshot(context.Background(), []string{"AAPL"})
	assert.Error(t, err)
}

func TestCachedServesWithinTTL(t *testing.T) {
	p := &fakeProvider{quotes: map[string]Quote{"AAPL": {Symbol: "AAPL", Price: 150}}}
	c := NewCached(p, nil, testUniverse, CachedOptions{TTL: time.Minute}, logger.Discard())
	ctx := context.Background()

	_, err := c.GetSnapshot(ctx, []string{"AAPL"})
	require.NoError(t, err)
	_, err = c.GetSnapshot(ctx, []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = c.GetSnapshot(ctx, []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestCachedComputesIndicators(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	p := &fakeProvider{quotes: map[string]Quote{"AAPL": {Symbol: "AAPL", Price: 140}}}
	c := NewCached(p, &fakeHistory{closes: closes}, testUniverse,
		CachedOptions{HistoryDays: 60, IndicatorTTL: time.Hour}, logger.Discard())

	snap, err := c.GetSnapshot(context.Background(), []string{"AAPL"})
	require.NoError(t, err)

	ind := snap.Quotes["AAPL"].Indicators
	assert.InDelta(t, 129.5, ind.SMA20, 1e-9)
	assert.InDelta(t, 100, ind.RSI14, 1e-6)
	assert.Greater(t, ind.MACD, 0.0)
}

func TestMOEXSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SBER,GAZP", r.URL.Query().Get("securities"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"marketdata":{"columns":["SECID","LAST","LASTCHANGE","LASTCHANGEPRCNT"],
			"data":[["SBER",280.5,1.5,0.54],["GAZP",null,null,null]]}}`))
	}))
	defer srv.Close()

	m := NewMOEXWithBaseURL(srv.URL)
	snap, err := m.GetSnapshot(context.Background(), []string{"SBER", "GAZP"})
	require.NoError(t, err)

	require.Contains(t, snap.Quotes, "SBER")
	assert.NotContains(t, snap.Quotes, "GAZP")
	assert.Equal(t, 280.5, snap.Quotes["SBER"].Price)
	assert.Equal(t, 0.54, snap.Quotes["SBER"].ChangePercent)
}

func TestMarketHours(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	assert.True(t, USMarketOpen(time.Date(2026, 10, 14, 10, 0, 0, 0, ny)))
	assert.False(t, USMarketOpen(time.Date(2026, 10, 14, 9, 0, 0, 0, ny)))
	assert.False(t, USMarketOpen(time.Date(2026, 10, 14, 16, 0, 0, 0, ny)))
	assert.False(t, USMarketOpen(time.Date(2026, 10, 17, 12, 0, 0, 0, ny)))

	closed := &Clock{Now: time.Now, IsOpen: func(time.Time) bool { return false }}
	assert.False(t, closed.Open(storage.AssetStock))
	assert.True(t, closed.Open(storage.AssetCrypto))
	assert.True(t, closed.AnyOpen([]storage.AssetClass{storage.AssetStock, storage.AssetCrypto}))
}
