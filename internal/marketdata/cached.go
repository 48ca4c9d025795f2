package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/storage"
)

type indicatorEntry struct {
	values    Indicators
	fetchedAt time.Time
}

// Cached decorates a Provider with a short quote cache, a longer indicator
// cache, rate limiting and a last-known-price fallback. A failed fetch is
// not an error as long as every requested symbol has been seen before.
type Cached struct {
	provider    Provider
	history     HistoryProvider
	instruments map[string]config.Instrument
	ttl         time.Duration
	indTTL      time.Duration
	historyDays int
	limiter     *rate.Limiter
	logger      *logger.Logger
	now         func() time.Time

	mu         sync.Mutex
	last       map[string]Quote
	lastFetch  time.Time
	indicators map[string]indicatorEntry
}

type CachedOptions struct {
	TTL                time.Duration
	IndicatorTTL       time.Duration
	HistoryDays        int
	RateLimitPerMinute int
}

func NewCached(provider Provider, history HistoryProvider, universe []config.Instrument, opts CachedOptions, log *logger.Logger) *Cached {
	instruments := make(map[string]config.Instrument, len(universe))
	for _, inst := range universe {
		instruments[inst.Symbol] = inst
	}
	limit := rate.Inf
	if opts.RateLimitPerMinute > 0 {
		limit = rate.Limit(float64(opts.RateLimitPerMinute) / 60)
	}
	return &Cached{
		provider:    provider,
		history:     history,
		instruments: instruments,
		ttl:         opts.TTL,
		indTTL:      opts.IndicatorTTL,
		historyDays: opts.HistoryDays,
		limiter:     rate.NewLimiter(limit, 5),
		logger:      log.Component("marketdata"),
		now:         time.Now,
		last:        make(map[string]Quote),
		indicators:  make(map[string]indicatorEntry),
	}
}

// NewFromConfig picks the vendor named in market.provider.
func NewFromConfig(cfg *config.Config, log *logger.Logger) *Cached {
	opts := CachedOptions{
		TTL:                cfg.CacheTTL(),
		IndicatorTTL:       cfg.IndicatorTTL(),
		HistoryDays:        cfg.Market.HistoryDays,
		RateLimitPerMinute: cfg.Market.RateLimitPerMinute,
	}
	if cfg.Market.Provider == "moex" {
		m := NewMOEX()
		return NewCached(m, m, cfg.Universe, opts, log)
	}
	y := NewYahoo()
	return NewCached(y, y, cfg.Universe, opts, log)
}

func (c *Cached) GetSnapshot(ctx context.Context, symbols []string) (Snapshot, error) {
	if snap, ok := c.fromCache(symbols); ok {
		return snap, nil
	}

	var fresh Snapshot
	err := c.limiter.Wait(ctx)
	if err == nil {
		fresh, err = c.provider.GetSnapshot(ctx, symbols)
	}

	c.mu.Lock()
	now := c.now()
	if err == nil {
		for sym, q := range fresh.Quotes {
			c.last[sym] = q
		}
		c.lastFetch = now
	}
	snap := Snapshot{Quotes: make(map[string]Quote, len(symbols)), FetchedAt: now}
	var missing []string
	for _, sym := range symbols {
		q, ok := c.last[sym]
		if !ok {
			missing = append(missing, sym)
			continue
		}
		if _, got := fresh.Quotes[sym]; !got {
			q.Stale = true
		}
		snap.Quotes[sym] = c.decorate(q)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("market data fetch failed, using last known prices",
			"error", err, "known", len(snap.Quotes), "missing", len(missing))
		if len(snap.Quotes) == 0 {
			return snap, fmt.Errorf("market snapshot: %w", err)
		}
	} else if len(missing) > 0 {
		c.logger.Warn("symbols missing from market data", "symbols", missing)
	}

	c.refreshIndicators(ctx, snap)
	return snap, nil
}

func (c *Cached) fromCache(symbols []string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.ttl <= 0 || c.lastFetch.IsZero() || now.Sub(c.lastFetch) > c.ttl {
		return Snapshot{}, false
	}
	snap := Snapshot{Quotes: make(map[string]Quote, len(symbols)), FetchedAt: c.lastFetch}
	for _, sym := range symbols {
		q, ok := c.last[sym]
		if !ok {
			return Snapshot{}, false
		}
		snap.Quotes[sym] = c.decorate(q)
	}
	return snap, true
}

// decorate fills universe metadata and cached indicators. Caller holds mu.
func (c *Cached) decorate(q Quote) Quote {
	if inst, ok := c.instruments[q.Symbol]; ok {
		q.AssetClass = storage.AssetClass(inst.AssetClass)
		if q.Name == "" {
			q.Name = inst.Name
		}
	}
	if q.AssetClass == "" {
		q.AssetClass = storage.AssetStock
	}
	if e, ok := c.indicators[q.Symbol]; ok {
		q.Indicators = e.values
	}
	return q
}

func (c *Cached) refreshIndicators(ctx context.Context, snap Snapshot) {
	if c.history == nil || c.historyDays <= 0 {
		return
	}
	for sym, q := range snap.Quotes {
		c.mu.Lock()
		e, ok := c.indicators[sym]
		c.mu.Unlock()
		if ok && c.now().Sub(e.fetchedAt) < c.indTTL {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		closes, err := c.history.GetCloses(ctx, sym, c.historyDays)
		if err != nil {
			c.logger.Debug("indicator history unavailable", "symbol", sym, "error", err)
			continue
		}
		ind := ComputeIndicators(closes)
		c.mu.Lock()
		c.indicators[sym] = indicatorEntry{values: ind, fetchedAt: c.now()}
		c.mu.Unlock()
		q.Indicators = ind
		snap.Quotes[sym] = q
	}
}

// Instrument returns universe metadata for symbol.
func (c *Cached) Instrument(symbol string) (config.Instrument, bool) {
	inst, ok := c.instruments[symbol]
	return inst, ok
}
