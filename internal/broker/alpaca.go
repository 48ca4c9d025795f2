package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/storage"
)

var errFillTimeout = errors.New("order not filled before timeout")

type AlpacaOptions struct {
	BaseURL            string
	FillTimeout        time.Duration
	PollInterval       time.Duration
	RateLimitPerMinute int
}

// Alpaca trades one Alpaca account over the v2 REST API.
type Alpaca struct {
	client       *resty.Client
	limiter      *rate.Limiter
	fillTimeout  time.Duration
	pollInterval time.Duration
	logger       *logger.Logger
}

func NewAlpaca(account config.AlpacaAccount, opts AlpacaOptions, log *logger.Logger) *Alpaca {
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(15*time.Second).
		SetHeader("APCA-API-KEY-ID", account.KeyID).
		SetHeader("APCA-API-SECRET-KEY", account.SecretKey).
		SetHeader("Accept", "application/json")

	limit := rate.Inf
	if opts.RateLimitPerMinute > 0 {
		limit = rate.Limit(float64(opts.RateLimitPerMinute) / 60)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Alpaca{
		client:       client,
		limiter:      rate.NewLimiter(limit, 3),
		fillTimeout:  opts.FillTimeout,
		pollInterval: opts.PollInterval,
		logger:       log.Component("alpaca"),
	}
}

type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type alpacaOrder struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Status         string  `json:"status"`
	Qty            string  `json:"qty"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	FilledAt       *string `json:"filled_at"`
}

type alpacaAccount struct {
	Cash   string `json:"cash"`
	Equity string `json:"equity"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	AssetClass    string `json:"asset_class"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
}

type alpacaClock struct {
	IsOpen bool `json:"is_open"`
}

func (a *Alpaca) Kind() storage.BrokerKind { return storage.BrokerAlpaca }

func (a *Alpaca) request(ctx context.Context) (*resty.Request, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Op: "alpaca rate limit", Err: err}
	}
	return a.client.R().SetContext(ctx).SetError(&alpacaError{}), nil
}

// check classifies a response. Auth, throttling and server errors are
// transport failures; other 4xx are venue rejections.
func (a *Alpaca) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*alpacaError); ok && e.Message != "" {
		msg = e.Message
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized, code == http.StatusTooManyRequests, code >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("status %d: %s", code, msg)}
	default:
		return &RejectedError{Reason: msg}
	}
}

func (a *Alpaca) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	side := "sell"
	if req.Action.IsBuySide() {
		side = "buy"
	}
	tif := "day"
	if req.AssetClass == storage.AssetCrypto {
		tif = "gtc"
	}
	body := map[string]string{
		"symbol":          alpacaSymbol(req.Symbol, req.AssetClass),
		"qty":             decimal.NewFromFloat(req.Quantity).String(),
		"side":            side,
		"type":            "market",
		"time_in_force":   tif,
		"client_order_id": uuid.NewString(),
	}

	r, err := a.request(ctx)
	if err != nil {
		return nil, err
	}
	var order alpacaOrder
	resp, err := r.SetBody(body).SetResult(&order).Post("/v2/orders")
	if err := a.check("submit order", resp, err); err != nil {
		return nil, err
	}
	a.logger.Info("order submitted", "symbol", req.Symbol, "side", side, "qty", req.Quantity, "order_id", order.ID)

	filled, err := a.awaitFill(ctx, order.ID)
	if filled == nil {
		return nil, err
	}
	fill, ferr := a.toFill(req, filled)
	if ferr != nil {
		return nil, ferr
	}
	if err != nil {
		// terminal state after a partial execution: the executed part still counts
		a.logger.Warn("order ended partially filled", "order_id", order.ID, "status", filled.Status, "error", err)
	}
	return fill, nil
}

// awaitFill polls the order until it is filled, reaches a terminal state or
// the fill timeout passes. A non-nil order with a non-nil error carries a
// partial execution.
func (a *Alpaca) awaitFill(ctx context.Context, orderID string) (*alpacaOrder, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if a.fillTimeout > 0 {
		t := time.NewTimer(a.fillTimeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		order, err := a.getOrder(ctx, orderID)
		if err != nil && !IsTransient(err) {
			return nil, err
		}
		if order != nil {
			switch order.Status {
			case "filled":
				return order, nil
			case "canceled", "expired", "rejected", "done_for_day":
				rej := &RejectedError{Reason: "order " + order.Status}
				if filledQty(order) > 0 {
					return order, rej
				}
				return nil, rej
			}
		}

		select {
		case <-ctx.Done():
			return a.abandon(orderID, order, ctx.Err())
		case <-deadline:
			return a.abandon(orderID, order, errFillTimeout)
		case <-ticker.C:
		}
	}
}

func (a *Alpaca) abandon(orderID string, last *alpacaOrder, cause error) (*alpacaOrder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if r, err := a.request(ctx); err == nil {
		resp, err := r.Delete("/v2/orders/" + orderID)
		if err := a.check("cancel order", resp, err); err != nil {
			a.logger.Error("cancel unfilled order", "order_id", orderID, "error", err)
		}
	}
	terr := &TransportError{Op: "await fill " + orderID, Err: cause}
	if last != nil && filledQty(last) > 0 {
		return last, terr
	}
	return nil, terr
}

func (a *Alpaca) getOrder(ctx context.Context, orderID string) (*alpacaOrder, error) {
	r, err := a.request(ctx)
	if err != nil {
		return nil, err
	}
	var order alpacaOrder
	resp, err := r.SetResult(&order).Get("/v2/orders/" + orderID)
	if err := a.check("get order", resp, err); err != nil {
		return nil, err
	}
	return &order, nil
}

func (a *Alpaca) toFill(req OrderRequest, o *alpacaOrder) (*Fill, error) {
	qty := filledQty(o)
	if qty <= 0 {
		return nil, ErrNoFill
	}
	price := req.Price
	if o.FilledAvgPrice != nil {
		if p, err := decimal.NewFromString(*o.FilledAvgPrice); err == nil {
			price = p.InexactFloat64()
		}
	}
	at := time.Now()
	if o.FilledAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *o.FilledAt); err == nil {
			at = t
		}
	}
	return &Fill{
		OrderID:           o.ID,
		Symbol:            req.Symbol,
		Action:            req.Action,
		RequestedQuantity: req.Quantity,
		Quantity:          qty,
		Price:             price,
		Slippage:          slippage(req.Price, price, req.Action),
		FilledAt:          at,
	}, nil
}

func (a *Alpaca) GetAccount(ctx context.Context) (*Account, error) {
	r, err := a.request(ctx)
	if err != nil {
		return nil, err
	}
	var acct alpacaAccount
	resp, err := r.SetResult(&acct).Get("/v2/account")
	if err := a.check("get account", resp, err); err != nil {
		return nil, err
	}
	return &Account{Cash: parseNumber(acct.Cash), Equity: parseNumber(acct.Equity)}, nil
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	r, err := a.request(ctx)
	if err != nil {
		return nil, err
	}
	var raw []alpacaPosition
	resp, err := r.SetResult(&raw).Get("/v2/positions")
	if err := a.check("get positions", resp, err); err != nil {
		return nil, err
	}

	out := make([]PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		class := storage.AssetStock
		if p.AssetClass == "crypto" {
			class = storage.AssetCrypto
		}
		side := storage.SideLong
		if p.Side == "short" {
			side = storage.SideShort
		}
		qty := parseNumber(p.Qty)
		if qty < 0 {
			qty = -qty
		}
		out = append(out, PositionSnapshot{
			Symbol:       arenaSymbol(p.Symbol, class),
			AssetClass:   class,
			Side:         side,
			Quantity:     qty,
			AvgPrice:     parseNumber(p.AvgEntryPrice),
			CurrentPrice: parseNumber(p.CurrentPrice),
		})
	}
	return out, nil
}

func (a *Alpaca) IsMarketOpen(ctx context.Context, class storage.AssetClass) (bool, error) {
	if class == storage.AssetCrypto {
		return true, nil
	}
	r, err := a.request(ctx)
	if err != nil {
		return false, err
	}
	var clock alpacaClock
	resp, err := r.SetResult(&clock).Get("/v2/clock")
	if err := a.check("get clock", resp, err); err != nil {
		return false, err
	}
	return clock.IsOpen, nil
}

func (a *Alpaca) CancelAllOrders(ctx context.Context) error {
	r, err := a.request(ctx)
	if err != nil {
		return err
	}
	resp, err := r.Delete("/v2/orders")
	return a.check("cancel orders", resp, err)
}

func filledQty(o *alpacaOrder) float64 {
	return parseNumber(o.FilledQty)
}

func parseNumber(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// alpacaSymbol maps BTC-USD to Alpaca's BTC/USD pair notation.
func alpacaSymbol(symbol string, class storage.AssetClass) string {
	if class == storage.AssetCrypto {
		return strings.Replace(symbol, "-", "/", 1)
	}
	return symbol
}

// arenaSymbol maps Alpaca's BTCUSD / BTC/USD back to BTC-USD.
func arenaSymbol(symbol string, class storage.AssetClass) string {
	if class != storage.AssetCrypto {
		return symbol
	}
	if strings.Contains(symbol, "/") {
		return strings.Replace(symbol, "/", "-", 1)
	}
	if base, ok := strings.CutSuffix(symbol, "USD"); ok && base != "" {
		return base + "-USD"
	}
	return symbol
}
