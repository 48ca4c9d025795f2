package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/storage"
)

func newAlpaca(t *testing.T, h http.HandlerFunc) *Alpaca {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAlpaca(config.AlpacaAccount{KeyID: "key", SecretKey: "secret"}, AlpacaOptions{
		BaseURL:      srv.URL,
		FillTimeout:  200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, logger.Discard())
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func TestAlpacaPlaceOrderPollsUntilFilled(t *testing.T) {
	var polls int32
	a := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/orders":
			writeJSON(w, 200, `{"id":"o1","status":"new","qty":"10","filled_qty":"0"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders/o1":
			if atomic.AddInt32(&polls, 1) < 3 {
				writeJSON(w, 200, `{"id":"o1","status":"partially_filled","filled_qty":"4"}`)
				return
			}
			writeJSON(w, 200, `{"id":"o1","status":"filled","filled_qty":"10","filled_avg_price":"150.3"}`)
		default:
			http.NotFound(w, r)
		}
	})

	fill, err := a.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", AssetClass: storage.AssetStock, Action: storage.ActionBuy, Quantity: 10, Price: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, "o1", fill.OrderID)
	assert.Equal(t, 10.0, fill.Quantity)
	assert.Equal(t, 150.3, fill.Price)
	assert.InDelta(t, 0.002, fill.Slippage, 1e-9)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestAlpacaRejection(t *testing.T) {
	a := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"code":40310000,"message":"insufficient buying power"}`)
	})

	_, err := a.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", AssetClass: storage.AssetStock, Action: storage.ActionBuy, Quantity: 10, Price: 150,
	})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "insufficient buying power")
}

func TestAlpacaCancelledOrderIsRejected(t *testing.T) {
	a := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, 200, `{"id":"o2","status":"new"}`)
			return
		}
		writeJSON(w, 200, `{"id":"o2","status":"canceled","filled_qty":"0"}`)
	})

	_, err := a.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", AssetClass: storage.AssetStock, Action: storage.ActionSell, Quantity: 5, Price: 150,
	})
	assert.True(t, IsRejected(err))
}

func TestAlpacaFillTimeoutCancels(t *testing.T) {
	var cancelled int32
	a := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, 200, `{"id":"o3","status":"new"}`)
		case http.MethodDelete:
			atomic.StoreInt32(&cancelled, 1)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, 200, `{"id":"o3","status":"new","filled_qty":"0"}`)
		}
	})

	_, err := a.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", AssetClass: storage.AssetStock, Action: storage.ActionBuy, Quantity: 10, Price: 150,
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, errFillTimeout)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
}

func TestAlpacaServerErrorIsTransient(t *testing.T) {
	a := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `{"message":"upstream"}`)
	})

	_, err := a.GetAccount(context.Background())
	assert.True(t, IsTransient(err))
}

func TestAlpacaAccountAndPositions(t *testing.T) {
	a := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			writeJSON(w, 200, `{"cash":"5000.50","equity":"10250.75"}`)
		case "/v2/positions":
			writeJSON(w, 200, `[
				{"symbol":"AAPL","asset_class":"us_equity","side":"long","qty":"10","avg_entry_price":"150","current_price":"155"},
				{"symbol":"TSLA","asset_class":"us_equity","side":"short","qty":"-3","avg_entry_price":"200","current_price":"190"},
				{"symbol":"BTCUSD","asset_class":"crypto","side":"long","qty":"0.05","avg_entry_price":"60000","current_price":"61000"}]`)
		case "/v2/clock":
			writeJSON(w, 200, `{"is_open":false}`)
		}
	})
	ctx := context.Background()

	acct, err := a.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5000.50, acct.Cash)
	assert.Equal(t, 10250.75, acct.Equity)

	positions, err := a.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 3)
	assert.Equal(t, storage.SideShort, positions[1].Side)
	assert.Equal(t, 3.0, positions[1].Quantity)
	assert.Equal(t, "BTC-USD", positions[2].Symbol)
	assert.Equal(t, storage.AssetCrypto, positions[2].AssetClass)

	open, err := a.IsMarketOpen(ctx, storage.AssetStock)
	require.NoError(t, err)
	assert.False(t, open)
	open, err = a.IsMarketOpen(ctx, storage.AssetCrypto)
	require.NoError(t, err)
	assert.True(t, open)
}

func TestAlpacaSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTC/USD", alpacaSymbol("BTC-USD", storage.AssetCrypto))
	assert.Equal(t, "AAPL", alpacaSymbol("AAPL", storage.AssetStock))
	assert.Equal(t, "ETH-USD", arenaSymbol("ETH/USD", storage.AssetCrypto))
	assert.Equal(t, "ETH-USD", arenaSymbol("ETHUSD", storage.AssetCrypto))
}
