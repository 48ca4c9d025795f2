package broker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/storage"
)

const (
	sandboxEndpoint = "sandbox-invest-public-api.tinkoff.ru:443"
	liveEndpoint    = "invest-public-api.tinkoff.ru:443"
)

// TinkoffClient is the shared gRPC connection. Accounts of different agents
// trade through the same token.
type TinkoffClient struct {
	Client  *investgo.Client
	Sandbox bool
	Logger  *logger.Logger

	instruments *instrumentCache
}

func NewTinkoffClient(ctx context.Context, cfg config.TinkoffConfig, log *logger.Logger) (*TinkoffClient, error) {
	endpoint := liveEndpoint
	if cfg.Sandbox {
		endpoint = sandboxEndpoint
	}

	client, err := investgo.NewClient(ctx, investgo.Config{
		EndPoint: endpoint,
		Token:    cfg.Token,
		AppName:  "arena-trader",
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create investgo client: %w", err)
	}

	tc := &TinkoffClient{
		Client:  client,
		Sandbox: cfg.Sandbox,
		Logger:  log.Component("tinkoff"),
	}
	tc.instruments = newInstrumentCache(tc)
	return tc, nil
}

// FundSandbox tops up a sandbox account with roubles.
func (tc *TinkoffClient) FundSandbox(accountID string, rub int64) error {
	if !tc.Sandbox {
		return fmt.Errorf("fund sandbox: client is not in sandbox mode")
	}
	sandbox := tc.Client.NewSandboxServiceClient()
	_, err := sandbox.SandboxPayIn(&investgo.SandboxPayInRequest{
		AccountId: accountID,
		Currency:  "RUB",
		Unit:      rub,
	})
	if err != nil {
		return fmt.Errorf("sandbox pay in: %w", err)
	}
	tc.Logger.Info("sandbox account funded", "account_id", accountID, "rub", rub)
	return nil
}

func (tc *TinkoffClient) Stop() error {
	return tc.Client.Stop()
}

// Tinkoff trades one Tinkoff Invest account. Quantities are shares; orders
// are sent in whole lots.
type Tinkoff struct {
	conn         *TinkoffClient
	accountID    string
	fillTimeout  time.Duration
	pollInterval time.Duration
	clock        *marketdata.Clock
	logger       *logger.Logger
}

func NewTinkoff(conn *TinkoffClient, accountID string, fillTimeout, pollInterval time.Duration) *Tinkoff {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Tinkoff{
		conn:         conn,
		accountID:    accountID,
		fillTimeout:  fillTimeout,
		pollInterval: pollInterval,
		clock:        marketdata.NewMOEXClock(),
		logger:       &logger.Logger{Logger: conn.Logger.With("account", accountID)},
	}
}

func (t *Tinkoff) Kind() storage.BrokerKind { return storage.BrokerTinkoff }

func (t *Tinkoff) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	inst, err := t.conn.instruments.byTicker(req.Symbol)
	if err != nil {
		return nil, classifyGRPC("resolve instrument", err)
	}
	lotSize := float64(inst.lot)
	lots := int64(math.Floor(req.Quantity / lotSize))
	if lots < 1 {
		return nil, &RejectedError{Reason: fmt.Sprintf("quantity %.4f is below one lot (%d)", req.Quantity, inst.lot)}
	}

	direction := pb.OrderDirection_ORDER_DIRECTION_SELL
	if req.Action.IsBuySide() {
		direction = pb.OrderDirection_ORDER_DIRECTION_BUY
	}
	orderID := investgo.CreateUid()

	var resp *investgo.PostOrderResponse
	if t.conn.Sandbox {
		sandbox := t.conn.Client.NewSandboxServiceClient()
		resp, err = sandbox.PostSandboxOrder(&investgo.PostOrderRequest{
			InstrumentId: inst.uid,
			Quantity:     lots,
			Direction:    direction,
			AccountId:    t.accountID,
			OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
			OrderId:      orderID,
		})
	} else {
		short := &investgo.PostOrderRequestShort{
			InstrumentId: inst.uid,
			Quantity:     lots,
			AccountId:    t.accountID,
			OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
			OrderId:      orderID,
		}
		orders := t.conn.Client.NewOrdersServiceClient()
		if direction == pb.OrderDirection_ORDER_DIRECTION_BUY {
			resp, err = orders.Buy(short)
		} else {
			resp, err = orders.Sell(short)
		}
	}
	if err != nil {
		return nil, classifyGRPC("post order", err)
	}

	st := resp.GetExecutionReportStatus()
	executed := resp.GetLotsExecuted()
	price := 0.0
	if ep := resp.GetExecutedOrderPrice(); ep != nil {
		price = ep.ToFloat()
	}
	brokerOrderID := resp.GetOrderId()

	if !t.conn.Sandbox && !terminal(st) {
		st, executed, price = t.awaitFill(ctx, brokerOrderID, st, executed, price)
	}

	switch st {
	case pb.OrderExecutionReportStatus_EXECUTION_REPORT_STATUS_REJECTED:
		return nil, &RejectedError{Reason: "order rejected by exchange"}
	case pb.OrderExecutionReportStatus_EXECUTION_REPORT_STATUS_CANCELLED:
		if executed == 0 {
			return nil, &RejectedError{Reason: "order cancelled"}
		}
	}
	if executed == 0 {
		if terminal(st) {
			return nil, ErrNoFill
		}
		return nil, &TransportError{Op: "await fill " + brokerOrderID, Err: errFillTimeout}
	}
	if price <= 0 {
		price = req.Price
	}

	return &Fill{
		OrderID:           brokerOrderID,
		Symbol:            req.Symbol,
		Action:            req.Action,
		RequestedQuantity: req.Quantity,
		Quantity:          float64(executed) * lotSize,
		Price:             price,
		Slippage:          slippage(req.Price, price, req.Action),
		FilledAt:          time.Now(),
	}, nil
}

// awaitFill polls GetOrderState until the order settles or the fill timeout
// passes; a still-working order is cancelled.
func (t *Tinkoff) awaitFill(ctx context.Context, orderID string, st pb.OrderExecutionReportStatus, executed int64, price float64) (pb.OrderExecutionReportStatus, int64, float64) {
	orders := t.conn.Client.NewOrdersServiceClient()
	deadline := time.Now().Add(t.fillTimeout)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

poll:
	for !terminal(st) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
		}
		state, err := orders.GetOrderState(t.accountID, orderID, pb.PriceType_PRICE_TYPE_CURRENCY, nil)
		if err != nil {
			t.logger.Warn("get order state", "order_id", orderID, "error", err)
			continue
		}
		st = state.GetExecutionReportStatus()
		executed = state.GetLotsExecuted()
		if ap := state.GetAveragePositionPrice(); ap != nil {
			price = ap.ToFloat()
		}
	}

	if !terminal(st) {
		if _, err := orders.CancelOrder(t.accountID, orderID, nil); err != nil {
			t.logger.Error("cancel unfilled order", "order_id", orderID, "error", err)
		}
		if executed > 0 {
			st = pb.OrderExecutionReportStatus_EXECUTION_REPORT_STATUS_CANCELLED
		}
	}
	return st, executed, price
}

func terminal(st pb.OrderExecutionReportStatus) bool {
	switch st {
	case pb.OrderExecutionReportStatus_EXECUTION_REPORT_STATUS_FILL,
		pb.OrderExecutionReportStatus_EXECUTION_REPORT_STATUS_REJECTED,
		pb.OrderExecutionReportStatus_EXECUTION_REPORT_STATUS_CANCELLED:
		return true
	}
	return false
}

type portfolioResponse interface {
	GetTotalAmountPortfolio() *pb.MoneyValue
	GetTotalAmountCurrencies() *pb.MoneyValue
	GetPositions() []*pb.PortfolioPosition
}

func (t *Tinkoff) portfolio() (portfolioResponse, error) {
	if t.conn.Sandbox {
		r, err := t.conn.Client.NewSandboxServiceClient().GetSandboxPortfolio(t.accountID, pb.PortfolioRequest_RUB)
		if err != nil {
			return nil, classifyGRPC("get sandbox portfolio", err)
		}
		return r.PortfolioResponse, nil
	}
	r, err := t.conn.Client.NewOperationsServiceClient().GetPortfolio(t.accountID, pb.PortfolioRequest_RUB)
	if err != nil {
		return nil, classifyGRPC("get portfolio", err)
	}
	return r.PortfolioResponse, nil
}

func (t *Tinkoff) GetAccount(context.Context) (*Account, error) {
	resp, err := t.portfolio()
	if err != nil {
		return nil, err
	}
	acct := &Account{}
	if total := resp.GetTotalAmountPortfolio(); total != nil {
		acct.Equity = total.ToFloat()
	}
	if cash := resp.GetTotalAmountCurrencies(); cash != nil {
		acct.Cash = cash.ToFloat()
	}
	return acct, nil
}

func (t *Tinkoff) GetPositions(context.Context) ([]PositionSnapshot, error) {
	resp, err := t.portfolio()
	if err != nil {
		return nil, err
	}

	var out []PositionSnapshot
	for _, pos := range resp.GetPositions() {
		if pos.GetInstrumentType() == "currency" {
			continue
		}
		inst, err := t.conn.instruments.byUID(pos.GetInstrumentUid())
		if err != nil {
			t.logger.Warn("resolve portfolio instrument", "uid", pos.GetInstrumentUid(), "error", err)
			continue
		}
		ps := PositionSnapshot{
			Symbol:     inst.ticker,
			Name:       inst.name,
			AssetClass: storage.AssetStock,
			Side:       storage.SideLong,
		}
		if pos.GetInstrumentType() == "etf" {
			ps.AssetClass = storage.AssetETF
		}
		if q := pos.GetQuantity(); q != nil {
			ps.Quantity = q.ToFloat()
		}
		if ps.Quantity < 0 {
			ps.Quantity = -ps.Quantity
			ps.Side = storage.SideShort
		}
		if ps.Quantity == 0 {
			continue
		}
		if ap := pos.GetAveragePositionPrice(); ap != nil {
			ps.AvgPrice = ap.ToFloat()
		}
		if cp := pos.GetCurrentPrice(); cp != nil {
			ps.CurrentPrice = cp.ToFloat()
		}
		out = append(out, ps)
	}
	return out, nil
}

// IsMarketOpen follows the MOEX main session; Tinkoff has no crypto.
func (t *Tinkoff) IsMarketOpen(_ context.Context, class storage.AssetClass) (bool, error) {
	if class == storage.AssetCrypto {
		return false, nil
	}
	return t.clock.Open(class), nil
}

func (t *Tinkoff) CancelAllOrders(context.Context) error {
	if t.conn.Sandbox {
		// sandbox market orders execute immediately
		return nil
	}
	orders := t.conn.Client.NewOrdersServiceClient()
	resp, err := orders.GetOrders(t.accountID)
	if err != nil {
		return classifyGRPC("get orders", err)
	}
	var failed int
	for _, o := range resp.GetOrders() {
		if _, err := orders.CancelOrder(t.accountID, o.GetOrderId(), nil); err != nil {
			t.logger.Error("cancel order", "order_id", o.GetOrderId(), "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("cancel orders: %d of %d failed", failed, len(resp.GetOrders()))
	}
	return nil
}

// classifyGRPC separates venue refusals from transport failures.
func classifyGRPC(op string, err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.OutOfRange:
		return &RejectedError{Reason: fmt.Sprintf("%s: %s", op, status.Convert(err).Message())}
	default:
		return &TransportError{Op: op, Err: err}
	}
}
