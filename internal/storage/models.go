package storage

import (
	"strings"
	"time"
)

type BrokerKind string

const (
	BrokerSimulation BrokerKind = "simulation"
	BrokerAlpaca     BrokerKind = "alpaca"
	BrokerTinkoff    BrokerKind = "tinkoff"
)

func (k BrokerKind) IsLive() bool {
	return k != BrokerSimulation
}

type Action string

const (
	ActionHold       Action = "HOLD"
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionSellShort  Action = "SELL_SHORT"
	ActionBuyToCover Action = "BUY_TO_COVER"
)

// ParseAction normalizes a free-form action string. Unknown values map to HOLD.
func ParseAction(s string) Action {
	norm := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_")
	switch Action(norm) {
	case ActionBuy, ActionSell, ActionSellShort, ActionBuyToCover:
		return Action(norm)
	}
	switch norm {
	case "SHORT":
		return ActionSellShort
	case "COVER":
		return ActionBuyToCover
	}
	return ActionHold
}

// IsBuySide reports whether the order pays cash out for the instrument.
func (a Action) IsBuySide() bool {
	return a == ActionBuy || a == ActionBuyToCover
}

// Opens reports whether the action opens or extends a position.
func (a Action) Opens() bool {
	return a == ActionBuy || a == ActionSellShort
}

// PositionSide is the side of the position the action operates on.
func (a Action) PositionSide() Side {
	if a == ActionSellShort || a == ActionBuyToCover {
		return SideShort
	}
	return SideLong
}

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetETF    AssetClass = "etf"
	AssetCrypto AssetClass = "crypto"
)

type Agent struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name   string     `gorm:"not null" json:"name"`
	Model  string     `gorm:"not null" json:"model"`
	Color  string     `json:"color"`
	Broker BrokerKind `gorm:"not null;default:'simulation'" json:"broker"`
	Active bool       `gorm:"not null" json:"active"`

	CashBalance   float64    `gorm:"not null" json:"cash_balance"`
	AccountValue  float64    `gorm:"not null" json:"account_value"`
	StartingValue float64    `gorm:"not null" json:"starting_value"`
	LastSyncAt    *time.Time `json:"last_sync_at"`
}

type Position struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	AgentID    string     `gorm:"uniqueIndex:idx_position_agent_symbol;not null" json:"agent_id"`
	Symbol     string     `gorm:"uniqueIndex:idx_position_agent_symbol;not null" json:"symbol"`
	Name       string     `json:"name"`
	AssetClass AssetClass `gorm:"not null" json:"asset_class"`
	Side       Side       `gorm:"not null" json:"side"`

	Quantity     float64   `gorm:"not null" json:"quantity"`
	EntryPrice   float64   `gorm:"not null" json:"entry_price"`
	CurrentPrice float64   `gorm:"not null" json:"current_price"`
	OpenedAt     time.Time `json:"opened_at"`
}

// MarketValue is the signed contribution of the position to account value.
// Short positions are liabilities: the sale proceeds already sit in cash.
func (p Position) MarketValue() float64 {
	v := p.Quantity * p.CurrentPrice
	if p.Side == SideShort {
		return -v
	}
	return v
}

func (p Position) UnrealizedPnL() float64 {
	diff := p.CurrentPrice - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff * p.Quantity
}

func (p Position) UnrealizedPnLPercent() float64 {
	cost := p.EntryPrice * p.Quantity
	if cost == 0 {
		return 0
	}
	return p.UnrealizedPnL() / cost * 100
}

type Trade struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	AgentID    string  `gorm:"index;not null" json:"agent_id"`
	CycleID    string  `gorm:"index" json:"cycle_id"`
	DecisionID uint    `json:"decision_id"`
	Symbol     string  `gorm:"index;not null" json:"symbol"`
	Action     Action  `gorm:"not null" json:"action"`
	Quantity   float64 `gorm:"not null" json:"quantity"`
	Price      float64 `gorm:"not null" json:"price"`
	Total      float64 `gorm:"not null" json:"total"`

	RealizedPnL *float64 `gorm:"column:realized_pnl" json:"realized_pnl"`
	Reasoning   string   `gorm:"type:text" json:"reasoning"`
	Confidence  int      `json:"confidence"`

	Broker   BrokerKind `json:"broker"`
	OrderID  string     `json:"order_id"`
	Slippage float64    `json:"slippage"`
}

type DecisionStatus string

const (
	DecisionHold     DecisionStatus = "hold"
	DecisionRejected DecisionStatus = "rejected"
	DecisionAccepted DecisionStatus = "accepted"
)

type Decision struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	AgentID  string  `gorm:"index;not null" json:"agent_id"`
	CycleID  string  `gorm:"index" json:"cycle_id"`
	Action   Action  `gorm:"not null" json:"action"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Amount   float64 `json:"amount"`

	Reasoning             string   `gorm:"type:text" json:"reasoning"`
	Confidence            int      `json:"confidence"`
	RiskAssessment        string   `gorm:"type:text" json:"risk_assessment"`
	TargetPrice           *float64 `json:"target_price"`
	StopLoss              *float64 `json:"stop_loss"`
	InvalidationCondition string   `gorm:"type:text" json:"invalidation_condition"`

	PortfolioValue float64 `json:"portfolio_value"`
	CashBalance    float64 `json:"cash_balance"`

	Status       DecisionStatus `gorm:"not null" json:"status"`
	RejectReason string         `json:"reject_reason"`
	ToolCalls    int            `json:"tool_calls"`
	Error        string         `json:"error"`
}

type PerformanceSource string

const (
	SourceCycle PerformanceSource = "cycle"
	SourceSync  PerformanceSource = "sync"
)

type PerformancePoint struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	AgentID      string            `gorm:"index;not null" json:"agent_id"`
	AccountValue float64           `gorm:"not null" json:"account_value"`
	CashBalance  float64           `json:"cash_balance"`
	Source       PerformanceSource `json:"source"`
}

type CycleRun struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	StartedAt  time.Time  `gorm:"index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`

	Status     string `json:"status"` // success, partial, failed
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	ReportJSON string `gorm:"type:text" json:"report_json"`
}
