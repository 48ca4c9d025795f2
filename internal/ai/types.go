package ai

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/storage"
)

var ErrBudgetExhausted = errors.New("tool call budget exhausted")

// Decider is an agent's decision function. One call yields one decision.
type Decider interface {
	Decide(ctx context.Context, dc *DecisionContext) (*Decision, error)
}

// DecisionContext is what an agent sees for one cycle. Positions are
// already marked to the snapshot.
type DecisionContext struct {
	AgentID       string
	AgentName     string
	CycleID       string
	Cash          float64
	AccountValue  float64
	StartingValue float64
	Positions     []storage.Position
	Snapshot      marketdata.Snapshot
	MarketOpen    map[storage.AssetClass]bool
	MaxPositions  int
	MaxTradeUSD   float64
	Budget        *ToolBudget
	Now           time.Time
}

func (dc *DecisionContext) Position(symbol string) (storage.Position, bool) {
	for _, p := range dc.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return storage.Position{}, false
}

type Decision struct {
	Action                storage.Action `json:"action"`
	Symbol                string         `json:"symbol,omitempty"`
	Quantity              float64        `json:"quantity,omitempty"`
	Amount                float64        `json:"amount,omitempty"` // dollars, resolved to quantity by the executor
	Reasoning             string         `json:"reasoning"`
	Confidence            int            `json:"confidence"` // 0-100
	RiskAssessment        string         `json:"risk_assessment,omitempty"`
	TargetPrice           *float64       `json:"target_price,omitempty"`
	StopLoss              *float64       `json:"stop_loss,omitempty"`
	InvalidationCondition string         `json:"invalidation_condition,omitempty"`
	ToolCalls             int            `json:"tool_calls"`
}

// Hold builds the implicit HOLD used when a decision function fails.
func Hold(reason string) *Decision {
	return &Decision{Action: storage.ActionHold, Reasoning: reason}
}

// ToolBudget caps tool calls within one decision invocation.
type ToolBudget struct {
	mu    sync.Mutex
	limit int
	used  int
}

func NewToolBudget(limit int) *ToolBudget {
	return &ToolBudget{limit: limit}
}

// Take consumes one call. It returns false once the limit is reached.
func (b *ToolBudget) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

func (b *ToolBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *ToolBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit - b.used
}
