package executor

import (
	"time"

	"github.com/camuig/arena-trader/internal/storage"
)

type FillStatus string

const (
	FillFilled   FillStatus = "filled"
	FillPartial  FillStatus = "partial"
	FillNone     FillStatus = "no_fill"
	FillRejected FillStatus = "rejected"
	FillFailed   FillStatus = "failed"
)

// AgentReport is the outcome of one agent's turn in a cycle.
type AgentReport struct {
	AgentID        string                 `json:"agent_id"`
	AgentName      string                 `json:"agent_name"`
	Action         storage.Action         `json:"action"`
	Symbol         string                 `json:"symbol,omitempty"`
	ToolCalls      int                    `json:"tool_calls"`
	DecisionID     uint                   `json:"decision_id,omitempty"`
	DecisionStatus storage.DecisionStatus `json:"decision_status,omitempty"`
	DecisionError  string                 `json:"decision_error,omitempty"`
	RejectReason   string                 `json:"reject_reason,omitempty"`
	FillStatus     FillStatus             `json:"fill_status,omitempty"`
	Trade          *storage.Trade         `json:"trade,omitempty"`
	AccountValue   float64                `json:"account_value"`
	CashBalance    float64                `json:"cash_balance"`
	Skipped        bool                   `json:"skipped,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Duration       time.Duration          `json:"duration_ns"`
}

// Failed reports an error that the agent could not recover from locally:
// broker transport, ledger or persistence. Rejections and decision
// function errors (turned into HOLD) are not failures.
func (r *AgentReport) Failed() bool {
	return r.Error != ""
}
