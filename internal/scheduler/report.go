package scheduler

import (
	"time"

	"github.com/camuig/arena-trader/internal/executor"
)

type CycleStatus string

const (
	StatusSuccess CycleStatus = "success"
	StatusPartial CycleStatus = "partial"
	StatusFailed  CycleStatus = "failed"
)

// CycleReport aggregates every agent's outcome for one cycle.
type CycleReport struct {
	ID          string                   `json:"id"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	Status      CycleStatus              `json:"status"`
	Succeeded   int                      `json:"succeeded"`
	Failed      int                      `json:"failed"`
	Skipped     int                      `json:"skipped"`
	StaleQuotes int                      `json:"stale_quotes"`
	Agents      []*executor.AgentReport  `json:"agents"`
	Error       string                   `json:"error,omitempty"`
}

// summarize fills the counters and derives the status: failed when every
// processed agent failed, partial when some did.
func (r *CycleReport) summarize() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, a := range r.Agents {
		switch {
		case a.Skipped:
			r.Skipped++
		case a.Failed():
			r.Failed++
		default:
			r.Succeeded++
		}
	}
	switch {
	case r.Error != "":
		r.Status = StatusFailed
	case r.Failed == 0:
		r.Status = StatusSuccess
	case r.Succeeded == 0:
		r.Status = StatusFailed
	default:
		r.Status = StatusPartial
	}
}
