package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camuig/arena-trader/internal/agentlock"
	"github.com/camuig/arena-trader/internal/allocation"
	"github.com/camuig/arena-trader/internal/performance"
	"github.com/camuig/arena-trader/internal/reconciler"
	"github.com/camuig/arena-trader/internal/scheduler"
	"github.com/camuig/arena-trader/internal/storage"
)

const defaultLimit = 50

type LeaderboardEntry struct {
	storage.Agent
	Metrics     performance.Metrics `json:"metrics"`
	RealizedPnL float64             `json:"realized_pnl"`
	Trades      int64               `json:"trades"`
	Rank        int                 `json:"rank"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if err := s.repo.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["error"] = err.Error()
	}
	s.writeJSON(w, status, body)
}

// handleRunCycle maps the cycle status onto the response code: 200 for
// success, 207 when some agents failed, 500 when the cycle failed.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.cycles.RunTradingCycle(r.Context())
	if report == nil {
		msg := "cycle did not run"
		if err != nil {
			msg = err.Error()
		}
		s.writeError(w, http.StatusInternalServerError, msg)
		return
	}

	status := http.StatusOK
	switch report.Status {
	case scheduler.StatusPartial:
		status = http.StatusMultiStatus
	case scheduler.StatusFailed:
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	runs, err := s.repo.GetRecentCycleRuns(r.Context(), limitParam(r))
	if err != nil {
		s.internalError(w, "list cycle runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	results := s.syncer.SyncAllLiveAgents(r.Context())
	if results == nil {
		results = []reconciler.SyncResult{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSyncAgent(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.SyncAgent(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, reconciler.ErrSimulationAgent):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, res)
	}
}

// handleLeaderboard ranks agents by ROI.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		s.internalError(w, "list agents", err)
		return
	}

	entries := make([]LeaderboardEntry, 0, len(agents))
	for _, a := range agents {
		points, err := s.repo.GetPerformance(ctx, a.ID, time.Time{})
		if err != nil {
			s.internalError(w, "get performance", err)
			return
		}
		realized, err := s.repo.RealizedPnL(ctx, a.ID, time.Time{})
		if err != nil {
			s.internalError(w, "realized pnl", err)
			return
		}
		trades, err := s.repo.CountTrades(ctx, a.ID)
		if err != nil {
			s.internalError(w, "count trades", err)
			return
		}
		entries = append(entries, LeaderboardEntry{
			Agent:       a,
			Metrics:     performance.Compute(a.StartingValue, a.AccountValue, points),
			RealizedPnL: realized,
			Trades:      trades,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Metrics.ROI > entries[j].Metrics.ROI })
	for i := range entries {
		entries[i].Rank = i + 1
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	positions, err := s.repo.GetPositions(r.Context(), agent.ID)
	if err != nil {
		s.internalError(w, "get positions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	trades, err := s.repo.GetTrades(r.Context(), agent.ID, limitParam(r))
	if err != nil {
		s.internalError(w, "get trades", err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	decisions, err := s.repo.GetDecisions(r.Context(), agent.ID, limitParam(r))
	if err != nil {
		s.internalError(w, "get decisions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

// handlePerformance returns the equity curve and the metrics derived from
// it. ?since= accepts an RFC3339 timestamp.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	points, err := s.repo.GetPerformance(r.Context(), agent.ID, since)
	if err != nil {
		s.internalError(w, "get performance", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"points":  points,
		"metrics": performance.Compute(agent.StartingValue, agent.AccountValue, points),
	})
}

func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	positions, err := s.repo.GetPositions(r.Context(), agent.ID)
	if err != nil {
		s.internalError(w, "get positions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, allocation.Calculate(agent.CashBalance, positions))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var agent *storage.Agent
	err := s.locks.Exclusive(id, func() error {
		var err error
		agent, err = s.repo.ResetAgent(r.Context(), id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if errors.Is(err, agentlock.ErrBusy) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "reset agent", err)
		return
	}
	s.logger.Info("agent reset", "agent", agent.ID)
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) loadAgent(w http.ResponseWriter, r *http.Request) (*storage.Agent, bool) {
	agent, err := s.repo.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, "get agent", err)
		return nil, false
	}
	return agent, true
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > 500 {
		return 500
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, op+": "+err.Error())
}
