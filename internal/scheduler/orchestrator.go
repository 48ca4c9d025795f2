package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/arena-trader/internal/agentlock"
	"github.com/camuig/arena-trader/internal/ai"
	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/executor"
	"github.com/camuig/arena-trader/internal/ledger"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/marketdata"
	"github.com/camuig/arena-trader/internal/storage"
)

// DeciderSource resolves an agent's model id to its decision function.
type DeciderSource interface {
	For(modelID string) (ai.Decider, error)
}

// CycleNotifier receives finished cycle reports. Nil is allowed.
type CycleNotifier interface {
	NotifyCycle(report *CycleReport)
}

type Options struct {
	Symbols         []string
	ToolCallBudget  int
	DecisionTimeout time.Duration
	Concurrency     int
	MaxPositions    int
	MaxTradeUSD     float64
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Symbols:         cfg.Symbols(),
		ToolCallBudget:  cfg.Trading.ToolCallBudget,
		DecisionTimeout: cfg.DecisionTimeout(),
		Concurrency:     cfg.Trading.Concurrency,
		MaxPositions:    cfg.Trading.MaxPositions,
		MaxTradeUSD:     cfg.Trading.MaxTradeUSD,
	}
}

type Orchestrator struct {
	repo     *storage.Repository
	market   marketdata.Provider
	deciders DeciderSource
	executor *executor.Executor
	locks    *agentlock.Locks
	clock    *marketdata.Clock
	notifier CycleNotifier
	opts     Options
	logger   *logger.Logger
}

func NewOrchestrator(
	repo *storage.Repository,
	market marketdata.Provider,
	deciders DeciderSource,
	exec *executor.Executor,
	locks *agentlock.Locks,
	clock *marketdata.Clock,
	notifier CycleNotifier,
	opts Options,
	log *logger.Logger,
) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Orchestrator{
		repo:     repo,
		market:   market,
		deciders: deciders,
		executor: exec,
		locks:    locks,
		clock:    clock,
		notifier: notifier,
		opts:     opts,
		logger:   log.Component("orchestrator"),
	}
}

// RunTradingCycle processes every active agent once against one shared
// market snapshot. Agents run concurrently and in isolation; the returned
// error is non-nil only when the ledger cannot be reached at all.
func (o *Orchestrator) RunTradingCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{ID: uuid.NewString(), StartedAt: time.Now()}
	log := o.logger.With("cycle", report.ID)

	agents, err := o.repo.ListActiveAgents(ctx)
	if err != nil {
		report.Error = fmt.Sprintf("list agents: %v", err)
		o.finish(ctx, report)
		return report, fmt.Errorf("list agents: %w", err)
	}
	log.Info("starting trading cycle", "agents", len(agents))

	snap, err := o.market.GetSnapshot(ctx, o.opts.Symbols)
	if err != nil {
		// agents still run: exits are priced from the ledger's last marks
		log.Error("market snapshot unavailable", "error", err)
		snap = marketdata.Snapshot{Quotes: map[string]marketdata.Quote{}, FetchedAt: time.Now()}
	}
	for _, q := range snap.Quotes {
		if q.Stale {
			report.StaleQuotes++
		}
	}
	open := o.marketOpen()

	results := make(chan *executor.AgentReport, len(agents))
	sem := make(chan struct{}, o.opts.Concurrency)
	var wg sync.WaitGroup
	for i := range agents {
		agent := agents[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- o.runAgent(ctx, report.ID, &agent, snap, open)
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		report.Agents = append(report.Agents, r)
	}
	sort.Slice(report.Agents, func(i, j int) bool { return report.Agents[i].AgentID < report.Agents[j].AgentID })

	o.finish(ctx, report)
	log.Info("trading cycle completed",
		"status", report.Status, "succeeded", report.Succeeded,
		"failed", report.Failed, "skipped", report.Skipped,
		"duration", report.FinishedAt.Sub(report.StartedAt).String())
	return report, nil
}

func (o *Orchestrator) marketOpen() map[storage.AssetClass]bool {
	open := make(map[storage.AssetClass]bool, 3)
	for _, class := range []storage.AssetClass{storage.AssetStock, storage.AssetETF, storage.AssetCrypto} {
		open[class] = o.clock.Open(class)
	}
	return open
}

func (o *Orchestrator) runAgent(ctx context.Context, cycleID string, agent *storage.Agent, snap marketdata.Snapshot, open map[storage.AssetClass]bool) (rep *executor.AgentReport) {
	log := o.logger.Agent(agent.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in agent cycle", "panic", fmt.Sprint(r))
			rep = &executor.AgentReport{
				AgentID:   agent.ID,
				AgentName: agent.Name,
				Action:    storage.ActionHold,
				Error:     fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	done, ok := o.locks.Begin(agent.ID)
	if !ok {
		log.Warn("agent already in flight, skipping")
		return &executor.AgentReport{AgentID: agent.ID, AgentName: agent.Name, Action: storage.ActionHold, Skipped: true}
	}
	defer done()

	positions, err := o.repo.GetPositions(ctx, agent.ID)
	if err != nil {
		return &executor.AgentReport{
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Action:    storage.ActionHold,
			Error:     fmt.Sprintf("load positions: %v", err),
		}
	}
	ledger.MarkToMarket(positions, snap.Prices())
	view := *agent
	view.AccountValue = ledger.AccountValue(agent.CashBalance, positions)

	dc := &ai.DecisionContext{
		AgentID:       agent.ID,
		AgentName:     agent.Name,
		CycleID:       cycleID,
		Cash:          agent.CashBalance,
		AccountValue:  view.AccountValue,
		StartingValue: agent.StartingValue,
		Positions:     positions,
		Snapshot:      snap,
		MarketOpen:    open,
		MaxPositions:  o.opts.MaxPositions,
		MaxTradeUSD:   o.opts.MaxTradeUSD,
		Budget:        ai.NewToolBudget(o.opts.ToolCallBudget),
		Now:           time.Now(),
	}

	decision, decErr := o.decide(ctx, agent, dc)
	if decErr != nil {
		log.Warn("decision failed, holding", "error", decErr)
	} else {
		log.Info("decision", "action", decision.Action, "symbol", decision.Symbol,
			"qty", decision.Quantity, "amount", decision.Amount,
			"confidence", decision.Confidence, "tool_calls", decision.ToolCalls)
	}

	return o.executor.Handle(ctx, executor.Request{
		Agent:         &view,
		CycleID:       cycleID,
		Decision:      decision,
		DecisionError: decErr,
		Snapshot:      snap,
		MarketOpen:    open,
	})
}

type decideResult struct {
	decision *ai.Decision
	err      error
}

// decide calls the agent's decision function under the decision timeout.
// Any failure, including a timeout or a panic, becomes an implicit HOLD.
func (o *Orchestrator) decide(ctx context.Context, agent *storage.Agent, dc *ai.DecisionContext) (*ai.Decision, error) {
	decider, err := o.deciders.For(agent.Model)
	if err != nil {
		return ai.Hold(fmt.Sprintf("decision error: %v", err)), err
	}

	if o.opts.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.DecisionTimeout)
		defer cancel()
	}

	ch := make(chan decideResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- decideResult{err: fmt.Errorf("decision panic: %v", r)}
			}
		}()
		d, err := decider.Decide(ctx, dc)
		ch <- decideResult{decision: d, err: err}
	}()

	var res decideResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = fmt.Errorf("decision timed out: %w", ctx.Err())
	}
	if res.err == nil && res.decision == nil {
		res.err = errors.New("decision function returned nothing")
	}
	if res.err != nil {
		return ai.Hold(fmt.Sprintf("decision error: %v", res.err)), res.err
	}
	if res.decision.ToolCalls == 0 {
		res.decision.ToolCalls = dc.Budget.Used()
	}
	return res.decision, nil
}

// finish closes the report, stores the cycle run and sends the summary.
func (o *Orchestrator) finish(ctx context.Context, report *CycleReport) {
	report.FinishedAt = time.Now()
	report.summarize()

	body, err := json.Marshal(report)
	if err != nil {
		o.logger.Error("encode cycle report", "error", err)
	}
	finished := report.FinishedAt
	run := &storage.CycleRun{
		ID:         report.ID,
		StartedAt:  report.StartedAt,
		FinishedAt: &finished,
		Status:     string(report.Status),
		Succeeded:  report.Succeeded,
		Failed:     report.Failed,
		ReportJSON: string(body),
	}
	if err := o.repo.SaveCycleRun(ctx, run); err != nil {
		o.logger.Error("save cycle run", "cycle", report.ID, "error", err)
	}
	if o.notifier != nil {
		o.notifier.NotifyCycle(report)
	}
}
