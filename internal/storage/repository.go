package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

// Repository is the ledger store. A Repository obtained inside Transaction
// is bound to that transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Transaction runs fn in a single database transaction. Any error returned by
// fn rolls back every write made through the tx repository.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Agents

func (r *Repository) CreateAgent(ctx context.Context, agent *Agent) error {
	return r.db.WithContext(ctx).Create(agent).Error
}

// SeedAgent creates the agent if it does not exist yet. Existing agents keep
// their ledger; only presentation fields are refreshed.
func (r *Repository) SeedAgent(ctx context.Context, agent *Agent) (created bool, err error) {
	var existing Agent
	err = r.db.WithContext(ctx).Where("id = ?", agent.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, r.db.WithContext(ctx).Create(agent).Error
	}
	if err != nil {
		return false, err
	}
	return false, r.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
		"name":  agent.Name,
		"model": agent.Model,
		"color": agent.Color,
	}).Error
}

func (r *Repository) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&agent).Error; err != nil {
		return nil, notFound(err)
	}
	return &agent, nil
}

func (r *Repository) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	err := r.db.WithContext(ctx).Order("id").Find(&agents).Error
	return agents, err
}

func (r *Repository) ListActiveAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&agents).Error
	return agents, err
}

func (r *Repository) ListLiveAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	err := r.db.WithContext(ctx).
		Where("active = ? AND broker <> ?", true, BrokerSimulation).
		Order("id").Find(&agents).Error
	return agents, err
}

func (r *Repository) SaveAgent(ctx context.Context, agent *Agent) error {
	return r.db.WithContext(ctx).Save(agent).Error
}

// DeleteAgent removes the agent together with everything it owns.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	return r.Transaction(ctx, func(tx *Repository) error {
		if err := tx.deleteDependents(ctx, id); err != nil {
			return err
		}
		res := tx.db.WithContext(ctx).Where("id = ?", id).Delete(&Agent{})
		if res.Error != nil {
			return fmt.Errorf("delete agent: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ResetAgent wipes the agent's history and restores its starting cash.
func (r *Repository) ResetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent *Agent
	err := r.Transaction(ctx, func(tx *Repository) error {
		a, err := tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.deleteDependents(ctx, id); err != nil {
			return err
		}
		a.CashBalance = a.StartingValue
		a.AccountValue = a.StartingValue
		a.LastSyncAt = nil
		if err := tx.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("save agent: %w", err)
		}
		agent = a
		return nil
	})
	return agent, err
}

func (r *Repository) deleteDependents(ctx context.Context, agentID string) error {
	for _, model := range []any{&Position{}, &Trade{}, &Decision{}, &PerformancePoint{}} {
		if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(model).Error; err != nil {
			return fmt.Errorf("delete %T: %w", model, err)
		}
	}
	return nil
}

// Positions

func (r *Repository) GetPositions(ctx context.Context, agentID string) ([]Position, error) {
	var positions []Position
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("symbol").Find(&positions).Error
	return positions, err
}

func (r *Repository) SavePosition(ctx context.Context, pos *Position) error {
	return r.db.WithContext(ctx).Save(pos).Error
}

func (r *Repository) DeletePosition(ctx context.Context, agentID, symbol string) error {
	return r.db.WithContext(ctx).Where("agent_id = ? AND symbol = ?", agentID, symbol).Delete(&Position{}).Error
}

// ReplacePositions swaps the agent's whole position set. Callers that need
// atomicity with other writes run it inside Transaction.
func (r *Repository) ReplacePositions(ctx context.Context, agentID string, positions []Position) error {
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&Position{}).Error; err != nil {
		return fmt.Errorf("delete positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}
	rows := make([]Position, len(positions))
	for i, p := range positions {
		p.ID = 0
		p.AgentID = agentID
		rows[i] = p
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert positions: %w", err)
	}
	return nil
}

// Trades

func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	return r.db.WithContext(ctx).Create(trade).Error
}

func (r *Repository) GetTrades(ctx context.Context, agentID string, limit int) ([]Trade, error) {
	var trades []Trade
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).
		Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

func (r *Repository) CountTrades(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Trade{}).Where("agent_id = ?", agentID).Count(&n).Error
	return n, err
}

// RealizedPnL sums booked P&L for the agent since the given time. A zero
// time means all history.
func (r *Repository) RealizedPnL(ctx context.Context, agentID string, since time.Time) (float64, error) {
	var total float64
	q := r.db.WithContext(ctx).Model(&Trade{}).Where("agent_id = ? AND realized_pnl IS NOT NULL", agentID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	err := q.Select("COALESCE(SUM(realized_pnl), 0)").Scan(&total).Error
	return total, err
}

// Decisions

func (r *Repository) CreateDecision(ctx context.Context, d *Decision) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repository) GetDecisions(ctx context.Context, agentID string, limit int) ([]Decision, error) {
	var decisions []Decision
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).
		Order("created_at DESC").Limit(limit).Find(&decisions).Error
	return decisions, err
}

// Performance

func (r *Repository) CreatePerformancePoint(ctx context.Context, p *PerformancePoint) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// GetPerformance returns points in chronological order.
func (r *Repository) GetPerformance(ctx context.Context, agentID string, since time.Time) ([]PerformancePoint, error) {
	var points []PerformancePoint
	q := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	err := q.Order("created_at ASC, id ASC").Find(&points).Error
	return points, err
}

// Cycle runs

func (r *Repository) SaveCycleRun(ctx context.Context, run *CycleRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *Repository) GetRecentCycleRuns(ctx context.Context, limit int) ([]CycleRun, error) {
	var runs []CycleRun
	err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
