package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nekoproxy/nekoproxy/internal/db"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// gormStatsRepository is the GORM implementation of StatsRepository.
type gormStatsRepository struct {
	db *gorm.DB
}

// NewStatsRepository returns a StatsRepository backed by the provided *gorm.DB.
func NewStatsRepository(db *gorm.DB) StatsRepository {
	return &gormStatsRepository{db: db}
}

// BulkInsert writes the batch inside a single transaction. Agents report up
// to 100 records per request; all-or-nothing semantics let them requeue the
// whole batch on failure without creating duplicates.
func (r *gormStatsRepository) BulkInsert(ctx context.Context, stats []db.ConnectionStat) error {
	if len(stats) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&stats).Error
	})
	if err != nil {
		return fmt.Errorf("stats: bulk insert: %w", err)
	}
	return nil
}

// Summary aggregates connection counts and byte totals since the given time.
func (r *gormStatsRepository) Summary(ctx context.Context, since time.Time) (*db.StatsAggregate, error) {
	var agg db.StatsAggregate

	err := r.db.WithContext(ctx).
		Model(&db.ConnectionStat{}).
		Where("timestamp >= ?", since).
		Select(
			"COUNT(*) AS total_connections, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS blocked_connections, "+
				"COALESCE(SUM(bytes_sent), 0) AS total_bytes_sent, "+
				"COALESCE(SUM(bytes_received), 0) AS total_bytes_received",
			types.ConnStatusBlocked,
		).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("stats: summary: %w", err)
	}
	return &agg, nil
}

// ListRecent returns the newest stats rows across all agents.
func (r *gormStatsRepository) ListRecent(ctx context.Context, limit int) ([]db.ConnectionStat, error) {
	var stats []db.ConnectionStat
	err := r.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("stats: list recent: %w", err)
	}
	return stats, nil
}

// ListByAgent returns the newest stats rows reported by one agent.
func (r *gormStatsRepository) ListByAgent(ctx context.Context, agentID uint, limit int) ([]db.ConnectionStat, error) {
	var stats []db.ConnectionStat
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("stats: list by agent: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan removes rows past the retention window.
func (r *gormStatsRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&db.ConnectionStat{})
	if result.Error != nil {
		return 0, fmt.Errorf("stats: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
