package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"
)

const defaultReportPageSize = 50

// ListTokens is the admin history read: every token regardless of status,
// newest first, optionally narrowed by creation window and status.
func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	query := `
		SELECT token_id, token_number, last_four_cnic, queue_id, status, created_at, called_at, completed_at, counter_id
		FROM tokens`
	var conds []string
	var args []any
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultReportPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf("\n\t\tORDER BY created_at DESC, token_id DESC\n\t\tLIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return withRetry(ctx, s.maxTries, func() ([]models.Token, error) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var tokens []models.Token
		for rows.Next() {
			token, err := scanToken(rows)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return tokens, nil
	})
}

// DashboardStats aggregates the dashboard counters in one round trip.
// Average wait is called_at minus created_at over tokens that were called.
func (s *Store) DashboardStats(ctx context.Context) (store.DashboardStats, error) {
	return withRetry(ctx, s.maxTries, func() (store.DashboardStats, error) {
		var stats store.DashboardStats
		row := s.pool.QueryRow(ctx, `
			SELECT
				count(*),
				count(*) FILTER (WHERE status = 'waiting'),
				count(*) FILTER (WHERE status = 'called'),
				count(*) FILTER (WHERE status = 'completed'),
				(SELECT count(*) FROM counters WHERE active),
				COALESCE(avg(EXTRACT(EPOCH FROM (called_at - created_at))) FILTER (WHERE called_at IS NOT NULL), 0),
				count(*) FILTER (WHERE created_at >= date_trunc('day', now()))
			FROM tokens
		`)
		err := row.Scan(
			&stats.TotalTokens,
			&stats.WaitingTokens,
			&stats.CalledTokens,
			&stats.CompletedTokens,
			&stats.ActiveCounters,
			&stats.AverageWaitSeconds,
			&stats.TokensToday,
		)
		if err != nil {
			return store.DashboardStats{}, err
		}
		return stats, nil
	})
}
