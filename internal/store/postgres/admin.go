package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	return withRetry(ctx, s.maxTries, func() (models.Counter, error) {
		row := s.pool.QueryRow(ctx, `
			SELECT counter_id, name, description, active, created_at, current_token_id
			FROM counters
			WHERE counter_id = $1
		`, counterID)
		return scanCounter(row)
	})
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return withRetry(ctx, s.maxTries, func() ([]models.Counter, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT counter_id, name, description, active, created_at, current_token_id
			FROM counters
			ORDER BY created_at ASC, counter_id ASC
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var counters []models.Counter
		for rows.Next() {
			counter, err := scanCounter(rows)
			if err != nil {
				return nil, err
			}
			counters = append(counters, counter)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return counters, nil
	})
}

func (s *Store) CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	if counter.CounterID == "" {
		counter.CounterID = uuid.NewString()
	}
	if counter.CreatedAt.IsZero() {
		counter.CreatedAt = time.Now().UTC()
	}
	return withRetry(ctx, s.maxTries, func() (models.Counter, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO counters (counter_id, name, description, active, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, counter.CounterID, counter.Name, counter.Description, counter.Active, counter.CreatedAt)
		if err != nil {
			return models.Counter{}, err
		}
		return counter, nil
	})
}

func (s *Store) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	return withRetry(ctx, s.maxTries, func() (models.Counter, error) {
		row := s.pool.QueryRow(ctx, `
			UPDATE counters
			SET name = $1, description = $2, active = $3
			WHERE counter_id = $4
			RETURNING counter_id, name, description, active, created_at, current_token_id
		`, counter.Name, counter.Description, counter.Active, counter.CounterID)
		updated, err := scanCounter(row)
		if err != nil {
			return models.Counter{}, err
		}
		return updated, nil
	})
}

// DeactivateCounter soft-deletes: the row stays for assignment history.
func (s *Store) DeactivateCounter(ctx context.Context, counterID string) error {
	_, err := withRetry(ctx, s.maxTries, func() (struct{}, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE counters SET active = FALSE WHERE counter_id = $1
		`, counterID)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, store.ErrCounterNotFound
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return withRetry(ctx, s.maxTries, func() (models.Queue, error) {
		row := s.pool.QueryRow(ctx, `
			SELECT queue_id, name, description, active, created_at
			FROM queues
			WHERE queue_id = $1
		`, queueID)
		return scanQueue(row)
	})
}

func (s *Store) ListQueues(ctx context.Context) ([]models.Queue, error) {
	return withRetry(ctx, s.maxTries, func() ([]models.Queue, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT queue_id, name, description, active, created_at
			FROM queues
			ORDER BY created_at ASC, queue_id ASC
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var queues []models.Queue
		for rows.Next() {
			queue, err := scanQueue(rows)
			if err != nil {
				return nil, err
			}
			queues = append(queues, queue)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return queues, nil
	})
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	if queue.QueueID == "" {
		queue.QueueID = uuid.NewString()
	}
	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = time.Now().UTC()
	}
	return withRetry(ctx, s.maxTries, func() (models.Queue, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO queues (queue_id, name, description, active, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, queue.QueueID, queue.Name, queue.Description, queue.Active, queue.CreatedAt)
		if err != nil {
			return models.Queue{}, err
		}
		return queue, nil
	})
}

func (s *Store) UpdateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	return withRetry(ctx, s.maxTries, func() (models.Queue, error) {
		row := s.pool.QueryRow(ctx, `
			UPDATE queues
			SET name = $1, description = $2, active = $3
			WHERE queue_id = $4
			RETURNING queue_id, name, description, active, created_at
		`, queue.Name, queue.Description, queue.Active, queue.QueueID)
		updated, err := scanQueue(row)
		if err != nil {
			return models.Queue{}, err
		}
		return updated, nil
	})
}

func (s *Store) DeactivateQueue(ctx context.Context, queueID string) error {
	_, err := withRetry(ctx, s.maxTries, func() (struct{}, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE queues SET active = FALSE WHERE queue_id = $1
		`, queueID)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, store.ErrQueueNotFound
		}
		return struct{}{}, nil
	})
	return err
}

func scanCounter(row rowScanner) (models.Counter, error) {
	var counter models.Counter
	var currentTokenID *string
	err := row.Scan(&counter.CounterID, &counter.Name, &counter.Description, &counter.Active, &counter.CreatedAt, &currentTokenID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	counter.CurrentTokenID = currentTokenID
	return counter, nil
}

func scanQueue(row rowScanner) (models.Queue, error) {
	var queue models.Queue
	err := row.Scan(&queue.QueueID, &queue.Name, &queue.Description, &queue.Active, &queue.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}
