package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation  = "23505"
	defaultMaxTries  = 3
	defaultListLimit = 100
	zeroUUID         = "00000000-0000-0000-0000-000000000000"
)

type Store struct {
	pool     *pgxpool.Pool
	maxTries uint
}

type Options struct {
	// MaxTries bounds the retry loop around transient connection failures.
	MaxTries uint
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	tries := options.MaxTries
	if tries == 0 {
		tries = defaultMaxTries
	}
	return &Store{pool: pool, maxTries: tries}
}

const schema = `
CREATE TABLE IF NOT EXISTS queues (
	queue_id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS counters (
	counter_id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	current_token_id UUID
);

CREATE TABLE IF NOT EXISTS tokens (
	token_id UUID PRIMARY KEY,
	token_number TEXT NOT NULL,
	identity_blob TEXT NOT NULL,
	last_four_cnic TEXT NOT NULL,
	queue_id UUID,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	called_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	counter_id UUID
);

CREATE UNIQUE INDEX IF NOT EXISTS tokens_number_idx ON tokens (token_number);
CREATE UNIQUE INDEX IF NOT EXISTS tokens_waiting_identity_idx ON tokens (identity_blob) WHERE status = 'waiting';
CREATE INDEX IF NOT EXISTS tokens_waiting_fifo_idx ON tokens (created_at, token_id) WHERE status = 'waiting';

CREATE TABLE IF NOT EXISTS outbox_events (
	event_id UUID PRIMARY KEY,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS outbox_events_created_idx ON outbox_events (created_at, event_id);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	return withRetry(ctx, s.maxTries, func() (models.Token, error) {
		return s.createToken(ctx, input)
	})
}

func (s *Store) createToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var existingID string
	row := tx.QueryRow(ctx, `
		SELECT token_id FROM tokens
		WHERE identity_blob = $1 AND status = $2
		LIMIT 1
	`, input.IdentityBlob, models.StatusWaiting)
	if err = row.Scan(&existingID); err == nil {
		return models.Token{}, store.ErrDuplicateIdentity
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, err
	}
	err = nil

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tokenID := input.TokenID
	if tokenID == "" {
		tokenID = uuid.NewString()
	}

	var token models.Token
	row = tx.QueryRow(ctx, `
		INSERT INTO tokens (token_id, token_number, identity_blob, last_four_cnic, queue_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING token_id, token_number, last_four_cnic, status, created_at
	`, tokenID, input.TokenNumber, input.IdentityBlob, input.LastFourCnic, nullIfEmpty(input.QueueID), models.StatusWaiting, createdAt)
	if err = row.Scan(&token.TokenID, &token.TokenNumber, &token.LastFourCnic, &token.Status, &token.CreatedAt); err != nil {
		return models.Token{}, classifyInsertConflict(err)
	}
	token.IdentityBlob = input.IdentityBlob
	token.QueueID = input.QueueID

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCreated, store.CreatedEvent{
		TokenID:     token.TokenID,
		TokenNumber: token.TokenNumber,
		CreatedAt:   token.CreatedAt,
	}); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

// classifyInsertConflict maps a unique violation to the matching domain
// error. The partial index on waiting identity blobs closes the
// check-then-insert race; the number index backstops the generator.
func classifyInsertConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "tokens_waiting_identity_idx" {
			return store.ErrDuplicateIdentity
		}
		return store.ErrDuplicateNumber
	}
	return err
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return withRetry(ctx, s.maxTries, func() (models.Token, error) {
		row := s.pool.QueryRow(ctx, `
			SELECT token_id, token_number, last_four_cnic, queue_id, status, created_at, called_at, completed_at, counter_id
			FROM tokens
			WHERE token_id = $1
		`, tokenID)
		return scanToken(row)
	})
}

func (s *Store) NumberExists(ctx context.Context, number string) (bool, error) {
	return withRetry(ctx, s.maxTries, func() (bool, error) {
		var exists bool
		row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE token_number = $1)`, number)
		if err := row.Scan(&exists); err != nil {
			return false, err
		}
		return exists, nil
	})
}

func (s *Store) CallNextToken(ctx context.Context, input store.CallInput) (store.CallResult, error) {
	return withRetry(ctx, s.maxTries, func() (store.CallResult, error) {
		return s.call(ctx, input, false)
	})
}

func (s *Store) CallToken(ctx context.Context, input store.CallInput) (store.CallResult, error) {
	return withRetry(ctx, s.maxTries, func() (store.CallResult, error) {
		return s.call(ctx, input, true)
	})
}

// call runs the whole waiting->called transition as one transaction: lock
// and admit the counter, claim the token row, point the counter at it, and
// stage the outbox event. Either every write commits or none does.
func (s *Store) call(ctx context.Context, input store.CallInput, specific bool) (store.CallResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counterName, err := lockFreeCounter(ctx, tx, input.CounterID)
	if err != nil {
		return store.CallResult{}, err
	}

	tokenID := input.TokenID
	if !specific {
		tokenID, err = claimOldestWaiting(ctx, tx)
		if err != nil {
			return store.CallResult{}, err
		}
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	var token models.Token
	row := tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = $1, called_at = $2, counter_id = $3
		WHERE token_id = $4 AND status = $5
		RETURNING token_id, token_number, last_four_cnic, queue_id, status, created_at, called_at, completed_at, counter_id
	`, models.StatusCalled, calledAt, input.CounterID, tokenID, models.StatusWaiting)
	token, err = scanToken(row)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			err = classifyClaimFailure(ctx, tx, tokenID)
		}
		return store.CallResult{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE counters SET current_token_id = $1 WHERE counter_id = $2
	`, token.TokenID, input.CounterID); err != nil {
		return store.CallResult{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCalled, store.CalledEvent{
		TokenID:      token.TokenID,
		TokenNumber:  token.TokenNumber,
		LastFourCnic: token.LastFourCnic,
		CounterName:  counterName,
	}); err != nil {
		return store.CallResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.CallResult{}, err
	}
	return store.CallResult{Token: token, CounterName: counterName}, nil
}

// lockFreeCounter row-locks the counter for the rest of the transaction and
// admits it for assignment: it must exist, be active, and hold no token.
func lockFreeCounter(ctx context.Context, tx pgx.Tx, counterID string) (string, error) {
	var name string
	var active bool
	var currentTokenID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT name, active, current_token_id
		FROM counters
		WHERE counter_id = $1
		FOR UPDATE
	`, counterID)
	if err := row.Scan(&name, &active, &currentTokenID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrCounterNotFound
		}
		return "", err
	}
	if !active {
		return "", store.ErrCounterInactive
	}
	if currentTokenID.Valid {
		return "", store.ErrCounterBusy
	}
	return name, nil
}

// claimOldestWaiting selects the FIFO head among unassigned waiting tokens.
// SKIP LOCKED makes two concurrent call-next transactions claim disjoint
// rows; with one eligible token, the loser sees an empty queue.
func claimOldestWaiting(ctx context.Context, tx pgx.Tx) (string, error) {
	var tokenID string
	row := tx.QueryRow(ctx, `
		SELECT token_id
		FROM tokens
		WHERE status = $1 AND counter_id IS NULL
		ORDER BY created_at ASC, token_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, models.StatusWaiting)
	if err := row.Scan(&tokenID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNoTokenWaiting
		}
		return "", err
	}
	return tokenID, nil
}

func classifyClaimFailure(ctx context.Context, tx pgx.Tx, tokenID string) error {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tokens WHERE token_id = $1`, tokenID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTokenNotFound
		}
		return err
	}
	return store.ErrInvalidState
}

func (s *Store) CompleteToken(ctx context.Context, input store.CompleteInput) (models.Token, error) {
	return withRetry(ctx, s.maxTries, func() (models.Token, error) {
		return s.complete(ctx, input)
	})
}

func (s *Store) complete(ctx context.Context, input store.CompleteInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	completedAt := input.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	var token models.Token
	row := tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = $1, completed_at = $2
		WHERE token_id = $3 AND status = $4
		RETURNING token_id, token_number, last_four_cnic, queue_id, status, created_at, called_at, completed_at, counter_id
	`, models.StatusCompleted, completedAt, input.TokenID, models.StatusCalled)
	token, err = scanToken(row)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			err = classifyClaimFailure(ctx, tx, input.TokenID)
		}
		return models.Token{}, err
	}

	// counter_id is kept on the token as assignment history; only the
	// counter's pointer is released, and only if it still points here.
	if token.CounterID != nil {
		if _, err = tx.Exec(ctx, `
			UPDATE counters SET current_token_id = NULL
			WHERE counter_id = $1 AND current_token_id = $2
		`, *token.CounterID, token.TokenID); err != nil {
			return models.Token{}, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCompleted, store.CompletedEvent{TokenID: token.TokenID}); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	return withRetry(ctx, s.maxTries, func() (store.Snapshot, error) {
		return s.snapshot(ctx)
	})
}

func (s *Store) snapshot(ctx context.Context) (store.Snapshot, error) {
	var snapshot store.Snapshot

	waiting, err := s.listByStatus(ctx, models.StatusWaiting)
	if err != nil {
		return store.Snapshot{}, err
	}
	snapshot.WaitingTokens = waiting

	called, err := s.listByStatus(ctx, models.StatusCalled)
	if err != nil {
		return store.Snapshot{}, err
	}
	snapshot.CalledTokens = called

	rows, err := s.pool.Query(ctx, `
		SELECT c.counter_id, c.name, c.current_token_id, t.token_number
		FROM counters c
		LEFT JOIN tokens t ON t.token_id = c.current_token_id
		WHERE c.active
		ORDER BY c.created_at ASC, c.counter_id ASC
	`)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status store.CounterStatus
		var currentTokenID sql.NullString
		var tokenNumber sql.NullString
		if err := rows.Scan(&status.CounterID, &status.Name, &currentTokenID, &tokenNumber); err != nil {
			return store.Snapshot{}, err
		}
		status.CurrentTokenID = nullStringPtr(currentTokenID)
		status.CurrentTokenNumber = nullStringPtr(tokenNumber)
		snapshot.Counters = append(snapshot.Counters, status)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, err
	}
	return snapshot, nil
}

func (s *Store) listByStatus(ctx context.Context, status string) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_number, last_four_cnic, queue_id, status, created_at, called_at, completed_at, counter_id
		FROM tokens
		WHERE status = $1
		ORDER BY created_at ASC, token_id ASC
	`, status)
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
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	lastID := after.LastEventID
	if lastID == "" {
		lastID = zeroUUID
	}
	return withRetry(ctx, s.maxTries, func() ([]store.OutboxEvent, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT event_id, type, payload, created_at
			FROM outbox_events
			WHERE (created_at, event_id) > ($1, $2::uuid)
			ORDER BY created_at ASC, event_id ASC
			LIMIT $3
		`, after.LastEventTime, lastID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var events []store.OutboxEvent
		for rows.Next() {
			var event store.OutboxEvent
			if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
				return nil, err
			}
			events = append(events, event)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return events, nil
	})
}

// insertOutboxEvent stages the event inside the transition's transaction.
// The payload is the published event shape, not the raw token row, so a
// relay redelivery carries the same fields as the direct publish.
func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, raw, time.Now().UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (models.Token, error) {
	var token models.Token
	var queueIDNull sql.NullString
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var counterIDNull sql.NullString
	err := row.Scan(&token.TokenID, &token.TokenNumber, &token.LastFourCnic, &queueIDNull, &token.Status, &token.CreatedAt, &calledAtNull, &completedAtNull, &counterIDNull)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	if queueIDNull.Valid {
		token.QueueID = queueIDNull.String
	}
	token.CalledAt = nullTimePtr(calledAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	token.CounterID = nullStringPtr(counterIDNull)
	return token, nil
}

// withRetry bounds retries of transient connection failures. Only errors
// pgx marks safe to retry are attempted again; everything else surfaces
// immediately. Exhausted retries surface as ErrUnavailable.
func withRetry[T any](ctx context.Context, maxTries uint, fn func() (T, error)) (T, error) {
	value, err := backoff.Retry(ctx, func() (T, error) {
		value, err := fn()
		if err != nil && !pgconn.SafeToRetry(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxTries))
	if err != nil && pgconn.SafeToRetry(err) {
		return value, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return value, err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
