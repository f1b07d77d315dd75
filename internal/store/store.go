package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/models"
)

type CreateTokenInput struct {
	TokenID      string
	TokenNumber  string
	IdentityBlob string
	LastFourCnic string
	QueueID      string
	CreatedAt    time.Time
}

// CallInput drives both call-next and call-specific. TokenID is empty for
// call-next, which claims the oldest unassigned waiting token instead.
type CallInput struct {
	TokenID   string
	CounterID string
	CalledAt  time.Time
}

type CompleteInput struct {
	TokenID     string
	CompletedAt time.Time
}

// CallResult carries the counter name alongside the updated token so the
// dispatcher can build the announcement and event payload without a second
// read.
type CallResult struct {
	Token       models.Token
	CounterName string
}

type CounterStatus struct {
	CounterID          string  `json:"counter_id"`
	Name               string  `json:"name"`
	CurrentTokenID     *string `json:"current_token_id,omitempty"`
	CurrentTokenNumber *string `json:"current_token_number,omitempty"`
}

type Snapshot struct {
	WaitingTokens []models.Token  `json:"waiting_tokens"`
	CalledTokens  []models.Token  `json:"called_tokens"`
	Counters      []CounterStatus `json:"counters"`
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutboxOffset keys the relay position on (created_at, event_id). Keying on
// the timestamp alone can skip a second event sharing it when a batch
// boundary falls between the two.
type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}

// Event payloads written to the outbox and published to subscribers. The
// outbox row carries the same shape as the direct publish, so a redelivered
// event is indistinguishable from the original.
type CreatedEvent struct {
	TokenID     string    `json:"token_id"`
	TokenNumber string    `json:"token_number"`
	CreatedAt   time.Time `json:"created_at"`
}

type CalledEvent struct {
	TokenID      string `json:"token_id"`
	TokenNumber  string `json:"token_number"`
	LastFourCnic string `json:"last_four_cnic"`
	CounterName  string `json:"counter_name"`
}

type CompletedEvent struct {
	TokenID string `json:"token_id"`
}

// TokenFilter narrows admin token listings. Zero-valued fields apply no
// constraint; Limit defaults to 50 and pages via Offset.
type TokenFilter struct {
	From   time.Time
	To     time.Time
	Status string
	Limit  int
	Offset int
}

type DashboardStats struct {
	TotalTokens        int     `json:"total_tokens"`
	WaitingTokens      int     `json:"waiting_tokens"`
	CalledTokens       int     `json:"called_tokens"`
	CompletedTokens    int     `json:"completed_tokens"`
	ActiveCounters     int     `json:"active_counters"`
	AverageWaitSeconds float64 `json:"average_wait_seconds"`
	TokensToday        int     `json:"tokens_today"`
}

// TokenStore is the durable record of tokens and their lifecycle state.
// CallToken, CallNextToken, and CompleteToken each execute the paired
// token+counter update as a single atomic unit: two racing callers against
// the same token or counter resolve to exactly one winner.
type TokenStore interface {
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	NumberExists(ctx context.Context, number string) (bool, error)
	CallNextToken(ctx context.Context, input CallInput) (CallResult, error)
	CallToken(ctx context.Context, input CallInput) (CallResult, error)
	CompleteToken(ctx context.Context, input CompleteInput) (models.Token, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	ListOutboxEvents(ctx context.Context, after OutboxOffset, limit int) ([]OutboxEvent, error)
}

// ReportStore serves the admin read surface: raw token listings and
// aggregate dashboard counts. Reads only, no state-machine coupling.
type ReportStore interface {
	ListTokens(ctx context.Context, filter TokenFilter) ([]models.Token, error)
	DashboardStats(ctx context.Context) (DashboardStats, error)
}

// CounterStore holds the registry of service counters. current_token_id is
// only ever written by the TokenStore call/complete transactions; the
// operations here are administrative.
type CounterStore interface {
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	DeactivateCounter(ctx context.Context, counterID string) error
}

type QueueStore interface {
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	ListQueues(ctx context.Context) ([]models.Queue, error)
	CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error)
	UpdateQueue(ctx context.Context, queue models.Queue) (models.Queue, error)
	DeactivateQueue(ctx context.Context, queueID string) error
}

const (
	EventTokenCreated   = "token.created"
	EventTokenCalled    = "token.called"
	EventTokenCompleted = "token.completed"
)
