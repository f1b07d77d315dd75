package models

import "time"

type Token struct {
	TokenID      string     `json:"token_id"`
	TokenNumber  string     `json:"token_number"`
	LastFourCnic string     `json:"last_four_cnic"`
	IdentityBlob string     `json:"-"`
	QueueID      string     `json:"queue_id,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CounterID    *string    `json:"counter_id,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusCompleted = "completed"
)
