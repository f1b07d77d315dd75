package models

import "time"

type Counter struct {
	CounterID      string    `json:"counter_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	CurrentTokenID *string   `json:"current_token_id,omitempty"`
}

type Queue struct {
	QueueID     string    `json:"queue_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}
