// Package dispatch holds the coordinator that advances tokens through the
// waiting -> called -> completed lifecycle. State checks and the paired
// token+counter writes are delegated to the store, which executes each
// transition atomically; the coordinator owns identity validation, number
// generation, and the post-commit side effects.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/identity"
	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"
	"github.com/Ali5Raza/queue-management-system/internal/tokennum"

	"github.com/google/uuid"
)

// Publisher fans a lifecycle event out to subscribers. Delivery is
// at-least-once and never blocks or fails a committed transition.
type Publisher interface {
	Publish(event string, payload any)
}

// Announcer voices a called token. Fire-and-forget: failures are logged by
// the implementation, never surfaced here.
type Announcer interface {
	Announce(text string)
}

type Dispatcher struct {
	tokens    store.TokenStore
	guard     *identity.Guard
	numbers   *tokennum.Generator
	publisher Publisher
	announcer Announcer
	queueID   string
	now       func() time.Time
}

type Options struct {
	// QueueID groups issued tokens; a single default queue in this design.
	QueueID string
	Now     func() time.Time
}

func New(tokens store.TokenStore, guard *identity.Guard, numbers *tokennum.Generator, publisher Publisher, announcer Announcer, options Options) *Dispatcher {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		tokens:    tokens,
		guard:     guard,
		numbers:   numbers,
		publisher: publisher,
		announcer: announcer,
		queueID:   options.QueueID,
		now:       now,
	}
}

// IssueToken validates and pseudonymizes the CNIC, generates a unique token
// number, and creates the token in waiting state.
func (d *Dispatcher) IssueToken(ctx context.Context, cnic string) (models.Token, error) {
	if !d.guard.Validate(cnic) {
		return models.Token{}, identity.ErrInvalidIdentity
	}
	blob, err := d.guard.Pseudonymize(cnic)
	if err != nil {
		return models.Token{}, err
	}

	number, err := d.numbers.Generate(ctx, d.tokens.NumberExists)
	if err != nil {
		return models.Token{}, err
	}

	token, err := d.tokens.CreateToken(ctx, store.CreateTokenInput{
		TokenID:      uuid.NewString(),
		TokenNumber:  number,
		IdentityBlob: blob,
		LastFourCnic: identity.LastFour(cnic),
		QueueID:      d.queueID,
		CreatedAt:    d.now().UTC(),
	})
	if err != nil {
		return models.Token{}, err
	}

	d.publisher.Publish(store.EventTokenCreated, store.CreatedEvent{
		TokenID:     token.TokenID,
		TokenNumber: token.TokenNumber,
		CreatedAt:   token.CreatedAt,
	})
	return token, nil
}

// CallNext assigns the oldest unassigned waiting token to the counter.
func (d *Dispatcher) CallNext(ctx context.Context, counterID string) (models.Token, error) {
	result, err := d.tokens.CallNextToken(ctx, store.CallInput{
		CounterID: counterID,
		CalledAt:  d.now().UTC(),
	})
	if err != nil {
		return models.Token{}, err
	}
	d.afterCall(result)
	return result.Token, nil
}

// CallToken assigns a specific waiting token to the counter.
func (d *Dispatcher) CallToken(ctx context.Context, tokenID, counterID string) (models.Token, error) {
	result, err := d.tokens.CallToken(ctx, store.CallInput{
		TokenID:   tokenID,
		CounterID: counterID,
		CalledAt:  d.now().UTC(),
	})
	if err != nil {
		return models.Token{}, err
	}
	d.afterCall(result)
	return result.Token, nil
}

// afterCall runs the side effects of a committed call transition. Neither
// the announcement nor the publish can undo the transition; the outbox row
// written inside the transaction re-delivers the event if this process dies
// first.
func (d *Dispatcher) afterCall(result store.CallResult) {
	token := result.Token
	d.announcer.Announce(fmt.Sprintf(
		"Token %s with CNIC ending in %s, please proceed to %s",
		token.TokenNumber, token.LastFourCnic, result.CounterName,
	))
	d.publisher.Publish(store.EventTokenCalled, store.CalledEvent{
		TokenID:      token.TokenID,
		TokenNumber:  token.TokenNumber,
		LastFourCnic: token.LastFourCnic,
		CounterName:  result.CounterName,
	})
}

// CompleteToken finishes a called token and releases its counter.
func (d *Dispatcher) CompleteToken(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := d.tokens.CompleteToken(ctx, store.CompleteInput{
		TokenID:     tokenID,
		CompletedAt: d.now().UTC(),
	})
	if err != nil {
		return models.Token{}, err
	}
	d.publisher.Publish(store.EventTokenCompleted, store.CompletedEvent{TokenID: token.TokenID})
	return token, nil
}

func (d *Dispatcher) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return d.tokens.GetToken(ctx, tokenID)
}

// Status is a pure read: waiting tokens oldest first, called tokens in
// arrival order, and active counters annotated with the number they serve.
func (d *Dispatcher) Status(ctx context.Context) (store.Snapshot, error) {
	return d.tokens.Snapshot(ctx)
}

// NopPublisher and NopAnnouncer satisfy the side-effect contracts when no
// transport is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(event string, payload any) {}

type LogAnnouncer struct{}

func (LogAnnouncer) Announce(text string) {
	log.Printf("announce: %s", text)
}
