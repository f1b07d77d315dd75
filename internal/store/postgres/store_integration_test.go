package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	_ = admin.Close(ctx)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	config.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	st := NewStore(pool, Options{})
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		t.Fatalf("ensure schema: %v", err)
	}

	t.Cleanup(func() {
		pool.Close()
		cleanupCtx := context.Background()
		conn, err := pgx.Connect(cleanupCtx, dsn)
		if err != nil {
			return
		}
		_, _ = conn.Exec(cleanupCtx, fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		_ = conn.Close(cleanupCtx)
	})
	return st
}

func createTestToken(t *testing.T, ctx context.Context, st *Store, number, blob string, createdAt time.Time) models.Token {
	t.Helper()
	token, err := st.CreateToken(ctx, store.CreateTokenInput{
		TokenID:      uuid.NewString(),
		TokenNumber:  number,
		IdentityBlob: blob,
		LastFourCnic: "0123",
		CreatedAt:    createdAt,
	})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return token
}

func createTestCounter(t *testing.T, ctx context.Context, st *Store, name string) models.Counter {
	t.Helper()
	counter, err := st.CreateCounter(ctx, models.Counter{Name: name, Active: true})
	if err != nil {
		t.Fatalf("CreateCounter: %v", err)
	}
	return counter
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	created := createTestToken(t, ctx, st, "TKN20260314100001", "blob-a", time.Now().UTC())
	counter := createTestCounter(t, ctx, st, "Counter 1")

	result, err := st.CallNextToken(ctx, store.CallInput{CounterID: counter.CounterID})
	if err != nil {
		t.Fatalf("CallNextToken: %v", err)
	}
	if result.Token.TokenID != created.TokenID || result.Token.Status != models.StatusCalled {
		t.Fatalf("unexpected call result: %+v", result.Token)
	}
	if result.CounterName != "Counter 1" {
		t.Fatalf("counter name=%q", result.CounterName)
	}

	got, err := st.GetCounter(ctx, counter.CounterID)
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if got.CurrentTokenID == nil || *got.CurrentTokenID != created.TokenID {
		t.Fatal("counter must point at the called token")
	}

	completed, err := st.CompleteToken(ctx, store.CompleteInput{TokenID: created.TokenID})
	if err != nil {
		t.Fatalf("CompleteToken: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected completion: %+v", completed)
	}
	if completed.CounterID == nil || *completed.CounterID != counter.CounterID {
		t.Fatal("assignment history must survive completion")
	}

	got, err = st.GetCounter(ctx, counter.CounterID)
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if got.CurrentTokenID != nil {
		t.Fatal("completion must release the counter")
	}
}

func TestDuplicateWaitingIdentityRejected(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	createTestToken(t, ctx, st, "TKN20260314100002", "blob-dup", time.Now().UTC())

	_, err := st.CreateToken(ctx, store.CreateTokenInput{
		TokenID:      uuid.NewString(),
		TokenNumber:  "TKN20260314100003",
		IdentityBlob: "blob-dup",
		LastFourCnic: "0123",
	})
	if !errors.Is(err, store.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestConcurrentCallNext(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	createTestToken(t, ctx, st, "TKN20260314100004", "blob-a", time.Now().UTC())
	counterA := createTestCounter(t, ctx, st, "Counter A")
	counterB := createTestCounter(t, ctx, st, "Counter B")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, counterID := range []string{counterA.CounterID, counterB.CounterID} {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			_, err := st.CallNextToken(ctx, store.CallInput{CounterID: id})
			results[slot] = err
		}(i, counterID)
	}
	wg.Wait()

	successes, empties := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrNoTokenWaiting):
			empties++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || empties != 1 {
		t.Fatalf("want one winner and one empty queue, got %d/%d", successes, empties)
	}
}

func TestCallRejectsBusyCounter(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	first := createTestToken(t, ctx, st, "TKN20260314100005", "blob-a", time.Now().UTC())
	second := createTestToken(t, ctx, st, "TKN20260314100006", "blob-b", time.Now().UTC())
	counter := createTestCounter(t, ctx, st, "Counter 1")

	if _, err := st.CallToken(ctx, store.CallInput{TokenID: first.TokenID, CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}

	_, err := st.CallToken(ctx, store.CallInput{TokenID: second.TokenID, CounterID: counter.CounterID})
	if !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected ErrCounterBusy, got %v", err)
	}

	unchanged, err := st.GetToken(ctx, second.TokenID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if unchanged.Status != models.StatusWaiting || unchanged.CounterID != nil {
		t.Fatal("rejected call must leave the second token waiting")
	}
}

func TestOutboxRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	token := createTestToken(t, ctx, st, "TKN20260314100007", "blob-a", time.Now().UTC())
	counter := createTestCounter(t, ctx, st, "Counter 1")

	if _, err := st.CallToken(ctx, store.CallInput{TokenID: token.TokenID, CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}
	if _, err := st.CompleteToken(ctx, store.CompleteInput{TokenID: token.TokenID}); err != nil {
		t.Fatalf("CompleteToken: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, store.OutboxOffset{}, 10)
	if err != nil {
		t.Fatalf("ListOutboxEvents: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{store.EventTokenCreated, store.EventTokenCalled, store.EventTokenCompleted}
	if len(types) != len(want) {
		t.Fatalf("event types=%v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types=%v, want %v", types, want)
		}
	}

	// The staged token.called payload is the published event shape.
	var called store.CalledEvent
	if err := json.Unmarshal(events[1].Payload, &called); err != nil {
		t.Fatalf("unmarshal called payload: %v", err)
	}
	if called.TokenID != token.TokenID || called.TokenNumber != token.TokenNumber || called.CounterName != "Counter 1" {
		t.Fatalf("called=%+v", called)
	}

	// Resuming from the first event's offset redelivers the rest, even if a
	// batch boundary had split a shared timestamp.
	rest, err := st.ListOutboxEvents(ctx, store.OutboxOffset{
		LastEventTime: events[0].CreatedAt,
		LastEventID:   events[0].EventID,
	}, 10)
	if err != nil {
		t.Fatalf("ListOutboxEvents: %v", err)
	}
	if len(rest) != 2 || rest[0].EventID != events[1].EventID {
		t.Fatalf("rest=%d, want the two later events", len(rest))
	}
}
