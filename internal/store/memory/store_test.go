package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"

	"github.com/google/uuid"
)

func seedToken(t *testing.T, s *Store, number, blob string, createdAt time.Time) models.Token {
	t.Helper()
	token, err := s.CreateToken(context.Background(), store.CreateTokenInput{
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

func seedCounter(t *testing.T, s *Store, name string, active bool) models.Counter {
	t.Helper()
	counter, err := s.CreateCounter(context.Background(), models.Counter{
		Name:   name,
		Active: active,
	})
	if err != nil {
		t.Fatalf("CreateCounter: %v", err)
	}
	return counter
}

func TestCreateTokenRejectsDuplicateWaitingIdentity(t *testing.T) {
	s := NewStore()
	seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())

	_, err := s.CreateToken(context.Background(), store.CreateTokenInput{
		TokenID:      uuid.NewString(),
		TokenNumber:  "TKN2",
		IdentityBlob: "blob-a",
	})
	if !errors.Is(err, store.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestCreateTokenRejectsDuplicateNumber(t *testing.T) {
	s := NewStore()
	seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())

	_, err := s.CreateToken(context.Background(), store.CreateTokenInput{
		TokenID:      uuid.NewString(),
		TokenNumber:  "TKN1",
		IdentityBlob: "blob-b",
	})
	if !errors.Is(err, store.ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
}

func TestCallNextClaimsOldestWaiting(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	first := seedToken(t, s, "TKN1", "blob-a", base)
	seedToken(t, s, "TKN2", "blob-b", base.Add(time.Minute))
	counter := seedCounter(t, s, "Counter 1", true)

	result, err := s.CallNextToken(context.Background(), store.CallInput{CounterID: counter.CounterID})
	if err != nil {
		t.Fatalf("CallNextToken: %v", err)
	}
	if result.Token.TokenID != first.TokenID {
		t.Fatalf("expected oldest token %s, got %s", first.TokenID, result.Token.TokenID)
	}
	if result.Token.Status != models.StatusCalled {
		t.Fatalf("status=%s, want called", result.Token.Status)
	}
	if result.Token.CalledAt == nil || result.Token.CounterID == nil {
		t.Fatal("called_at and counter_id must be set on call")
	}
	if result.CounterName != "Counter 1" {
		t.Fatalf("counter name=%q", result.CounterName)
	}
}

func TestCallNextBreaksCreatedAtTiesByInsertionOrder(t *testing.T) {
	s := NewStore()
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	first := seedToken(t, s, "TKN1", "blob-a", at)
	seedToken(t, s, "TKN2", "blob-b", at)
	counter := seedCounter(t, s, "Counter 1", true)

	result, err := s.CallNextToken(context.Background(), store.CallInput{CounterID: counter.CounterID})
	if err != nil {
		t.Fatalf("CallNextToken: %v", err)
	}
	if result.Token.TokenID != first.TokenID {
		t.Fatal("tie must resolve to the earlier insertion")
	}
}

func TestCallCounterChecks(t *testing.T) {
	s := NewStore()
	token := seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())
	inactive := seedCounter(t, s, "Closed", false)

	_, err := s.CallToken(context.Background(), store.CallInput{TokenID: token.TokenID, CounterID: "missing"})
	if !errors.Is(err, store.ErrCounterNotFound) {
		t.Fatalf("expected ErrCounterNotFound, got %v", err)
	}

	_, err = s.CallToken(context.Background(), store.CallInput{TokenID: token.TokenID, CounterID: inactive.CounterID})
	if !errors.Is(err, store.ErrCounterInactive) {
		t.Fatalf("expected ErrCounterInactive, got %v", err)
	}
}

func TestCallRejectsBusyCounterWithoutMutation(t *testing.T) {
	s := NewStore()
	first := seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())
	second := seedToken(t, s, "TKN2", "blob-b", time.Now().UTC())
	counter := seedCounter(t, s, "Counter 1", true)

	if _, err := s.CallToken(context.Background(), store.CallInput{TokenID: first.TokenID, CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}

	_, err := s.CallToken(context.Background(), store.CallInput{TokenID: second.TokenID, CounterID: counter.CounterID})
	if !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected ErrCounterBusy, got %v", err)
	}

	unchanged, err := s.GetToken(context.Background(), second.TokenID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if unchanged.Status != models.StatusWaiting || unchanged.CounterID != nil {
		t.Fatal("rejected call must leave the token untouched")
	}
	got, err := s.GetCounter(context.Background(), counter.CounterID)
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if got.CurrentTokenID == nil || *got.CurrentTokenID != first.TokenID {
		t.Fatal("rejected call must leave the counter pointer untouched")
	}
}

func TestCompleteClearsCounterAndKeepsAssignmentHistory(t *testing.T) {
	s := NewStore()
	token := seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())
	counter := seedCounter(t, s, "Counter 1", true)

	if _, err := s.CallToken(context.Background(), store.CallInput{TokenID: token.TokenID, CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}
	completed, err := s.CompleteToken(context.Background(), store.CompleteInput{TokenID: token.TokenID})
	if err != nil {
		t.Fatalf("CompleteToken: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatal("completion must set status and completed_at")
	}
	if completed.CounterID == nil || *completed.CounterID != counter.CounterID {
		t.Fatal("assignment history must be retained after completion")
	}

	got, err := s.GetCounter(context.Background(), counter.CounterID)
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if got.CurrentTokenID != nil {
		t.Fatal("completion must release the counter")
	}
}

func TestCompleteRequiresCalledState(t *testing.T) {
	s := NewStore()
	token := seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())

	_, err := s.CompleteToken(context.Background(), store.CompleteInput{TokenID: token.TokenID})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	got, err := s.GetToken(context.Background(), token.TokenID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Status != models.StatusWaiting || got.CompletedAt != nil {
		t.Fatal("failed completion must not mutate the token")
	}

	counter := seedCounter(t, s, "Counter 1", true)
	if _, err := s.CallToken(context.Background(), store.CallInput{TokenID: token.TokenID, CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}
	if _, err := s.CompleteToken(context.Background(), store.CompleteInput{TokenID: token.TokenID}); err != nil {
		t.Fatalf("CompleteToken: %v", err)
	}
	_, err = s.CompleteToken(context.Background(), store.CompleteInput{TokenID: token.TokenID})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat completion, got %v", err)
	}
}

func TestConcurrentCallNextSingleToken(t *testing.T) {
	s := NewStore()
	seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())
	counterA := seedCounter(t, s, "Counter A", true)
	counterB := seedCounter(t, s, "Counter B", true)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, counterID := range []string{counterA.CounterID, counterB.CounterID} {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			_, err := s.CallNextToken(context.Background(), store.CallInput{CounterID: id})
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
		t.Fatalf("want exactly one winner, got %d successes and %d empty-queue errors", successes, empties)
	}
}

func TestSnapshotOrdersWaitingAndAnnotatesCounters(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	first := seedToken(t, s, "TKN1", "blob-a", base)
	seedToken(t, s, "TKN2", "blob-b", base.Add(time.Minute))
	seedToken(t, s, "TKN3", "blob-c", base.Add(2*time.Minute))
	counter := seedCounter(t, s, "Counter 1", true)

	if _, err := s.CallNextToken(context.Background(), store.CallInput{CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallNextToken: %v", err)
	}

	snapshot, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.WaitingTokens) != 2 {
		t.Fatalf("waiting=%d, want 2", len(snapshot.WaitingTokens))
	}
	if snapshot.WaitingTokens[0].TokenNumber != "TKN2" || snapshot.WaitingTokens[1].TokenNumber != "TKN3" {
		t.Fatal("waiting tokens must be ordered oldest first")
	}
	if len(snapshot.CalledTokens) != 1 || snapshot.CalledTokens[0].TokenID != first.TokenID {
		t.Fatal("called tokens must contain the dispatched token")
	}
	if len(snapshot.Counters) != 1 {
		t.Fatalf("counters=%d, want 1", len(snapshot.Counters))
	}
	if snapshot.Counters[0].CurrentTokenNumber == nil || *snapshot.Counters[0].CurrentTokenNumber != "TKN1" {
		t.Fatal("counter must be annotated with the token number it is serving")
	}
}

func TestListOutboxEventsAfterOffset(t *testing.T) {
	s := NewStore()
	seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())

	events, err := s.ListOutboxEvents(context.Background(), store.OutboxOffset{}, 10)
	if err != nil {
		t.Fatalf("ListOutboxEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventTokenCreated {
		t.Fatalf("unexpected outbox contents: %+v", events)
	}

	later, err := s.ListOutboxEvents(context.Background(), store.OutboxOffset{
		LastEventTime: events[0].CreatedAt,
		LastEventID:   events[0].EventID,
	}, 10)
	if err != nil {
		t.Fatalf("ListOutboxEvents: %v", err)
	}
	if len(later) != 0 {
		t.Fatalf("expected no events after offset, got %d", len(later))
	}
}

func TestOutboxCalledPayloadCarriesCounterName(t *testing.T) {
	s := NewStore()
	token := seedToken(t, s, "TKN1", "blob-a", time.Now().UTC())
	counter := seedCounter(t, s, "Counter 3", true)

	if _, err := s.CallToken(context.Background(), store.CallInput{TokenID: token.TokenID, CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}

	events, err := s.ListOutboxEvents(context.Background(), store.OutboxOffset{}, 10)
	if err != nil {
		t.Fatalf("ListOutboxEvents: %v", err)
	}
	var called store.CalledEvent
	found := false
	for _, event := range events {
		if event.Type != store.EventTokenCalled {
			continue
		}
		if err := json.Unmarshal(event.Payload, &called); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		found = true
	}
	if !found {
		t.Fatal("no token.called event staged")
	}
	if called.TokenID != token.TokenID || called.TokenNumber != "TKN1" || called.LastFourCnic != "0123" || called.CounterName != "Counter 3" {
		t.Fatalf("called=%+v", called)
	}
}

func TestListTokensFiltersAndPages(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedToken(t, s, "TKN1", "blob-a", base)
	second := seedToken(t, s, "TKN2", "blob-b", base.Add(time.Hour))
	third := seedToken(t, s, "TKN3", "blob-c", base.Add(2*time.Hour))
	counter := seedCounter(t, s, "Counter 1", true)
	if _, err := s.CallToken(context.Background(), store.CallInput{TokenID: second.TokenID, CounterID: counter.CounterID}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}

	all, err := s.ListTokens(context.Background(), store.TokenFilter{})
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(all) != 3 || all[0].TokenNumber != "TKN3" {
		t.Fatalf("all=%d first=%v, want 3 newest first", len(all), all)
	}

	called, err := s.ListTokens(context.Background(), store.TokenFilter{Status: models.StatusCalled})
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(called) != 1 || called[0].TokenID != second.TokenID {
		t.Fatalf("called=%v, want only the called token", called)
	}

	windowed, err := s.ListTokens(context.Background(), store.TokenFilter{From: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(windowed) != 1 || windowed[0].TokenID != third.TokenID {
		t.Fatalf("windowed=%v, want only the newest token", windowed)
	}

	paged, err := s.ListTokens(context.Background(), store.TokenFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(paged) != 1 || paged[0].TokenID != second.TokenID {
		t.Fatalf("paged=%v, want the second-newest token", paged)
	}
}

func TestDashboardStats(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()
	first := seedToken(t, s, "TKN1", "blob-a", now.Add(-10*time.Minute))
	seedToken(t, s, "TKN2", "blob-b", now)
	counter := seedCounter(t, s, "Counter 1", true)
	seedCounter(t, s, "Counter 2", false)

	calledAt := now.Add(-5 * time.Minute)
	if _, err := s.CallToken(context.Background(), store.CallInput{TokenID: first.TokenID, CounterID: counter.CounterID, CalledAt: calledAt}); err != nil {
		t.Fatalf("CallToken: %v", err)
	}

	stats, err := s.DashboardStats(context.Background())
	if err != nil {
		t.Fatalf("DashboardStats: %v", err)
	}
	if stats.TotalTokens != 2 || stats.WaitingTokens != 1 || stats.CalledTokens != 1 || stats.CompletedTokens != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if stats.ActiveCounters != 1 {
		t.Fatalf("active_counters=%d, want 1", stats.ActiveCounters)
	}
	if stats.AverageWaitSeconds != 300 {
		t.Fatalf("average_wait_seconds=%v, want 300", stats.AverageWaitSeconds)
	}
	if stats.TokensToday < 1 {
		t.Fatalf("tokens_today=%d, want at least 1", stats.TokensToday)
	}
}
