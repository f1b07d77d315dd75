// Package memory implements the store contracts on process-local state. A
// single mutex owns both the token and counter maps, so every paired
// token+counter transition is atomic by construction. It backs tests and
// DB-less development; production deployments use store/postgres.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu       sync.Mutex
	tokens   map[string]*models.Token
	counters map[string]*models.Counter
	queues   map[string]*models.Queue
	numbers  map[string]bool
	outbox   []store.OutboxEvent
	seq      map[string]int
	nextSeq  int
}

func NewStore() *Store {
	return &Store{
		tokens:   make(map[string]*models.Token),
		counters: make(map[string]*models.Counter),
		queues:   make(map[string]*models.Queue),
		numbers:  make(map[string]bool),
		seq:      make(map[string]int),
	}
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.numbers[input.TokenNumber] {
		return models.Token{}, store.ErrDuplicateNumber
	}
	for _, existing := range s.tokens {
		if existing.Status == models.StatusWaiting && existing.IdentityBlob == input.IdentityBlob {
			return models.Token{}, store.ErrDuplicateIdentity
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	token := &models.Token{
		TokenID:      input.TokenID,
		TokenNumber:  input.TokenNumber,
		LastFourCnic: input.LastFourCnic,
		IdentityBlob: input.IdentityBlob,
		QueueID:      input.QueueID,
		Status:       models.StatusWaiting,
		CreatedAt:    createdAt,
	}
	s.tokens[token.TokenID] = token
	s.numbers[token.TokenNumber] = true
	s.nextSeq++
	s.seq[token.TokenID] = s.nextSeq
	s.appendOutbox(store.EventTokenCreated, store.CreatedEvent{
		TokenID:     token.TokenID,
		TokenNumber: token.TokenNumber,
		CreatedAt:   token.CreatedAt,
	})
	return *token, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return *token, nil
}

func (s *Store) NumberExists(ctx context.Context, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numbers[number], nil
}

func (s *Store) CallNextToken(ctx context.Context, input store.CallInput) (store.CallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, err := s.lockCounter(input.CounterID)
	if err != nil {
		return store.CallResult{}, err
	}

	oldest := s.oldestWaiting()
	if oldest == nil {
		return store.CallResult{}, store.ErrNoTokenWaiting
	}
	return s.callLocked(oldest, counter, input.CalledAt)
}

func (s *Store) CallToken(ctx context.Context, input store.CallInput) (store.CallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, err := s.lockCounter(input.CounterID)
	if err != nil {
		return store.CallResult{}, err
	}

	token, ok := s.tokens[input.TokenID]
	if !ok {
		return store.CallResult{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition("call", token.Status) {
		return store.CallResult{}, store.ErrInvalidState
	}
	return s.callLocked(token, counter, input.CalledAt)
}

func (s *Store) CompleteToken(ctx context.Context, input store.CompleteInput) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[input.TokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition("complete", token.Status) {
		return models.Token{}, store.ErrInvalidState
	}

	completedAt := input.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	token.Status = models.StatusCompleted
	token.CompletedAt = &completedAt

	// The assignment is retained on the token as history; only the counter
	// pointer is released, and only if it still points at this token.
	if token.CounterID != nil {
		if counter, ok := s.counters[*token.CounterID]; ok {
			if counter.CurrentTokenID != nil && *counter.CurrentTokenID == token.TokenID {
				counter.CurrentTokenID = nil
			}
		}
	}

	s.appendOutbox(store.EventTokenCompleted, store.CompletedEvent{TokenID: token.TokenID})
	return *token, nil
}

func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot store.Snapshot
	for _, token := range s.tokens {
		switch token.Status {
		case models.StatusWaiting:
			snapshot.WaitingTokens = append(snapshot.WaitingTokens, *token)
		case models.StatusCalled:
			snapshot.CalledTokens = append(snapshot.CalledTokens, *token)
		}
	}
	sort.Slice(snapshot.WaitingTokens, func(i, j int) bool {
		return s.fifoLess(snapshot.WaitingTokens[i], snapshot.WaitingTokens[j])
	})
	sort.Slice(snapshot.CalledTokens, func(i, j int) bool {
		return s.fifoLess(snapshot.CalledTokens[i], snapshot.CalledTokens[j])
	})

	var counterIDs []string
	for id, counter := range s.counters {
		if counter.Active {
			counterIDs = append(counterIDs, id)
		}
	}
	sort.Strings(counterIDs)
	for _, id := range counterIDs {
		counter := s.counters[id]
		status := store.CounterStatus{
			CounterID:      counter.CounterID,
			Name:           counter.Name,
			CurrentTokenID: counter.CurrentTokenID,
		}
		if counter.CurrentTokenID != nil {
			if token, ok := s.tokens[*counter.CurrentTokenID]; ok {
				number := token.TokenNumber
				status.CurrentTokenNumber = &number
			}
		}
		snapshot.Counters = append(snapshot.Counters, status)
	}
	return snapshot, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	ordered := make([]store.OutboxEvent, len(s.outbox))
	copy(ordered, s.outbox)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].EventID < ordered[j].EventID
	})

	var events []store.OutboxEvent
	for _, event := range ordered {
		if !pastOffset(event, after) {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

// pastOffset compares on the (created_at, event_id) key; ties on the
// timestamp fall back to the id, so a batch boundary between two events
// sharing a timestamp skips neither.
func pastOffset(event store.OutboxEvent, after store.OutboxOffset) bool {
	if event.CreatedAt.After(after.LastEventTime) {
		return true
	}
	if event.CreatedAt.Equal(after.LastEventTime) {
		return event.EventID > after.LastEventID
	}
	return false
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return *counter, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id := range s.counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	counters := make([]models.Counter, 0, len(ids))
	for _, id := range ids {
		counters = append(counters, *s.counters[id])
	}
	return counters, nil
}

func (s *Store) CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counter.CounterID == "" {
		counter.CounterID = uuid.NewString()
	}
	if counter.CreatedAt.IsZero() {
		counter.CreatedAt = time.Now().UTC()
	}
	stored := counter
	s.counters[counter.CounterID] = &stored
	return counter, nil
}

func (s *Store) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.counters[counter.CounterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	existing.Name = counter.Name
	existing.Description = counter.Description
	existing.Active = counter.Active
	return *existing, nil
}

func (s *Store) DeactivateCounter(ctx context.Context, counterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[counterID]
	if !ok {
		return store.ErrCounterNotFound
	}
	counter.Active = false
	return nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	return *queue, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id := range s.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	queues := make([]models.Queue, 0, len(ids))
	for _, id := range ids {
		queues = append(queues, *s.queues[id])
	}
	return queues, nil
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queue.QueueID == "" {
		queue.QueueID = uuid.NewString()
	}
	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = time.Now().UTC()
	}
	stored := queue
	s.queues[queue.QueueID] = &stored
	return queue, nil
}

func (s *Store) UpdateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.queues[queue.QueueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	existing.Name = queue.Name
	existing.Description = queue.Description
	existing.Active = queue.Active
	return *existing, nil
}

func (s *Store) DeactivateQueue(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[queueID]
	if !ok {
		return store.ErrQueueNotFound
	}
	queue.Active = false
	return nil
}

// ListTokens is the admin history read: every token regardless of status,
// newest first, optionally narrowed by creation window and status.
func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []models.Token
	for _, token := range s.tokens {
		if !filter.From.IsZero() && token.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && token.CreatedAt.After(filter.To) {
			continue
		}
		if filter.Status != "" && token.Status != filter.Status {
			continue
		}
		tokens = append(tokens, *token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
		}
		return tokens[i].TokenID > tokens[j].TokenID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(tokens) {
		return nil, nil
	}
	tokens = tokens[offset:]
	if len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return tokens, nil
}

func (s *Store) DashboardStats(ctx context.Context) (store.DashboardStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats store.DashboardStats
	var waitSum float64
	var waitCount int
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, token := range s.tokens {
		stats.TotalTokens++
		switch token.Status {
		case models.StatusWaiting:
			stats.WaitingTokens++
		case models.StatusCalled:
			stats.CalledTokens++
		case models.StatusCompleted:
			stats.CompletedTokens++
		}
		if token.CalledAt != nil {
			waitSum += token.CalledAt.Sub(token.CreatedAt).Seconds()
			waitCount++
		}
		if !token.CreatedAt.Before(today) {
			stats.TokensToday++
		}
	}
	if waitCount > 0 {
		stats.AverageWaitSeconds = waitSum / float64(waitCount)
	}
	for _, counter := range s.counters {
		if counter.Active {
			stats.ActiveCounters++
		}
	}
	return stats, nil
}

// lockCounter is the admission check shared by both call paths; the caller
// holds s.mu.
func (s *Store) lockCounter(counterID string) (*models.Counter, error) {
	counter, ok := s.counters[counterID]
	if !ok {
		return nil, store.ErrCounterNotFound
	}
	if !counter.Active {
		return nil, store.ErrCounterInactive
	}
	if counter.CurrentTokenID != nil {
		return nil, store.ErrCounterBusy
	}
	return counter, nil
}

func (s *Store) callLocked(token *models.Token, counter *models.Counter, calledAt time.Time) (store.CallResult, error) {
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	counterID := counter.CounterID
	tokenID := token.TokenID

	token.Status = models.StatusCalled
	token.CalledAt = &calledAt
	token.CounterID = &counterID
	counter.CurrentTokenID = &tokenID

	s.appendOutbox(store.EventTokenCalled, store.CalledEvent{
		TokenID:      token.TokenID,
		TokenNumber:  token.TokenNumber,
		LastFourCnic: token.LastFourCnic,
		CounterName:  counter.Name,
	})
	return store.CallResult{Token: *token, CounterName: counter.Name}, nil
}

func (s *Store) oldestWaiting() *models.Token {
	var oldest *models.Token
	for _, token := range s.tokens {
		if token.Status != models.StatusWaiting || token.CounterID != nil {
			continue
		}
		if oldest == nil || s.fifoLess(*token, *oldest) {
			oldest = token
		}
	}
	return oldest
}

// fifoLess orders by createdAt with insertion order as the tiebreak.
func (s *Store) fifoLess(a, b models.Token) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.seq[a.TokenID] < s.seq[b.TokenID]
}

// appendOutbox stages the published event shape, so a relay redelivery
// carries the same fields as the direct publish.
func (s *Store) appendOutbox(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
}
