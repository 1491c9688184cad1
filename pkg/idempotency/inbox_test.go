package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: make(map[string]*Entry), now: now}
}

func (m *memStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ClaimHeld, nil
		}
		e.Status = StatusStarted
		e.UpdatedAt = m.now()
		return ClaimRecovered, nil
	}
	m.entries[key] = &Entry{
		IdempotencyKey: key, HandlerName: handler, Status: StatusStarted,
		Payload: payload, CreatedAt: m.now(), UpdatedAt: m.now(), ExpiresAt: &expiresAt,
	}
	return ClaimNew, nil
}

func (m *memStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *memStore) DeleteExpired(context.Context, time.Duration) (int64, error) { return 0, nil }
func (m *memStore) RecoverStale(context.Context, time.Duration) (int64, error)  { return 0, nil }

func (m *memStore) Stats(context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stats{TotalEntries: int64(len(m.entries))}
	for _, e := range m.entries {
		switch e.Status {
		case StatusStarted:
			s.Started++
		case StatusFinished:
			s.Finished++
		case StatusRecoverable:
			s.Recoverable++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func newTestInbox() (*Inbox, *memStore, *time.Time) {
	clock := time.Date(2025, 6, 16, 6, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	store := newMemStore(now)
	inbox := NewInbox(store, DefaultInboxConfig(), nil)
	inbox.now = now
	return inbox, store, &clock
}

func TestProcessRunsOnce(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"sent":true}`), nil
	}

	first, err := inbox.Process(ctx, "k", "reminder", json.RawMessage(`{}`), fn)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !first.IsNew {
		t.Error("first delivery should be new")
	}

	second, err := inbox.Process(ctx, "k", "reminder", json.RawMessage(`{}`), fn)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.IsNew || string(second.Result) != `{"sent":true}` {
		t.Errorf("duplicate result = %+v", second)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestTransientFailureIsRetryable(t *testing.T) {
	inbox, store, _ := newTestInbox()
	ctx := context.Background()
	fail := true
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if fail {
			return nil, errors.New("telegram unavailable")
		}
		return nil, nil
	}

	if _, err := inbox.Process(ctx, "k", "reminder", nil, fn); err == nil {
		t.Fatal("expected handler error")
	}
	if e, _ := store.Get(ctx, "k"); e.Status != StatusRecoverable {
		t.Fatalf("status = %s, want RECOVERABLE", e.Status)
	}

	fail = false
	res, err := inbox.Process(ctx, "k", "reminder", nil, fn)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.WasRecovered {
		t.Error("retry should report recovery")
	}
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Terminal(errors.New("chat not found"))
	}

	if _, err := inbox.Process(ctx, "k", "reminder", nil, fn); !IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	_, err := inbox.Process(ctx, "k", "reminder", nil, fn)
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Errorf("expected ErrPreviouslyFailed, got %v", err)
	}
}

func TestStartedEntryBlocksUntilStale(t *testing.T) {
	inbox, store, clock := newTestInbox()
	ctx := context.Background()
	store.Claim(ctx, "k", "reminder", nil, *clock)

	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }
	if _, err := inbox.Process(ctx, "k", "reminder", nil, noop); !errors.Is(err, ErrMessageInProgress) {
		t.Fatalf("expected ErrMessageInProgress, got %v", err)
	}

	*clock = clock.Add(10 * time.Minute)
	res, err := inbox.Process(ctx, "k", "reminder", nil, noop)
	if err != nil {
		t.Fatalf("stale recovery: %v", err)
	}
	if !res.WasRecovered {
		t.Error("expected stale entry to be recovered")
	}
}

func TestReminderKey(t *testing.T) {
	day := time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)
	a := ReminderKey("u1", day, "Morning")
	if a != ReminderKey("u1", day.Add(5*time.Hour), "morning") {
		t.Error("key should ignore time of day and period case")
	}
	if a == ReminderKey("u1", day, "Evening") {
		t.Error("periods must produce distinct keys")
	}
	if a == ReminderKey("u2", day, "Morning") {
		t.Error("users must produce distinct keys")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d", len(a))
	}
}

func TestFinishedResultSurvivesLaterFailures(t *testing.T) {
	inbox, store, _ := newTestInbox()
	ctx := context.Background()
	ok := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"sent":true}`), nil
	}
	if _, err := inbox.Process(ctx, "k", "reminder", nil, ok); err != nil {
		t.Fatal(err)
	}

	boom := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run for a finished key")
		return nil, nil
	}
	res, err := inbox.Process(ctx, "k", "reminder", nil, boom)
	if err != nil || res.IsNew || res.WasRecovered {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if st, _ := store.Stats(ctx); st.Finished != 1 || st.TotalEntries != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStopWithoutCleanup(t *testing.T) {
	inbox, _, _ := newTestInbox()
	inbox.Stop()
}
