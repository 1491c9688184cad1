package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
)

// -- Fakes --

// fakeStore mirrors the guards of the SQL statements: Update compares
// updated_at and ConsumeRefill decrements under refills > 0.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[string]*Prescription
	events []*Event
	// stale, when set, is returned by the next Get instead of the row
	stale *Prescription
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*Prescription)}
}

func (f *fakeStore) ListByUser(_ context.Context, userID string) ([]*Prescription, error) {
	var out []*Prescription
	for _, rx := range f.rows {
		if rx.UserID == userID {
			out = append(out, rx)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, userID, id string) (*Prescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale != nil {
		cp := *f.stale
		f.stale = nil
		return &cp, nil
	}
	rx, ok := f.rows[id]
	if !ok || rx.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *rx
	return &cp, nil
}

func (f *fakeStore) Create(_ context.Context, rx *Prescription, event *Event) error {
	cp := *rx
	f.rows[rx.ID] = &cp
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) Update(_ context.Context, rx *Prescription, prev time.Time, event *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[rx.ID]
	if !ok || cur.UserID != rx.UserID {
		return ErrNotFound
	}
	if !cur.UpdatedAt.Equal(prev) {
		return ErrConflict
	}
	cp := *rx
	f.rows[rx.ID] = &cp
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) ConsumeRefill(_ context.Context, userID, id string, at time.Time, eventFor func(*Prescription) (*Event, error)) (*Prescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[id]
	if !ok || cur.UserID != userID {
		return nil, ErrNotFound
	}
	if cur.Refills <= 0 {
		return nil, ErrNoRefillsLeft
	}
	next := *cur
	next.Refills--
	next.UpdatedAt = at
	event, err := eventFor(&next)
	if err != nil {
		return nil, err
	}
	f.rows[id] = &next
	f.events = append(f.events, event)
	cp := next
	return &cp, nil
}

func (f *fakeStore) Delete(_ context.Context, userID, id string, event *Event) error {
	rx, ok := f.rows[id]
	if !ok || rx.UserID != userID {
		return ErrNotFound
	}
	delete(f.rows, id)
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) Events(_ context.Context, _, id string) ([]*Event, error) {
	var out []*Event
	for _, e := range f.events {
		if e.AggregateID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeMeds map[string]*medication.Medication

func (f fakeMeds) Get(_ context.Context, id string) (*medication.Medication, error) {
	m, ok := f[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return m, nil
}

func newTestService() (*Service, *fakeStore) {
	store := newFakeStore()
	meds := fakeMeds{
		"m1": {ID: "m1", Name: "Metformin", Dosage: "500mg", Frequency: "Twice daily", When: "Morning"},
		"m2": {ID: "m2", Name: "Atorvastatin", Dosage: "10mg", Frequency: "Once daily", When: "Bedtime"},
	}
	svc := NewService(store, meds, nil)
	var mu sync.Mutex
	clock := date(2025, 1, 1)
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validInput() CreateInput {
	return CreateInput{
		Title:        "Diabetes",
		DoctorName:   "Dr. Rao",
		MedicationID: "m1",
		StartDate:    date(2025, 1, 1),
		Refills:      2,
	}
}

// -- Tests --

func TestCreatePrescription(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	rx, err := svc.Create(ctx, "u1", "req-1", validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rx.ID == "" {
		t.Fatal("expected generated ID")
	}
	if rx.Status != StatusActive {
		t.Errorf("status = %q, want %q", rx.Status, StatusActive)
	}
	if rx.Medication == nil || rx.Medication.Name != "Metformin" {
		t.Errorf("expected embedded medication, got %+v", rx.Medication)
	}

	if len(store.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(store.events))
	}
	ev := store.events[0]
	if ev.EventType != EventPrescriptionCreated {
		t.Errorf("event type = %s", ev.EventType)
	}
	if ev.CorrelationID != "req-1" || ev.UserID != "u1" {
		t.Errorf("unexpected event metadata: %+v", ev)
	}
	var data PrescriptionCreatedData
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		t.Fatalf("unmarshal event data: %v", err)
	}
	if data.MedicationName != "Metformin" {
		t.Errorf("event medication name = %q", data.MedicationName)
	}
}

func TestCreatePrescriptionValidation(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	end := date(2024, 12, 31)

	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing title", func(in *CreateInput) { in.Title = " " }},
		{"missing doctor", func(in *CreateInput) { in.DoctorName = "" }},
		{"missing medication", func(in *CreateInput) { in.MedicationID = "" }},
		{"missing start", func(in *CreateInput) { in.StartDate = time.Time{} }},
		{"negative refills", func(in *CreateInput) { in.Refills = -1 }},
		{"end before start", func(in *CreateInput) { in.EndDate = &end }},
		{"unknown medication", func(in *CreateInput) { in.MedicationID = "nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := svc.Create(ctx, "u1", "", in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if len(store.rows) != 0 {
		t.Errorf("invalid input must not be stored, got %d rows", len(store.rows))
	}
}

func TestUpdatePrescription(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	rx, err := svc.Create(ctx, "u1", "", validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	title := "Type 2 diabetes"
	medID := "m2"
	updated, err := svc.Update(ctx, "u1", rx.ID, "", Patch{Title: &title, MedicationID: &medID})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != title || updated.MedicationID != "m2" {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.Medication == nil || updated.Medication.Name != "Atorvastatin" {
		t.Errorf("expected medication to follow medicationId, got %+v", updated.Medication)
	}

	last := store.events[len(store.events)-1]
	if last.EventType != EventPrescriptionUpdated {
		t.Fatalf("last event = %s", last.EventType)
	}
	var data PrescriptionUpdatedData
	if err := json.Unmarshal(last.EventData, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(data.Fields) != 2 {
		t.Errorf("changed fields = %v", data.Fields)
	}
}

func TestUpdateWithoutChangesEmitsNothing(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	rx, _ := svc.Create(ctx, "u1", "", validInput())
	same := rx.Title
	if _, err := svc.Update(ctx, "u1", rx.ID, "", Patch{Title: &same}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(store.events) != 1 {
		t.Errorf("expected no new event, got %d events", len(store.events))
	}
}

func TestOtherUsersPrescriptionsAreInvisible(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rx, _ := svc.Create(ctx, "u1", "", validInput())

	if _, err := svc.Get(ctx, "u2", rx.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get by other user: expected ErrNotFound, got %v", err)
	}
	if err := svc.Delete(ctx, "u2", rx.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete by other user: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.RequestRefill(ctx, "u2", rx.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Refill by other user: expected ErrNotFound, got %v", err)
	}
}

func TestRequestRefill(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	in := validInput()
	in.Refills = 1
	rx, _ := svc.Create(ctx, "u1", "", in)

	refilled, err := svc.RequestRefill(ctx, "u1", rx.ID, "")
	if err != nil {
		t.Fatalf("RequestRefill: %v", err)
	}
	if refilled.Refills != 0 {
		t.Errorf("refills = %d, want 0", refilled.Refills)
	}
	if store.events[len(store.events)-1].EventType != EventRefillRequested {
		t.Error("expected RefillRequested event")
	}

	if _, err := svc.RequestRefill(ctx, "u1", rx.ID, ""); !errors.Is(err, ErrNoRefillsLeft) {
		t.Errorf("expected ErrNoRefillsLeft, got %v", err)
	}
}

func TestRequestRefillWithNoneLeftRecordsNothing(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	in := validInput()
	in.Refills = 0
	rx, _ := svc.Create(ctx, "u1", "", in)

	if _, err := svc.RequestRefill(ctx, "u1", rx.ID, ""); !errors.Is(err, ErrNoRefillsLeft) {
		t.Fatalf("expected ErrNoRefillsLeft, got %v", err)
	}
	if len(store.events) != 1 {
		t.Errorf("a refused refill must not emit an event, got %d events", len(store.events))
	}
	if _, err := svc.RequestRefill(ctx, "u1", "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentRefillsNeverOverdraw(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	in := validInput()
	in.Refills = 3
	rx, _ := svc.Create(ctx, "u1", "", in)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, none int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RequestRefill(ctx, "u1", rx.ID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrNoRefillsLeft):
				none++
			default:
				t.Errorf("RequestRefill: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 3 || none != 7 {
		t.Errorf("granted %d, refused %d; want 3 and 7", ok, none)
	}
	refills := 0
	remaining := map[int]bool{}
	for _, e := range store.events {
		if e.EventType != EventRefillRequested {
			continue
		}
		refills++
		var data RefillRequestedData
		json.Unmarshal(e.EventData, &data)
		remaining[data.RefillsRemaining] = true
	}
	if refills != 3 || !remaining[0] || !remaining[1] || !remaining[2] {
		t.Errorf("refill events = %d, remaining values = %v", refills, remaining)
	}
}

func TestUpdateFromStaleReadConflicts(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	in := validInput()
	in.Refills = 1
	rx, _ := svc.Create(ctx, "u1", "", in)
	stale, _ := store.Get(ctx, "u1", rx.ID)

	if _, err := svc.RequestRefill(ctx, "u1", rx.ID, ""); err != nil {
		t.Fatalf("RequestRefill: %v", err)
	}

	// A patch computed from the row as it was before the refill.
	store.stale = stale
	notes := "take with food"
	if _, err := svc.Update(ctx, "u1", rx.ID, "", Patch{Notes: &notes}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got, _ := store.Get(ctx, "u1", rx.ID); got.Refills != 0 {
		t.Errorf("stale update restored refills to %d", got.Refills)
	}
}

func TestDeleteKeepsHistory(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	rx, _ := svc.Create(ctx, "u1", "", validInput())
	if err := svc.Delete(ctx, "u1", rx.ID, ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.rows[rx.ID]; ok {
		t.Error("row should be gone")
	}
	events, _ := store.Events(ctx, "u1", rx.ID)
	if len(events) != 2 || events[1].EventType != EventPrescriptionDeleted {
		t.Errorf("unexpected history: %d events", len(events))
	}
}
