package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/assistant"
	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/user"
	"github.com/healthsync/go-healthsync/internal/healthcard"
	"github.com/healthsync/go-healthsync/pkg/circuitbreaker"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dayPtr(s string) *time.Time {
	t := day(s)
	return &t
}

// serve runs req through routes as user-1
func serve(routes chi.Router, method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	middleware.RequestID(routes).ServeHTTP(rec, req)
	return rec
}

type fakePrescriptions struct {
	rxs       []*prescription.Prescription
	created   prescription.CreateInput
	patch     prescription.Patch
	corrID    string
	refillErr error
}

func (f *fakePrescriptions) List(ctx context.Context, userID string) ([]*prescription.Prescription, error) {
	return f.rxs, nil
}

func (f *fakePrescriptions) Get(ctx context.Context, userID, id string) (*prescription.Prescription, error) {
	for _, rx := range f.rxs {
		if rx.ID == id {
			return rx, nil
		}
	}
	return nil, prescription.ErrNotFound
}

func (f *fakePrescriptions) History(ctx context.Context, userID, id string) ([]*prescription.Event, error) {
	return nil, nil
}

func (f *fakePrescriptions) Create(ctx context.Context, userID, correlationID string, in prescription.CreateInput) (*prescription.Prescription, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	f.created, f.corrID = in, correlationID
	return &prescription.Prescription{
		ID: "rx-new", UserID: userID, Title: in.Title, DoctorName: in.DoctorName,
		MedicationID: in.MedicationID, StartDate: in.StartDate, EndDate: in.EndDate, Status: "active",
	}, nil
}

func (f *fakePrescriptions) Update(ctx context.Context, userID, id, correlationID string, patch prescription.Patch) (*prescription.Prescription, error) {
	f.patch = patch
	rx, err := f.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(rx)
	return rx, nil
}

func (f *fakePrescriptions) Delete(ctx context.Context, userID, id, correlationID string) error {
	_, err := f.Get(ctx, userID, id)
	return err
}

func (f *fakePrescriptions) RequestRefill(ctx context.Context, userID, id, correlationID string) (*prescription.Prescription, error) {
	if f.refillErr != nil {
		return nil, f.refillErr
	}
	return f.Get(ctx, userID, id)
}

func testPrescriptions() *fakePrescriptions {
	morning := &medication.Medication{ID: "m1", Name: "Metformin", Dosage: "500mg", When: "Morning"}
	return &fakePrescriptions{rxs: []*prescription.Prescription{
		{ID: "rx-past", Title: "Antibiotic", MedicationID: "m3", StartDate: day("2024-01-01"), EndDate: dayPtr("2024-01-10")},
		{ID: "rx-open", Title: "Diabetes", MedicationID: "m1", Medication: morning, StartDate: day("2024-01-15")},
		{ID: "rx-dinner", Title: "Statin", MedicationID: "m2", StartDate: day("2024-03-04"), EndDate: dayPtr("2024-03-06")},
	}}
}

func decodeIDs(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var got []prescriptionResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestPrescriptionListViews(t *testing.T) {
	h := NewPrescriptionHandler(testPrescriptions(), time.UTC, nil, nil)

	tests := []struct {
		query  string
		status int
		ids    string
	}{
		{"?view=active&date=2024-03-06", http.StatusOK, "rx-open,rx-dinner"},
		{"?view=active&date=2024-03-07", http.StatusOK, "rx-open"},
		{"?view=past&date=2024-03-07", http.StatusOK, "rx-past,rx-dinner"},
		{"?date=2024-03-07", http.StatusOK, "rx-past,rx-open,rx-dinner"},
		{"?view=soon", http.StatusBadRequest, ""},
		{"?date=07/03/2024", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := serve(h.Routes(), http.MethodGet, "/"+tt.query, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.status != http.StatusOK {
				return
			}
			if got := strings.Join(decodeIDs(t, rec), ","); got != tt.ids {
				t.Errorf("ids = %s, want %s", got, tt.ids)
			}
		})
	}
}

func TestPrescriptionResponseDates(t *testing.T) {
	h := NewPrescriptionHandler(testPrescriptions(), time.UTC, nil, nil)
	h.now = func() time.Time { return day("2024-03-06").Add(20 * time.Hour) }

	rec := serve(h.Routes(), http.MethodGet, "/rx-dinner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var raw map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&raw)
	if raw["startDate"] != "2024-03-04" || raw["endDate"] != "2024-03-06" {
		t.Errorf("dates = %v / %v", raw["startDate"], raw["endDate"])
	}
	if raw["active"] != true {
		t.Error("prescription ending today should be active")
	}
}

func TestPrescriptionCreate(t *testing.T) {
	svc := testPrescriptions()
	h := NewPrescriptionHandler(svc, time.UTC, nil, nil)

	body := `{"title":"Cough","doctorName":"Dr. Rao","medicationId":"m1","startDate":"2024-05-01","endDate":"2024-05-07","refills":1}`
	rec := serve(h.Routes(), http.MethodPost, "/", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !svc.created.StartDate.Equal(day("2024-05-01")) || svc.created.EndDate == nil || !svc.created.EndDate.Equal(day("2024-05-07")) {
		t.Errorf("dates not parsed: %+v", svc.created)
	}
	if svc.corrID == "" {
		t.Error("request ID not passed as correlation ID")
	}
}

func TestPrescriptionCreateRejectsBadInput(t *testing.T) {
	h := NewPrescriptionHandler(testPrescriptions(), time.UTC, nil, nil)

	tests := map[string]string{
		"bad date":      `{"title":"x","doctorName":"d","medicationId":"m1","startDate":"May 1"}`,
		"missing title": `{"doctorName":"d","medicationId":"m1","startDate":"2024-05-01"}`,
		"end before":    `{"title":"x","doctorName":"d","medicationId":"m1","startDate":"2024-05-02","endDate":"2024-05-01"}`,
		"not json":      `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := serve(h.Routes(), http.MethodPost, "/", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestPrescriptionUpdateAndRefill(t *testing.T) {
	svc := testPrescriptions()
	h := NewPrescriptionHandler(svc, time.UTC, nil, nil)

	rec := serve(h.Routes(), http.MethodPatch, "/rx-open", `{"endDate":"2024-12-31","notes":"with food"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body)
	}
	if svc.patch.EndDate == nil || !svc.patch.EndDate.Equal(day("2024-12-31")) || svc.patch.Title != nil {
		t.Errorf("patch = %+v", svc.patch)
	}

	if rec := serve(h.Routes(), http.MethodPatch, "/missing", `{}`); rec.Code != http.StatusNotFound {
		t.Errorf("patch missing status = %d", rec.Code)
	}

	svc.refillErr = prescription.ErrNoRefillsLeft
	if rec := serve(h.Routes(), http.MethodPost, "/rx-open/refill", ""); rec.Code != http.StatusConflict {
		t.Errorf("refill status = %d, want 409", rec.Code)
	}

	if rec := serve(h.Routes(), http.MethodDelete, "/rx-open", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
}

type fakeCatalogue struct {
	meds      []*medication.Medication
	deleteErr error
}

func (f *fakeCatalogue) List(ctx context.Context) ([]*medication.Medication, error) {
	return f.meds, nil
}

func (f *fakeCatalogue) Get(ctx context.Context, id string) (*medication.Medication, error) {
	for _, m := range f.meds {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, medication.ErrNotFound
}

func (f *fakeCatalogue) Create(ctx context.Context, m *medication.Medication) error {
	m.ID = fmt.Sprintf("m%d", len(f.meds)+1)
	f.meds = append(f.meds, m)
	return nil
}

func (f *fakeCatalogue) Update(ctx context.Context, id string, patch medication.Patch) (*medication.Medication, error) {
	m, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(m)
	return m, nil
}

func (f *fakeCatalogue) Delete(ctx context.Context, id string) error {
	return f.deleteErr
}

func testCatalogue() *fakeCatalogue {
	return &fakeCatalogue{meds: []*medication.Medication{
		{ID: "m1", Name: "Metformin", Dosage: "500mg", When: "Morning"},
		{ID: "m2", Name: "Atorvastatin", Dosage: "10mg", When: "After Dinner"},
		{ID: "m3", Name: "Amoxicillin", Dosage: "250mg", When: "Afternoon"},
	}}
}

func TestMedicationHandler(t *testing.T) {
	store := testCatalogue()
	h := NewMedicationHandler(store, nil)

	rec := serve(h.Routes(), http.MethodPost, "/", `{"name":"Ibuprofen","dosage":"200mg"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete create status = %d, want 400", rec.Code)
	}

	rec = serve(h.Routes(), http.MethodPost, "/", `{"name":"Ibuprofen","dosage":"200mg","frequency":"Twice daily","when":"After Lunch"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}

	rec = serve(h.Routes(), http.MethodPatch, "/m1", `{"dosage":"850mg"}`)
	if rec.Code != http.StatusOK || store.meds[0].Dosage != "850mg" || store.meds[0].Name != "Metformin" {
		t.Errorf("patch: status %d, med %+v", rec.Code, store.meds[0])
	}

	store.deleteErr = medication.ErrInUse
	if rec := serve(h.Routes(), http.MethodDelete, "/m1", ""); rec.Code != http.StatusConflict {
		t.Errorf("delete in-use status = %d, want 409", rec.Code)
	}
}

func TestScheduleToday(t *testing.T) {
	h := NewScheduleHandler(testPrescriptions(), testCatalogue(), time.UTC, nil)

	rec := serve(h.Routes(), http.MethodGet, "/today?date=2024-03-06", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var all todayResponse
	json.NewDecoder(rec.Body).Decode(&all)
	if len(all.Buckets) != 4 {
		t.Fatalf("buckets = %d, want 4", len(all.Buckets))
	}
	names := func(meds []*medication.Medication) string {
		var s []string
		for _, m := range meds {
			s = append(s, m.Name)
		}
		return strings.Join(s, ",")
	}
	if got := names(all.Buckets[0].Medications); got != "Metformin" {
		t.Errorf("morning = %q", got)
	}
	if got := names(all.Buckets[2].Medications); got != "Atorvastatin" {
		t.Errorf("evening = %q", got)
	}
	if got := names(all.Buckets[1].Medications); got != "" {
		t.Errorf("afternoon = %q, expired prescription leaked", got)
	}

	rec = serve(h.Routes(), http.MethodGet, "/today?date=2024-03-07&period=evening", "")
	var evening todayResponse
	json.NewDecoder(rec.Body).Decode(&evening)
	if evening.Period != "Evening" || len(evening.Medications) != 0 {
		t.Errorf("evening after end date = %+v", evening)
	}

	if rec := serve(h.Routes(), http.MethodGet, "/today?period=brunch", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad period status = %d", rec.Code)
	}
}

func TestScheduleWeek(t *testing.T) {
	h := NewScheduleHandler(testPrescriptions(), testCatalogue(), time.UTC, nil)

	rec := serve(h.Routes(), http.MethodGet, "/week?date=2024-03-06", "")
	var days []struct {
		Weekday     string                   `json:"weekday"`
		Date        string                   `json:"date"`
		Medications []*medication.Medication `json:"medications"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&days); err != nil {
		t.Fatal(err)
	}
	if len(days) != 7 || days[0].Weekday != "Sunday" || days[0].Date != "2024-03-03" {
		t.Fatalf("week = %+v", days)
	}
	// Statin runs Monday 4th to Wednesday 6th
	for i, want := range []int{1, 2, 2, 2, 1, 1, 1} {
		if len(days[i].Medications) != want {
			t.Errorf("%s: %d medications, want %d", days[i].Weekday, len(days[i].Medications), want)
		}
	}

	rec = serve(h.Routes(), http.MethodGet, "/weekday/tuesday?date=2024-03-06", "")
	var meds []*medication.Medication
	json.NewDecoder(rec.Body).Decode(&meds)
	if len(meds) != 2 {
		t.Errorf("tuesday = %d medications, want 2", len(meds))
	}

	if rec := serve(h.Routes(), http.MethodGet, "/weekday/funday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown weekday status = %d", rec.Code)
	}
}

type fakeAssistant struct {
	reply      string
	suggestion *assistant.Suggestion
	err        error
}

func (f *fakeAssistant) Chat(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", assistant.ErrEmptyPrompt
	}
	return f.reply, f.err
}

func (f *fakeAssistant) SuggestAppointment(ctx context.Context, prompt string) (*assistant.Suggestion, error) {
	return f.suggestion, f.err
}

func TestAssistantHandler(t *testing.T) {
	ai := &fakeAssistant{reply: "Drink water."}
	h := NewAssistantHandler(ai, nil)

	rec := serve(h.Routes(), http.MethodPost, "/chat", `{"prompt":"headache"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Drink water.") {
		t.Errorf("chat = %d %s", rec.Code, rec.Body)
	}

	if rec := serve(h.Routes(), http.MethodPost, "/chat", `{"prompt":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d", rec.Code)
	}

	ai.err = fmt.Errorf("gemini: %w", circuitbreaker.ErrOpen)
	if rec := serve(h.Routes(), http.MethodPost, "/chat", `{"prompt":"hi"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("open breaker status = %d", rec.Code)
	}

	ai.err = fmt.Errorf("%w: date missing", assistant.ErrBadSuggestion)
	if rec := serve(h.Routes(), http.MethodPost, "/appointment-suggestion", `{"prompt":"dentist"}`); rec.Code != http.StatusBadGateway {
		t.Errorf("bad suggestion status = %d", rec.Code)
	}

	ai.err = nil
	ai.suggestion = &assistant.Suggestion{DoctorName: "Dr. Lee", Date: "2024-04-02", Time: "10:30", Type: "Checkup"}
	rec = serve(h.Routes(), http.MethodPost, "/appointment-suggestion", `{"prompt":"checkup next tuesday"}`)
	var got map[string]string
	json.NewDecoder(rec.Body).Decode(&got)
	if got["doctorName"] != "Dr. Lee" || got["status"] != "Scheduled" {
		t.Errorf("suggestion = %v", got)
	}
}

func TestAssistantNotConfigured(t *testing.T) {
	h := NewAssistantHandler(nil, nil)
	if rec := serve(h.Routes(), http.MethodPost, "/chat", `{"prompt":"hi"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

type fakeCard struct{}

func (fakeCard) Summary(ctx context.Context, userID string) (*healthcard.Summary, error) {
	if userID != "user-1" {
		return nil, user.ErrNotFound
	}
	return &healthcard.Summary{ID: userID, Name: "Asha", BloodGroup: "O+"}, nil
}

func (fakeCard) QR(userID string) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

func (fakeCard) PDF(ctx context.Context, userID string, w io.Writer) error {
	_, err := io.WriteString(w, "%PDF-1.3")
	return err
}

func TestHealthCardHandler(t *testing.T) {
	h := NewHealthCardHandler(fakeCard{}, nil)

	rec := serve(h.Routes(), http.MethodGet, "/qr", "")
	if rec.Header().Get("Content-Type") != "image/png" || rec.Body.String() != "\x89PNG" {
		t.Errorf("qr = %q %q", rec.Header().Get("Content-Type"), rec.Body)
	}

	rec = serve(h.Routes(), http.MethodGet, "/pdf", "")
	if rec.Header().Get("Content-Type") != "application/pdf" || !strings.HasPrefix(rec.Body.String(), "%PDF") {
		t.Errorf("pdf = %q", rec.Header().Get("Content-Type"))
	}

	r := chi.NewRouter()
	r.Get("/medical_details/{id}", h.Details)
	if rec := serve(r, http.MethodGet, "/medical_details/nobody", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d", rec.Code)
	}
	rec = serve(r, http.MethodGet, "/medical_details/user-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"bloodGroup":"O+"`) {
		t.Errorf("details = %d %s", rec.Code, rec.Body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{user.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("signup: %w", user.ErrEmailTaken), http.StatusConflict},
		{&assistant.APIError{StatusCode: 500}, http.StatusBadGateway},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
