package user

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	byID map[string]*User
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*User)}
}

func (f *fakeStore) Create(_ context.Context, u *User) error {
	for _, existing := range f.byID {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) GetByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) UpdateProfile(_ context.Context, u *User) error {
	if _, ok := f.byID[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeStore) SetTelegramChat(_ context.Context, id string, chatID *int64) error {
	u, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.TelegramChatID = chatID
	return nil
}

func (f *fakeStore) ListWithTelegram(_ context.Context) ([]*User, error) {
	var out []*User
	for _, u := range f.byID {
		if u.TelegramChatID != nil {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeTokens struct{}

func (fakeTokens) Issue(userID, _ string) (string, time.Time, error) {
	return "token-" + userID, time.Now().Add(time.Hour), nil
}

func TestSignupAndLogin(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, fakeTokens{}, nil)
	ctx := context.Background()

	u, err := svc.Signup(ctx, SignupInput{Email: "  Asha@Example.com ", Name: "Asha", Password: "secret1"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if u.Email != "asha@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}
	if u.PasswordHash == "" || u.PasswordHash == "secret1" {
		t.Error("password must be stored hashed")
	}

	session, err := svc.Login(ctx, "ASHA@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.Token != "token-"+u.ID || session.User.ID != u.ID {
		t.Errorf("unexpected session: %+v", session)
	}

	if _, err := svc.Login(ctx, "asha@example.com", "wrong12"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeStore(), fakeTokens{}, nil)
	ctx := context.Background()

	in := SignupInput{Email: "a@b.co", Name: "Ravi", Password: "secret1"}
	if _, err := svc.Signup(ctx, in); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, err := svc.Signup(ctx, in); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	tests := []struct {
		name string
		in   SignupInput
	}{
		{"bad email", SignupInput{Email: "nope", Name: "Ravi", Password: "secret1"}},
		{"short name", SignupInput{Email: "a@b.co", Name: "Al", Password: "secret1"}},
		{"long name", SignupInput{Email: "a@b.co", Name: "Abcdefghijklmnopqrstu", Password: "secret1"}},
		{"short password", SignupInput{Email: "a@b.co", Name: "Ravi", Password: "12345"}},
		{"long password", SignupInput{Email: "a@b.co", Name: "Ravi", Password: "123456789012345678901"}},
	}

	svc := NewService(newFakeStore(), fakeTokens{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Signup(context.Background(), tt.in); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestUpdateMedicalProfile(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, fakeTokens{}, nil)
	ctx := context.Background()

	u, _ := svc.Signup(ctx, SignupInput{Email: "a@b.co", Name: "Ravi", Password: "secret1"})

	dob := time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC)
	updated, err := svc.UpdateMedicalProfile(ctx, u.ID, ProfileInput{DateOfBirth: dob, BloodGroup: "O+"})
	if err != nil {
		t.Fatalf("UpdateMedicalProfile: %v", err)
	}
	if updated.DateOfBirth == nil || !updated.DateOfBirth.Equal(dob) || updated.BloodGroup != "O+" {
		t.Errorf("profile not applied: %+v", updated)
	}

	if _, err := svc.UpdateMedicalProfile(ctx, u.ID, ProfileInput{}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing dob: expected ErrValidation, got %v", err)
	}
	future := ProfileInput{DateOfBirth: time.Now().AddDate(1, 0, 0)}
	if _, err := svc.UpdateMedicalProfile(ctx, u.ID, future); !errors.Is(err, ErrValidation) {
		t.Errorf("future dob: expected ErrValidation, got %v", err)
	}
	if _, err := svc.UpdateMedicalProfile(ctx, "missing", ProfileInput{DateOfBirth: dob}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown user: expected ErrNotFound, got %v", err)
	}
}

func TestTelegramLinking(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, fakeTokens{}, nil)
	ctx := context.Background()

	u, _ := svc.Signup(ctx, SignupInput{Email: "a@b.co", Name: "Ravi", Password: "secret1"})
	svc.Signup(ctx, SignupInput{Email: "c@d.co", Name: "Meera", Password: "secret1"})

	chat := int64(4242)
	if err := svc.SetTelegramChat(ctx, u.ID, &chat); err != nil {
		t.Fatalf("SetTelegramChat: %v", err)
	}
	users, _ := svc.ListWithTelegram(ctx)
	if len(users) != 1 || users[0].ID != u.ID {
		t.Errorf("ListWithTelegram = %d users", len(users))
	}

	zero := int64(0)
	if err := svc.SetTelegramChat(ctx, u.ID, &zero); !errors.Is(err, ErrValidation) {
		t.Errorf("zero chat id: expected ErrValidation, got %v", err)
	}

	if err := svc.SetTelegramChat(ctx, u.ID, nil); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	users, _ = svc.ListWithTelegram(ctx)
	if len(users) != 0 {
		t.Errorf("expected no linked users, got %d", len(users))
	}
}

func TestAge(t *testing.T) {
	dob := time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		on   time.Time
		want int
	}{
		{time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC), 34},
		{time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), 35},
		{time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC), 34},
		{time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), 35},
	}
	for _, tt := range tests {
		if got := Age(dob, tt.on); got != tt.want {
			t.Errorf("Age on %s = %d, want %d", tt.on.Format("2006-01-02"), got, tt.want)
		}
	}
}
