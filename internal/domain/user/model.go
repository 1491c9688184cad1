// Package user manages accounts, sign-in and the medical profile.
package user

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrValidation         = errors.New("invalid user")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// User is an account together with its medical profile
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	PasswordHash   string     `json:"-"`
	DateOfBirth    *time.Time `json:"dateOfBirth,omitempty"`
	Gender         string     `json:"gender,omitempty"`
	BloodGroup     string     `json:"bloodGroup,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	ImageURL       string     `json:"imageUrl,omitempty"`
	TelegramChatID *int64     `json:"telegramChatId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// SignupInput carries the sign-up form
type SignupInput struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Normalize trims whitespace and lower-cases the email
func (in *SignupInput) Normalize() {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate checks email format and the name and password lengths
func (in SignupInput) Validate() error {
	if !emailPattern.MatchString(in.Email) {
		return fmt.Errorf("%w: email is not valid", ErrValidation)
	}
	if n := len([]rune(in.Name)); n < 3 || n > 20 {
		return fmt.Errorf("%w: name must be 3 to 20 characters", ErrValidation)
	}
	if n := len(in.Password); n < 6 || n > 20 {
		return fmt.Errorf("%w: password must be 6 to 20 characters", ErrValidation)
	}
	return nil
}

// ProfileInput is the medical profile form. Date of birth is required, the
// rest are optional and replace the stored values.
type ProfileInput struct {
	DateOfBirth time.Time
	Gender      string
	BloodGroup  string
	Phone       string
}

// Validate rejects a missing or future date of birth
func (in ProfileInput) Validate(now time.Time) error {
	if in.DateOfBirth.IsZero() {
		return fmt.Errorf("%w: dateOfBirth is required", ErrValidation)
	}
	if in.DateOfBirth.After(now) {
		return fmt.Errorf("%w: dateOfBirth is in the future", ErrValidation)
	}
	return nil
}

// Age returns the age in whole years on the given day. The year difference
// is reduced by one until the birthday has been reached in that year.
func Age(dob, on time.Time) int {
	age := on.Year() - dob.Year()
	if on.Month() < dob.Month() || (on.Month() == dob.Month() && on.Day() < dob.Day()) {
		age--
	}
	return age
}
