// Package users stores end-user accounts and checks their passwords.
package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pardot/ssoidc/storage"
)

const (
	userKeyspace  = "user"
	emailKeyspace = "user-email"

	// MinPasswordLength is the shortest password Register accepts.
	MinPasswordLength = 8
	// MaxPasswordLength is the most bcrypt will hash.
	MaxPasswordLength = 72
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrAlreadyExists      = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalid is wrapped with detail for registrations that fail validation.
	ErrInvalid = errors.New("invalid registration")
)

// User is an account that can sign in at the authorization endpoint.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-" codec:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Store struct {
	storage storage.Storage

	// bcryptCost is lowered in tests
	bcryptCost int
	now        func() time.Time

	// compared against when the email is unknown, so lookups of missing and
	// existing accounts take about as long
	dummyOnce sync.Once
	dummyHash []byte
}

func New(s storage.Storage) *Store {
	return &Store{
		storage:    s,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// ValidateRegistration checks a sign-up request. The email must be a bare
// address, and the password confirmed and of a length bcrypt can hash.
func ValidateRegistration(email, password, confirmation string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalid)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: email must be a valid email address", ErrInvalid)
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalid, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalid, MaxPasswordLength)
	}
	if password != confirmation {
		return fmt.Errorf("%w: password confirmation does not match", ErrInvalid)
	}
	return nil
}

// Register creates an account. Emails are unique ignoring case.
func (s *Store) Register(ctx context.Context, email, password string) (*User, error) {
	email = strings.TrimSpace(email)
	if err := ValidateRegistration(email, password, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}

	// claim the email first, it's the uniqueness constraint
	if _, err := s.storage.Put(ctx, emailKeyspace, emailKey(email), 0, u.ID); err != nil {
		if storage.IsConflictErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, email)
		}
		return nil, fmt.Errorf("indexing user email: %w", err)
	}

	if _, err := s.storage.Put(ctx, userKeyspace, u.ID, 0, u); err != nil {
		_ = s.storage.Delete(ctx, emailKeyspace, emailKey(email))
		return nil, fmt.Errorf("storing user: %w", err)
	}

	return u, nil
}

// VerifyCredentials returns the user with the given email if password matches.
// Unknown emails and wrong passwords both return ErrInvalidCredentials.
func (s *Store) VerifyCredentials(ctx context.Context, email, password string) (*User, error) {
	var id string
	_, err := s.storage.Get(ctx, emailKeyspace, emailKey(email), &id)
	if err != nil && !storage.IsNotFoundErr(err) {
		return nil, fmt.Errorf("looking up user email: %w", err)
	}

	if storage.IsNotFoundErr(err) {
		_ = bcrypt.CompareHashAndPassword(s.fallbackHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}

	u, err := s.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	} else if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// Lookup returns the user with the given ID.
func (s *Store) Lookup(ctx context.Context, id string) (*User, error) {
	u := &User{}
	if _, err := s.storage.Get(ctx, userKeyspace, id, u); err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return u, nil
}

func (s *Store) fallbackHash() []byte {
	s.dummyOnce.Do(func() {
		// errors only on over-long input
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not a real password"), s.bcryptCost)
	})
	return s.dummyHash
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
