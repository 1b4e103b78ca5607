// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bookworm/api/internal/store"
	"bookworm/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrAccountDisabled    = errors.New("account disabled")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

type RegisterRequest struct {
	Email    string
	Password string
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return store.User{}, errors.New("a valid email is required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. Unknown email and wrong password fail the
// same way so the response does not reveal which accounts exist.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if req.Email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if user.DisabledAt != nil {
		return store.User{}, ErrAccountDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
