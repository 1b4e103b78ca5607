// Package billing applies subscription events pushed by the payment
// provider. Events are idempotent upserts; replaying one is harmless.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookworm/api/internal/store"
)

// TokenHeader carries the shared webhook secret.
const TokenHeader = "X-Bookworm-Billing-Token"

var (
	ErrUnknownUser   = errors.New("unknown user")
	ErrUnknownPlan   = errors.New("unknown plan")
	ErrUnknownStatus = errors.New("unknown status")
)

var validPlans = map[string]bool{
	"free":   true,
	"basic":  true,
	"pro":    true,
	"patron": true,
}

var validStatuses = map[string]bool{
	"active":   true,
	"past_due": true,
	"canceled": true,
	"inactive": true,
}

// Event is the provider's notification of a subscription change.
type Event struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
	Status string `json:"status"`
}

type Store interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UpsertSubscription(ctx context.Context, sub store.Subscription) error
}

type Service struct {
	store Store
}

func NewService(st Store) *Service {
	return &Service{store: st}
}

// Apply validates and persists one subscription event. Entitlement
// changes take effect on the next request; no session is touched.
func (s *Service) Apply(ctx context.Context, ev Event) error {
	if !validPlans[ev.Plan] {
		return fmt.Errorf("%w: %q", ErrUnknownPlan, ev.Plan)
	}
	if !validStatuses[ev.Status] {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, ev.Status)
	}

	if _, err := s.store.GetUserByID(ctx, ev.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrUnknownUser, ev.UserID)
		}
		return fmt.Errorf("look up subscriber: %w", err)
	}

	sub := store.Subscription{
		UserID:    ev.UserID,
		Plan:      ev.Plan,
		Status:    ev.Status,
		UpdatedAt: time.Now(),
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}
