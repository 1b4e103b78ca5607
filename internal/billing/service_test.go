package billing

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"bookworm/api/internal/store"
)

type fakeStore struct {
	users    map[string]store.User
	upserted []store.Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]store.User{
		"usr_1": {ID: "usr_1", Email: "reader@example.com"},
	}}
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) UpsertSubscription(_ context.Context, sub store.Subscription) error {
	f.upserted = append(f.upserted, sub)
	return nil
}

func TestApplyUpsertsSubscription(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st)

	err := svc.Apply(context.Background(), Event{UserID: "usr_1", Plan: "pro", Status: "active"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(st.upserted) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(st.upserted))
	}
	if got := st.upserted[0]; got.Plan != "pro" || got.Status != "active" {
		t.Errorf("unexpected subscription %+v", got)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st)
	ev := Event{UserID: "usr_1", Plan: "basic", Status: "active"}

	for i := 0; i < 2; i++ {
		if err := svc.Apply(context.Background(), ev); err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}
	if len(st.upserted) != 2 {
		t.Fatalf("expected 2 upserts, got %d", len(st.upserted))
	}
	if st.upserted[0].Plan != st.upserted[1].Plan {
		t.Error("replay changed the subscription")
	}
}

func TestApplyRejectsBadEvents(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	if err := svc.Apply(ctx, Event{UserID: "usr_1", Plan: "enterprise", Status: "active"}); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("expected ErrUnknownPlan, got %v", err)
	}
	if err := svc.Apply(ctx, Event{UserID: "usr_1", Plan: "pro", Status: "trialing"}); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
	if err := svc.Apply(ctx, Event{UserID: "usr_404", Plan: "pro", Status: "active"}); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestApplyDowngrade(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st)

	if err := svc.Apply(context.Background(), Event{UserID: "usr_1", Plan: "patron", Status: "canceled"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := st.upserted[0]; got.Status != "canceled" {
		t.Errorf("unexpected status %q", got.Status)
	}
}
