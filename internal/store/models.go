package store

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsOwner      bool
	DisabledAt   *time.Time
	CreatedAt    time.Time
}

type Session struct {
	TokenHash     string
	UserID        string
	OwnerElevated bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

type Subscription struct {
	UserID          string
	Plan            string
	Status          string
	CustomerRef     string
	SubscriptionRef string
	UpdatedAt       time.Time
}

type Project struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// Canon lifecycle states. Locking is one-way per item; edits to locked
// canon go through the amend path, which snapshots the prior body.
const (
	CanonStateDraft      = "DRAFT"
	CanonStateLocked     = "LOCKED_CANON"
	CanonStateSuperseded = "SUPERSEDED"
)

type CanonItem struct {
	ID         string
	OwnerID    string
	ProjectID  *string
	Tab        string
	Title      string
	Body       string
	Tags       []string
	CanonState string
	Source     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CanonVersion struct {
	ID           int64
	ItemID       string
	Version      int
	Body         string
	ChangeReason string
	CreatedAt    time.Time
}

type Message struct {
	ID        string
	ProjectID *string
	UserID    *string
	Tab       string
	Role      string
	Content   string
	CreatedAt time.Time
}

type AnalyticsEvent struct {
	ID        int64
	EventType string
	UserID    *string
	Metadata  map[string]any
	CreatedAt time.Time
}

// SubscriberRow is the admin subscriber listing shape (user joined with
// its subscription, if any).
type SubscriberRow struct {
	UserID    string
	Email     string
	Plan      string
	Status    string
	IsOwner   bool
	CreatedAt time.Time
	UpdatedAt *time.Time
}

type UsageRow struct {
	EventType string
	Day       time.Time
	Count     int
}
