package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"bookworm/api/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store. Individual
// methods can be overridden through func fields.
type fakeStore struct {
	mu sync.Mutex

	users    map[string]store.User
	subs     map[string]store.Subscription
	sessions map[string]store.Session
	projects map[string]store.Project
	canon    map[string]store.CanonItem
	versions map[string][]store.CanonVersion
	messages []store.Message
	events   []store.AnalyticsEvent

	countEventsFn     func(userID, eventType string, since time.Time) (int, error)
	countAnonEventsFn func(eventType string, since time.Time) (int, error)
	seq               int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]store.User),
		subs:     make(map[string]store.Subscription),
		sessions: make(map[string]store.Session),
		projects: make(map[string]store.Project),
		canon:    make(map[string]store.CanonItem),
		versions: make(map[string][]store.CanonVersion),
	}
}

func (f *fakeStore) tick() time.Time {
	f.seq++
	return time.Unix(1700000000, 0).Add(time.Duration(f.seq) * time.Second)
}

// --- users (authpw.UserStore and billing.Store) ---

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == strings.ToLower(email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) setOwner(userID string, owner bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.IsOwner = owner
	f.users[userID] = user
}

// --- sessions (session.Backend) ---

func (f *fakeStore) SaveSession(_ context.Context, tokenHash, userID string, ownerElevated bool, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.sessions[tokenHash]; exists {
		return store.ErrConflict
	}
	f.sessions[tokenHash] = store.Session{TokenHash: tokenHash, UserID: userID, OwnerElevated: ownerElevated, ExpiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupSession(_ context.Context, tokenHash string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[tokenHash]
	if !ok || time.Now().After(session.ExpiresAt) {
		return store.Session{}, sql.ErrNoRows
	}
	return session, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) SetSessionOwnerElevated(_ context.Context, tokenHash string, elevated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[tokenHash]
	if !ok {
		return sql.ErrNoRows
	}
	session.OwnerElevated = elevated
	f.sessions[tokenHash] = session
	return nil
}

// --- subscriptions ---

func (f *fakeStore) UpsertSubscription(_ context.Context, sub store.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.UserID] = sub
	return nil
}

func (f *fakeStore) GetSubscription(_ context.Context, userID string) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[userID]
	if !ok {
		return store.Subscription{UserID: userID, Plan: "free", Status: "inactive"}, nil
	}
	return sub, nil
}

// --- projects ---

func (f *fakeStore) InsertProject(_ context.Context, project store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.projects {
		if existing.OwnerID == project.OwnerID && existing.Name == project.Name {
			return store.ErrConflict
		}
	}
	project.CreatedAt = f.tick()
	f.projects[project.ID] = project
	return nil
}

func (f *fakeStore) GetProjectForOwner(_ context.Context, projectID, ownerID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok || project.OwnerID != ownerID {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListProjectsByOwner(_ context.Context, ownerID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Project, 0)
	for _, project := range f.projects {
		if project.OwnerID == ownerID {
			out = append(out, project)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) DeleteProject(_ context.Context, projectID, ownerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok || project.OwnerID != ownerID {
		return false, nil
	}
	delete(f.projects, projectID)
	return true, nil
}

// --- canon ---

func (f *fakeStore) InsertCanonItem(_ context.Context, item store.CanonItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	item.CreatedAt = now
	item.UpdatedAt = now
	f.canon[item.ID] = item
	return nil
}

func (f *fakeStore) GetCanonItemForOwner(_ context.Context, itemID, ownerID string) (store.CanonItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.canon[itemID]
	if !ok || item.OwnerID != ownerID {
		return store.CanonItem{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) AmendCanonItem(_ context.Context, itemID, ownerID, newBody, changeReason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.canon[itemID]
	if !ok || item.OwnerID != ownerID {
		return 0, sql.ErrNoRows
	}
	version := len(f.versions[itemID]) + 1
	f.versions[itemID] = append(f.versions[itemID], store.CanonVersion{
		ItemID:       itemID,
		Version:      version,
		Body:         item.Body,
		ChangeReason: changeReason,
		CreatedAt:    f.tick(),
	})
	item.Body = newBody
	item.UpdatedAt = f.tick()
	f.canon[itemID] = item
	return version, nil
}

func (f *fakeStore) TransitionCanonState(_ context.Context, itemID, ownerID, fromState, toState string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.canon[itemID]
	if !ok || item.OwnerID != ownerID || item.CanonState != fromState {
		return false, nil
	}
	item.CanonState = toState
	item.UpdatedAt = f.tick()
	f.canon[itemID] = item
	return true, nil
}

func matchesLane(item store.CanonItem, projectID string) bool {
	if projectID == "" {
		return item.ProjectID == nil
	}
	return item.ProjectID != nil && *item.ProjectID == projectID
}

func (f *fakeStore) ListCanonForContext(_ context.Context, ownerID, projectID, tab string, limit int) ([]store.CanonItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]store.CanonItem, 0)
	for _, item := range f.canon {
		if item.OwnerID == ownerID && matchesLane(item, projectID) && item.Tab == tab && item.CanonState == store.CanonStateLocked {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListCanonItems(_ context.Context, ownerID, projectID, tab string) ([]store.CanonItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.CanonItem, 0)
	for _, item := range f.canon {
		if item.OwnerID == ownerID && matchesLane(item, projectID) && (tab == "" || item.Tab == tab) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeStore) ListCanonVersions(_ context.Context, itemID string) ([]store.CanonVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.CanonVersion(nil), f.versions[itemID]...), nil
}

// --- messages ---

func (f *fakeStore) InsertMessage(_ context.Context, message store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	message.CreatedAt = f.tick()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, userID, projectID, tab string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	out := make([]store.Message, 0)
	for _, m := range f.messages {
		if projectID == "" {
			if m.ProjectID != nil || m.UserID == nil || *m.UserID != userID {
				continue
			}
		} else if m.ProjectID == nil || *m.ProjectID != projectID {
			continue
		}
		if tab != "" && m.Tab != tab {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- analytics ---

func (f *fakeStore) InsertAnalyticsEvent(_ context.Context, event store.AnalyticsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) CountEventsSince(_ context.Context, userID, eventType string, since time.Time) (int, error) {
	if f.countEventsFn != nil {
		return f.countEventsFn(userID, eventType, since)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.UserID != nil && *event.UserID == userID && event.EventType == eventType && !event.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) CountAnonymousEventsSince(_ context.Context, eventType string, since time.Time) (int, error) {
	if f.countAnonEventsFn != nil {
		return f.countAnonEventsFn(eventType, since)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.UserID == nil && event.EventType == eventType && !event.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) ListSubscribers(_ context.Context) ([]store.SubscriberRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.SubscriberRow, 0, len(f.users))
	for _, user := range f.users {
		row := store.SubscriberRow{UserID: user.ID, Email: user.Email, Plan: "free", Status: "inactive", IsOwner: user.IsOwner}
		if sub, ok := f.subs[user.ID]; ok {
			row.Plan = sub.Plan
			row.Status = sub.Status
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (f *fakeStore) UsageSummary(_ context.Context, since time.Time) ([]store.UsageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, event := range f.events {
		if !event.CreatedAt.Before(since) {
			counts[event.EventType]++
		}
	}
	out := make([]store.UsageRow, 0, len(counts))
	for eventType, count := range counts {
		out = append(out, store.UsageRow{EventType: eventType, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// eventRecorded polls for an analytics event written off the request
// path.
func (f *fakeStore) eventRecorded(eventType string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, event := range f.events {
			if event.EventType == eventType {
				f.mu.Unlock()
				return true
			}
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
