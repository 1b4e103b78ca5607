package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict marks unique-constraint violations (duplicate email,
// duplicate project name per owner, duplicate session token).
var ErrConflict = errors.New("conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_owner)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, user.Email, user.PasswordHash, user.IsOwner)
	if isUniqueViolation(err) {
		return fmt.Errorf("email taken: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_owner, disabled_at, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.IsOwner, &user.DisabledAt, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_owner, disabled_at, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.IsOwner, &user.DisabledAt, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- sessions ---

func (s *PostgresStore) SaveSession(ctx context.Context, tokenHash, userID string, ownerElevated bool, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, owner_elevated, expires_at)
		VALUES ($1, $2, $3, $4)
	`, tokenHash, userID, ownerElevated, expiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("session token collision: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns sql.ErrNoRows for unknown and expired tokens
// alike; expiry is checked lazily here, nothing sweeps the table.
func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, owner_elevated, created_at, expires_at
		FROM sessions
		WHERE token_hash=$1 AND expires_at > NOW()
	`, tokenHash).Scan(&session.TokenHash, &session.UserID, &session.OwnerElevated, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSessionOwnerElevated(ctx context.Context, tokenHash string, elevated bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET owner_elevated=$2 WHERE token_hash=$1 AND expires_at > NOW()
	`, tokenHash, elevated)
	if err != nil {
		return fmt.Errorf("set session elevation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session elevation rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- subscriptions ---

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, plan, status, customer_ref, subscription_ref, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET plan=EXCLUDED.plan, status=EXCLUDED.status, customer_ref=EXCLUDED.customer_ref,
		    subscription_ref=EXCLUDED.subscription_ref, updated_at=NOW()
	`, sub.UserID, sub.Plan, sub.Status, sub.CustomerRef, sub.SubscriptionRef)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns a zero-value free/inactive record when the user
// has none; absence of a row is the implicit free tier, not an error.
func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, plan, status, customer_ref, subscription_ref, updated_at
		FROM subscriptions
		WHERE user_id=$1
	`, userID).Scan(&sub.UserID, &sub.Plan, &sub.Status, &sub.CustomerRef, &sub.SubscriptionRef, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{UserID: userID, Plan: "free", Status: "inactive"}, nil
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// --- projects ---

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name)
		VALUES ($1, $2, $3)
	`, project.ID, project.OwnerID, project.Name)
	if isUniqueViolation(err) {
		return fmt.Errorf("project name taken: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProjectForOwner treats an ownership mismatch exactly like a missing
// row so callers cannot probe for foreign project ids.
func (s *PostgresStore) GetProjectForOwner(ctx context.Context, projectID, ownerID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at
		FROM projects
		WHERE id=$1 AND owner_id=$2
	`, projectID, ownerID).Scan(&project.ID, &project.OwnerID, &project.Name, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) ListProjectsByOwner(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, created_at
		FROM projects
		WHERE owner_id=$1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// DeleteProject cascades to canon items, versions and messages via FKs.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID, ownerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM projects WHERE id=$1 AND owner_id=$2
	`, projectID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project rows: %w", err)
	}
	return affected > 0, nil
}

// --- canon items ---

func (s *PostgresStore) InsertCanonItem(ctx context.Context, item CanonItem) error {
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canon_items (id, owner_id, project_id, tab, title, body, tags, canon_state, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, item.ID, item.OwnerID, item.ProjectID, item.Tab, item.Title, item.Body, string(tags), item.CanonState, item.Source)
	if err != nil {
		return fmt.Errorf("insert canon item: %w", err)
	}
	return nil
}

const canonItemColumns = `id, owner_id, project_id, tab, title, body, tags, canon_state, source, created_at, updated_at`

func scanCanonItem(row interface{ Scan(...any) error }) (CanonItem, error) {
	var item CanonItem
	var tags []byte
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.ProjectID,
		&item.Tab,
		&item.Title,
		&item.Body,
		&tags,
		&item.CanonState,
		&item.Source,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return CanonItem{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return CanonItem{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return item, nil
}

// GetCanonItemForOwner treats an ownership mismatch the same as a
// missing row so an item ID never confirms another tenant's data.
func (s *PostgresStore) GetCanonItemForOwner(ctx context.Context, itemID, ownerID string) (CanonItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+canonItemColumns+` FROM canon_items WHERE id=$1 AND owner_id=$2
	`, itemID, ownerID)
	return scanCanonItem(row)
}

// AmendCanonItem snapshots the current body into canon_versions and
// replaces the live body in a single transaction. The version number is
// computed inside the transaction under a row lock on the parent item, so
// concurrent amends serialize and numbers never collide.
func (s *PostgresStore) AmendCanonItem(ctx context.Context, itemID, ownerID, newBody, changeReason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin amend tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var priorBody string
	err = tx.QueryRowContext(ctx, `
		SELECT body FROM canon_items WHERE id=$1 AND owner_id=$2 FOR UPDATE
	`, itemID, ownerID).Scan(&priorBody)
	if err != nil {
		return 0, err
	}

	var version int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO canon_versions (item_id, version, body, change_reason)
		VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM canon_versions WHERE item_id=$1), $2, $3)
		RETURNING version
	`, itemID, priorBody, changeReason).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("append canon version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE canon_items SET body=$2, updated_at=NOW() WHERE id=$1
	`, itemID, newBody); err != nil {
		return 0, fmt.Errorf("update canon body: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit amend: %w", err)
	}
	return version, nil
}

// TransitionCanonState applies a guarded state change and reports whether
// a row changed. The caller names the allowed source states, which keeps
// DRAFT -> LOCKED_CANON one-way.
func (s *PostgresStore) TransitionCanonState(ctx context.Context, itemID, ownerID, fromState, toState string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE canon_items SET canon_state=$4, updated_at=NOW()
		WHERE id=$1 AND owner_id=$2 AND canon_state=$3
	`, itemID, ownerID, fromState, toState)
	if err != nil {
		return false, fmt.Errorf("transition canon state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition canon state rows: %w", err)
	}
	return affected > 0, nil
}

// ListCanonForContext returns locked canon for one project lane,
// most-recently-updated first. Draft and superseded items never feed
// generation context.
func (s *PostgresStore) ListCanonForContext(ctx context.Context, ownerID, projectID, tab string, limit int) ([]CanonItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+canonItemColumns+`
		FROM canon_items
		WHERE owner_id=$1
		  AND (($2 = '' AND project_id IS NULL) OR project_id = NULLIF($2, ''))
		  AND tab=$3 AND canon_state='LOCKED_CANON'
		ORDER BY updated_at DESC
		LIMIT $4
	`, ownerID, projectID, tab, limit)
	if err != nil {
		return nil, fmt.Errorf("list canon for context: %w", err)
	}
	defer rows.Close()

	items := make([]CanonItem, 0)
	for rows.Next() {
		item, err := scanCanonItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canon item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canon items: %w", err)
	}
	return items, nil
}

// ListCanonItems lists any-state items for display. Empty projectID
// selects the project-less (global) items; empty tab selects all lanes.
func (s *PostgresStore) ListCanonItems(ctx context.Context, ownerID, projectID, tab string) ([]CanonItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+canonItemColumns+`
		FROM canon_items
		WHERE owner_id=$1
		  AND (($2 = '' AND project_id IS NULL) OR project_id = NULLIF($2, ''))
		  AND ($3 = '' OR tab = $3)
		ORDER BY updated_at DESC
	`, ownerID, projectID, tab)
	if err != nil {
		return nil, fmt.Errorf("list canon items: %w", err)
	}
	defer rows.Close()

	items := make([]CanonItem, 0)
	for rows.Next() {
		item, err := scanCanonItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canon item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canon items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCanonVersions(ctx context.Context, itemID string) ([]CanonVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, version, body, change_reason, created_at
		FROM canon_versions
		WHERE item_id=$1
		ORDER BY version ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list canon versions: %w", err)
	}
	defer rows.Close()

	items := make([]CanonVersion, 0)
	for rows.Next() {
		var item CanonVersion
		if err := rows.Scan(&item.ID, &item.ItemID, &item.Version, &item.Body, &item.ChangeReason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan canon version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canon versions: %w", err)
	}
	return items, nil
}

// --- messages ---

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, user_id, tab, role, content)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, message.ID, message.ProjectID, message.UserID, message.Tab, message.Role, message.Content)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns one lane's transcript. Project lanes are scoped
// by the already-verified project; the global lane falls back to the
// caller's own user id.
func (s *PostgresStore) ListMessages(ctx context.Context, userID, projectID, tab string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, tab, role, content, created_at
		FROM messages
		WHERE (($2 = '' AND project_id IS NULL AND user_id = $1) OR ($2 <> '' AND project_id = $2))
		  AND ($3 = '' OR tab = $3)
		ORDER BY created_at ASC
		LIMIT $4
	`, userID, projectID, tab, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.UserID, &item.Tab, &item.Role, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// --- analytics ---

func (s *PostgresStore) InsertAnalyticsEvent(ctx context.Context, event AnalyticsEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analytics_events (event_type, user_id, metadata)
		VALUES ($1, $2, $3::jsonb)
	`, event.EventType, event.UserID, string(metadata))
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountEventsSince(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM analytics_events
		WHERE user_id=$1 AND event_type=$2 AND created_at >= $3
	`, userID, eventType, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// CountAnonymousEventsSince counts events with no user attached, which
// is the shared quota pool for anonymous callers.
func (s *PostgresStore) CountAnonymousEventsSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM analytics_events
		WHERE user_id IS NULL AND event_type=$1 AND created_at >= $2
	`, eventType, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count anonymous events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListSubscribers(ctx context.Context) ([]SubscriberRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, COALESCE(sub.plan, 'free'), COALESCE(sub.status, 'inactive'), u.is_owner, u.created_at, sub.updated_at
		FROM users u
		LEFT JOIN subscriptions sub ON sub.user_id = u.id
		ORDER BY u.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	items := make([]SubscriberRow, 0)
	for rows.Next() {
		var item SubscriberRow
		if err := rows.Scan(&item.UserID, &item.Email, &item.Plan, &item.Status, &item.IsOwner, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UsageSummary(ctx context.Context, since time.Time) ([]UsageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, DATE_TRUNC('day', created_at) AS day, COUNT(*)
		FROM analytics_events
		WHERE created_at >= $1
		GROUP BY event_type, day
		ORDER BY day ASC, event_type ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	items := make([]UsageRow, 0)
	for rows.Next() {
		var item UsageRow
		if err := rows.Scan(&item.EventType, &item.Day, &item.Count); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return items, nil
}
