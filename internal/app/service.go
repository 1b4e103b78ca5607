package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"bookworm/api/internal/auth"
	"bookworm/api/internal/authpw"
	"bookworm/api/internal/billing"
	"bookworm/api/internal/entitlement"
	"bookworm/api/internal/export"
	"bookworm/api/internal/search"
	"bookworm/api/internal/session"
	"bookworm/api/internal/store"
	"bookworm/api/internal/util"
)

// contextBudget caps the characters of canon injected into one
// generation call.
const contextBudget = 4000

const truncationMarker = "...[canon truncated]..."

// eventGeneration is the analytics event counted against daily quotas.
const eventGeneration = "generation"

var validDepths = map[string]bool{
	"":           true,
	"deep":       true,
	"super_deep": true,
}

// dataStore is the slice of the primary store the service uses.
type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetSubscription(ctx context.Context, userID string) (store.Subscription, error)

	InsertProject(ctx context.Context, project store.Project) error
	GetProjectForOwner(ctx context.Context, projectID, ownerID string) (store.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]store.Project, error)
	DeleteProject(ctx context.Context, projectID, ownerID string) (bool, error)

	InsertCanonItem(ctx context.Context, item store.CanonItem) error
	GetCanonItemForOwner(ctx context.Context, itemID, ownerID string) (store.CanonItem, error)
	AmendCanonItem(ctx context.Context, itemID, ownerID, newBody, changeReason string) (int, error)
	TransitionCanonState(ctx context.Context, itemID, ownerID, fromState, toState string) (bool, error)
	ListCanonForContext(ctx context.Context, ownerID, projectID, tab string, limit int) ([]store.CanonItem, error)
	ListCanonItems(ctx context.Context, ownerID, projectID, tab string) ([]store.CanonItem, error)
	ListCanonVersions(ctx context.Context, itemID string) ([]store.CanonVersion, error)

	InsertMessage(ctx context.Context, message store.Message) error
	ListMessages(ctx context.Context, userID, projectID, tab string, limit int) ([]store.Message, error)

	InsertAnalyticsEvent(ctx context.Context, event store.AnalyticsEvent) error
	CountEventsSince(ctx context.Context, userID, eventType string, since time.Time) (int, error)
	CountAnonymousEventsSince(ctx context.Context, eventType string, since time.Time) (int, error)
	ListSubscribers(ctx context.Context) ([]store.SubscriberRow, error)
	UsageSummary(ctx context.Context, since time.Time) ([]store.UsageRow, error)

	Ping(ctx context.Context) error
}

type generator interface {
	Generate(ctx context.Context, prompt string, canonContext []string, depth string) (string, error)
	Configured() bool
}

type canonSearcher interface {
	Search(ctx context.Context, q search.Query) (search.Response, error)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Session is the resolved caller identity attached to each request.
type Session struct {
	Token         string
	UserID        string
	Email         string
	OwnerElevated bool
	Capability    entitlement.Capability
	ExpiresAt     time.Time
}

type Service struct {
	store    dataStore
	sessions *session.Manager
	accounts *authpw.Service
	backend  generator
	searcher canonSearcher
	indexer  search.Indexer
	exporter exporter
	billing  *billing.Service

	ownerCode      string
	billingToken   string
	anonGeneration bool
	systemPrompt   string
}

type ServiceOptions struct {
	Store          dataStore
	Sessions       *session.Manager
	Accounts       *authpw.Service
	Backend        generator
	Searcher       canonSearcher
	Indexer        search.Indexer
	Exporter       exporter
	Billing        *billing.Service
	OwnerCode      string
	BillingToken   string
	AnonGeneration bool
	SystemPrompt   string
}

func NewService(opts ServiceOptions) *Service {
	return &Service{
		store:          opts.Store,
		sessions:       opts.Sessions,
		accounts:       opts.Accounts,
		backend:        opts.Backend,
		searcher:       opts.Searcher,
		indexer:        opts.Indexer,
		exporter:       opts.Exporter,
		billing:        opts.Billing,
		ownerCode:      opts.OwnerCode,
		billingToken:   opts.BillingToken,
		anonGeneration: opts.AnonGeneration,
		systemPrompt:   opts.SystemPrompt,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) BillingService() *billing.Service {
	return s.billing
}

func (s *Service) BillingToken() string {
	return s.billingToken
}

// AnonymousGenerationAllowed reports the deployment policy for
// unauthenticated generation calls.
func (s *Service) AnonymousGenerationAllowed() bool {
	return s.anonGeneration
}

// --- identity ---

// SessionFromToken resolves a bearer token into a full Session,
// including the caller's effective capability. Entitlement is computed
// per request so a billing change applies without re-login.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	record, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, session.ErrNoSession
		}
		return Session{}, fmt.Errorf("load session user: %w", err)
	}
	if user.DisabledAt != nil {
		return Session{}, session.ErrNoSession
	}
	sub, err := s.store.GetSubscription(ctx, user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("load subscription: %w", err)
	}
	return Session{
		Token:         token,
		UserID:        user.ID,
		Email:         user.Email,
		OwnerElevated: record.OwnerElevated,
		Capability:    entitlement.Resolve(user.IsOwner, record.OwnerElevated, sub.Plan, sub.Status),
		ExpiresAt:     record.ExpiresAt,
	}, nil
}

func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.Register(ctx, authpw.RegisterRequest{Email: email, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "CONFLICT", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.startSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) || errors.Is(err, authpw.ErrAccountDisabled) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid email or password", nil)
		}
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	return s.startSession(ctx, user)
}

func (s *Service) startSession(ctx context.Context, user store.User) (Session, error) {
	token, expiresAt, err := s.sessions.Create(ctx, user.ID, false)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	sub, err := s.store.GetSubscription(ctx, user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("load subscription: %w", err)
	}
	return Session{
		Token:      token,
		UserID:     user.ID,
		Email:      user.Email,
		Capability: entitlement.Resolve(user.IsOwner, false, sub.Plan, sub.Status),
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}

// --- owner unlock ---

// OwnerUnlock elevates the current session after a constant-time check
// of the owner code. A wrong code is recorded; repeated failures show up
// in the usage summary.
func (s *Service) OwnerUnlock(ctx context.Context, sess Session, code string) error {
	if !auth.SecureEqual(s.ownerCode, code) {
		s.recordEvent("owner_unlock_failed", &sess.UserID, nil)
		return domainError(http.StatusForbidden, "OWNER_ONLY", "Owner code rejected", nil)
	}
	if err := s.sessions.SetOwnerElevated(ctx, sess.Token, true); err != nil {
		return fmt.Errorf("elevate session: %w", err)
	}
	s.recordEvent("owner_unlock", &sess.UserID, nil)
	return nil
}

// OwnerLock drops elevation from the current session only.
func (s *Service) OwnerLock(ctx context.Context, sess Session) error {
	if err := s.sessions.SetOwnerElevated(ctx, sess.Token, false); err != nil {
		return fmt.Errorf("lower session: %w", err)
	}
	return nil
}

// --- projects ---

type ProjectPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) CreateProject(ctx context.Context, sess Session, name string) (ProjectPayload, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ProjectPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(name) > 200 {
		return ProjectPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is too long", nil)
	}
	project := store.Project{
		ID:      util.NewID("prj"),
		OwnerID: sess.UserID,
		Name:    name,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ProjectPayload{}, domainError(http.StatusConflict, "CONFLICT", "A project with this name already exists", nil)
		}
		return ProjectPayload{}, fmt.Errorf("insert project: %w", err)
	}
	s.recordEvent("project_created", &sess.UserID, map[string]any{"project_id": project.ID})
	return ProjectPayload{ID: project.ID, Name: project.Name, CreatedAt: time.Now()}, nil
}

func (s *Service) ListProjects(ctx context.Context, sess Session) ([]ProjectPayload, error) {
	projects, err := s.store.ListProjectsByOwner(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	payload := make([]ProjectPayload, 0, len(projects))
	for _, p := range projects {
		payload = append(payload, ProjectPayload{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt})
	}
	return payload, nil
}

// DeleteProject removes a project and, via cascading keys, its canon
// and transcripts.
func (s *Service) DeleteProject(ctx context.Context, sess Session, projectID string) error {
	deleted, err := s.store.DeleteProject(ctx, projectID, sess.UserID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return nil
}

// requireProject resolves a project lane. The empty id is the global
// lane and always allowed; anything else must belong to the caller.
func (s *Service) requireProject(ctx context.Context, sess Session, projectID string) error {
	if projectID == "" {
		return nil
	}
	if _, err := s.store.GetProjectForOwner(ctx, projectID, sess.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return fmt.Errorf("load project: %w", err)
	}
	return nil
}

// --- generation ---

type GenerateRequest struct {
	ProjectID string
	Tab       string
	Prompt    string
	Depth     string
}

type GeneratePayload struct {
	Text         string `json:"text"`
	ContextItems int    `json:"contextItems"`
	Truncated    bool   `json:"truncated"`
}

// Generate runs one gateway call: entitlement and quota first, then
// canon context assembly, then the backend. The user turn is persisted
// before the call so a backend failure still leaves a coherent
// transcript.
func (s *Service) Generate(ctx context.Context, sess *Session, req GenerateRequest) (GeneratePayload, error) {
	req.Tab = strings.TrimSpace(req.Tab)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Tab == "" {
		return GeneratePayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tab is required", nil)
	}
	if req.Prompt == "" {
		return GeneratePayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "prompt is required", nil)
	}
	if !validDepths[req.Depth] {
		return GeneratePayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "depth must be deep or super_deep", nil)
	}

	if sess == nil {
		return s.generateAnonymous(ctx, req)
	}

	cap := sess.Capability
	if cap.DailyGenerations > 0 {
		used, err := s.store.CountEventsSince(ctx, sess.UserID, eventGeneration, startOfDay(time.Now()))
		if err != nil {
			return GeneratePayload{}, fmt.Errorf("count generations: %w", err)
		}
		if used >= cap.DailyGenerations {
			return GeneratePayload{}, domainError(http.StatusPaymentRequired, "PLAN_INSUFFICIENT", "Daily generation limit reached", map[string]any{
				"plan":  string(cap.Plan),
				"limit": cap.DailyGenerations,
			})
		}
	}

	if err := s.requireProject(ctx, *sess, req.ProjectID); err != nil {
		return GeneratePayload{}, err
	}

	items, err := s.store.ListCanonForContext(ctx, sess.UserID, req.ProjectID, req.Tab, 20)
	if err != nil {
		return GeneratePayload{}, fmt.Errorf("load canon context: %w", err)
	}
	canonContext, truncated := assembleContext(items, contextBudget)

	prompt := s.taggedPrompt(req.Tab, req.Prompt, req.Depth)

	var projectID *string
	if req.ProjectID != "" {
		projectID = &req.ProjectID
	}
	userTurn := store.Message{
		ID:        util.NewID("msg"),
		ProjectID: projectID,
		UserID:    &sess.UserID,
		Tab:       req.Tab,
		Role:      "user",
		Content:   req.Prompt,
	}
	if err := s.store.InsertMessage(ctx, userTurn); err != nil {
		return GeneratePayload{}, fmt.Errorf("persist user turn: %w", err)
	}

	// No transaction is held across this call.
	text, err := s.backend.Generate(ctx, prompt, canonContext, req.Depth)
	if err != nil {
		errTurn := store.Message{
			ID:        util.NewID("msg"),
			ProjectID: projectID,
			UserID:    &sess.UserID,
			Tab:       req.Tab,
			Role:      "assistant",
			Content:   "Generation failed. Please try again.",
		}
		if insertErr := s.store.InsertMessage(ctx, errTurn); insertErr != nil {
			log.Printf("app: persist error turn: %v", insertErr)
		}
		return GeneratePayload{}, err
	}

	assistantTurn := store.Message{
		ID:        util.NewID("msg"),
		ProjectID: projectID,
		UserID:    &sess.UserID,
		Tab:       req.Tab,
		Role:      "assistant",
		Content:   text,
	}
	if err := s.store.InsertMessage(ctx, assistantTurn); err != nil {
		return GeneratePayload{}, fmt.Errorf("persist assistant turn: %w", err)
	}

	s.recordEvent(eventGeneration, &sess.UserID, map[string]any{
		"tab":   req.Tab,
		"depth": req.Depth,
		"plan":  string(cap.Plan),
	})

	return GeneratePayload{Text: text, ContextItems: len(canonContext), Truncated: truncated}, nil
}

// generateAnonymous serves the unauthenticated path. No canon and no
// transcript, but the free-tier daily cap still applies, shared by all
// anonymous callers of the deployment.
func (s *Service) generateAnonymous(ctx context.Context, req GenerateRequest) (GeneratePayload, error) {
	if !s.anonGeneration {
		return GeneratePayload{}, domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Sign in to generate", nil)
	}

	cap := entitlement.Anonymous()
	used, err := s.store.CountAnonymousEventsSince(ctx, eventGeneration, startOfDay(time.Now()))
	if err != nil {
		return GeneratePayload{}, fmt.Errorf("count anonymous generations: %w", err)
	}
	if used >= cap.DailyGenerations {
		return GeneratePayload{}, domainError(http.StatusPaymentRequired, "PLAN_INSUFFICIENT", "Daily generation limit reached", map[string]any{
			"plan":  string(cap.Plan),
			"limit": cap.DailyGenerations,
		})
	}

	text, err := s.backend.Generate(ctx, s.taggedPrompt(req.Tab, req.Prompt, req.Depth), nil, req.Depth)
	if err != nil {
		return GeneratePayload{}, err
	}
	s.recordEvent(eventGeneration, nil, map[string]any{"tab": req.Tab, "anonymous": true})
	return GeneratePayload{Text: text}, nil
}

// taggedPrompt prefixes the system prompt, the upper-snake domain tag
// and the depth line, so the backend can specialize tone per lane.
func (s *Service) taggedPrompt(tab, prompt, depth string) string {
	var sb strings.Builder
	if s.systemPrompt != "" {
		sb.WriteString(s.systemPrompt)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "[DOMAIN: %s]\n", domainTag(tab))
	if depth != "" {
		fmt.Fprintf(&sb, "Depth: %s\n", depth)
	}
	sb.WriteString(prompt)
	return sb.String()
}

func domainTag(tab string) string {
	tag := strings.ToUpper(strings.TrimSpace(tab))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(tag)
}

// assembleContext turns locked canon into context strings under the
// character budget. Items arrive newest-first; once the budget runs out
// the rest is dropped and the marker appended so the model knows canon
// was cut.
func assembleContext(items []store.CanonItem, budget int) ([]string, bool) {
	var out []string
	used := 0
	truncated := false
	for _, item := range items {
		entry := item.Title + ": " + item.Body
		if used+len(entry) > budget {
			remaining := budget - used
			if remaining > len(item.Title)+20 {
				out = append(out, entry[:remaining]+truncationMarker)
			} else {
				out = append(out, truncationMarker)
			}
			truncated = true
			break
		}
		out = append(out, entry)
		used += len(entry)
	}
	return out, truncated
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// --- canon ---

type CanonPayload struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId,omitempty"`
	Tab        string    `json:"tab"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Tags       []string  `json:"tags,omitempty"`
	CanonState string    `json:"canonState"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func canonPayload(item store.CanonItem) CanonPayload {
	payload := CanonPayload{
		ID:         item.ID,
		Tab:        item.Tab,
		Title:      item.Title,
		Body:       item.Body,
		Tags:       item.Tags,
		CanonState: item.CanonState,
		Source:     item.Source,
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
	}
	if item.ProjectID != nil {
		payload.ProjectID = *item.ProjectID
	}
	return payload
}

type SaveCanonRequest struct {
	ProjectID  string
	Tab        string
	Title      string
	Body       string
	Tags       []string
	CanonState string
	Source     string
}

func (s *Service) SaveCanon(ctx context.Context, sess Session, req SaveCanonRequest) (CanonPayload, error) {
	req.Tab = strings.TrimSpace(req.Tab)
	req.Title = strings.TrimSpace(req.Title)
	if req.Tab == "" {
		return CanonPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tab is required", nil)
	}
	if req.Title == "" {
		return CanonPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if strings.TrimSpace(req.Body) == "" {
		return CanonPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if req.CanonState == "" {
		req.CanonState = store.CanonStateLocked
	}
	if req.CanonState != store.CanonStateDraft && req.CanonState != store.CanonStateLocked {
		return CanonPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "canonState must be DRAFT or LOCKED_CANON", nil)
	}
	if req.Source == "" {
		req.Source = "manual-import"
	}
	if err := s.requireProject(ctx, sess, req.ProjectID); err != nil {
		return CanonPayload{}, err
	}

	item := store.CanonItem{
		ID:         util.NewID("cn"),
		OwnerID:    sess.UserID,
		Tab:        req.Tab,
		Title:      req.Title,
		Body:       req.Body,
		Tags:       req.Tags,
		CanonState: req.CanonState,
		Source:     req.Source,
	}
	if req.ProjectID != "" {
		item.ProjectID = &req.ProjectID
	}
	if err := s.store.InsertCanonItem(ctx, item); err != nil {
		return CanonPayload{}, fmt.Errorf("insert canon item: %w", err)
	}

	s.indexCanon(item)
	s.recordEvent("canon_saved", &sess.UserID, map[string]any{"item_id": item.ID, "tab": item.Tab})

	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	return canonPayload(item), nil
}

func (s *Service) ListCanon(ctx context.Context, sess Session, projectID, tab string) ([]CanonPayload, error) {
	if err := s.requireProject(ctx, sess, projectID); err != nil {
		return nil, err
	}
	items, err := s.store.ListCanonItems(ctx, sess.UserID, projectID, tab)
	if err != nil {
		return nil, fmt.Errorf("list canon: %w", err)
	}
	payload := make([]CanonPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, canonPayload(item))
	}
	return payload, nil
}

type AmendPayload struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// AmendCanon replaces an item's body, snapshotting the prior body as a
// numbered version. Superseded canon is immutable history.
func (s *Service) AmendCanon(ctx context.Context, sess Session, itemID, newBody, changeReason string) (AmendPayload, error) {
	if strings.TrimSpace(newBody) == "" {
		return AmendPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	item, err := s.store.GetCanonItemForOwner(ctx, itemID, sess.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AmendPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return AmendPayload{}, fmt.Errorf("load canon item: %w", err)
	}
	if item.CanonState == store.CanonStateSuperseded {
		return AmendPayload{}, domainError(http.StatusConflict, "CONFLICT", "Superseded canon cannot be amended", nil)
	}

	version, err := s.store.AmendCanonItem(ctx, itemID, sess.UserID, newBody, changeReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AmendPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return AmendPayload{}, fmt.Errorf("amend canon item: %w", err)
	}

	item.Body = newBody
	s.indexCanon(item)
	s.recordEvent("canon_amended", &sess.UserID, map[string]any{"item_id": itemID, "version": version})
	return AmendPayload{ID: itemID, Version: version}, nil
}

// LockCanon moves a draft into locked canon. The transition is one-way.
func (s *Service) LockCanon(ctx context.Context, sess Session, itemID string) error {
	return s.transitionCanon(ctx, sess, itemID, store.CanonStateDraft, store.CanonStateLocked, "canon_locked")
}

// SupersedeCanon retires locked canon from generation context while
// keeping it readable.
func (s *Service) SupersedeCanon(ctx context.Context, sess Session, itemID string) error {
	return s.transitionCanon(ctx, sess, itemID, store.CanonStateLocked, store.CanonStateSuperseded, "canon_superseded")
}

func (s *Service) transitionCanon(ctx context.Context, sess Session, itemID, fromState, toState, event string) error {
	changed, err := s.store.TransitionCanonState(ctx, itemID, sess.UserID, fromState, toState)
	if err != nil {
		return fmt.Errorf("transition canon: %w", err)
	}
	if changed {
		if item, err := s.store.GetCanonItemForOwner(ctx, itemID, sess.UserID); err == nil {
			s.indexCanon(item)
		}
		s.recordEvent(event, &sess.UserID, map[string]any{"item_id": itemID})
		return nil
	}
	// Nothing moved: distinguish a missing item from a wrong state.
	item, err := s.store.GetCanonItemForOwner(ctx, itemID, sess.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return fmt.Errorf("load canon item: %w", err)
	}
	return domainError(http.StatusConflict, "CONFLICT",
		fmt.Sprintf("Cannot move %s canon to %s", item.CanonState, toState), nil)
}

type CanonVersionPayload struct {
	Version      int       `json:"version"`
	Body         string    `json:"body"`
	ChangeReason string    `json:"changeReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (s *Service) ListCanonVersions(ctx context.Context, sess Session, itemID string) ([]CanonVersionPayload, error) {
	if _, err := s.store.GetCanonItemForOwner(ctx, itemID, sess.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return nil, fmt.Errorf("load canon item: %w", err)
	}
	versions, err := s.store.ListCanonVersions(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("list canon versions: %w", err)
	}
	payload := make([]CanonVersionPayload, 0, len(versions))
	for _, v := range versions {
		payload = append(payload, CanonVersionPayload{
			Version:      v.Version,
			Body:         v.Body,
			ChangeReason: v.ChangeReason,
			CreatedAt:    v.CreatedAt,
		})
	}
	return payload, nil
}

// SearchCanon runs a scoped full-text query. The session's user id is
// forced into the query regardless of what the caller sent.
func (s *Service) SearchCanon(ctx context.Context, sess Session, q search.Query) (search.Response, error) {
	q.OwnerID = sess.UserID
	if q.ProjectID != "" {
		if err := s.requireProject(ctx, sess, q.ProjectID); err != nil {
			return search.Response{}, err
		}
	}
	resp, err := s.searcher.Search(ctx, q)
	if err != nil {
		return search.Response{}, fmt.Errorf("search canon: %w", err)
	}
	return resp, nil
}

func (s *Service) indexCanon(item store.CanonItem) {
	if s.indexer == nil {
		return
	}
	rec := search.CanonRecord{
		ID:         item.ID,
		OwnerID:    item.OwnerID,
		Tab:        item.Tab,
		Title:      item.Title,
		Body:       item.Body,
		CanonState: item.CanonState,
		Tags:       item.Tags,
	}
	if item.ProjectID != nil {
		rec.ProjectID = *item.ProjectID
	}
	go func() {
		if err := s.indexer.IndexCanon(rec); err != nil {
			log.Printf("app: index canon %s: %v", rec.ID, err)
		}
	}()
}

// --- messages ---

type MessagePayload struct {
	ID        string    `json:"id"`
	Tab       string    `json:"tab"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) ListMessages(ctx context.Context, sess Session, projectID, tab string, limit int) ([]MessagePayload, error) {
	if err := s.requireProject(ctx, sess, projectID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, sess.UserID, projectID, tab, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	payload := make([]MessagePayload, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, MessagePayload{
			ID:        m.ID,
			Tab:       m.Tab,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return payload, nil
}

// --- export ---

func (s *Service) ExportCompendium(ctx context.Context, sess Session, projectID string, format export.Format, includeDrafts bool) (*export.Result, error) {
	if err := s.requireProject(ctx, sess, projectID); err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, export.Request{
		OwnerID:       sess.UserID,
		ProjectID:     projectID,
		Format:        format,
		IncludeDrafts: includeDrafts,
	})
	if err != nil {
		if errors.Is(err, export.ErrNothingToExport) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No canon to export", nil)
		}
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "Export renderer unavailable", nil)
		}
		return nil, fmt.Errorf("export compendium: %w", err)
	}
	s.recordEvent("compendium_exported", &sess.UserID, map[string]any{"format": string(format)})
	return result, nil
}

// --- admin ---

type SubscriberPayload struct {
	UserID    string     `json:"userId"`
	Email     string     `json:"email"`
	Plan      string     `json:"plan"`
	Status    string     `json:"status"`
	IsOwner   bool       `json:"isOwner"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"subscriptionUpdatedAt,omitempty"`
}

// AdminListSubscribers requires the owner grant; plan tier never
// qualifies.
func (s *Service) AdminListSubscribers(ctx context.Context, sess Session) ([]SubscriberPayload, error) {
	if !sess.Capability.Can(entitlement.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "OWNER_ONLY", "Owner access required", nil)
	}
	rows, err := s.store.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	payload := make([]SubscriberPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, SubscriberPayload{
			UserID:    row.UserID,
			Email:     row.Email,
			Plan:      row.Plan,
			Status:    row.Status,
			IsOwner:   row.IsOwner,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return payload, nil
}

type UsagePayload struct {
	EventType string    `json:"eventType"`
	Day       time.Time `json:"day"`
	Count     int       `json:"count"`
}

func (s *Service) AdminUsageSummary(ctx context.Context, sess Session, days int) ([]UsagePayload, error) {
	if !sess.Capability.Can(entitlement.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "OWNER_ONLY", "Owner access required", nil)
	}
	if days <= 0 || days > 365 {
		days = 30
	}
	rows, err := s.store.UsageSummary(ctx, startOfDay(time.Now()).AddDate(0, 0, -days))
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	payload := make([]UsagePayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, UsagePayload{EventType: row.EventType, Day: row.Day, Count: row.Count})
	}
	return payload, nil
}

// recordEvent writes analytics off the request path. Failures are
// logged and dropped; analytics never breaks a user-facing call.
func (s *Service) recordEvent(eventType string, userID *string, metadata map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		event := store.AnalyticsEvent{EventType: eventType, UserID: userID, Metadata: metadata}
		if err := s.store.InsertAnalyticsEvent(ctx, event); err != nil {
			log.Printf("app: record %s event: %v", eventType, err)
		}
	}()
}
