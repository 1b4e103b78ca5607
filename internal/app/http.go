package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookworm/api/internal/auth"
	"bookworm/api/internal/billing"
	"bookworm/api/internal/export"
	"bookworm/api/internal/genbackend"
	"bookworm/api/internal/search"
	"bookworm/api/internal/session"
	"bookworm/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		if token := bearerToken(r); token != "" {
			_ = s.service.Logout(r.Context(), token)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sess, true))
		return
	}

	// Billing webhook, authenticated by shared token rather than session
	if r.Method == http.MethodPost && r.URL.Path == "/api/billing/webhook" {
		s.handleBillingWebhook(w, r)
		return
	}

	// Generation accepts anonymous callers when the deployment allows it
	if r.Method == http.MethodPost && r.URL.Path == "/api/generate" {
		s.handleGenerate(w, r)
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/projects" {
		payload, err := s.service.ListProjects(r.Context(), sess)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": payload})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateProject(r.Context(), sess, body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/canon" {
		payload, err := s.service.ListCanon(r.Context(), sess,
			strings.TrimSpace(r.URL.Query().Get("projectId")),
			strings.TrimSpace(r.URL.Query().Get("tab")))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": payload})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/canon" {
		var body struct {
			ProjectID  string   `json:"projectId"`
			Tab        string   `json:"tab"`
			Title      string   `json:"title"`
			Body       string   `json:"body"`
			Tags       []string `json:"tags"`
			CanonState string   `json:"canonState"`
			Source     string   `json:"source"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SaveCanon(r.Context(), sess, SaveCanonRequest{
			ProjectID:  body.ProjectID,
			Tab:        body.Tab,
			Title:      body.Title,
			Body:       body.Body,
			Tags:       body.Tags,
			CanonState: body.CanonState,
			Source:     body.Source,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/canon/search" {
		q := search.Query{
			Text:       strings.TrimSpace(r.URL.Query().Get("q")),
			ProjectID:  strings.TrimSpace(r.URL.Query().Get("projectId")),
			Tab:        strings.TrimSpace(r.URL.Query().Get("tab")),
			CanonState: strings.TrimSpace(r.URL.Query().Get("state")),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			q.Limit = parsed
		}
		payload, err := s.service.SearchCanon(r.Context(), sess, q)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/messages" {
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.ListMessages(r.Context(), sess,
			strings.TrimSpace(r.URL.Query().Get("projectId")),
			strings.TrimSpace(r.URL.Query().Get("tab")), limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": payload})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/export" {
		format := export.Format(strings.TrimSpace(r.URL.Query().Get("format")))
		if format == "" {
			format = export.FormatPDF
		}
		if format != export.FormatHTML && format != export.FormatPDF && format != export.FormatDOCX {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html, pdf or docx", nil)
			return
		}
		result, err := s.service.ExportCompendium(r.Context(), sess,
			strings.TrimSpace(r.URL.Query().Get("projectId")),
			format,
			r.URL.Query().Get("includeDrafts") == "true")
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/owner/unlock" {
		var body struct {
			Code string `json:"code"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.OwnerUnlock(r.Context(), sess, body.Code); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "owner": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/owner/lock" {
		if err := s.service.OwnerLock(r.Context(), sess); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "owner": false})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/subscribers" {
		payload, err := s.service.AdminListSubscribers(r.Context(), sess)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscribers": payload})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/usage" {
		days := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "days must be an integer", nil)
				return
			}
			days = parsed
		}
		payload, err := s.service.AdminUsageSummary(r.Context(), sess, days)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"usage": payload})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "projects" {
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteProject(r.Context(), sess, parts[2]); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "canon" {
		itemID := parts[2]
		switch {
		case r.Method == http.MethodPost && parts[3] == "amend":
			var body struct {
				Body         string `json:"body"`
				ChangeReason string `json:"changeReason"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.AmendCanon(r.Context(), sess, itemID, body.Body, body.ChangeReason)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case r.Method == http.MethodPost && parts[3] == "lock":
			if err := s.service.LockCanon(r.Context(), sess, itemID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "canonState": store.CanonStateLocked})
			return
		case r.Method == http.MethodPost && parts[3] == "supersede":
			if err := s.service.SupersedeCanon(r.Context(), sess, itemID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "canonState": store.CanonStateSuperseded})
			return
		case r.Method == http.MethodGet && parts[3] == "versions":
			payload, err := s.service.ListCanonVersions(r.Context(), sess, itemID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"versions": payload})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Register(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(sess, true))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess, true))
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"projectId"`
		Tab       string `json:"tab"`
		Prompt    string `json:"prompt"`
		Depth     string `json:"depth"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var sess *Session
	if token := bearerToken(r); token != "" {
		resolved, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		sess = &resolved
	}

	payload, err := s.service.Generate(r.Context(), sess, GenerateRequest{
		ProjectID: body.ProjectID,
		Tab:       body.Tab,
		Prompt:    body.Prompt,
		Depth:     body.Depth,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	presented := strings.TrimSpace(r.Header.Get(billing.TokenHeader))
	if !auth.SecureEqual(s.service.BillingToken(), presented) {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return
	}

	var event billing.Event
	if err := decodeBody(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.BillingService().Apply(r.Context(), event); err != nil {
		switch {
		case errors.Is(err, billing.ErrUnknownPlan), errors.Is(err, billing.ErrUnknownStatus):
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		case errors.Is(err, billing.ErrUnknownUser):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		default:
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func sessionPayload(sess Session, authenticated bool) map[string]any {
	return map[string]any{
		"authenticated": authenticated,
		"token":         sess.Token,
		"userId":        sess.UserID,
		"email":         sess.Email,
		"plan":          string(sess.Capability.Plan),
		"owner":         sess.Capability.Owner,
		"expiresAt":     sess.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+billing.TokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, session.ErrNoSession) || errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	if errors.Is(err, genbackend.ErrUnavailable) {
		return http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "Generation backend unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
