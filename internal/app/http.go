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
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pronoundb/api/internal/lookup"
	"pronoundb/api/internal/platform"
	"pronoundb/api/internal/pronouns"
	"pronoundb/api/internal/ratelimit"
	"pronoundb/api/internal/session"
	"pronoundb/api/internal/store"
)

const sessionCookie = "token"

type HTTPServer struct {
	service    *Service
	limiter    ratelimit.Limiter
	corsOrigin string
}

func NewHTTPServer(service *Service, limiter ratelimit.Limiter, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, limiter: limiter, corsOrigin: corsOrigin}
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
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/lookup" {
		s.handleLookup(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/lookup/bulk" {
		s.handleLookupBulk(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/oauth/state" {
		payload, err := s.service.OAuthState(
			strings.TrimSpace(r.URL.Query().Get("intent")),
			strings.TrimSpace(r.URL.Query().Get("platform")),
		)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/stats" {
		payload, err := s.service.Stats(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/auth/logout" {
		_ = s.service.Logout(r.Context(), sessionToken(r))
		clearSessionCookie(w)
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	parts := splitPath(r.URL.Path)

	// Shields.io endpoint payload: /shields/pronouns/{platform}/{id}.json
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "shields" && parts[1] == "pronouns" {
		s.handleShield(w, r, parts[2], strings.TrimSuffix(parts[3], ".json"))
		return
	}

	// /api/v1/oauth/{platform}/callback
	if r.Method == http.MethodPost && len(parts) == 5 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "oauth" && parts[4] == "callback" {
		s.handleOAuthCallback(w, r, parts[3])
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "accounts" && parts[3] == "me" {
		s.handleAccount(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	if !s.allowLookup(w, r) {
		return
	}
	platformName := strings.TrimSpace(r.URL.Query().Get("platform"))
	platformUserID := strings.TrimSpace(r.URL.Query().Get("id"))
	if platformName == "" || platformUserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "platform and id are required", nil)
		return
	}
	if !platform.Valid(platformName) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported platform", nil)
		return
	}
	value, err := s.service.LookupSingle(r.Context(), platformName, platformUserID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": platformUserID, "pronouns": value})
}

func (s *HTTPServer) handleLookupBulk(w http.ResponseWriter, r *http.Request) {
	if !s.allowLookup(w, r) {
		return
	}
	platformName := strings.TrimSpace(r.URL.Query().Get("platform"))
	rawIDs := strings.TrimSpace(r.URL.Query().Get("ids"))
	if platformName == "" || rawIDs == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "platform and ids are required", nil)
		return
	}
	if !platform.Valid(platformName) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported platform", nil)
		return
	}

	tier := lookup.TierAnonymous
	if token := sessionToken(r); token != "" {
		if accountID, err := s.service.SessionAccountID(r.Context(), token); err == nil && accountID != "" {
			tier = lookup.TierAuthenticated
		}
	}

	result, err := s.service.LookupBulk(r.Context(), platformName, strings.Split(rawIDs, ","), tier)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	// The mapping is the whole payload; ids without a declaration are absent.
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleShield(w http.ResponseWriter, r *http.Request, platformName, platformUserID string) {
	if !s.allowLookup(w, r) {
		return
	}
	if !platform.Valid(platformName) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported platform", nil)
		return
	}
	styling := pronouns.StylingLower
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("capitalization")), "pascal") {
		styling = pronouns.StylingPascal
	}
	payload, err := s.service.Shield(r.Context(), platformName, platformUserID, styling)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Shields render a placeholder rather than erroring on unset users.
			writeJSON(w, http.StatusOK, map[string]any{
				"schemaVersion": 1,
				"label":         "pronouns",
				"message":       "unspecified",
			})
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request, platformName string) {
	var body struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
	}
	if body.Code == "" {
		body.Code = strings.TrimSpace(r.URL.Query().Get("code"))
	}
	if body.State == "" {
		body.State = strings.TrimSpace(r.URL.Query().Get("state"))
	}

	accountID := ""
	if token := sessionToken(r); token != "" {
		id, err := s.service.SessionAccountID(r.Context(), token)
		if err != nil && !errors.Is(err, session.ErrNoSession) {
			// An unreadable session must not demote a link attempt into a
			// fresh registration.
			writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "session store unavailable", nil)
			return
		}
		accountID = id
	}

	result, err := s.service.HandleOAuthCallback(r.Context(), platformName, body.Code, body.State, accountID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if result.SessionToken != "" {
		setSessionCookie(w, result.SessionToken)
	}
	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request, parts []string) {
	accountID, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if len(parts) == 4 && r.Method == http.MethodGet {
		view, err := s.service.GetAccountView(r.Context(), accountID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(parts) == 4 && r.Method == http.MethodDelete {
		if err := s.service.DeleteAccount(r.Context(), accountID, sessionToken(r)); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		clearSessionCookie(w)
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if len(parts) == 5 && parts[4] == "pronouns" && r.Method == http.MethodPost {
		var body struct {
			Pronouns string `json:"pronouns"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetPronouns(r.Context(), accountID, body.Pronouns); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if len(parts) == 6 && parts[4] == "identities" && r.Method == http.MethodDelete {
		if err := s.service.UnlinkIdentity(r.Context(), accountID, parts[5]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// allowLookup applies the per-client rate guard to the public lookup surface.
// A limiter error never blocks the request; the guard fails open.
func (s *HTTPServer) allowLookup(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	decision, err := s.limiter.Allow(r.Context(), "lookup:"+clientIP(r))
	if err != nil {
		log.Printf("rate limiter error: %v", err)
		return true
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		return false
	}
	return true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	accountID, err := s.service.SessionAccountID(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return "", false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return "", false
	}
	return accountID, true
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if status == http.StatusNoContent {
		return
	}
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

// sessionToken reads the session cookie, falling back to a bearer header for
// non-browser clients.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// clientIP prefers the first X-Forwarded-For hop so the guard keys on the
// caller, not the proxy.
func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrCollision):
		return http.StatusConflict, "COLLISION", "Identity already linked to another account", nil
	case errors.Is(err, store.ErrNotOwner):
		return http.StatusForbidden, "NOT_OWNER", "Identity does not belong to this account", nil
	case errors.Is(err, store.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge, "BATCH_TOO_LARGE", "Too many ids in one request", nil
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store unavailable, retry later", nil
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil
	case errors.Is(err, session.ErrNoSession):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
