// Package httpapi exposes the dashboard backend over HTTP. Responses use a
// uniform envelope: {"success":true,"data":...} on success and
// {"success":false,"error":...,"meta":{...}} on failure, where meta carries
// classified error fields and, for authorization denials, a remediation
// script an operator can apply to the remote store.
package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/service"
	"tokoku/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/sale-transactions", a.requireAuth(a.handleSaleTransactions, domain.RoleOwner, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleOwner, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleOwner, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/ledger", a.requireAuth(a.handleLedger, domain.RoleOwner, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeFailure(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, err.Error(), nil)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeFailure(w, http.StatusForbidden, "forbidden role", nil)
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// ownerFrom extracts the owning account from the authenticated actor. Every
// data route is scoped to it.
func ownerFrom(r *http.Request) (string, bool) {
	actor, ok := service.ActorFromContext(r.Context())
	if !ok || actor.Username == "" {
		return "", false
	}
	return actor.Username, true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeFailure(w, http.StatusTooManyRequests, "too many login attempts", nil)
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, err.Error(), nil)
		return
	}

	writeSuccess(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour
// bucket. Clients include it in the X-CSRF-Token header on mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths lists paths exempt from CSRF validation. Login is excluded
// because it is called before any CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeFailure(w, http.StatusForbidden, "missing or invalid CSRF token", nil)
		return false
	}
	return true
}

func (a *API) handleSaleTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "unknown account", nil)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req domain.CreateSaleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error(), nil)
			return
		}

		resp, err := a.service.CreateSaleTransaction(r.Context(), ownerID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, resp)

	case http.MethodGet:
		filter, err := saleFilterFromQuery(r)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error(), nil)
			return
		}

		orders, err := a.service.ListSaleTransactions(r.Context(), ownerID, filter)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{
			"sales":  orders,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		})

	case http.MethodDelete:
		var req domain.DeleteSalesRequest
		if err := decodeJSON(r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error(), nil)
			return
		}

		resp, err := a.service.DeleteSaleTransactions(r.Context(), ownerID, req.IDs)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, resp)

	default:
		writeMethodNotAllowed(w)
	}
}

func saleFilterFromQuery(r *http.Request) (domain.SaleListFilter, error) {
	q := r.URL.Query()
	filter := domain.SaleListFilter{
		PaymentStatus: strings.TrimSpace(q.Get("payment_status")),
		Limit:         parsePositiveLimit(q.Get("limit"), 50, 200),
		Offset:        parseOffset(q.Get("offset")),
	}

	if raw := strings.TrimSpace(q.Get("start_date")); raw != "" {
		start, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, fmt.Errorf("invalid start_date %q", raw)
		}
		filter.StartDate = &start
	}
	if raw := strings.TrimSpace(q.Get("end_date")); raw != "" {
		end, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, fmt.Errorf("invalid end_date %q", raw)
		}
		// Inclusive through the end of the named day.
		end = end.Add(24*time.Hour - time.Nanosecond)
		filter.EndDate = &end
	}
	return filter, nil
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "unknown account", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context(), ownerID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"products": products})

	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error(), nil)
			return
		}

		product, err := a.service.CreateProduct(r.Context(), ownerID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusCreated, map[string]any{"product": product})

	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "unknown account", nil)
		return
	}

	id := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/products/"), "/"))
	if id == "" || strings.Contains(id, "/") {
		writeFailure(w, http.StatusBadRequest, "product id required", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), ownerID, id)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"product": product})

	case http.MethodPatch:
		var req domain.ProductUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error(), nil)
			return
		}

		updated, err := a.service.UpdateProduct(r.Context(), ownerID, id, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"product": updated})

	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "unknown account", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := domain.LedgerListFilter{
			EntryType: strings.TrimSpace(q.Get("entry_type")),
			Limit:     parsePositiveLimit(q.Get("limit"), 50, 200),
			Offset:    parseOffset(q.Get("offset")),
		}
		if raw := strings.TrimSpace(q.Get("start_date")); raw != "" {
			start, err := time.Parse("2006-01-02", raw)
			if err != nil {
				writeFailure(w, http.StatusBadRequest, fmt.Sprintf("invalid start_date %q", raw), nil)
				return
			}
			filter.StartDate = &start
		}
		if raw := strings.TrimSpace(q.Get("end_date")); raw != "" {
			end, err := time.Parse("2006-01-02", raw)
			if err != nil {
				writeFailure(w, http.StatusBadRequest, fmt.Sprintf("invalid end_date %q", raw), nil)
				return
			}
			end = end.Add(24*time.Hour - time.Nanosecond)
			filter.EndDate = &end
		}

		entries, err := a.service.ListLedgerEntries(r.Context(), ownerID, filter)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"entries": entries})

	case http.MethodPost:
		var req domain.LedgerCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error(), nil)
			return
		}

		entry, err := a.service.CreateLedgerEntry(r.Context(), ownerID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusCreated, map[string]any{"entry": entry})

	default:
		writeMethodNotAllowed(w)
	}
}

// writeServiceError maps the service's typed errors onto statuses and
// envelope metadata. Unclassified failures become a generic 500 with the raw
// diagnostic carried in meta.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *service.ValidationError
	if errors.As(err, &validationErr) {
		writeFailure(w, http.StatusBadRequest, validationErr.Msg, nil)
		return
	}

	var stockErr *service.InsufficientStockError
	if errors.As(err, &stockErr) {
		writeFailure(w, http.StatusBadRequest, stockErr.Error(), map[string]any{
			"kind":      store.KindInsufficientStock,
			"shortages": stockErr.Shortages,
		})
		return
	}

	var authErr *service.AuthorizationError
	if errors.As(err, &authErr) {
		c := authErr.Classification
		writeFailure(w, http.StatusForbidden, authErr.Error(), map[string]any{
			"kind":                    store.KindAuthDenied,
			"auth_kind":               c.AuthKind,
			"table":                   c.Table,
			"recommended_remediation": authErr.RemediationScript(),
		})
		return
	}

	var stuckErr *service.NumberingStuckError
	if errors.As(err, &stuckErr) {
		writeFailure(w, http.StatusInternalServerError, stuckErr.Error(), map[string]any{
			"kind":                    store.KindUniqueViolation,
			"invoice":                 stuckErr.Invoice,
			"constraint":              stuckErr.Classification.Constraint,
			"probable_cause":          stuckErr.ProbableCause(),
			"recommended_remediation": stuckErr.RemediationScript(),
		})
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		writeFailure(w, http.StatusNotFound, "not found", nil)
		return
	}

	log.Printf("internal error: %v", err)
	writeFailure(w, http.StatusInternalServerError, "internal server error", map[string]any{
		"kind":       store.KindUnclassified,
		"diagnostic": err.Error(),
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		switch r.Method {
		case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
			if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
				r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseOffset(raw string) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeFailure(w, http.StatusMethodNotAllowed, "method not allowed", nil)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeFailure(w http.ResponseWriter, status int, msg string, meta map[string]any) {
	body := map[string]any{
		"success": false,
		"error":   msg,
	}
	if len(meta) > 0 {
		body["meta"] = meta
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
