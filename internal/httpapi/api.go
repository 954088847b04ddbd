// Package httpapi exposes the engine over HTTP: the plain-text feeds the
// game server polls, and the JSON management surface the chat gateway and
// operators call.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"warden.gg/internal/audit"
	"warden.gg/internal/authority"
	"warden.gg/internal/feed"
	"warden.gg/internal/grant"
	"warden.gg/internal/identity"
	"warden.gg/internal/obs"
	"warden.gg/internal/rolemap"
	"warden.gg/internal/rolesync"
)

// ReadyProbe checks readiness; with a database configured it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the API's collaborators.
type Config struct {
	Feed     *feed.Cache
	Grants   *grant.Service
	Links    *identity.Registry
	Sync     *rolesync.Synchronizer
	Resolver *authority.Resolver
	Roles    *rolemap.Table
	// Trail enables the live audit stream when it is a Tee; nil disables
	// /v1/audit/stream.
	Trail      *audit.Tee
	ReadyProbe ReadyProbe
	Version    string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	feed       *feed.Cache
	grants     *grant.Service
	links      *identity.Registry
	sync       *rolesync.Synchronizer
	resolver   *authority.Resolver
	roles      *rolemap.Table
	trail      *audit.Tee
	readyProbe ReadyProbe
	version    string
}

// New builds the API and registers every route.
func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		feed:       cfg.Feed,
		grants:     cfg.Grants,
		links:      cfg.Links,
		sync:       cfg.Sync,
		resolver:   cfg.Resolver,
		roles:      cfg.Roles,
		trail:      cfg.Trail,
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
	}

	// The polled feeds: unauthenticated by design, the game server holds
	// no credentials.
	a.mux.HandleFunc("/staff", a.handleFeed)
	a.mux.HandleFunc("/whitelist", a.handleFeed)
	a.mux.HandleFunc("/members", a.handleFeed)
	a.mux.HandleFunc("/combined", a.handleFeed)

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// Management surface.
	a.mux.HandleFunc("/v1/events/role-change", a.handleRoleChange)
	a.mux.HandleFunc("/v1/grants", a.handleGrantsCollection)
	a.mux.HandleFunc("/v1/grants/revoke", a.handleRevoke)
	a.mux.HandleFunc("/v1/grants/", a.handleGrantItem)
	a.mux.HandleFunc("/v1/links", a.handleLinks)
	a.mux.HandleFunc("/v1/verify/issue", a.handleVerifyIssue)
	a.mux.HandleFunc("/v1/verify", a.handleVerifyRedeem)
	a.mux.HandleFunc("/v1/resolve/", a.handleResolve)
	a.mux.HandleFunc("/v1/unverified-staff", a.handleUnverifiedStaff)
	a.mux.HandleFunc("/v1/audit/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler: metrics, request correlation,
// logging, hardening, body limits, per-IP rate limiting, bearer auth.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, 20, 10)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- common handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "warden",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "warden",
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
		"feed_ttl": a.feed.TTL().String(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads a strict JSON body: unknown fields and trailing data are
// rejected so malformed gateway payloads fail loudly.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps sentinel errors from the domain packages onto
// status codes. Retry-exhausted store contention asks the caller to retry.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grant.ErrInvalidType),
		errors.Is(err, grant.ErrInvalidSource),
		errors.Is(err, grant.ErrInvalidDuration),
		errors.Is(err, identity.ErrInvalidGameAccountID),
		errors.Is(err, identity.ErrInvalidChatAccountID),
		errors.Is(err, identity.ErrInvalidSource),
		errors.Is(err, identity.ErrInvalidConfidence):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrCodeInvalid):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, grant.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, grant.ErrAlreadyRevoked):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rolesync.ErrBusy), errors.Is(err, grant.ErrStoreBusy):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "storage busy, retry")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
