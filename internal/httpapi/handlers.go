package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmtrace.org/internal/access"
	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/obs"
	"farmtrace.org/internal/ratelimit"
)

// ReadyProbe reports readiness, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the three engine services.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	evaluator *access.Evaluator
	tracker   *ratelimit.Tracker
	recorder  *audit.Recorder
	fallback  *ratelimit.Fallback
}

// Config wires the API's collaborators.
type Config struct {
	ReadyProbe ReadyProbe
	Version    string
	Evaluator  *access.Evaluator
	Tracker    *ratelimit.Tracker
	Recorder   *audit.Recorder
	Fallback   *ratelimit.Fallback
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		evaluator:  cfg.Evaluator,
		tracker:    cfg.Tracker,
		recorder:   cfg.Recorder,
		fallback:   cfg.Fallback,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/actors", a.handleActorsCollection)
	a.mux.HandleFunc("/v1/actors/", a.handleActorResource)
	a.mux.HandleFunc("/v1/access/check", a.handleAccessCheck)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)

	a.mux.HandleFunc("/v1/ratelimit/check", a.handleRateLimitCheck)
	a.mux.HandleFunc("/v1/ratelimit/window", a.handleRateLimitWindow)
	a.mux.HandleFunc("/v1/ratelimit/reset", a.handleRateLimitReset)
	a.mux.HandleFunc("/v1/ratelimit/block", a.handleRateLimitBlock)
	a.mux.HandleFunc("/v1/ratelimit/unblock", a.handleRateLimitUnblock)
	a.mux.HandleFunc("/v1/ratelimit/violations", a.handleRateLimitViolations)

	a.mux.HandleFunc("/v1/audit/pending-review", a.handleAuditPendingReview)
	a.mux.HandleFunc("/v1/audit/critical", a.handleAuditCritical)
	a.mux.HandleFunc("/v1/audit/stats", a.handleAuditStats)
	a.mux.HandleFunc("/v1/audit/records/", a.handleAuditRecordResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler: metrics outermost, then
// request ids, structured logging, hardening headers, the unauthenticated
// fallback limiter and bearer authentication.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = a.withFallbackLimit(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "farmtrace-api",
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
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "farmtrace-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
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

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

// handleEngineError maps the engine taxonomy onto HTTP statuses. Typed errors
// carry extra payload: privilege levels and conflicting role pairs.
func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		privErr     *access.PrivilegeError
		conflictErr *access.RoleConflictError
		precondErr  *access.PreconditionError
	)
	switch {
	case errors.As(err, &privErr):
		payload := map[string]any{
			"error":          err.Error(),
			"actor_level":    privErr.ActorLevel,
			"required_level": privErr.RequiredLevel,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusForbidden, payload)
	case errors.As(err, &conflictErr):
		payload := map[string]any{
			"error":     err.Error(),
			"conflicts": conflictErr.Conflicts,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
	case errors.As(err, &precondErr):
		writeError(w, r, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, access.ErrInvalidArgument), errors.Is(err, ratelimit.ErrInvalidArgument), errors.Is(err, audit.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrNotFound), errors.Is(err, ratelimit.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, access.ErrAlreadyExists), errors.Is(err, access.ErrVersionConflict), errors.Is(err, ratelimit.ErrNotBlocked):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrForbidden), errors.Is(err, access.ErrInsufficientPrivilege):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, access.ErrUnavailable), errors.Is(err, ratelimit.ErrUnavailable), errors.Is(err, audit.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
