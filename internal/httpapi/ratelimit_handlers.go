package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/obs"
	"farmtrace.org/internal/ratelimit"
)

type rateLimitCheckRequest struct {
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	WindowType string `json:"window_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type rateLimitResetRequest struct {
	ActorID string `json:"actor_id"`
	Action  string `json:"action,omitempty"`
}

type rateLimitBlockRequest struct {
	ActorID         string `json:"actor_id"`
	Action          string `json:"action"`
	WindowType      string `json:"window_type"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

type rateLimitUnblockRequest struct {
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	WindowType string `json:"window_type"`
}

// resolveLimit picks the ceiling for (actor, action): an explicit limit in
// the request wins, otherwise the actor's primary role supplies its default.
func (a *API) resolveLimit(r *http.Request, req rateLimitCheckRequest) (int, ratelimit.WindowType, error) {
	if req.Limit > 0 && req.WindowType != "" {
		wt, err := ratelimit.ParseWindowType(req.WindowType)
		if err != nil {
			return 0, "", err
		}
		return req.Limit, wt, nil
	}
	actor, err := a.evaluator.Actor(r.Context(), req.ActorID)
	if err != nil {
		return 0, "", err
	}
	def, err := a.evaluator.Registry().Get(actor.PrimaryRole)
	if err != nil {
		return 0, "", err
	}
	al, ok := def.RateLimits[req.Action]
	if !ok {
		return 0, "", fmt.Errorf("%w: no limit configured for action %q", ratelimit.ErrInvalidArgument, req.Action)
	}
	wt, err := ratelimit.ParseWindowType(al.Per)
	if err != nil {
		return 0, "", err
	}
	return al.Limit, wt, nil
}

// handleRateLimitCheck consumes one attempt. The response is always the full
// result; callers enforce the verdict. Standard X-RateLimit headers ride
// along.
func (a *API) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req rateLimitCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Consuming another actor's quota needs a privileged caller; otherwise
	// anyone could drive a victim into an automatic block.
	if req.ActorID != p.ActorID {
		if _, ok := a.requirePermission(w, r, "user:read"); !ok {
			return
		}
	}

	limit, wt, err := a.resolveLimit(r, req)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	result, err := a.tracker.CheckAndConsume(r.Context(), req.ActorID, req.Action, wt, limit, clientIP(r))
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnavailable) {
			// Fail closed: the caller must deny while the counter store is down.
			obs.RateLimitDecision("unavailable")
			writeError(w, r, http.StatusServiceUnavailable, "rate limiting unavailable")
			return
		}
		handleEngineError(w, r, err)
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

	switch {
	case result.Allowed:
		obs.RateLimitDecision("allow")
	case result.Blocked:
		obs.RateLimitDecision("blocked")
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(result.BlockedUntil).Seconds())+1, 10))
		a.recorder.Record(r.Context(), audit.Event{
			ActorID:      req.ActorID,
			Action:       "ratelimit_check",
			Category:     "ratelimit",
			ResourceType: "action",
			ResourceID:   req.Action,
			Outcome:      audit.OutcomeForbidden,
			Message:      result.BlockReason,
			Origin:       clientIP(r),
		})
	default:
		obs.RateLimitDecision("limited")
		// The crossing denial happens once per window; record it for review.
		a.recorder.Record(r.Context(), audit.Event{
			ActorID:      req.ActorID,
			Action:       "ratelimit_check",
			Category:     "ratelimit",
			ResourceType: "action",
			ResourceID:   req.Action,
			Outcome:      audit.OutcomeForbidden,
			Message:      fmt.Sprintf("limit of %d per %s exceeded", result.Limit, wt),
			Origin:       clientIP(r),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRateLimitWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	actorID := q.Get("actor_id")
	if actorID == "" {
		actorID = p.ActorID
	}
	if actorID != p.ActorID {
		if _, ok := a.requirePermission(w, r, "user:read"); !ok {
			return
		}
	}
	wt, err := ratelimit.ParseWindowType(q.Get("window_type"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	window, err := a.tracker.Window(r.Context(), actorID, q.Get("action"), wt)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func (a *API) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePermission(w, r, "ratelimit:reset")
	if !ok {
		return
	}
	var req rateLimitResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.tracker.Reset(r.Context(), req.ActorID, req.Action); err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "ratelimit_reset", "ratelimit", "actor", req.ActorID, audit.OutcomeSuccess, map[string]any{
		"action": req.Action,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func (a *API) handleRateLimitBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePermission(w, r, "ratelimit:block")
	if !ok {
		return
	}
	var req rateLimitBlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	wt, err := ratelimit.ParseWindowType(req.WindowType)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	d := time.Duration(req.DurationMinutes) * time.Minute
	if err := a.tracker.Block(r.Context(), req.ActorID, req.Action, wt, d, req.Reason); err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "ratelimit_block", "ratelimit", "actor", req.ActorID, audit.OutcomeSuccess, map[string]any{
		"action":           req.Action,
		"window_type":      req.WindowType,
		"duration_minutes": req.DurationMinutes,
		"reason":           req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "blocked"})
}

func (a *API) handleRateLimitUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requirePermission(w, r, "ratelimit:unblock")
	if !ok {
		return
	}
	var req rateLimitUnblockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	wt, err := ratelimit.ParseWindowType(req.WindowType)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if err := a.tracker.Unblock(r.Context(), req.ActorID, req.Action, wt); err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "ratelimit_unblock", "ratelimit", "actor", req.ActorID, audit.OutcomeSuccess, map[string]any{
		"action":      req.Action,
		"window_type": req.WindowType,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "unblocked"})
}

func (a *API) handleRateLimitViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, "audit:read"); !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.tracker.Violations(r.Context(), r.URL.Query().Get("actor_id"), limit)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
