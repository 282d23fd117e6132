package httpapi

import (
	"net/http"
	"strings"
	"time"

	"farmtrace.org/internal/audit"
)

type reviewRequest struct {
	Notes string `json:"notes"`
}

// getActorAuditHistory serves an actor's own audit trail, or any actor's for
// audit:read holders. Bodies are always stripped from listings.
func (a *API) getActorAuditHistory(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if p.ActorID != id {
		if _, ok := a.requirePermission(w, r, "audit:read"); !ok {
			return
		}
	}
	page, err := parsePositiveInt(r.URL.Query().Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := parsePositiveInt(r.URL.Query().Get("page_size"), 50, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	records, err := a.recorder.ActorHistory(r.Context(), id, page, pageSize)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor_id":  id,
		"page":      page,
		"page_size": pageSize,
		"items":     records,
	})
}

func (a *API) handleAuditPendingReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, "audit:review"); !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	records, err := a.recorder.PendingReview(r.Context(), limit)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (a *API) handleAuditCritical(w http.ResponseWriter, r *http.Request) {
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
	records, err := a.recorder.Critical(r.Context(), limit)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

// handleAuditStats aggregates record counts per category and outcome over a
// time range, defaulting to the last 24 hours.
func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, "audit:read"); !ok {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}
	counts, err := a.recorder.CountByCategory(r.Context(), from, to)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":  from,
		"to":    to,
		"items": counts,
	})
}

// handleAuditRecordResource routes /v1/audit/records/{id}[/review].
func (a *API) handleAuditRecordResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/audit/records/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, rest, _ := strings.Cut(path, "/")

	switch {
	case rest == "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAuditRecord(w, r, id)
	case rest == "review":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.reviewAuditRecord(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getAuditRecord(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.requirePermission(w, r, "audit:read"); !ok {
		return
	}
	rec, err := a.recorder.Find(r.Context(), id)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) reviewAuditRecord(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.requirePermission(w, r, "audit:review")
	if !ok {
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.recorder.Review(r.Context(), id, p.ActorID, req.Notes); err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "audit_review", "audit", "record", id, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reviewed"})
}
