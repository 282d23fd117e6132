package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"farmtrace.org/internal/access"
	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/token"
)

type registerActorRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type roleChangeRequest struct {
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

type suspendRequest struct {
	Reason string `json:"reason"`
	Until  string `json:"until"`
}

type overrideRequest struct {
	Permission string `json:"permission"`
}

type accessCheckRequest struct {
	ActorID    string `json:"actor_id"`
	Permission string `json:"permission"`
}

func (a *API) handleActorsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerActor(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleActorResource routes /v1/actors/{id}[/subresource].
func (a *API) handleActorResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/actors/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "actor not found")
		return
	}

	switch {
	case rest == "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getActor(w, r, id)
	case rest == "permissions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getActorPermissions(w, r, id)
	case rest == "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getActorRoleHistory(w, r, id)
	case rest == "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getActorAuditHistory(w, r, id)
	case rest == "roles":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.grantRole(w, r, id)
	case strings.HasPrefix(rest, "roles/"):
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeRole(w, r, id, strings.TrimPrefix(rest, "roles/"))
	case rest == "suspend":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.suspendActor(w, r, id)
	case rest == "reinstate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.reinstateActor(w, r, id)
	case rest == "kyc/approve":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.approveKYC(w, r, id)
	case rest == "verify":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.markVerified(w, r, id)
	case rest == "overrides":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.grantOverride(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) registerActor(w http.ResponseWriter, r *http.Request) {
	var req registerActorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, err := a.evaluator.Register(r.Context(), req.WalletAddress)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, actor.ID, "actor_register", "access", "actor", actor.ID, audit.OutcomeSuccess, nil)
	w.Header().Set("Location", "/v1/actors/"+actor.ID)
	writeJSON(w, http.StatusCreated, actor)
}

// getActor serves self-lookups without extra privilege; reading other
// accounts needs user:read.
func (a *API) getActor(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if p.ActorID != id {
		if _, ok := a.requirePermission(w, r, "user:read"); !ok {
			return
		}
	}
	actor, err := a.evaluator.Actor(r.Context(), id)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) getActorPermissions(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if p.ActorID != id {
		if _, ok := a.requirePermission(w, r, "user:read"); !ok {
			return
		}
	}
	set, err := a.evaluator.ResolvePermissions(r.Context(), id)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor_id":    id,
		"permissions": access.SortedPermissions(set),
	})
}

func (a *API) getActorRoleHistory(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.requirePermission(w, r, "role:read"); !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	changes, err := a.evaluator.History(r.Context(), id, limit)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor_id": id,
		"items":    changes,
	})
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request, targetID string) {
	p, ok := a.requirePermission(w, r, "role:grant")
	if !ok {
		return
	}
	var req roleChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := access.ParseRoleName(req.Role)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	actor, err := a.evaluator.GrantRole(r.Context(), p.ActorID, targetID, role, req.Reason)
	if err != nil {
		a.auditRoleChangeFailure(r, p, targetID, string(role), "role_grant", err)
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "role_grant", "access", "actor", targetID, audit.OutcomeSuccess, map[string]any{
		"role":   string(role),
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request, targetID, roleRaw string) {
	p, ok := a.requirePermission(w, r, "role:revoke")
	if !ok {
		return
	}
	role, err := access.ParseRoleName(roleRaw)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	actor, err := a.evaluator.RevokeRole(r.Context(), p.ActorID, targetID, role, reason)
	if err != nil {
		a.auditRoleChangeFailure(r, p, targetID, string(role), "role_revoke", err)
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "role_revoke", "access", "actor", targetID, audit.OutcomeSuccess, map[string]any{
		"role":   string(role),
		"reason": reason,
	})
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) suspendActor(w http.ResponseWriter, r *http.Request, targetID string) {
	p, ok := a.requirePermission(w, r, "user:suspend")
	if !ok {
		return
	}
	var req suspendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var until time.Time
	if strings.TrimSpace(req.Until) != "" {
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		until = t
	}
	actor, err := a.evaluator.Suspend(r.Context(), targetID, req.Reason, until)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "actor_suspend", "access", "actor", targetID, audit.OutcomeSuccess, map[string]any{
		"reason": req.Reason,
		"until":  req.Until,
	})
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) reinstateActor(w http.ResponseWriter, r *http.Request, targetID string) {
	p, ok := a.requirePermission(w, r, "user:suspend")
	if !ok {
		return
	}
	actor, err := a.evaluator.Reinstate(r.Context(), targetID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "actor_reinstate", "access", "actor", targetID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) approveKYC(w http.ResponseWriter, r *http.Request, targetID string) {
	p, ok := a.requirePermission(w, r, "kyc:approve")
	if !ok {
		return
	}
	actor, err := a.evaluator.ApproveKYC(r.Context(), targetID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "kyc_approve", "access", "actor", targetID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) markVerified(w http.ResponseWriter, r *http.Request, targetID string) {
	p, ok := a.requirePermission(w, r, "user:update")
	if !ok {
		return
	}
	actor, err := a.evaluator.MarkVerified(r.Context(), targetID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "actor_verify", "access", "actor", targetID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) grantOverride(w http.ResponseWriter, r *http.Request, targetID string) {
	p, ok := a.requirePermission(w, r, "role:grant")
	if !ok {
		return
	}
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, err := a.evaluator.GrantOverride(r.Context(), targetID, req.Permission)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	a.auditAction(r, p.ActorID, "override_grant", "access", "actor", targetID, audit.OutcomeSuccess, map[string]any{
		"permission": req.Permission,
	})
	writeJSON(w, http.StatusOK, actor)
}

// handleAccessCheck is the enforcement endpoint domain services call before
// acting on behalf of an actor.
func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Decisions name the subject's status (suspension reason, missing
	// permission), so checks on other actors need the same privilege as
	// reading their account.
	if req.ActorID != p.ActorID {
		if _, ok := a.requirePermission(w, r, "user:read"); !ok {
			return
		}
	}
	decision, err := a.evaluator.Authorize(r.Context(), req.ActorID, req.Permission)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if decision.Allowed {
		writeJSON(w, http.StatusOK, decision)
		return
	}
	a.recorder.Record(r.Context(), audit.Event{
		ActorID:      req.ActorID,
		Action:       "authorization_check",
		Category:     "access",
		ResourceType: "permission",
		ResourceID:   req.Permission,
		Outcome:      audit.OutcomeForbidden,
		Message:      decision.Reason,
		Origin:       clientIP(r),
	})
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	defs := a.evaluator.Registry().List()
	type roleView struct {
		Name                 access.RoleName   `json:"name"`
		Level                int               `json:"level"`
		Description          string            `json:"description"`
		Permissions          []string          `json:"permissions"`
		Excluded             []string          `json:"excluded,omitempty"`
		RequiresVerification bool              `json:"requires_verification"`
		RequiresKYC          bool              `json:"requires_kyc"`
		ConflictsWith        []access.RoleName `json:"conflicts_with,omitempty"`
		Active               bool              `json:"active"`
	}
	out := make([]roleView, 0, len(defs))
	for _, d := range defs {
		v := roleView{
			Name:                 d.Name,
			Level:                d.Level,
			Description:          d.Description,
			RequiresVerification: d.RequiresVerification,
			RequiresKYC:          d.RequiresKYC,
			ConflictsWith:        d.ConflictsWith,
			Active:               d.Active,
		}
		for _, perm := range d.Permissions {
			v.Permissions = append(v.Permissions, perm.String())
		}
		for _, perm := range d.Excluded {
			v.Excluded = append(v.Excluded, perm.String())
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// auditAction records a successful privileged mutation.
func (a *API) auditAction(r *http.Request, actorID, action, category, resourceType, resourceID string, outcome audit.Outcome, meta map[string]any) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(r.Context(), audit.Event{
		ActorID:      actorID,
		Action:       action,
		Category:     category,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Origin:       clientIP(r),
		Metadata:     meta,
	})
}

// auditRoleChangeFailure flags failed grants and revokes: privilege and
// hierarchy failures on role changes are review-worthy.
func (a *API) auditRoleChangeFailure(r *http.Request, p token.Principal, targetID, role, action string, cause error) {
	if a.recorder == nil {
		return
	}
	outcome := audit.OutcomeFailure
	if errors.Is(cause, access.ErrInsufficientPrivilege) || errors.Is(cause, access.ErrForbidden) {
		outcome = audit.OutcomeForbidden
	}
	a.recorder.Record(r.Context(), audit.Event{
		ActorID:      p.ActorID,
		Action:       action,
		Category:     "access",
		ResourceType: "actor",
		ResourceID:   targetID,
		Outcome:      outcome,
		Message:      cause.Error(),
		Origin:       clientIP(r),
		Metadata:     map[string]any{"role": role},
	})
}
