package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/obs"
	"farmtrace.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/v1/actors",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func hasBearer(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(r.Header.Get(authHeader))), strings.ToLower(bearer))
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if !token.Configured() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := token.ParseAndValidate(raw)
		if err != nil {
			if errors.Is(err, token.ErrInvalidToken) {
				a.recordAuthFailure(r)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		principal := token.Principal{ActorID: claims.Subject, Wallet: claims.Wallet}
		next.ServeHTTP(w, r.WithContext(token.ContextWithPrincipal(r.Context(), principal)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

// principal returns the authenticated caller, or writes a 401 and reports
// false. When no auth secret is configured (dev mode) the caller may identify
// itself via the X-Actor-ID header.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (token.Principal, bool) {
	if p, ok := token.PrincipalFromContext(r.Context()); ok {
		return p, true
	}
	if !token.Configured() {
		if id := strings.TrimSpace(r.Header.Get("X-Actor-ID")); id != "" {
			return token.Principal{ActorID: id}, true
		}
	}
	writeError(w, r, http.StatusUnauthorized, "authentication required")
	return token.Principal{}, false
}

// requirePermission authorizes the caller for perm. Denials answer 403, count
// on the authz metric and leave one suspicious audit record.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, perm string) (token.Principal, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return token.Principal{}, false
	}
	decision, err := a.evaluator.Authorize(r.Context(), p.ActorID, perm)
	if err != nil {
		obs.AuthzDecision("error")
		handleEngineError(w, r, err)
		return token.Principal{}, false
	}
	if !decision.Allowed {
		obs.AuthzDecision("deny")
		a.auditDenial(r, p, perm, decision.Reason)
		writeError(w, r, http.StatusForbidden, decision.Reason)
		return token.Principal{}, false
	}
	obs.AuthzDecision("allow")
	return p, true
}

// auditDenial records a denied privileged call. The recorder swallows store
// failures, so denials never fail the request twice.
func (a *API) auditDenial(r *http.Request, p token.Principal, perm, reason string) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(r.Context(), audit.Event{
		ActorID:       p.ActorID,
		WalletAddress: p.Wallet,
		Action:        "authorization_check",
		Category:      "access",
		ResourceType:  "permission",
		ResourceID:    perm,
		Outcome:       audit.OutcomeForbidden,
		Message:       reason,
		Origin:        clientIP(r),
		Metadata: map[string]any{
			"path":       obs.CanonicalPath(r.URL.Path),
			"request_id": RequestIDFromContext(r.Context()),
		},
	})
}

func (a *API) recordAuthFailure(r *http.Request) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(r.Context(), audit.Event{
		Action:   "authentication",
		Category: "access",
		Outcome:  audit.OutcomeFailure,
		Message:  "bearer token rejected",
		Origin:   clientIP(r),
		Duration: 0,
		Metadata: map[string]any{
			"path": obs.CanonicalPath(r.URL.Path),
			"ts":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}
