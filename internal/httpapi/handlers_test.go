package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"farmtrace.org/internal/access"
	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/httpapi"
	"farmtrace.org/internal/ratelimit"
	"farmtrace.org/internal/store/memory"
)

type testEnv struct {
	srv     *httptest.Server
	actors  *memory.ActorStore
	records *memory.AuditStore
}

// newTestAPI stands up the full handler chain over in-memory stores. Without
// an auth secret the API runs in dev mode and trusts the X-Actor-ID header.
func newTestAPI(t *testing.T, fallback *ratelimit.Fallback) *testEnv {
	t.Helper()
	reg, err := access.NewRegistry(access.BuiltinCatalog(), access.BuiltinDefinitions())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	actors := memory.NewActorStore()
	eval, err := access.NewEvaluator(reg, actors)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	tracker, err := ratelimit.NewTracker(memory.NewWindowStore())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	records := memory.NewAuditStore()
	api := httpapi.New(httpapi.Config{
		Version:   "test",
		Evaluator: eval,
		Tracker:   tracker,
		Recorder:  audit.NewRecorder(records),
		Fallback:  fallback,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, actors: actors, records: records}
}

func (e *testEnv) seedActor(t *testing.T, wallet string, roles ...access.RoleName) access.Actor {
	t.Helper()
	actor := access.NewActor(wallet, time.Now().UTC())
	if len(roles) > 0 {
		actor.Roles = roles
		actor.PrimaryRole = roles[0]
	}
	actor.Verified = true
	actor.KYCApproved = true
	if err := e.actors.Create(context.Background(), actor); err != nil {
		t.Fatalf("seed actor: %v", err)
	}
	actor.Version = 1
	return actor
}

// apiClient issues requests as one actor against the test server.
type apiClient struct {
	t     *testing.T
	base  string
	actor string
}

func (e *testEnv) as(t *testing.T, actorID string) *apiClient {
	return &apiClient{t: t, base: e.srv.URL, actor: actorID}
}

func (c *apiClient) do(method, path string, body any) (*http.Response, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor-ID", c.actor)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	var payload map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			c.t.Fatalf("decode %s %s response: %v (%s)", method, path, err, data)
		}
	}
	return resp, payload
}

func items(t *testing.T, payload map[string]any) []any {
	t.Helper()
	list, ok := payload["items"].([]any)
	if !ok {
		t.Fatalf("payload has no items: %v", payload)
	}
	return list
}

func TestHealthzAndInfo(t *testing.T) {
	env := newTestAPI(t, nil)
	c := env.as(t, "")

	resp, payload := c.do(http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, payload)
	}
	resp, payload = c.do(http.MethodGet, "/v1/info", nil)
	if resp.StatusCode != http.StatusOK || payload["version"] != "test" {
		t.Fatalf("info: %d %v", resp.StatusCode, payload)
	}
}

func TestRegisterAndAccessCheck(t *testing.T) {
	env := newTestAPI(t, nil)
	anon := env.as(t, "")

	resp, payload := anon.do(http.MethodPost, "/v1/actors", map[string]any{"wallet_address": "0xAB12"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %v", resp.StatusCode, payload)
	}
	id, _ := payload["id"].(string)
	if id == "" || payload["primary_role"] != "CONSUMER" {
		t.Fatalf("unexpected actor payload: %v", payload)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/actors/"+id {
		t.Fatalf("Location = %q", loc)
	}

	c := env.as(t, id)
	resp, payload = c.do(http.MethodPost, "/v1/access/check", map[string]any{"actor_id": id, "permission": "order:create"})
	if resp.StatusCode != http.StatusOK || payload["allowed"] != true {
		t.Fatalf("order:create should be allowed: %d %v", resp.StatusCode, payload)
	}

	resp, payload = c.do(http.MethodPost, "/v1/access/check", map[string]any{"actor_id": id, "permission": "role:grant"})
	if resp.StatusCode != http.StatusOK || payload["allowed"] != false {
		t.Fatalf("role:grant should be denied: %d %v", resp.StatusCode, payload)
	}
	if reason, _ := payload["reason"].(string); reason == "" {
		t.Fatalf("denials carry a reason: %v", payload)
	}

	// The denied check leaves a record for review.
	admin := env.seedActor(t, "0xroot", access.RoleSuperAdmin)
	resp, payload = env.as(t, admin.ID).do(http.MethodGet, "/v1/audit/pending-review", nil)
	if resp.StatusCode != http.StatusOK || len(items(t, payload)) == 0 {
		t.Fatalf("pending review: %d %v", resp.StatusCode, payload)
	}
}

func TestCrossActorChecksRequirePrivilege(t *testing.T) {
	env := newTestAPI(t, nil)
	caller := env.seedActor(t, "0xbad")
	victim := env.seedActor(t, "0xv1c")

	// An unprivileged caller may not spend another actor's quota.
	c := env.as(t, caller.ID)
	check := map[string]any{"actor_id": victim.ID, "action": "order_create", "window_type": "day", "limit": 20}
	resp, payload := c.do(http.MethodPost, "/v1/ratelimit/check", check)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-actor ratelimit check: %d %v", resp.StatusCode, payload)
	}

	// Nor learn another actor's status through an access check.
	resp, payload = c.do(http.MethodPost, "/v1/access/check", map[string]any{"actor_id": victim.ID, "permission": "order:create"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-actor access check: %d %v", resp.StatusCode, payload)
	}

	// The victim's own window must not have been touched by the attempt.
	resp, payload = env.as(t, victim.ID).do(http.MethodPost, "/v1/ratelimit/check", map[string]any{"actor_id": victim.ID, "action": "order_create", "window_type": "day", "limit": 20})
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-RateLimit-Remaining") != "19" {
		t.Fatalf("victim window: %d remaining=%s", resp.StatusCode, resp.Header.Get("X-RateLimit-Remaining"))
	}

	// user:read holders check on behalf of others.
	admin := env.seedActor(t, "0xroot", access.RoleSuperAdmin)
	resp, payload = env.as(t, admin.ID).do(http.MethodPost, "/v1/access/check", map[string]any{"actor_id": victim.ID, "permission": "order:create"})
	if resp.StatusCode != http.StatusOK || payload["allowed"] != true {
		t.Fatalf("privileged cross-actor check: %d %v", resp.StatusCode, payload)
	}
}

func TestAuthRequiredAndPermissionDenied(t *testing.T) {
	env := newTestAPI(t, nil)

	resp, _ := env.as(t, "").do(http.MethodGet, "/v1/ratelimit/violations", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous caller: %d", resp.StatusCode)
	}

	consumer := env.seedActor(t, "0xc0ffee")
	resp, payload := env.as(t, consumer.ID).do(http.MethodGet, "/v1/ratelimit/violations", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("consumer reading violations: %d %v", resp.StatusCode, payload)
	}
}

func TestGrantRoleEndToEnd(t *testing.T) {
	env := newTestAPI(t, nil)
	admin := env.seedActor(t, "0xroot", access.RoleSuperAdmin)
	root := env.as(t, admin.ID)

	_, created := env.as(t, "").do(http.MethodPost, "/v1/actors", map[string]any{"wallet_address": "0xFA44"})
	targetID, _ := created["id"].(string)
	if targetID == "" {
		t.Fatalf("register: %v", created)
	}

	// FARMER needs KYC first.
	resp, payload := root.do(http.MethodPost, "/v1/actors/"+targetID+"/roles", map[string]any{"role": "FARMER", "reason": "harvest season onboarding"})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("grant before KYC: %d %v", resp.StatusCode, payload)
	}

	if resp, payload = root.do(http.MethodPost, "/v1/actors/"+targetID+"/kyc/approve", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("kyc approve: %d %v", resp.StatusCode, payload)
	}
	resp, payload = root.do(http.MethodPost, "/v1/actors/"+targetID+"/roles", map[string]any{"role": "FARMER", "reason": "harvest season onboarding"})
	if resp.StatusCode != http.StatusOK || payload["primary_role"] != "FARMER" {
		t.Fatalf("grant: %d %v", resp.StatusCode, payload)
	}

	resp, payload = root.do(http.MethodPost, "/v1/actors/"+targetID+"/roles", map[string]any{"role": "RETAILER", "reason": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank reason: %d %v", resp.StatusCode, payload)
	}

	resp, payload = root.do(http.MethodGet, "/v1/actors/"+targetID+"/history", nil)
	if resp.StatusCode != http.StatusOK || len(items(t, payload)) != 1 {
		t.Fatalf("history: %d %v", resp.StatusCode, payload)
	}
}

func TestRateLimitCheckHeaders(t *testing.T) {
	env := newTestAPI(t, nil)
	actor := env.seedActor(t, "0xc0ffee")
	c := env.as(t, actor.ID)
	check := map[string]any{"actor_id": actor.ID, "action": "order_create", "window_type": "minute", "limit": 2}

	resp, payload := c.do(http.MethodPost, "/v1/ratelimit/check", check)
	if resp.StatusCode != http.StatusOK || payload["allowed"] != true {
		t.Fatalf("first check: %d %v", resp.StatusCode, payload)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "2" || resp.Header.Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("headers: %v", resp.Header)
	}

	if _, payload = c.do(http.MethodPost, "/v1/ratelimit/check", check); payload["allowed"] != true {
		t.Fatalf("second check: %v", payload)
	}

	// Crossing the ceiling denies without blocking.
	resp, payload = c.do(http.MethodPost, "/v1/ratelimit/check", check)
	if payload["allowed"] != false || payload["blocked"] != false {
		t.Fatalf("crossing check: %v", payload)
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header: %v", resp.Header)
	}

	// The attempt after the crossing lands the block.
	resp, payload = c.do(http.MethodPost, "/v1/ratelimit/check", check)
	if payload["blocked"] != true {
		t.Fatalf("post-crossing check: %v", payload)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("blocked responses advertise Retry-After: %v", resp.Header)
	}
}

func TestReviewFlow(t *testing.T) {
	env := newTestAPI(t, nil)
	consumer := env.seedActor(t, "0xc0ffee")
	admin := env.seedActor(t, "0xroot", access.RoleSuperAdmin)
	root := env.as(t, admin.ID)

	// A consumer probing an admin endpoint is denied and flagged.
	resp, _ := env.as(t, consumer.ID).do(http.MethodPost, "/v1/actors/"+admin.ID+"/suspend", map[string]any{"reason": "nope", "until": ""})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("suspend as consumer: %d", resp.StatusCode)
	}

	resp, payload := root.do(http.MethodGet, "/v1/audit/pending-review", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending review: %d %v", resp.StatusCode, payload)
	}
	pending := items(t, payload)
	if len(pending) != 1 {
		t.Fatalf("expected one flagged record: %v", pending)
	}
	recordID, _ := pending[0].(map[string]any)["id"].(string)

	resp, payload = root.do(http.MethodPost, "/v1/audit/records/"+recordID+"/review", map[string]any{"notes": "confirmed probe"})
	if resp.StatusCode != http.StatusOK || payload["status"] != "reviewed" {
		t.Fatalf("review: %d %v", resp.StatusCode, payload)
	}
	resp, _ = root.do(http.MethodPost, "/v1/audit/records/"+recordID+"/review", map[string]any{"notes": "second look"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second review: %d", resp.StatusCode)
	}

	if resp, payload = root.do(http.MethodGet, "/v1/audit/pending-review", nil); len(items(t, payload)) != 0 {
		t.Fatalf("reviewed record still pending: %d %v", resp.StatusCode, payload)
	}
}

func TestFallbackLimitsAnonymousTraffic(t *testing.T) {
	env := newTestAPI(t, ratelimit.NewFallback(2, time.Minute))
	c := env.as(t, "")

	for i := 0; i < 2; i++ {
		if resp, _ := c.do(http.MethodGet, "/v1/roles", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, resp.StatusCode)
		}
	}
	resp, payload := c.do(http.MethodGet, "/v1/roles", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third anonymous request: %d %v", resp.StatusCode, payload)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("throttled responses advertise Retry-After")
	}

	// Public endpoints bypass the fallback limiter.
	if resp, _ := c.do(http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz throttled: %d", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestAPI(t, nil)
	resp, _ := env.as(t, "").do(http.MethodGet, "/v1/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route: %d", resp.StatusCode)
	}
}
