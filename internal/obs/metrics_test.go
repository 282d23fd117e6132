package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/healthz", "/healthz"},
		{"/v1/actors", "/v1/actors"},
		{"/v1/actors/01JABCDEF", "/v1/actors/:id"},
		{"/v1/actors/01JABCDEF/roles", "/v1/actors/:id/roles"},
		{"/v1/audit/records/01JABCDEF/review", "/v1/audit/records/:id/review"},
		{"/v1/ratelimit/check?actor_id=1", "/v1/ratelimit/check"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Errorf("CanonicalPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInstrumentPreservesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/actors/abc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
