package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/org/admingate/internal/auth"
	"github.com/org/admingate/internal/policy"
	"github.com/org/admingate/pkg/models"
)

// stubVerifier knows a fixed set of secrets.
type stubVerifier struct {
	tokens map[string]*models.TokenPayload
	err    error
	calls  int
}

func (v *stubVerifier) Verify(_ context.Context, secret string) (*models.TokenPayload, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	p, ok := v.tokens[secret]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return p, nil
}

type recordingSink struct {
	mu        sync.Mutex
	decisions []*models.Decision
}

func (s *recordingSink) Record(_ context.Context, d *models.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
}

func newTestPipeline(opts Options) (*Pipeline, *stubVerifier, *recordingSink) {
	v := &stubVerifier{tokens: map[string]*models.TokenPayload{
		"billing-secret": {TokenID: "t1", Owner: "alice", Scopes: []string{"billing:view"}},
		"company-viewer": {TokenID: "t2", Owner: "bob", Scopes: []string{"companies:view"}},
	}}
	sink := &recordingSink{}
	return New(policy.Default(), v, sink, opts), v, sink
}

func newRequest(method, path, authorization string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	return r
}

func TestDecideStageOrder(t *testing.T) {
	p, v, _ := newTestPipeline(Options{})

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		reason     models.Reason
		status     int
		verifyCall bool
	}{
		{"unknown endpoint beats missing credential", "GET", "/api/v1/unknown-thing", "", models.ReasonUnknownEndpoint, 403, false},
		{"unknown endpoint beats bad credential", "GET", "/api/v1/unknown-thing", "Bearer nope", models.ReasonUnknownEndpoint, 403, false},
		{"method beats credential", "PUT", "/api/v1/billing", "", models.ReasonMethodNotAllowed, 405, false},
		{"missing credential", "GET", "/api/v1/companies", "", models.ReasonMissingCredential, 401, false},
		{"invalid token", "GET", "/api/v1/companies", "Bearer nope", models.ReasonInvalidToken, 403, true},
		{"missing scope", "DELETE", "/api/v1/companies", "Bearer company-viewer", models.ReasonMissingScope, 403, true},
		{"scope from other resource", "PATCH", "/api/v1/company/42/plan", "Bearer billing-secret", models.ReasonMissingScope, 403, true},
		{"allowed", "GET", "/api/v1/billing", "Bearer billing-secret", models.ReasonAllowed, 0, true},
		{"lower-case method", "get", "/api/v1/billing", "Bearer billing-secret", models.ReasonAllowed, 0, true},
		{"unclean path", "GET", "/api/v1/billing/../tokens", "Bearer billing-secret", models.ReasonUnknownEndpoint, 403, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := v.calls
			d, payload := p.Decide(newRequest(tc.method, tc.path, tc.auth))
			if d.Reason != tc.reason {
				t.Fatalf("expected %q, got %q", tc.reason, d.Reason)
			}
			if d.Status != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, d.Status)
			}
			if d.Allowed != (tc.reason == models.ReasonAllowed) {
				t.Errorf("allowed=%v for reason %q", d.Allowed, d.Reason)
			}
			if (payload != nil) != d.Allowed {
				t.Errorf("payload presence %v does not match allowed %v", payload != nil, d.Allowed)
			}
			if called := v.calls > before; called != tc.verifyCall {
				t.Errorf("verifier called=%v, expected %v", called, tc.verifyCall)
			}
		})
	}
}

func TestBearerCredential(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		secret string
		ok     bool
	}{
		{"standard", []string{"Bearer abc"}, "abc", true},
		{"lower-case scheme", []string{"bearer abc"}, "abc", true},
		{"surrounding space", []string{"  Bearer   abc  "}, "abc", true},
		{"none", nil, "", false},
		{"empty", []string{""}, "", false},
		{"scheme only", []string{"Bearer"}, "", false},
		{"scheme and space", []string{"Bearer "}, "", false},
		{"basic", []string{"Basic dXNlcjpwYXNz"}, "", false},
		{"two parts", []string{"Bearer a b"}, "", false},
		{"two headers", []string{"Bearer a", "Bearer b"}, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			secret, ok := bearerCredential(tc.values)
			if ok != tc.ok || secret != tc.secret {
				t.Errorf("bearerCredential(%q) = %q, %v; want %q, %v", tc.values, secret, ok, tc.secret, tc.ok)
			}
		})
	}
}

func TestVerifierFailureFailsClosed(t *testing.T) {
	p, v, _ := newTestPipeline(Options{})
	v.err = errors.New("connection refused")

	d, payload := p.Decide(newRequest("GET", "/api/v1/billing", "Bearer billing-secret"))
	if d.Allowed || payload != nil {
		t.Fatal("verifier error must deny")
	}
	if d.Reason != models.ReasonInvalidToken {
		t.Errorf("expected %q, got %q", models.ReasonInvalidToken, d.Reason)
	}
}

func TestMiddlewareDenial(t *testing.T) {
	p, _, sink := newTestPipeline(Options{RequestID: func(*http.Request) string { return "req-1" }})
	called := false
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest("GET", "/api/v1/companies", ""))

	if called {
		t.Fatal("denied request reached the handler")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate on 401")
	}
	var body struct {
		Errors []string `json:"errors"`
		Reason string   `json:"reason"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Reason != string(models.ReasonMissingCredential) || len(body.Errors) != 1 {
		t.Errorf("unexpected body %+v", body)
	}

	if len(sink.decisions) != 1 {
		t.Fatalf("expected 1 audited decision, got %d", len(sink.decisions))
	}
	d := sink.decisions[0]
	if d.RequestID != "req-1" || d.Path != "/api/v1/companies" || d.Method != "GET" || d.ClientIP != "192.0.2.1" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestMiddlewareMethodNotAllowed(t *testing.T) {
	p, _, _ := newTestPipeline(Options{})
	h := p.Middleware(http.NotFoundHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest("POST", "/api/v1/company/7/plan", ""))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if got := w.Header().Get("Allow"); got != "GET, PATCH" {
		t.Errorf("expected Allow: GET, PATCH; got %q", got)
	}
}

func TestMiddlewareAllowRecordsDownstreamStatus(t *testing.T) {
	var observed []models.Reason
	p, _, sink := newTestPipeline(Options{Observe: func(d *models.Decision) { observed = append(observed, d.Reason) }})
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest("GET", "/api/v1/billing", "Bearer billing-secret"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	d := sink.decisions[0]
	if !d.Allowed || d.Status != http.StatusNoContent || d.Owner != "alice" || d.TokenID != "t1" {
		t.Errorf("unexpected decision %+v", d)
	}
	if len(observed) != 1 || observed[0] != models.ReasonAllowed {
		t.Errorf("observer saw %v", observed)
	}
}

func TestMiddlewareIdentityHeaders(t *testing.T) {
	tests := []struct {
		name      string
		propagate bool
		owner     string
		scopes    string
	}{
		{"propagated", true, "alice", "billing:view"},
		{"stripped", false, "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _, _ := newTestPipeline(Options{PropagateIdentity: tc.propagate})
			var gotOwner, gotScopes string
			var gotPayload bool
			h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOwner = r.Header.Get(HeaderTokenOwner)
				gotScopes = r.Header.Get(HeaderTokenScopes)
				_, gotPayload = PayloadFromContext(r.Context())
			}))

			r := newRequest("GET", "/api/v1/billing", "Bearer billing-secret")
			r.Header.Set(HeaderTokenOwner, "mallory")
			r.Header.Set(HeaderTokenScopes, "tokens:manage")
			h.ServeHTTP(httptest.NewRecorder(), r)

			if gotOwner != tc.owner || gotScopes != tc.scopes {
				t.Errorf("handler saw owner=%q scopes=%q", gotOwner, gotScopes)
			}
			if gotPayload != tc.propagate {
				t.Errorf("payload in context = %v, want %v", gotPayload, tc.propagate)
			}
		})
	}
}

func TestNilSinkDiscards(t *testing.T) {
	p := New(policy.Default(), &stubVerifier{}, nil, Options{})
	w := httptest.NewRecorder()
	p.Middleware(http.NotFoundHandler()).ServeHTTP(w, newRequest("GET", "/nowhere", ""))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}
