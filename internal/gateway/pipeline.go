// Package gateway decides, for every inbound API request, whether it may
// reach the business handlers.
//
// Stages run in a fixed order and the first failing stage decides:
// route lookup, method lookup, credential extraction, token verification,
// scope check.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/org/admingate/internal/auth"
	"github.com/org/admingate/internal/policy"
	"github.com/org/admingate/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	authHeader   = "Authorization"
	bearerScheme = "bearer"

	// Headers set on forwarded requests when identity propagation is on.
	// Inbound copies are always removed.
	HeaderTokenOwner  = "X-Token-Owner"
	HeaderTokenScopes = "X-Token-Scopes"
)

// Verifier checks bearer secrets. auth.TokenService implements it.
type Verifier interface {
	Verify(ctx context.Context, secret string) (*models.TokenPayload, error)
}

// AuditSink receives one decision per request. Record must not block.
type AuditSink interface {
	Record(ctx context.Context, d *models.Decision)
}

// Resolver maps a path and method to the required scope.
type Resolver interface {
	Resolve(path, method string) policy.Resolution
}

// Options tune the pipeline.
type Options struct {
	// PropagateIdentity attaches the verified owner and scopes to the
	// forwarded request (context and headers).
	PropagateIdentity bool
	// RequestID extracts a request identifier for audit records.
	RequestID func(r *http.Request) string
	// Observe is called with every terminal decision, after auditing.
	Observe func(d *models.Decision)
}

// Pipeline is stateless across requests and safe for concurrent use.
type Pipeline struct {
	routes   Resolver
	verifier Verifier
	sink     AuditSink
	opts     Options
	now      func() time.Time
}

// New creates a Pipeline. A nil sink discards decisions.
func New(routes Resolver, verifier Verifier, sink AuditSink, opts Options) *Pipeline {
	if sink == nil {
		sink = discardSink{}
	}
	return &Pipeline{
		routes:   routes,
		verifier: verifier,
		sink:     sink,
		opts:     opts,
		now:      time.Now,
	}
}

// Decide runs the stages for r and returns the decision together with the
// verified payload (nil unless allowed). It has no side effects beyond the
// token's last-used update performed by the verifier.
func (p *Pipeline) Decide(r *http.Request) (*models.Decision, *models.TokenPayload) {
	d := &models.Decision{
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  clientIP(r),
		Timestamp: p.now().UTC(),
	}
	if p.opts.RequestID != nil {
		d.RequestID = p.opts.RequestID(r)
	}

	res := p.routes.Resolve(r.URL.Path, r.Method)
	switch res.Outcome {
	case policy.NoRuleForPath:
		return deny(d, models.ReasonUnknownEndpoint), nil
	case policy.MethodNotAllowedForPath:
		return deny(d, models.ReasonMethodNotAllowed), nil
	}
	d.RequiredScope = res.Scope

	secret, ok := bearerCredential(r.Header.Values(authHeader))
	if !ok {
		return deny(d, models.ReasonMissingCredential), nil
	}

	payload, err := p.verifier.Verify(r.Context(), secret)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			// Storage failures fail closed with the same category.
			log.Error().Err(err).Str("path", d.Path).Msg("token verification failed")
		}
		return deny(d, models.ReasonInvalidToken), nil
	}
	d.Owner = payload.Owner
	d.TokenID = payload.TokenID

	if !payload.HasScope(res.Scope) {
		return deny(d, models.ReasonMissingScope), nil
	}

	d.Allowed = true
	d.Reason = models.ReasonAllowed
	return d, payload
}

// Middleware gates next. Denied requests end here with the stage's status;
// allowed requests are forwarded and their final status is audited.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r.Header.Del(HeaderTokenOwner)
		r.Header.Del(HeaderTokenScopes)

		d, payload := p.Decide(r)
		if !d.Allowed {
			if d.Reason == models.ReasonMethodNotAllowed {
				if allowed, ok := p.routes.(interface{ AllowedMethods(string) []string }); ok {
					w.Header().Set("Allow", strings.Join(allowed.AllowedMethods(r.URL.Path), ", "))
				}
			}
			writeDenial(w, d)
			d.Duration = time.Since(start)
			log.Debug().
				Str("request_id", d.RequestID).
				Str("method", d.Method).
				Str("path", d.Path).
				Str("reason", string(d.Reason)).
				Int("status", d.Status).
				Msg("request denied")
			p.emit(r.Context(), d)
			return
		}

		if p.opts.PropagateIdentity {
			r = r.WithContext(WithPayload(r.Context(), payload))
			r.Header.Set(HeaderTokenOwner, payload.Owner)
			r.Header.Set(HeaderTokenScopes, strings.Join(payload.Scopes, " "))
		}

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		d.Status = sr.status
		d.Duration = time.Since(start)
		p.emit(r.Context(), d)
	})
}

func (p *Pipeline) emit(ctx context.Context, d *models.Decision) {
	p.sink.Record(context.WithoutCancel(ctx), d)
	if p.opts.Observe != nil {
		p.opts.Observe(d)
	}
}

func deny(d *models.Decision, reason models.Reason) *models.Decision {
	d.Allowed = false
	d.Reason = reason
	d.Status = reason.Status()
	return d
}

// bearerCredential accepts exactly one Authorization header of the form
// "Bearer <secret>" (scheme case-insensitive, secret without spaces).
func bearerCredential(values []string) (string, bool) {
	if len(values) != 1 {
		return "", false
	}
	scheme, secret, ok := strings.Cut(strings.TrimSpace(values[0]), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	secret = strings.TrimSpace(secret)
	if secret == "" || strings.ContainsAny(secret, " \t") {
		return "", false
	}
	return secret, true
}

func writeDenial(w http.ResponseWriter, d *models.Decision) {
	w.Header().Set("Content-Type", "application/json")
	if d.Reason == models.ReasonMissingCredential {
		w.Header().Set("WWW-Authenticate", `Bearer realm="admingate"`)
	}
	w.WriteHeader(d.Status)
	// Reason values and messages are fixed ASCII strings; no escaping needed.
	_, _ = w.Write([]byte(`{"errors":["` + d.Reason.Message() + `"],"reason":"` + string(d.Reason) + `"}` + "\n"))
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	return sr.ResponseWriter.Write(b)
}

// Flush lets streaming upstream responses through.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type discardSink struct{}

func (discardSink) Record(context.Context, *models.Decision) {}
