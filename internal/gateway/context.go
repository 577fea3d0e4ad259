package gateway

import (
	"context"

	"github.com/org/admingate/pkg/models"
)

type contextKey string

const ctxKeyPayload contextKey = "token_payload"

// WithPayload attaches a verified token payload to ctx.
func WithPayload(ctx context.Context, p *models.TokenPayload) context.Context {
	return context.WithValue(ctx, ctxKeyPayload, p)
}

// PayloadFromContext returns the payload placed by the pipeline, if identity
// propagation is enabled.
func PayloadFromContext(ctx context.Context) (*models.TokenPayload, bool) {
	p, ok := ctx.Value(ctxKeyPayload).(*models.TokenPayload)
	return p, ok && p != nil
}
