package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/admingate/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// TokenBackend persists tokens. Implementations must make TouchActiveToken
// and RevokeToken mutually exclusive for the same token.
type TokenBackend interface {
	InsertToken(ctx context.Context, token *models.Token) error
	GetToken(ctx context.Context, id string) (*models.Token, error)
	// ListTokens returns tokens most-recently-issued first.
	ListTokens(ctx context.Context) ([]*models.Token, error)
	// RevokeToken marks the token revoked. Revoking a revoked token returns
	// it unchanged.
	RevokeToken(ctx context.Context, id string, at time.Time) (*models.Token, error)
	// TouchActiveToken finds the active token with the given secret digest
	// and advances its last-used time, as one atomic step. ErrNotFound means
	// no active token matched and nothing was written.
	TouchActiveToken(ctx context.Context, secretHash string, at time.Time) (*models.Token, error)
	CountActiveTokens(ctx context.Context) (int64, error)
}

// AuditBackend persists authorization decisions.
type AuditBackend interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
}

// Backend is everything the gateway stores.
type Backend interface {
	TokenBackend
	AuditBackend
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}
