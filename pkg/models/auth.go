package models

import "time"

// TokenStatus is the lifecycle state of a token. The only transition is
// active -> revoked.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRevoked TokenStatus = "revoked"
)

// Token is a stored credential record. The plaintext secret is never part
// of it; only its digest is kept.
type Token struct {
	ID         string
	SecretHash string
	Owner      string
	Scopes     []string
	Status     TokenStatus
	CreatedAt  time.Time
	LastUsedAt time.Time
	RevokedAt  *time.Time
}

// IsActive returns true if the token may still be used.
func (t *Token) IsActive() bool {
	return t.Status == TokenActive
}

// HasScope returns true if the token was granted scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// View strips the secret digest from the token.
func (t *Token) View() TokenView {
	scopes := make([]string, len(t.Scopes))
	copy(scopes, t.Scopes)
	return TokenView{
		ID:         t.ID,
		Owner:      t.Owner,
		Scopes:     scopes,
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
		LastUsedAt: t.LastUsedAt,
		RevokedAt:  t.RevokedAt,
	}
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Token) Clone() *Token {
	c := *t
	c.Scopes = make([]string, len(t.Scopes))
	copy(c.Scopes, t.Scopes)
	if t.RevokedAt != nil {
		r := *t.RevokedAt
		c.RevokedAt = &r
	}
	return &c
}

// TokenView is every token field safe for display.
type TokenView struct {
	ID         string      `json:"id"`
	Owner      string      `json:"owner"`
	Scopes     []string    `json:"scopes"`
	Status     TokenStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	LastUsedAt time.Time   `json:"last_used_at"`
	RevokedAt  *time.Time  `json:"revoked_at,omitempty"`
}

// IssuedToken is returned exactly once, by issuance. Secret is not
// recoverable afterwards.
type IssuedToken struct {
	TokenView
	Secret string `json:"secret"`
}

// TokenPayload is what a successful verification yields.
type TokenPayload struct {
	TokenID string
	Owner   string
	Scopes  []string
}

// HasScope returns true if the payload carries scope.
func (p TokenPayload) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
