package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/admingate/internal/storage"
	"github.com/org/admingate/pkg/models"
	"golang.org/x/crypto/blake2b"
)

const (
	secretPrefix = "agt_"
	// 256 bits of entropy per secret.
	secretBytes  = 32
	issueRetries = 3
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("token not found")
	ErrInvalidToken    = errors.New("invalid or inactive token")
)

// TokenService owns token issuance, revocation, listing and verification.
type TokenService struct {
	store  storage.TokenBackend
	pepper []byte
	now    func() time.Time
	random io.Reader
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithPepper keys the secret digest. Digests computed with one pepper do not
// match under another, so changing it invalidates every issued secret.
func WithPepper(pepper string) Option {
	return func(s *TokenService) {
		if pepper == "" {
			s.pepper = nil
			return
		}
		key := []byte(pepper)
		if len(key) > blake2b.Size {
			sum := blake2b.Sum256(key)
			key = sum[:]
		}
		s.pepper = key
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService creates a TokenService backed by the given storage.
func NewTokenService(store storage.TokenBackend, opts ...Option) *TokenService {
	s := &TokenService{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates an active token for owner with exactly the given scopes and
// returns it together with the plaintext secret. The secret is not
// retrievable afterwards.
func (s *TokenService) Issue(ctx context.Context, owner string, scopes []string) (*models.IssuedToken, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	normalized, err := NormalizeScopes(scopes)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		secret, err := s.newSecret()
		if err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
		id, err := uuid.NewRandomFromReader(s.random)
		if err != nil {
			return nil, fmt.Errorf("generating token id: %w", err)
		}
		digest, err := s.digest(secret)
		if err != nil {
			return nil, err
		}

		now := s.now()
		t := &models.Token{
			ID:         id.String(),
			SecretHash: digest,
			Owner:      owner,
			Scopes:     normalized,
			Status:     models.TokenActive,
			CreatedAt:  now,
			LastUsedAt: now,
		}
		err = s.store.InsertToken(ctx, t)
		if errors.Is(err, storage.ErrAlreadyExists) && attempt < issueRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persisting token: %w", err)
		}
		return &models.IssuedToken{TokenView: t.View(), Secret: secret}, nil
	}
}

// Revoke marks the token revoked. It is idempotent.
func (s *TokenService) Revoke(ctx context.Context, id string) (*models.TokenView, error) {
	t, err := s.store.RevokeToken(ctx, id, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("revoking token: %w", err)
	}
	v := t.View()
	return &v, nil
}

// Get returns one token without its secret.
func (s *TokenService) Get(ctx context.Context, id string) (*models.TokenView, error) {
	t, err := s.store.GetToken(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v := t.View()
	return &v, nil
}

// List returns every token, most recently issued first, without secrets.
func (s *TokenService) List(ctx context.Context) ([]models.TokenView, error) {
	tokens, err := s.store.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	views := make([]models.TokenView, len(tokens))
	for i, t := range tokens {
		views[i] = t.View()
	}
	return views, nil
}

// Verify resolves a bearer secret to its owner and scopes. Only active
// tokens verify; success advances lastUsedAt, failure writes nothing.
func (s *TokenService) Verify(ctx context.Context, secret string) (*models.TokenPayload, error) {
	if !strings.HasPrefix(secret, secretPrefix) || len(secret) == len(secretPrefix) {
		return nil, ErrInvalidToken
	}
	digest, err := s.digest(secret)
	if err != nil {
		return nil, err
	}
	t, err := s.store.TouchActiveToken(ctx, digest, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	return &models.TokenPayload{TokenID: t.ID, Owner: t.Owner, Scopes: t.Scopes}, nil
}

// CountActive returns the number of active tokens.
func (s *TokenService) CountActive(ctx context.Context) (int64, error) {
	return s.store.CountActiveTokens(ctx)
}

func (s *TokenService) newSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		return "", err
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func (s *TokenService) digest(secret string) (string, error) {
	h, err := blake2b.New256(s.pepper)
	if err != nil {
		return "", fmt.Errorf("initializing digest: %w", err)
	}
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil)), nil
}
