package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/org/admingate/pkg/models"
)

const defaultAuditCapacity = 10000

// MemoryBackend keeps tokens and audit entries in process memory. A single
// mutex guards the whole collection.
type MemoryBackend struct {
	mu     sync.Mutex
	tokens []*models.Token // newest first
	byID   map[string]*models.Token
	byHash map[string]*models.Token

	audit    []*models.AuditEntry // oldest first
	auditCap int
	auditSeq int64
}

// NewMemoryBackend returns an empty in-memory backend. auditCapacity bounds
// the number of retained audit entries; zero selects a default.
func NewMemoryBackend(auditCapacity int) *MemoryBackend {
	if auditCapacity <= 0 {
		auditCapacity = defaultAuditCapacity
	}
	return &MemoryBackend{
		byID:     map[string]*models.Token{},
		byHash:   map[string]*models.Token{},
		auditCap: auditCapacity,
	}
}

func (m *MemoryBackend) Close() {}

// --- Tokens ---

func (m *MemoryBackend) InsertToken(_ context.Context, token *models.Token) error {
	t := token.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[t.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byHash[t.SecretHash]; ok {
		return ErrAlreadyExists
	}
	m.tokens = append([]*models.Token{t}, m.tokens...)
	m.byID[t.ID] = t
	m.byHash[t.SecretHash] = t
	return nil
}

func (m *MemoryBackend) GetToken(_ context.Context, id string) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryBackend) ListTokens(_ context.Context) ([]*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Token, len(m.tokens))
	for i, t := range m.tokens {
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *MemoryBackend) RevokeToken(_ context.Context, id string, at time.Time) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TokenRevoked {
		t.Status = models.TokenRevoked
		revokedAt := at
		t.RevokedAt = &revokedAt
	}
	return t.Clone(), nil
}

func (m *MemoryBackend) TouchActiveToken(_ context.Context, secretHash string, at time.Time) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byHash[secretHash]
	if !ok || !t.IsActive() {
		return nil, ErrNotFound
	}
	if at.After(t.LastUsedAt) {
		t.LastUsedAt = at
	}
	return t.Clone(), nil
}

func (m *MemoryBackend) CountActiveTokens(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokens {
		if t.IsActive() {
			n++
		}
	}
	return n, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	e := *entry

	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	e.ID = m.auditSeq
	m.audit = append(m.audit, &e)
	if over := len(m.audit) - m.auditCap; over > 0 {
		m.audit = append([]*models.AuditEntry(nil), m.audit[over:]...)
	}
	return nil
}

func (m *MemoryBackend) QueryAuditLog(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*models.AuditEntry{}
	skipped := 0
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		c := *e
		out = append(out, &c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
