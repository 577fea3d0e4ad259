package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/admingate/pkg/models"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newToken(id string) *models.Token {
	return &models.Token{
		ID:         id,
		SecretHash: "hash-" + id,
		Owner:      "owner-" + id,
		Scopes:     []string{"billing:view"},
		Status:     models.TokenActive,
		CreatedAt:  t0,
		LastUsedAt: t0,
	}
}

func TestMemoryInsertAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)

	for _, id := range []string{"a", "b", "c"} {
		if err := m.InsertToken(ctx, newToken(id)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	list, err := m.ListTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, tok := range list {
		ids = append(ids, tok.ID)
	}
	if fmt.Sprint(ids) != "[c b a]" {
		t.Errorf("expected newest first, got %v", ids)
	}

	// Returned values are copies.
	list[0].Scopes[0] = "tampered:scope"
	got, _ := m.GetToken(ctx, "c")
	if got.Scopes[0] != "billing:view" {
		t.Error("ListTokens leaked internal state")
	}
}

func TestMemoryInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	if err := m.InsertToken(ctx, newToken("a")); err != nil {
		t.Fatal(err)
	}

	dupHash := newToken("b")
	dupHash.SecretHash = "hash-a"
	for _, tok := range []*models.Token{newToken("a"), dupHash} {
		if err := m.InsertToken(ctx, tok); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	}
}

func TestMemoryRevokeIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	m.InsertToken(ctx, newToken("a")) //nolint:errcheck

	first, err := m.RevokeToken(ctx, "a", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.RevokeToken(ctx, "a", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != models.TokenRevoked || !second.RevokedAt.Equal(*first.RevokedAt) {
		t.Errorf("second revoke changed the token: %+v", second)
	}

	if _, err := m.RevokeToken(ctx, "missing", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n, _ := m.CountActiveTokens(ctx); n != 0 {
		t.Errorf("expected 0 active, got %d", n)
	}
}

func TestMemoryTouchActiveToken(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	m.InsertToken(ctx, newToken("a")) //nolint:errcheck

	later := t0.Add(time.Hour)
	tok, err := m.TouchActiveToken(ctx, "hash-a", later)
	if err != nil {
		t.Fatal(err)
	}
	if !tok.LastUsedAt.Equal(later) {
		t.Errorf("expected last used %v, got %v", later, tok.LastUsedAt)
	}

	// Never moves backwards.
	tok, _ = m.TouchActiveToken(ctx, "hash-a", t0)
	if !tok.LastUsedAt.Equal(later) {
		t.Errorf("last used moved backwards to %v", tok.LastUsedAt)
	}

	if _, err := m.TouchActiveToken(ctx, "hash-unknown", later); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	m.RevokeToken(ctx, "a", later) //nolint:errcheck
	if _, err := m.TouchActiveToken(ctx, "hash-a", later.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for revoked token, got %v", err)
	}
	got, _ := m.GetToken(ctx, "a")
	if !got.LastUsedAt.Equal(later) {
		t.Errorf("failed touch wrote last used %v", got.LastUsedAt)
	}
}

func TestMemoryTouchAfterRevokeNeverSucceeds(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	m.InsertToken(ctx, newToken("a")) //nolint:errcheck

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		revokedAt time.Time
		successes []time.Time
	)
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			at := t0.Add(time.Duration(i+1) * time.Millisecond)
			if _, err := m.TouchActiveToken(ctx, "hash-a", at); err == nil {
				mu.Lock()
				successes = append(successes, at)
				mu.Unlock()
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		tok, err := m.RevokeToken(ctx, "a", t0.Add(time.Hour))
		if err != nil {
			t.Error(err)
			return
		}
		mu.Lock()
		revokedAt = *tok.RevokedAt
		mu.Unlock()
	}()
	close(start)
	wg.Wait()

	if _, err := m.TouchActiveToken(ctx, "hash-a", t0.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch after revoke succeeded: %v", err)
	}
	got, _ := m.GetToken(ctx, "a")
	for _, at := range successes {
		if at.After(got.LastUsedAt) {
			t.Errorf("successful touch at %v not reflected in last used %v", at, got.LastUsedAt)
		}
	}
	if got.LastUsedAt.After(revokedAt) {
		t.Errorf("last used %v after revocation %v", got.LastUsedAt, revokedAt)
	}
}

func TestMemoryAuditQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(3)

	paths := []string{"/api/v1/billing", "/api/v1/tokens", "/api/v1/billing", "/api/v1/companies"}
	for i, p := range paths {
		m.WriteAuditEntry(ctx, &models.AuditEntry{ //nolint:errcheck
			Path:      p,
			Method:    "GET",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
		})
	}

	all, _ := m.QueryAuditLog(ctx, AuditFilter{})
	if len(all) != 3 {
		t.Fatalf("expected capacity to bound entries at 3, got %d", len(all))
	}
	if all[0].Path != "/api/v1/companies" || all[0].ID != 4 {
		t.Errorf("expected newest first, got %+v", all[0])
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   int
	}{
		{"path prefix", AuditFilter{Path: "/api/v1/billing"}, 1},
		{"since", AuditFilter{Since: ptr(t0.Add(2 * time.Minute))}, 2},
		{"limit", AuditFilter{Limit: 1}, 1},
		{"offset", AuditFilter{Offset: 2}, 1},
		{"offset past end", AuditFilter{Offset: 10}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.QueryAuditLog(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if got == nil {
				t.Fatal("expected non-nil slice")
			}
			if len(got) != tc.want {
				t.Errorf("expected %d entries, got %d", tc.want, len(got))
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
