package audit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/org/admingate/internal/storage"
	"github.com/org/admingate/pkg/models"
)

func decision(path string, allowed bool) *models.Decision {
	reason := models.ReasonMissingScope
	status := http.StatusForbidden
	if allowed {
		reason = models.ReasonAllowed
		status = http.StatusOK
	}
	return &models.Decision{
		Allowed:   allowed,
		Reason:    reason,
		Status:    status,
		Method:    http.MethodGet,
		Path:      path,
		RequestID: "req-1",
		ClientIP:  "10.0.0.1",
		Owner:     "billing-svc",
		Timestamp: time.Now().UTC(),
		Duration:  12 * time.Millisecond,
	}
}

func TestLoggerPersistsDecisions(t *testing.T) {
	store := storage.NewMemoryBackend(0)
	l := NewLogger(store, Config{})

	l.Record(context.Background(), decision("/api/v1/billing", true))
	l.Record(context.Background(), decision("/api/v1/companies", false))
	l.Close()

	entries, err := l.Query(context.Background(), storage.AuditFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Path != "/api/v1/companies" || entries[0].Reason != string(models.ReasonMissingScope) {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if !entries[1].Allowed || entries[1].ResponseCode != http.StatusOK || entries[1].ResponseTimeMs != 12 {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

// blockingStore never returns from writes until released.
type blockingStore struct {
	storage.AuditBackend
	release chan struct{}
}

func (b *blockingStore) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	<-b.release
	return nil
}

func TestRecordNeverBlocks(t *testing.T) {
	bs := &blockingStore{AuditBackend: storage.NewMemoryBackend(0), release: make(chan struct{})}
	l := NewLogger(bs, Config{BufferSize: 2, CloseTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Record(context.Background(), decision("/api/v1/billing", true))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled backend")
	}
	close(bs.release)
	l.Close()
}

type failingStore struct {
	storage.AuditBackend
}

func (failingStore) WriteAuditEntry(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	l := NewLogger(failingStore{AuditBackend: storage.NewMemoryBackend(0)}, Config{})
	l.Record(context.Background(), decision("/api/v1/billing", true))
	l.Close()
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	store := storage.NewMemoryBackend(0)
	l := NewLogger(store, Config{})
	l.Close()
	l.Close()

	l.Record(context.Background(), decision("/api/v1/billing", true))
	entries, _ := store.QueryAuditLog(context.Background(), storage.AuditFilter{})
	if len(entries) != 0 {
		t.Errorf("expected no entries after close, got %d", len(entries))
	}
}
