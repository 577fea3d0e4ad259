package audit

import (
	"context"
	"sync"
	"time"

	"github.com/org/admingate/internal/storage"
	"github.com/org/admingate/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	defaultBufferSize   = 1024
	defaultWriteTimeout = 5 * time.Second
	defaultCloseTimeout = 10 * time.Second
)

var (
	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admingate_audit_dropped_total",
		Help: "Authorization decisions not recorded because the audit queue was full or closed.",
	})
	writeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admingate_audit_write_errors_total",
		Help: "Audit entries the backend failed to persist.",
	})
)

func init() {
	prometheus.MustRegister(droppedTotal, writeErrorsTotal)
}

// Config tunes a Logger.
type Config struct {
	// BufferSize is the number of decisions queued before new ones are dropped.
	BufferSize   int
	WriteTimeout time.Duration
	CloseTimeout time.Duration
	// LogDecisions also writes each decision to the process log.
	LogDecisions bool
}

// Logger is the audit sink. Record never blocks the request: decisions are
// queued and persisted by a background writer, and are dropped when the
// queue is full.
type Logger struct {
	store storage.AuditBackend
	cfg   Config
	queue chan *models.AuditEntry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewLogger creates an audit Logger and starts its writer.
func NewLogger(store storage.AuditBackend, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	l := &Logger{
		store: store,
		cfg:   cfg,
		queue: make(chan *models.AuditEntry, cfg.BufferSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues a decision for persistence.
func (l *Logger) Record(_ context.Context, d *models.Decision) {
	entry := models.EntryFromDecision(d)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if l.cfg.LogDecisions {
		log.Info().
			Str("request_id", entry.RequestID).
			Str("method", entry.Method).
			Str("path", entry.Path).
			Str("owner", entry.Owner).
			Bool("allowed", entry.Allowed).
			Str("reason", entry.Reason).
			Int("status", entry.ResponseCode).
			Int64("duration_ms", entry.ResponseTimeMs).
			Str("client_ip", entry.ClientIP).
			Msg("audit")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		droppedTotal.Inc()
		return
	}
	select {
	case l.queue <- entry:
	default:
		droppedTotal.Inc()
		log.Warn().Str("path", entry.Path).Msg("audit queue full, decision dropped")
	}
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}

// Close stops accepting decisions and waits for queued ones to be written.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(l.cfg.CloseTimeout):
		log.Warn().Dur("timeout", l.cfg.CloseTimeout).Msg("timeout waiting for audit queue to drain")
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for entry := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
		if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
			writeErrorsTotal.Inc()
			log.Error().Err(err).Str("request_id", entry.RequestID).Msg("failed to write audit entry")
		}
		cancel()
	}
}
