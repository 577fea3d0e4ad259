package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/admingate/pkg/models"
)

// likeEscaper makes a path filter a literal LIKE prefix.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

const tokenColumns = `id::text, secret_hash, owner, scopes, status, created_at, last_used_at, revoked_at`

// PostgresBackend is a Backend backed by PostgreSQL. Row-level locking
// taken by single-statement UPDATEs serializes verify and revoke on the
// same token.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Tokens ---

func (p *PostgresBackend) InsertToken(ctx context.Context, t *models.Token) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tokens (id, secret_hash, owner, scopes, status, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SecretHash, t.Owner, t.Scopes, string(t.Status), t.CreatedAt, t.LastUsedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetToken(ctx context.Context, id string) (*models.Token, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id::text = $1`,
		id,
	)
	return scanToken(row)
}

func (p *PostgresBackend) ListTokens(ctx context.Context) ([]*models.Token, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []*models.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (p *PostgresBackend) RevokeToken(ctx context.Context, id string, at time.Time) (*models.Token, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE tokens
		 SET status = 'revoked', revoked_at = COALESCE(revoked_at, $2)
		 WHERE id::text = $1
		 RETURNING `+tokenColumns,
		id, at,
	)
	return scanToken(row)
}

func (p *PostgresBackend) TouchActiveToken(ctx context.Context, secretHash string, at time.Time) (*models.Token, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE tokens
		 SET last_used_at = GREATEST(last_used_at, $2)
		 WHERE secret_hash = $1 AND status = 'active'
		 RETURNING `+tokenColumns,
		secretHash, at,
	)
	return scanToken(row)
}

func (p *PostgresBackend) CountActiveTokens(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tokens WHERE status = 'active'`).Scan(&count)
	return count, err
}

func scanToken(row pgx.Row) (*models.Token, error) {
	var t models.Token
	var status string
	err := row.Scan(&t.ID, &t.SecretHash, &t.Owner, &t.Scopes, &status,
		&t.CreatedAt, &t.LastUsedAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = models.TokenStatus(status)
	return &t, nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, token_id, owner, method, path, allowed, reason, response_code, response_time_ms, client_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.RequestID, e.Timestamp, e.TokenID, e.Owner, e.Method, e.Path,
		e.Allowed, e.Reason, e.ResponseCode, e.ResponseTimeMs, e.ClientIP,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, token_id, owner, method, path, allowed, reason, response_code, response_time_ms, client_ip FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, likeEscaper.Replace(filter.Path)+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.TokenID, &e.Owner, &e.Method,
			&e.Path, &e.Allowed, &e.Reason, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
