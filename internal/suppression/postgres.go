package suppression

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresSchema creates the tables used by PostgresStore
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS email_suppressions (
	tenant_id  TEXT NOT NULL,
	email      TEXT NOT NULL,
	reason     TEXT NOT NULL,
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, email)
);

CREATE TABLE IF NOT EXISTS global_email_bounces (
	email          TEXT PRIMARY KEY,
	bounce_count   INTEGER NOT NULL DEFAULT 1,
	last_bounce_at TIMESTAMPTZ NOT NULL,
	reason         TEXT
);
`

// PostgresStore implements Store against PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed suppression store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the suppression tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate suppressions: %w", err)
	}
	return nil
}

// FindEntries returns entries matching q, newest first
func (s *PostgresStore) FindEntries(ctx context.Context, q EntryQuery) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.TenantID != "" {
		args = append(args, q.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if len(q.Emails) > 0 {
		args = append(args, pq.Array(q.Emails))
		where = append(where, fmt.Sprintf("email = ANY($%d)", len(args)))
	}
	if q.Reason != "" {
		args = append(args, string(q.Reason))
		where = append(where, fmt.Sprintf("reason = $%d", len(args)))
	}

	query := `SELECT tenant_id, email, reason, details, created_at FROM email_suppressions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query suppressions: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e       Entry
			reason  string
			details []byte
		)
		if err := rows.Scan(&e.TenantID, &e.Email, &reason, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		e.Reason = Reason(reason)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode suppression details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// UpsertEntry inserts e or overwrites the existing row for its tenant and email
func (s *PostgresStore) UpsertEntry(ctx context.Context, e *Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode suppression details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_suppressions (tenant_id, email, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, email) DO UPDATE
		SET reason = EXCLUDED.reason, details = EXCLUDED.details, created_at = EXCLUDED.created_at
	`, e.TenantID, e.Email, string(e.Reason), details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}
	return nil
}

// DeleteEntry removes a tenant entry and reports whether a row was deleted
func (s *PostgresStore) DeleteEntry(ctx context.Context, tenantID, email string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_suppressions WHERE tenant_id = $1 AND email = $2`,
		tenantID, email,
	)
	if err != nil {
		return false, fmt.Errorf("delete suppression: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete suppression: %w", err)
	}
	return n > 0, nil
}

// FindGlobalBounces returns global bounce rows for the given emails
func (s *PostgresStore) FindGlobalBounces(ctx context.Context, emails []string) ([]*GlobalBounce, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, bounce_count, last_bounce_at, COALESCE(reason, '')
		FROM global_email_bounces
		WHERE email = ANY($1)
	`, pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("query global bounces: %w", err)
	}
	defer rows.Close()

	var out []*GlobalBounce
	for rows.Next() {
		var b GlobalBounce
		if err := rows.Scan(&b.Email, &b.BounceCount, &b.LastBounceAt, &b.Reason); err != nil {
			return nil, fmt.Errorf("scan global bounce: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// RecordGlobalBounce inserts a bounce row or bumps its counter
func (s *PostgresStore) RecordGlobalBounce(ctx context.Context, email, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_email_bounces (email, bounce_count, last_bounce_at, reason)
		VALUES ($1, 1, $2, NULLIF($3, ''))
		ON CONFLICT (email) DO UPDATE
		SET bounce_count = global_email_bounces.bounce_count + 1,
		    last_bounce_at = EXCLUDED.last_bounce_at,
		    reason = COALESCE(EXCLUDED.reason, global_email_bounces.reason)
	`, email, at, reason)
	if err != nil {
		return fmt.Errorf("record global bounce: %w", err)
	}
	return nil
}
