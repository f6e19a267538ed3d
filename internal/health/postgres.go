package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresSchema creates the table used by PostgresStore
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS domain_health (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	tenant_id         TEXT NOT NULL DEFAULT '',
	reputation_score  INTEGER NOT NULL DEFAULT 100,
	total_emails_sent BIGINT NOT NULL DEFAULT 0,
	hard_bounces      BIGINT NOT NULL DEFAULT 0,
	soft_bounces      BIGINT NOT NULL DEFAULT 0,
	spam_complaints   BIGINT NOT NULL DEFAULT 0,
	emails_sent_today BIGINT NOT NULL DEFAULT 0,
	is_suspended      BOOLEAN NOT NULL DEFAULT FALSE,
	suspend_reason    TEXT NOT NULL DEFAULT '',
	suspended_at      TIMESTAMPTZ,
	sending_enabled   BOOLEAN NOT NULL DEFAULT TRUE,
	verified          BOOLEAN NOT NULL DEFAULT FALSE,
	spf_verified      BOOLEAN NOT NULL DEFAULT FALSE,
	dkim_verified     BOOLEAN NOT NULL DEFAULT FALSE,
	dmarc_verified    BOOLEAN NOT NULL DEFAULT FALSE,
	warmup_completed  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE domain_health ADD COLUMN IF NOT EXISTS sent_today_date DATE;
`

const domainColumns = `id, name, tenant_id, reputation_score, total_emails_sent, hard_bounces,
	soft_bounces, spam_complaints, emails_sent_today, is_suspended, suspend_reason, suspended_at,
	sending_enabled, verified, spf_verified, dkim_verified, dmarc_verified, warmup_completed,
	created_at, updated_at, sent_today_date`

// PostgresStore implements Store against PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a Postgres-backed health store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the domain_health table if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate domain health: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDomain(row rowScanner) (*Domain, error) {
	var (
		d           Domain
		suspendedAt sql.NullTime
		sentDate    sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.TenantID, &d.ReputationScore, &d.TotalEmailsSent, &d.HardBounces,
		&d.SoftBounces, &d.SpamComplaints, &d.EmailsSentToday, &d.IsSuspended, &d.SuspendReason, &suspendedAt,
		&d.SendingEnabled, &d.Verified, &d.SPFVerified, &d.DKIMVerified, &d.DMARCVerified, &d.WarmupCompleted,
		&d.CreatedAt, &d.UpdatedAt, &sentDate,
	)
	if err != nil {
		return nil, err
	}
	if sentDate.Valid {
		d.SentTodayDate = Day(sentDate.Time)
	}
	if suspendedAt.Valid {
		t := suspendedAt.Time
		d.SuspendedAt = &t
	}
	return &d, nil
}

// Get returns the domain with the given id
func (s *PostgresStore) Get(ctx context.Context, id string) (*Domain, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+domainColumns+` FROM domain_health WHERE id = $1`, id)
	d, err := scanDomain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return d, nil
}

// Put creates or replaces a domain record
func (s *PostgresStore) Put(ctx context.Context, d *Domain) error {
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.EmailsSentToday != 0 && d.SentTodayDate == "" {
		d.SentTodayDate = Day(now)
	}
	var sentDate sql.NullString
	if d.SentTodayDate != "" {
		sentDate = sql.NullString{String: d.SentTodayDate, Valid: true}
	}

	var suspendedAt sql.NullTime
	if d.SuspendedAt != nil {
		suspendedAt = sql.NullTime{Time: *d.SuspendedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_health (`+domainColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			tenant_id = EXCLUDED.tenant_id,
			reputation_score = EXCLUDED.reputation_score,
			total_emails_sent = EXCLUDED.total_emails_sent,
			hard_bounces = EXCLUDED.hard_bounces,
			soft_bounces = EXCLUDED.soft_bounces,
			spam_complaints = EXCLUDED.spam_complaints,
			emails_sent_today = EXCLUDED.emails_sent_today,
			is_suspended = EXCLUDED.is_suspended,
			suspend_reason = EXCLUDED.suspend_reason,
			suspended_at = EXCLUDED.suspended_at,
			sending_enabled = EXCLUDED.sending_enabled,
			verified = EXCLUDED.verified,
			spf_verified = EXCLUDED.spf_verified,
			dkim_verified = EXCLUDED.dkim_verified,
			dmarc_verified = EXCLUDED.dmarc_verified,
			warmup_completed = EXCLUDED.warmup_completed,
			updated_at = EXCLUDED.updated_at,
			sent_today_date = EXCLUDED.sent_today_date
	`,
		d.ID, d.Name, d.TenantID, d.ReputationScore, d.TotalEmailsSent, d.HardBounces,
		d.SoftBounces, d.SpamComplaints, d.EmailsSentToday, d.IsSuspended, d.SuspendReason, suspendedAt,
		d.SendingEnabled, d.Verified, d.SPFVerified, d.DKIMVerified, d.DMARCVerified, d.WarmupCompleted,
		d.CreatedAt, d.UpdatedAt, sentDate,
	)
	if err != nil {
		return fmt.Errorf("put domain: %w", err)
	}
	return nil
}

// List returns all domains ordered by name
func (s *PostgresStore) List(ctx context.Context) ([]*Domain, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+domainColumns+` FROM domain_health ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Increment adds c to the domain's counters in a single statement. A daily
// counter kept for an earlier day restarts from zero.
func (s *PostgresStore) Increment(ctx context.Context, id string, c Counters) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE domain_health SET
			total_emails_sent = total_emails_sent + $2,
			emails_sent_today = CASE
				WHEN $3::bigint = 0 THEN emails_sent_today
				WHEN sent_today_date = $7::date THEN emails_sent_today + $3::bigint
				ELSE $3::bigint
			END,
			sent_today_date = CASE WHEN $3::bigint = 0 THEN sent_today_date ELSE $7::date END,
			hard_bounces = hard_bounces + $4,
			soft_bounces = soft_bounces + $5,
			spam_complaints = spam_complaints + $6,
			updated_at = NOW()
		WHERE id = $1
	`, id, c.Sent, c.SentToday, c.HardBounces, c.SoftBounces, c.Complaints, Day(s.now()))
	if err != nil {
		return fmt.Errorf("increment domain counters: %w", err)
	}
	return requireRow(res)
}

// ResetDaily zeroes emails_sent_today on every domain whose counter belongs
// to an earlier day
func (s *PostgresStore) ResetDaily(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE domain_health SET emails_sent_today = 0, sent_today_date = $1::date, updated_at = NOW()
		WHERE emails_sent_today <> 0 AND (sent_today_date IS NULL OR sent_today_date <> $1::date)
	`, Day(now))
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	return int(n), nil
}

// SetSuspended updates the suspension flag
func (s *PostgresStore) SetSuspended(ctx context.Context, id string, suspended bool, reason string, at time.Time) error {
	var suspendedAt sql.NullTime
	if suspended {
		suspendedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	} else {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE domain_health
		SET is_suspended = $2, suspend_reason = $3, suspended_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, suspended, reason, suspendedAt)
	if err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}
	return requireRow(res)
}

// SetVerification stores DNS verification results
func (s *PostgresStore) SetVerification(ctx context.Context, id string, v Verification) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE domain_health
		SET spf_verified = $2, dkim_verified = $3, dmarc_verified = $4, verified = $5, updated_at = NOW()
		WHERE id = $1
	`, id, v.SPF, v.DKIM, v.DMARC, v.SPF && v.DKIM)
	if err != nil {
		return fmt.Errorf("set verification: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
