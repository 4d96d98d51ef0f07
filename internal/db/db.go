package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpipe/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(conn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// EnsureSchema creates the scheduled_emails table and its due-scan index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scheduled_emails (
			id              BIGSERIAL PRIMARY KEY,
			mail_options    JSONB NOT NULL,
			email_type      TEXT NOT NULL,
			scheduled_time  TIMESTAMPTZ NOT NULL,
			attempts        INT NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending',
			last_attempt_at TIMESTAMPTZ,
			error           TEXT NOT NULL DEFAULT '',
			expires_at      TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_emails_due
			ON scheduled_emails (scheduled_time) WHERE status = 'pending';
	`)
	return err
}

func (s *Store) CreateScheduledEmail(ctx context.Context, rec *models.ScheduledEmail) error {
	optsJSON, err := json.Marshal(rec.MailOptions)
	if err != nil {
		return fmt.Errorf("mail options marshal failed: %w", err)
	}

	return s.Pool.QueryRow(ctx,
		`INSERT INTO scheduled_emails
		 (mail_options, email_type, scheduled_time, attempts, status, error, expires_at, created_at, updated_at)
		 VALUES ($1,$2,$3,0,$4,'',$5,NOW(),NOW())
		 RETURNING id, created_at, updated_at`,
		optsJSON,
		rec.EmailType,
		rec.ScheduledTime,
		models.ScheduleStatusPending,
		rec.ExpiresAt,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

// ClaimDue atomically claims up to limit due pending records, oldest-due
// first: status moves to processing and attempts is incremented in the same
// statement, so an overlapping scan from another instance cannot claim the
// same record.
func (s *Store) ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.ScheduledEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE scheduled_emails
		 SET status=$1,
		     attempts = attempts + 1,
		     last_attempt_at=NOW(),
		     updated_at=NOW()
		 WHERE id IN (
		     SELECT id FROM scheduled_emails
		     WHERE status=$2 AND scheduled_time <= $3
		     ORDER BY scheduled_time ASC
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, mail_options, email_type, scheduled_time, attempts, status,
		           last_attempt_at, error, expires_at, created_at, updated_at`,
		models.ScheduleStatusProcessing,
		models.ScheduleStatusPending,
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due records failed: %w", err)
	}
	defer rows.Close()

	return scanScheduledEmails(rows)
}

func (s *Store) MarkSent(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, models.ScheduleStatusSent, "")
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return s.setStatus(ctx, id, models.ScheduleStatusFailed, errMsg)
}

func (s *Store) setStatus(ctx context.Context, id int64, status models.ScheduleStatus, errMsg string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status=$1, error=$2, updated_at=NOW()
		 WHERE id=$3`,
		status,
		errMsg,
		id,
	)
	return err
}

// Reschedule returns a claimed record to pending with a new due time.
func (s *Store) Reschedule(ctx context.Context, id int64, at time.Time, errMsg string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status=$1, scheduled_time=$2, error=$3, updated_at=NOW()
		 WHERE id=$4`,
		models.ScheduleStatusPending,
		at,
		errMsg,
		id,
	)
	return err
}

// ListPending returns pending records soonest-due first, for the admin panel.
func (s *Store) ListPending(ctx context.Context, limit int) ([]models.ScheduledEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, mail_options, email_type, scheduled_time, attempts, status,
		        last_attempt_at, error, expires_at, created_at, updated_at
		 FROM scheduled_emails
		 WHERE status=$1
		 ORDER BY scheduled_time ASC
		 LIMIT $2`,
		models.ScheduleStatusPending,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanScheduledEmails(rows)
}

func scanScheduledEmails(rows pgx.Rows) ([]models.ScheduledEmail, error) {
	var recs []models.ScheduledEmail
	for rows.Next() {
		var (
			rec      models.ScheduledEmail
			optsJSON []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&optsJSON,
			&rec.EmailType,
			&rec.ScheduledTime,
			&rec.Attempts,
			&rec.Status,
			&rec.LastAttemptAt,
			&rec.ErrorMsg,
			&rec.ExpiresAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(optsJSON, &rec.MailOptions); err != nil {
			return nil, fmt.Errorf("mail options unmarshal failed: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
