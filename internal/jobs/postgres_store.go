package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists jobs and applications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed jobs store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, client_id, category_id, title, COALESCE(description, ''), budget_min, budget_max,
		       status, applicant_count, COALESCE(booking_id, ''), expires_at, created_at, updated_at`

const appColumns = `id, job_id, worker_id, status, COALESCE(cover_note, ''), applied_at, selected_at,
		       accepted_at, declined_at, unpicked_at, COALESCE(booking_id, ''), updated_at`

func (p *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO job_postings (
			id, client_id, category_id, title, description, budget_min, budget_max,
			status, applicant_count, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8, 0, $9, $10, $11)`,
		j.ID, j.ClientID, j.CategoryID, j.Title, nullString(j.Description), j.BudgetMin, j.BudgetMax,
		string(j.Status), j.ExpiresAt, j.CreatedAt, j.UpdatedAt)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_postings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (p *PostgresStore) ListOpenJobs(ctx context.Context, categoryID string, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM job_postings
		WHERE status = 'open' AND ($1 = '' OR category_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, categoryID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (p *PostgresStore) ListJobsByClient(ctx context.Context, clientID string, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM job_postings
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (p *PostgresStore) ListJobsExpiringBefore(ctx context.Context, t time.Time) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM job_postings
		WHERE status = 'open' AND expires_at <= $1
		ORDER BY expires_at ASC`, t)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *Job, from JobStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE job_postings SET status = $1, booking_id = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(j.Status), nullString(j.BookingID), j.UpdatedAt, j.ID, string(from))
	if err != nil {
		return err
	}
	return p.checkUpdated(ctx, result, func() error { _, err := p.GetJob(ctx, j.ID); return err })
}

func (p *PostgresStore) CreateApplication(ctx context.Context, a *Application) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_applications (id, job_id, worker_id, status, cover_note, applied_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.JobID, a.WorkerID, string(a.Status), nullString(a.CoverNote), a.AppliedAt, a.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrAlreadyApplied
		case "23503":
			return ErrJobNotFound
		}
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE job_postings SET applicant_count = applicant_count + 1 WHERE id = $1`, a.JobID); err != nil {
		return fmt.Errorf("bump applicant count: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	a, err := scanApplication(p.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM job_applications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApplicationNotFound
	}
	return a, err
}

func (p *PostgresStore) ListApplications(ctx context.Context, jobID string) ([]*Application, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+appColumns+` FROM job_applications WHERE job_id = $1 ORDER BY applied_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApplications(rows)
}

func (p *PostgresStore) ListApplicationsByWorker(ctx context.Context, workerID string, limit int) ([]*Application, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+appColumns+` FROM job_applications WHERE worker_id = $1
		ORDER BY applied_at DESC LIMIT $2`, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApplications(rows)
}

func (p *PostgresStore) ListSelectedBefore(ctx context.Context, t time.Time) ([]*Application, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+appColumns+` FROM job_applications
		WHERE status = 'selected' AND selected_at <= $1
		ORDER BY selected_at ASC`, t)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApplications(rows)
}

func (p *PostgresStore) UpdateApplication(ctx context.Context, a *Application, from AppStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE job_applications SET
			status = $1, selected_at = $2, accepted_at = $3, declined_at = $4,
			unpicked_at = $5, booking_id = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		string(a.Status), nullTime(a.SelectedAt), nullTime(a.AcceptedAt), nullTime(a.DeclinedAt),
		nullTime(a.UnpickedAt), nullString(a.BookingID), a.UpdatedAt, a.ID, string(from))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// uq_application_live_selection
		return ErrSelectionInProgress
	}
	if err != nil {
		return err
	}
	return p.checkUpdated(ctx, result, func() error { _, err := p.GetApplication(ctx, a.ID); return err })
}

// checkUpdated maps zero affected rows to not-found or a status conflict.
func (p *PostgresStore) checkUpdated(ctx context.Context, result sql.Result, exists func() error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	if err := exists(); err != nil {
		return err
	}
	return ErrStatusConflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var status string
	err := s.Scan(&j.ID, &j.ClientID, &j.CategoryID, &j.Title, &j.Description, &j.BudgetMin, &j.BudgetMax,
		&status, &j.ApplicantCount, &j.BookingID, &j.ExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	out := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanApplication(s scanner) (*Application, error) {
	a := &Application{}
	var status string
	var selectedAt, acceptedAt, declinedAt, unpickedAt sql.NullTime
	err := s.Scan(&a.ID, &a.JobID, &a.WorkerID, &status, &a.CoverNote, &a.AppliedAt, &selectedAt,
		&acceptedAt, &declinedAt, &unpickedAt, &a.BookingID, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AppStatus(status)
	a.SelectedAt = timePtr(selectedAt)
	a.AcceptedAt = timePtr(acceptedAt)
	a.DeclinedAt = timePtr(declinedAt)
	a.UnpickedAt = timePtr(unpickedAt)
	return a, nil
}

func scanApplications(rows *sql.Rows) ([]*Application, error) {
	out := make([]*Application, 0)
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
