package booking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists bookings and reviews in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, client_id, worker_id, job_id, application_id, category_id,
		       amount, currency, status, payment_status, dispute_reason, resolution,
		       rating, review, created_at, started_at, completed_at, confirmed_at,
		       resolved_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, client_id, worker_id, job_id, application_id, category_id,
			amount, currency, status, payment_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8, $9, $10, $11, $12)`,
		b.ID, b.ClientID, b.WorkerID, nullString(b.JobID), nullString(b.ApplicationID), b.CategoryID,
		b.Amount, b.Currency, string(b.Status), string(b.PaymentStatus), b.CreatedAt, b.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrInvalidRequest
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (p *PostgresStore) GetByApplication(ctx context.Context, applicationID string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE application_id = $1`, applicationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE client_id = $1 OR worker_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = $1
		ORDER BY COALESCE(completed_at, created_at) ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ListCompleted(ctx context.Context, after Cursor, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'completed' AND completed_at IS NOT NULL
		  AND (completed_at, id) > ($1, $2)
		ORDER BY completed_at ASC, id ASC
		LIMIT $3`, after.CompletedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ListByPaymentStatus(ctx context.Context, ps PaymentStatus) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE payment_status = $1
		ORDER BY created_at ASC`, string(ps))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) Update(ctx context.Context, b *Booking, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1, payment_status = $2, dispute_reason = $3, resolution = $4,
			rating = $5, review = $6, started_at = $7, completed_at = $8,
			confirmed_at = $9, resolved_at = $10, updated_at = $11
		WHERE id = $12 AND status = $13`,
		string(b.Status), string(b.PaymentStatus), nullString(b.DisputeReason), nullString(b.Resolution),
		nullInt(b.Rating), nullString(b.Review), nullTime(b.StartedAt), nullTime(b.CompletedAt),
		nullTime(b.ConfirmedAt), nullTime(b.ResolvedAt), b.UpdatedAt,
		b.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, b.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) AddReview(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO booking_reviews (booking_id, worker_id, client_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.BookingID, r.WorkerID, r.ClientID, r.Rating, nullString(r.Comment), r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateReview
	}
	return err
}

func (p *PostgresStore) ListReviews(ctx context.Context, workerID string, limit int) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT booking_id, worker_id, client_id, rating, COALESCE(comment, ''), created_at
		FROM booking_reviews
		WHERE worker_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Review, 0)
	for rows.Next() {
		r := &Review{}
		if err := rows.Scan(&r.BookingID, &r.WorkerID, &r.ClientID, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var (
		jobID, applicationID  sql.NullString
		disputeReason, review sql.NullString
		resolution            sql.NullString
		rating                sql.NullInt64
		status, paymentStatus string
		startedAt             sql.NullTime
		completedAt           sql.NullTime
		confirmedAt           sql.NullTime
		resolvedAt            sql.NullTime
	)
	err := s.Scan(
		&b.ID, &b.ClientID, &b.WorkerID, &jobID, &applicationID, &b.CategoryID,
		&b.Amount, &b.Currency, &status, &paymentStatus, &disputeReason, &resolution,
		&rating, &review, &b.CreatedAt, &startedAt, &completedAt, &confirmedAt,
		&resolvedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = Status(status)
	b.PaymentStatus = PaymentStatus(paymentStatus)
	b.JobID = jobID.String
	b.ApplicationID = applicationID.String
	b.DisputeReason = disputeReason.String
	b.Resolution = resolution.String
	b.Review = review.String
	b.Rating = int(rating.Int64)
	b.StartedAt = timePtr(startedAt)
	b.CompletedAt = timePtr(completedAt)
	b.ConfirmedAt = timePtr(confirmedAt)
	b.ResolvedAt = timePtr(resolvedAt)
	return b, nil
}

func scanBookings(rows *sql.Rows) ([]*Booking, error) {
	out := make([]*Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
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
