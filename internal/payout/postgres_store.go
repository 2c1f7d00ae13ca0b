package payout

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, user_id, bank_account_id, amount, reference, status, provider,
		       COALESCE(transfer_code, ''), COALESCE(failure_reason, ''), created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, bank_account_id, amount, reference, status, provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8, $9)`,
		w.ID, w.UserID, w.BankAccountID, w.Amount, w.Reference, string(w.Status), w.Provider, w.CreatedAt, w.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrInvalidRequest
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Withdrawal, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, w *Withdrawal, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $1, provider = $2, transfer_code = NULLIF($3, ''), failure_reason = NULLIF($4, ''), updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(w.Status), w.Provider, w.TransferCode, w.FailureReason, w.UpdatedAt, w.ID, string(from))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, w.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var status string
	err := s.Scan(&w.ID, &w.UserID, &w.BankAccountID, &w.Amount, &w.Reference, &status, &w.Provider,
		&w.TransferCode, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	return w, nil
}
