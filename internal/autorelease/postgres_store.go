package autorelease

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists rules and decision logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, grace_period_hours, category_id, max_amount, enabled, created_at, updated_at`

func (p *PostgresStore) EnsureRule(ctx context.Context, r *Rule) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO auto_release_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO NOTHING`,
		r.ID, r.Name, r.GracePeriodHours, r.CategoryID, nullDecimal(r.MaxAmount), r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) CreateRule(ctx context.Context, r *Rule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auto_release_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Name, r.GracePeriodHours, r.CategoryID, nullDecimal(r.MaxAmount), r.Enabled, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrDuplicateRule
		case "23514":
			return ErrInvalidRule
		}
	}
	return err
}

func (p *PostgresStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM auto_release_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRules(ctx context.Context) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM auto_release_rules ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateRule(ctx context.Context, r *Rule) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE auto_release_rules
		SET grace_period_hours = $1, max_amount = $2, enabled = $3, updated_at = $4
		WHERE id = $5`,
		r.GracePeriodHours, nullDecimal(r.MaxAmount), r.Enabled, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) AddLog(ctx context.Context, l *Log) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auto_release_logs (id, sweep_id, booking_id, rule_id, action, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.SweepID, l.BookingID, l.RuleID, string(l.Action), l.Reason, l.Timestamp)
	return err
}

func (p *PostgresStore) ListLogs(ctx context.Context, bookingID string, limit int) ([]*Log, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sweep_id, booking_id, rule_id, action, COALESCE(reason, ''), created_at
		FROM auto_release_logs
		WHERE $1 = '' OR booking_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, bookingID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Log, 0)
	for rows.Next() {
		l := &Log{}
		var action string
		if err := rows.Scan(&l.ID, &l.SweepID, &l.BookingID, &l.RuleID, &action, &l.Reason, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Action = Action(action)
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(s scanner) (*Rule, error) {
	r := &Rule{}
	var maxAmount decimal.NullDecimal
	if err := s.Scan(&r.ID, &r.Name, &r.GracePeriodHours, &r.CategoryID, &maxAmount, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if maxAmount.Valid {
		d := maxAmount.Decimal
		r.MaxAmount = &d
	}
	return r, nil
}

func nullDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}
