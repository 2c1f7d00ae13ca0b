package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in
// migrations/ (wallets, wallet_transactions).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `user_id, balance, escrow, total_spent, total_earned, version, created_at, updated_at`

const txColumns = `id, user_id, type, amount, COALESCE(booking_id, ''), reference, status, COALESCE(description, ''), created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(sc scanner) (*Wallet, error) {
	w := &Wallet{}
	err := sc.Scan(&w.UserID, &w.Balance, &w.Escrow, &w.TotalSpent, &w.TotalEarned,
		&w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var txType, status string
	err := sc.Scan(&tx.ID, &tx.UserID, &txType, &tx.Amount, &tx.BookingID,
		&tx.Reference, &status, &tx.Description, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Type = TxType(txType)
	tx.Status = TxStatus(status)
	return tx, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) CreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, escrow, total_spent, total_earned, version, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, 1, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return p.GetWallet(ctx, userID)
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	tx, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE reference = $1`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Commit applies every wallet update as a compare-and-set on version and
// inserts the transactions in the same SQL transaction. The CHECK
// constraints on wallets back up the escrow invariant at the DB level.
func (p *PostgresStore) Commit(ctx context.Context, wallets []*Wallet, txs []*Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range wallets {
		var res sql.Result
		if w.Version == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO wallets (user_id, balance, escrow, total_spent, total_earned, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
				ON CONFLICT (user_id) DO NOTHING
			`, w.UserID, w.Balance, w.Escrow, w.TotalSpent, w.TotalEarned, w.CreatedAt, w.UpdatedAt)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE wallets SET
					balance      = $2,
					escrow       = $3,
					total_spent  = $4,
					total_earned = $5,
					version      = version + 1,
					updated_at   = $6
				WHERE user_id = $1 AND version = $7
			`, w.UserID, w.Balance, w.Escrow, w.TotalSpent, w.TotalEarned, w.UpdatedAt, w.Version)
		}
		if err != nil {
			return fmt.Errorf("failed to write wallet %s: %w", w.UserID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVersionConflict
		}
	}

	for _, t := range txs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, user_id, type, amount, booking_id, reference, status, description, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		`, t.ID, t.UserID, string(t.Type), t.Amount, t.BookingID, t.Reference, string(t.Status), t.Description, t.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateReference
			}
			return fmt.Errorf("failed to record transaction: %w", err)
		}
	}

	return tx.Commit()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
