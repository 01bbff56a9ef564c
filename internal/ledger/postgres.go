package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nono-wallet/nono_wallet/internal/money"
)

const (
	uniqueViolationCode = "23505"

	walletColumns = `id, name, user_id, balance, created_at`
	txColumns     = `id, wallet_id, type, amount, counterparty_wallet_id, transfer_id, idempotency_key, note, created_at`
)

// PostgresStore persists wallets and transactions in PostgreSQL. Each
// Transact unit maps to a single database transaction; per-wallet
// serialization comes from SELECT ... FOR UPDATE row locks.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetWallet fetches a wallet without locking it.
func (s *PostgresStore) GetWallet(ctx context.Context, id string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, storeErr(err)
	}
	return w, nil
}

// ListTransactions returns one page of a wallet's history, newest first,
// along with the total row count for the same filter.
func (s *PostgresStore) ListTransactions(ctx context.Context, walletID string, f ListFilter, p Page) ([]Transaction, int, error) {
	where := []string{"wallet_id = $1"}
	args := []any{walletID}

	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, storeErr(err)
	}

	query := fmt.Sprintf(`SELECT `+txColumns+` FROM transactions WHERE %s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		cond, len(args)+1, len(args)+2)
	args = append(args, p.Size, p.Offset())

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	defer rows.Close()

	var items []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, storeErr(err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr(err)
	}
	return items, total, nil
}

// Transact runs fn inside one database transaction.
func (s *PostgresStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) WalletForUpdate(ctx context.Context, id string) (Wallet, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, storeErr(err)
	}
	return w, nil
}

func (t *pgTx) InsertWallet(ctx context.Context, w Wallet) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO wallets (id, name, user_id, balance, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.Name, w.UserID, w.Balance.String(), w.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			if strings.Contains(pgErr.ConstraintName, "name") {
				return ErrNameTaken
			}
			return fmt.Errorf("wallet %s already exists", w.ID)
		}
		return storeErr(err)
	}
	return nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, walletID string, balance money.Amount) error {
	tag, err := t.tx.Exec(ctx, `UPDATE wallets SET balance = $2 WHERE id = $1`, walletID, balance.String())
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transactions
        (id, wallet_id, type, amount, counterparty_wallet_id, transfer_id, idempotency_key, note, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.WalletID, string(txn.Type), txn.Amount.String(),
		txn.CounterpartyID, txn.TransferID, txn.IdempotencyKey, txn.Note, txn.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			if strings.Contains(pgErr.ConstraintName, "idem") {
				return ErrDuplicateKey
			}
			return fmt.Errorf("transaction %s already exists", txn.ID)
		}
		return storeErr(err)
	}
	return nil
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, storeErr(err)
	}
	return txn, true, nil
}

func (t *pgTx) SiblingTransaction(ctx context.Context, transferID, excludeTxID string) (Transaction, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE transfer_id = $1 AND id <> $2`,
		transferID, excludeTxID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("transfer %s has no counterpart row", transferID)
		}
		return Transaction{}, storeErr(err)
	}
	return txn, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	var createdAt time.Time
	if err := row.Scan(&w.ID, &w.Name, &w.UserID, &w.Balance, &createdAt); err != nil {
		return Wallet{}, err
	}
	w.CreatedAt = createdAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var kind string
	var createdAt time.Time
	if err := row.Scan(&t.ID, &t.WalletID, &kind, &t.Amount, &t.CounterpartyID,
		&t.TransferID, &t.IdempotencyKey, &t.Note, &createdAt); err != nil {
		return Transaction{}, err
	}
	t.Type = TxType(kind)
	t.CreatedAt = createdAt.UTC()
	return t, nil
}

// storeErr maps timeouts and cancellations to ErrStoreUnavailable so callers
// can distinguish retryable infrastructure failures from terminal ones.
func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
