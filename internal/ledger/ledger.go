package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nono-wallet/nono_wallet/internal/money"
)

var (
	// ErrInvalidAmount mirrors money.ErrInvalidAmount so callers can match
	// either sentinel.
	ErrInvalidAmount = money.ErrInvalidAmount

	// ErrInvalidName indicates a missing or malformed wallet name.
	ErrInvalidName = errors.New("invalid wallet name")

	// ErrWalletNotFound indicates the referenced wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrSameWallet indicates a transfer naming the same wallet on both sides.
	ErrSameWallet = errors.New("transfer requires two distinct wallets")

	// ErrInsufficientFunds occurs when a wallet lacks balance to cover a
	// withdrawal or transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNameTaken indicates a wallet name collided with an existing one.
	ErrNameTaken = errors.New("wallet name already taken")

	// ErrDuplicateKey indicates an idempotency key was already recorded. The
	// engine resolves it by replaying the original result, never by surfacing
	// it to the caller.
	ErrDuplicateKey = errors.New("idempotency key already used")

	// ErrStoreUnavailable indicates a transient store failure; the caller may
	// retry the whole operation.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// InsufficientFundsError carries the balance observed when a debit was
// refused, so the caller can report it without a second read.
type InsufficientFundsError struct {
	Balance money.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s", e.Balance)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// TxType discriminates the direction of a transaction. Amounts are always
// positive magnitudes; direction lives here, never in the sign.
type TxType string

const (
	TxDeposit     TxType = "deposit"
	TxWithdraw    TxType = "withdraw"
	TxTransferIn  TxType = "transfer_in"
	TxTransferOut TxType = "transfer_out"
)

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdraw, TxTransferIn, TxTransferOut:
		return true
	}
	return false
}

// Wallet is a stored-value account. Balance is mutated only inside a
// Store.Transact unit and never goes negative.
type Wallet struct {
	ID        string
	Name      string
	UserID    string
	Balance   money.Amount
	CreatedAt time.Time
}

// Transaction is one immutable ledger row. A transfer produces two rows
// sharing a TransferID: a transfer_out on the source wallet (which carries
// the idempotency key, if any) and a transfer_in on the destination.
type Transaction struct {
	ID             string
	WalletID       string
	Type           TxType
	Amount         money.Amount
	CounterpartyID string
	TransferID     string
	IdempotencyKey string
	Note           string
	CreatedAt      time.Time
}

// ListFilter narrows a history query. Zero fields are unbounded.
type ListFilter struct {
	Type TxType
	From time.Time
	To   time.Time
}

// Page selects a slice of a history query. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Tx is the view of the store inside one atomic unit. Every write made
// through it commits together with the rest of the unit, or not at all.
type Tx interface {
	// WalletForUpdate loads a wallet and holds it against concurrent units
	// until the unit finishes. Returns ErrWalletNotFound if absent.
	WalletForUpdate(ctx context.Context, id string) (Wallet, error)

	// InsertWallet creates a wallet row. Returns ErrNameTaken when the name
	// collides with an existing wallet.
	InsertWallet(ctx context.Context, w Wallet) error

	// UpdateBalance overwrites the balance of a wallet previously locked by
	// WalletForUpdate.
	UpdateBalance(ctx context.Context, walletID string, balance money.Amount) error

	// InsertTransaction appends an immutable ledger row. Returns
	// ErrDuplicateKey when the idempotency key is already recorded.
	InsertTransaction(ctx context.Context, t Transaction) error

	// FindByIdempotencyKey returns the transaction recorded under key, if any.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error)

	// SiblingTransaction returns the other row of a transfer pair.
	SiblingTransaction(ctx context.Context, transferID, excludeTxID string) (Transaction, error)
}

// Store is the durable backend for wallets and transactions. Concurrent
// Transact units touching the same wallet serialize; a unit either fully
// commits or leaves no trace.
type Store interface {
	GetWallet(ctx context.Context, id string) (Wallet, error)
	ListTransactions(ctx context.Context, walletID string, f ListFilter, p Page) ([]Transaction, int, error)
	Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
