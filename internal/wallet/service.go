package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nono-wallet/nono_wallet/internal/ledger"
	"github.com/nono-wallet/nono_wallet/internal/money"
	"github.com/nono-wallet/nono_wallet/internal/notification"
)

// ErrKeyReuse indicates an idempotency key presented for one operation was
// originally recorded by a different one. Surfaced as a conflict, never as a
// silent replay of the wrong result.
var ErrKeyReuse = errors.New("idempotency key reused for a different operation")

// keyRaceRetries bounds how many times a unit is re-run after losing the
// insert race on a fresh idempotency key. The rerun lands on the replay path.
const keyRaceRetries = 3

const defaultStoreTimeout = 5 * time.Second

// noteInitialDeposit annotates the deposit row booked at wallet creation.
const noteInitialDeposit = "initial_deposit"

// Config captures engine policy knobs that vary per deployment.
type Config struct {
	// NameRequired rejects wallet creation without a display name.
	NameRequired bool
	// AutoCreateOnTransfer creates a missing destination wallet instead of
	// failing the transfer.
	AutoCreateOnTransfer bool
	// StoreTimeout bounds each atomic unit against the store.
	StoreTimeout time.Duration
}

// Service is the wallet ledger engine. Every mutation is one atomic unit
// against the store; the engine keeps no state of its own.
type Service struct {
	store    ledger.Store
	notifier notification.Notifier
	cfg      Config
}

// NewService builds the engine.
func NewService(store ledger.Store, notifier notification.Notifier, cfg Config) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Service{store: store, notifier: notifier, cfg: cfg}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	Name           string
	UserID         string
	InitialDeposit money.Amount
}

// CreateResult reports the new wallet and, when an initial deposit was
// booked, its transaction.
type CreateResult struct {
	Wallet    ledger.Wallet
	InitialTx *ledger.Transaction
}

// Create provisions a wallet, optionally booking an initial deposit in the
// same atomic unit.
func (s *Service) Create(ctx context.Context, input CreateInput) (CreateResult, error) {
	name := strings.TrimSpace(input.Name)
	if s.cfg.NameRequired && name == "" {
		return CreateResult{}, fmt.Errorf("%w: name is required", ledger.ErrInvalidName)
	}
	if input.InitialDeposit.Negative() {
		return CreateResult{}, fmt.Errorf("%w: initial deposit must not be negative", ledger.ErrInvalidAmount)
	}

	now := time.Now().UTC()
	w := ledger.Wallet{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    strings.TrimSpace(input.UserID),
		Balance:   input.InitialDeposit,
		CreatedAt: now,
	}

	var initialTx *ledger.Transaction
	err := s.transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.InsertWallet(ctx, w); err != nil {
			return err
		}
		if input.InitialDeposit.Positive() {
			t := ledger.Transaction{
				ID:        uuid.NewString(),
				WalletID:  w.ID,
				Type:      ledger.TxDeposit,
				Amount:    input.InitialDeposit,
				Note:      noteInitialDeposit,
				CreatedAt: now,
			}
			if err := tx.InsertTransaction(ctx, t); err != nil {
				return err
			}
			initialTx = &t
		}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Wallet: w, InitialTx: initialTx}, nil
}

// MutationResult reports the outcome of a deposit or withdrawal. Duplicate
// marks an idempotent replay: the transaction is the original one and no
// balance delta was applied by this call.
type MutationResult struct {
	Balance     money.Amount
	Transaction ledger.Transaction
	Duplicate   bool
}

// Deposit credits a wallet. A repeated idempotency key returns the original
// outcome without reapplying the credit.
func (s *Service) Deposit(ctx context.Context, walletID string, amount money.Amount, key string) (MutationResult, error) {
	if !amount.Positive() {
		return MutationResult{}, fmt.Errorf("%w: deposit must be greater than zero", ledger.ErrInvalidAmount)
	}

	var res MutationResult
	err := s.retryKeyRace(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if key != "" {
			prev, ok, err := tx.FindByIdempotencyKey(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				replay, err := s.replayMutation(ctx, tx, prev, ledger.TxDeposit, walletID)
				if err != nil {
					return err
				}
				res = replay
				return nil
			}
		}

		w, err := tx.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		newBalance := w.Balance.Add(amount)
		if err := tx.UpdateBalance(ctx, w.ID, newBalance); err != nil {
			return err
		}
		t := ledger.Transaction{
			ID:             uuid.NewString(),
			WalletID:       w.ID,
			Type:           ledger.TxDeposit,
			Amount:         amount,
			IdempotencyKey: key,
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		res = MutationResult{Balance: newBalance, Transaction: t}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	return res, nil
}

// Withdraw debits a wallet, refusing to take the balance below zero. Failed
// attempts record nothing.
func (s *Service) Withdraw(ctx context.Context, walletID string, amount money.Amount, key string) (MutationResult, error) {
	if !amount.Positive() {
		return MutationResult{}, fmt.Errorf("%w: withdrawal must be greater than zero", ledger.ErrInvalidAmount)
	}

	var res MutationResult
	err := s.retryKeyRace(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if key != "" {
			prev, ok, err := tx.FindByIdempotencyKey(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				replay, err := s.replayMutation(ctx, tx, prev, ledger.TxWithdraw, walletID)
				if err != nil {
					return err
				}
				res = replay
				return nil
			}
		}

		w, err := tx.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amount) {
			return &ledger.InsufficientFundsError{Balance: w.Balance}
		}
		newBalance := w.Balance.Sub(amount)
		if err := tx.UpdateBalance(ctx, w.ID, newBalance); err != nil {
			return err
		}
		t := ledger.Transaction{
			ID:             uuid.NewString(),
			WalletID:       w.ID,
			Type:           ledger.TxWithdraw,
			Amount:         amount,
			IdempotencyKey: key,
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		res = MutationResult{Balance: newBalance, Transaction: t}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	return res, nil
}

// TransferInput captures the data needed to move funds between wallets.
type TransferInput struct {
	FromWalletID   string
	ToWalletID     string
	Amount         money.Amount
	IdempotencyKey string
}

// TransferResult describes the two linked ledger rows and post-transfer
// balances of a wallet-to-wallet move.
type TransferResult struct {
	FromBalance money.Amount
	ToBalance   money.Amount
	TxOut       ledger.Transaction
	TxIn        ledger.Transaction
	Duplicate   bool
	CompletedAt time.Time
}

// Transfer atomically debits the source and credits the destination,
// recording a transfer_out and a transfer_in row that commit together.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	if !input.Amount.Positive() {
		return TransferResult{}, fmt.Errorf("%w: transfer must be greater than zero", ledger.ErrInvalidAmount)
	}
	if input.FromWalletID == input.ToWalletID {
		return TransferResult{}, ledger.ErrSameWallet
	}

	var res TransferResult
	err := s.retryKeyRace(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if input.IdempotencyKey != "" {
			prev, ok, err := tx.FindByIdempotencyKey(ctx, input.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				replay, err := s.replayTransfer(ctx, tx, prev, input)
				if err != nil {
					return err
				}
				res = replay
				return nil
			}
		}

		from, to, err := s.lockPair(ctx, tx, input.FromWalletID, input.ToWalletID)
		if err != nil {
			return err
		}
		if from.Balance.LessThan(input.Amount) {
			return &ledger.InsufficientFundsError{Balance: from.Balance}
		}

		fromBalance := from.Balance.Sub(input.Amount)
		toBalance := to.Balance.Add(input.Amount)
		if err := tx.UpdateBalance(ctx, from.ID, fromBalance); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, to.ID, toBalance); err != nil {
			return err
		}

		now := time.Now().UTC()
		transferID := uuid.NewString()
		txOut := ledger.Transaction{
			ID:             uuid.NewString(),
			WalletID:       from.ID,
			Type:           ledger.TxTransferOut,
			Amount:         input.Amount,
			CounterpartyID: to.ID,
			TransferID:     transferID,
			IdempotencyKey: input.IdempotencyKey,
			CreatedAt:      now,
		}
		txIn := ledger.Transaction{
			ID:             uuid.NewString(),
			WalletID:       to.ID,
			Type:           ledger.TxTransferIn,
			Amount:         input.Amount,
			CounterpartyID: from.ID,
			TransferID:     transferID,
			CreatedAt:      now,
		}
		if err := tx.InsertTransaction(ctx, txOut); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txIn); err != nil {
			return err
		}

		res = TransferResult{
			FromBalance: fromBalance,
			ToBalance:   toBalance,
			TxOut:       txOut,
			TxIn:        txIn,
			CompletedAt: now,
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}

	if s.notifier != nil && !res.Duplicate {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTransferReceived,
			Destination: input.ToWalletID,
			Body:        fmt.Sprintf("Received %s from wallet %s", input.Amount, input.FromWalletID),
		})
	}
	return res, nil
}

// BalanceView encapsulates available funds for a wallet at a point in time.
type BalanceView struct {
	WalletID string
	Amount   money.Amount
	AsOf     time.Time
}

// Balance returns the current wallet balance.
func (s *Service) Balance(ctx context.Context, id string) (BalanceView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{WalletID: w.ID, Amount: w.Balance, AsOf: time.Now().UTC()}, nil
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id string) (ledger.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.GetWallet(ctx, id)
}

// lockPair locks both transfer wallets in canonical id order so two opposing
// transfers cannot deadlock. The destination may be created on the fly when
// the policy allows it.
func (s *Service) lockPair(ctx context.Context, tx ledger.Tx, fromID, toID string) (from, to ledger.Wallet, err error) {
	ids := []string{fromID, toID}
	sort.Strings(ids)

	wallets := make(map[string]ledger.Wallet, 2)
	for _, id := range ids {
		w, err := tx.WalletForUpdate(ctx, id)
		if err != nil {
			if !errors.Is(err, ledger.ErrWalletNotFound) {
				return ledger.Wallet{}, ledger.Wallet{}, err
			}
			if id == fromID {
				return ledger.Wallet{}, ledger.Wallet{}, fmt.Errorf("source wallet %s: %w", id, ledger.ErrWalletNotFound)
			}
			if !s.cfg.AutoCreateOnTransfer {
				return ledger.Wallet{}, ledger.Wallet{}, fmt.Errorf("destination wallet %s: %w", id, ledger.ErrWalletNotFound)
			}
			w = ledger.Wallet{ID: id, CreatedAt: time.Now().UTC()}
			if err := tx.InsertWallet(ctx, w); err != nil {
				return ledger.Wallet{}, ledger.Wallet{}, err
			}
		}
		wallets[id] = w
	}
	return wallets[fromID], wallets[toID], nil
}

// replayMutation rebuilds the response of an earlier deposit or withdrawal
// recorded under the presented key.
func (s *Service) replayMutation(ctx context.Context, tx ledger.Tx, prev ledger.Transaction, want ledger.TxType, walletID string) (MutationResult, error) {
	if prev.Type != want || prev.WalletID != walletID {
		return MutationResult{}, fmt.Errorf("%w: key belongs to a %s on wallet %s", ErrKeyReuse, prev.Type, prev.WalletID)
	}
	w, err := tx.WalletForUpdate(ctx, prev.WalletID)
	if err != nil {
		return MutationResult{}, err
	}
	return MutationResult{Balance: w.Balance, Transaction: prev, Duplicate: true}, nil
}

// replayTransfer rebuilds the response of an earlier transfer recorded under
// the presented key.
func (s *Service) replayTransfer(ctx context.Context, tx ledger.Tx, prev ledger.Transaction, input TransferInput) (TransferResult, error) {
	if prev.Type != ledger.TxTransferOut || prev.TransferID == "" {
		return TransferResult{}, fmt.Errorf("%w: key belongs to a %s on wallet %s", ErrKeyReuse, prev.Type, prev.WalletID)
	}
	if prev.WalletID != input.FromWalletID || prev.CounterpartyID != input.ToWalletID {
		return TransferResult{}, fmt.Errorf("%w: key belongs to a transfer %s -> %s", ErrKeyReuse, prev.WalletID, prev.CounterpartyID)
	}

	sibling, err := tx.SiblingTransaction(ctx, prev.TransferID, prev.ID)
	if err != nil {
		return TransferResult{}, err
	}

	from, to, err := s.lockPair(ctx, tx, prev.WalletID, prev.CounterpartyID)
	if err != nil {
		return TransferResult{}, err
	}

	return TransferResult{
		FromBalance: from.Balance,
		ToBalance:   to.Balance,
		TxOut:       prev,
		TxIn:        sibling,
		Duplicate:   true,
		CompletedAt: prev.CreatedAt,
	}, nil
}

// retryKeyRace runs one atomic unit, re-running it a bounded number of times
// when the unit loses the insert race on a fresh idempotency key. The rerun
// finds the winner's row and takes the replay path instead.
func (s *Service) retryKeyRace(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	var err error
	for attempt := 0; attempt <= keyRaceRetries; attempt++ {
		err = s.transact(ctx, fn)
		if err == nil || !errors.Is(err, ledger.ErrDuplicateKey) || errors.Is(err, ErrKeyReuse) {
			return err
		}
	}
	return err
}

// transact bounds a unit with the configured store timeout.
func (s *Service) transact(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.Transact(ctx, fn)
}
