package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/nono-wallet/nono_wallet/internal/money"
)

// memStore is a concurrency-safe in-memory Store used by unit tests and by
// dev mode when no database is configured. A single mutex serializes
// Transact units, which trivially satisfies the isolation contract; writes
// are staged per unit and applied only when the unit succeeds.
type memStore struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	names   map[string]string
	txs     []Transaction
	byKey   map[string]int
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() Store {
	return &memStore{
		wallets: make(map[string]Wallet),
		names:   make(map[string]string),
		byKey:   make(map[string]int),
	}
}

func (s *memStore) GetWallet(_ context.Context, id string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *memStore) ListTransactions(_ context.Context, walletID string, f ListFilter, p Page) ([]Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Rows are appended in commit order, so reverse iteration yields
	// newest-first without sorting.
	var matched []Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		t := s.txs[i]
		if t.WalletID != walletID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && t.CreatedAt.After(f.To) {
			continue
		}
		matched = append(matched, t)
	}

	total := len(matched)
	start := p.Offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + p.Size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *memStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, staged: make(map[string]Wallet)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

// memTx stages writes until the unit commits. Reads observe staged state
// first so a unit sees its own writes.
type memTx struct {
	store    *memStore
	staged   map[string]Wallet
	inserted []Transaction
}

func (t *memTx) WalletForUpdate(_ context.Context, id string) (Wallet, error) {
	if w, ok := t.staged[id]; ok {
		return w, nil
	}
	w, ok := t.store.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (t *memTx) InsertWallet(_ context.Context, w Wallet) error {
	if _, ok := t.staged[w.ID]; ok {
		return fmt.Errorf("wallet %s already exists", w.ID)
	}
	if _, ok := t.store.wallets[w.ID]; ok {
		return fmt.Errorf("wallet %s already exists", w.ID)
	}
	if w.Name != "" {
		if _, ok := t.store.names[w.Name]; ok {
			return ErrNameTaken
		}
		for _, staged := range t.staged {
			if staged.Name == w.Name {
				return ErrNameTaken
			}
		}
	}
	t.staged[w.ID] = w
	return nil
}

func (t *memTx) UpdateBalance(ctx context.Context, walletID string, balance money.Amount) error {
	w, err := t.WalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}
	w.Balance = balance
	t.staged[walletID] = w
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn Transaction) error {
	if txn.IdempotencyKey != "" {
		if _, ok := t.store.byKey[txn.IdempotencyKey]; ok {
			return ErrDuplicateKey
		}
		for _, staged := range t.inserted {
			if staged.IdempotencyKey == txn.IdempotencyKey {
				return ErrDuplicateKey
			}
		}
	}
	t.inserted = append(t.inserted, txn)
	return nil
}

func (t *memTx) FindByIdempotencyKey(_ context.Context, key string) (Transaction, bool, error) {
	for _, staged := range t.inserted {
		if staged.IdempotencyKey == key {
			return staged, true, nil
		}
	}
	if i, ok := t.store.byKey[key]; ok {
		return t.store.txs[i], true, nil
	}
	return Transaction{}, false, nil
}

func (t *memTx) SiblingTransaction(_ context.Context, transferID, excludeTxID string) (Transaction, error) {
	for _, staged := range t.inserted {
		if staged.TransferID == transferID && staged.ID != excludeTxID {
			return staged, nil
		}
	}
	for _, txn := range t.store.txs {
		if txn.TransferID == transferID && txn.ID != excludeTxID {
			return txn, nil
		}
	}
	return Transaction{}, fmt.Errorf("transfer %s has no counterpart row", transferID)
}

func (t *memTx) apply() {
	for id, w := range t.staged {
		t.store.wallets[id] = w
		if w.Name != "" {
			t.store.names[w.Name] = id
		}
	}
	for _, txn := range t.inserted {
		t.store.txs = append(t.store.txs, txn)
		if txn.IdempotencyKey != "" {
			t.store.byKey[txn.IdempotencyKey] = len(t.store.txs) - 1
		}
	}
}
