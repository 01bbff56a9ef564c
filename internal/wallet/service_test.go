package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nono-wallet/nono_wallet/internal/ledger"
	"github.com/nono-wallet/nono_wallet/internal/money"
)

func newTestService(cfg Config) (*Service, ledger.Store) {
	store := ledger.NewInMemory()
	return NewService(store, nil, cfg), store
}

func mustCreate(t *testing.T, svc *Service, input CreateInput) ledger.Wallet {
	t.Helper()
	res, err := svc.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return res.Wallet
}

func TestCreateWallet(t *testing.T) {
	svc, _ := newTestService(Config{})
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateInput{Name: "main", UserID: "u_123"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Wallet.ID == "" {
		t.Fatal("expected wallet id to be assigned")
	}
	if !res.Wallet.Balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", res.Wallet.Balance)
	}
	if res.InitialTx != nil {
		t.Fatal("no initial deposit requested, no transaction expected")
	}
}

func TestCreateWalletWithInitialDeposit(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateInput{InitialDeposit: money.MustParse("100.5")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.Wallet.Balance.Equal(money.MustParse("100.5")) {
		t.Fatalf("expected balance 100.5, got %s", res.Wallet.Balance)
	}
	if res.InitialTx == nil || res.InitialTx.Type != ledger.TxDeposit {
		t.Fatalf("expected an initial deposit transaction, got %+v", res.InitialTx)
	}

	items, total, err := store.ListTransactions(ctx, res.Wallet.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || items[0].Note != "initial_deposit" {
		t.Fatalf("expected one annotated deposit row, got total=%d items=%+v", total, items)
	}
}

func TestCreateWalletNamePolicy(t *testing.T) {
	svc, _ := newTestService(Config{NameRequired: true})
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Name: "  "}); !errors.Is(err, ledger.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}

	if _, err := svc.Create(ctx, CreateInput{Name: "main"}); err != nil {
		t.Fatalf("named create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{Name: "main"}); !errors.Is(err, ledger.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestCreateWalletRejectsNegativeInitialDeposit(t *testing.T) {
	svc, _ := newTestService(Config{})
	_, err := svc.Create(context.Background(), CreateInput{InitialDeposit: money.MustParse("-1")})
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	svc, _ := newTestService(Config{})
	ctx := context.Background()
	w := mustCreate(t, svc, CreateInput{})

	dep, err := svc.Deposit(ctx, w.ID, money.MustParse("100"), "")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !dep.Balance.Equal(money.MustParse("100")) {
		t.Fatalf("expected balance 100, got %s", dep.Balance)
	}
	if dep.Transaction.Type != ledger.TxDeposit || !dep.Transaction.Amount.Equal(money.MustParse("100")) {
		t.Fatalf("unexpected transaction %+v", dep.Transaction)
	}

	wd, err := svc.Withdraw(ctx, w.ID, money.MustParse("40.25"), "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !wd.Balance.Equal(money.MustParse("59.75")) {
		t.Fatalf("expected balance 59.75, got %s", wd.Balance)
	}
}

func TestMutationValidation(t *testing.T) {
	svc, _ := newTestService(Config{})
	ctx := context.Background()
	w := mustCreate(t, svc, CreateInput{})

	if _, err := svc.Deposit(ctx, w.ID, money.Zero, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("zero deposit: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Withdraw(ctx, w.ID, money.MustParse("-3"), ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("negative withdraw: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Deposit(ctx, "missing", money.MustParse("1"), ""); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestWithdrawInsufficientFundsRecordsNothing(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()
	w := mustCreate(t, svc, CreateInput{InitialDeposit: money.MustParse("100")})

	_, err := svc.Withdraw(ctx, w.ID, money.MustParse("150"), "")
	var insufficient *ledger.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !insufficient.Balance.Equal(money.MustParse("100")) {
		t.Fatalf("error should carry current balance 100, got %s", insufficient.Balance)
	}

	after, _ := store.GetWallet(ctx, w.ID)
	if !after.Balance.Equal(money.MustParse("100")) {
		t.Fatalf("failed withdrawal mutated balance: %s", after.Balance)
	}
	_, total, _ := store.ListTransactions(ctx, w.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if total != 1 {
		t.Fatalf("failed withdrawal left a transaction behind, total=%d", total)
	}
}

func TestDepositIdempotentReplay(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()
	w := mustCreate(t, svc, CreateInput{})

	first, err := svc.Deposit(ctx, w.ID, money.MustParse("10"), "k1")
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first call must not be marked duplicate")
	}

	second, err := svc.Deposit(ctx, w.ID, money.MustParse("10"), "k1")
	if err != nil {
		t.Fatalf("replayed deposit: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("second call must be marked duplicate")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("replay must return the original transaction: %s vs %s", second.Transaction.ID, first.Transaction.ID)
	}
	if !second.Balance.Equal(money.MustParse("10")) {
		t.Fatalf("balance must reflect a single application, got %s", second.Balance)
	}

	_, total, _ := store.ListTransactions(ctx, w.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if total != 1 {
		t.Fatalf("expected exactly one deposit row, got %d", total)
	}
}

func TestIdempotencyKeyReuseAcrossOperations(t *testing.T) {
	svc, _ := newTestService(Config{})
	ctx := context.Background()
	w := mustCreate(t, svc, CreateInput{})

	if _, err := svc.Deposit(ctx, w.ID, money.MustParse("10"), "k1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.Withdraw(ctx, w.ID, money.MustParse("10"), "k1"); !errors.Is(err, ErrKeyReuse) {
		t.Fatalf("expected ErrKeyReuse, got %v", err)
	}
	other := mustCreate(t, svc, CreateInput{})
	if _, err := svc.Deposit(ctx, other.ID, money.MustParse("10"), "k1"); !errors.Is(err, ErrKeyReuse) {
		t.Fatalf("expected ErrKeyReuse for foreign wallet, got %v", err)
	}
}

// lostRaceStore simulates losing the insert race on a fresh idempotency key:
// the first keyed insert fails with ErrDuplicateKey as if another instance
// committed first, and the winner's row lands in the store before the next
// attempt runs.
type lostRaceStore struct {
	ledger.Store
	mu           sync.Mutex
	lost         bool
	winnerPlaced bool
	winnerWallet ledger.Wallet
	winnerTx     ledger.Transaction
}

func (s *lostRaceStore) Transact(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.Lock()
	if s.lost && !s.winnerPlaced {
		ledger.SeedWallet(s.Store, s.winnerWallet)
		ledger.SeedTransaction(s.Store, s.winnerTx)
		s.winnerPlaced = true
	}
	s.mu.Unlock()
	return s.Store.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return fn(ctx, &lostRaceTx{Tx: tx, store: s})
	})
}

type lostRaceTx struct {
	ledger.Tx
	store *lostRaceStore
}

func (t *lostRaceTx) InsertTransaction(ctx context.Context, txn ledger.Transaction) error {
	if txn.IdempotencyKey != "" {
		t.store.mu.Lock()
		lose := !t.store.winnerPlaced
		if lose {
			t.store.lost = true
		}
		t.store.mu.Unlock()
		if lose {
			return ledger.ErrDuplicateKey
		}
	}
	return t.Tx.InsertTransaction(ctx, txn)
}

func TestKeyRaceLoserFallsBackToReplay(t *testing.T) {
	base := ledger.NewInMemory()
	ledger.SeedWallet(base, ledger.Wallet{ID: "w1"})

	winner := ledger.Transaction{
		ID:             "winner-tx",
		WalletID:       "w1",
		Type:           ledger.TxDeposit,
		Amount:         money.MustParse("25"),
		IdempotencyKey: "race-key",
	}
	store := &lostRaceStore{
		Store:        base,
		winnerWallet: ledger.Wallet{ID: "w1", Balance: money.MustParse("25")},
		winnerTx:     winner,
	}
	svc := NewService(store, nil, Config{})

	res, err := svc.Deposit(context.Background(), "w1", money.MustParse("25"), "race-key")
	if err != nil {
		t.Fatalf("deposit after lost race: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("loser must surface the winner's result as a replay")
	}
	if res.Transaction.ID != "winner-tx" {
		t.Fatalf("loser must return the winner's transaction, got %s", res.Transaction.ID)
	}
	if !res.Balance.Equal(money.MustParse("25")) {
		t.Fatalf("deposit applied twice: balance %s, want 25", res.Balance)
	}
	if !store.lost {
		t.Fatal("setup error: the keyed insert never lost the race")
	}

	_, total, _ := base.ListTransactions(context.Background(), "w1", ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if total != 1 {
		t.Fatalf("expected only the winner's row, got %d", total)
	}
}

func TestConcurrentDepositsSameKeyApplyOnce(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()
	w := mustCreate(t, svc, CreateInput{})

	const workers = 8
	var wg sync.WaitGroup
	duplicates := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Deposit(ctx, w.ID, money.MustParse("25"), "race-key")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			duplicates[i] = res.Duplicate
		}(i)
	}
	wg.Wait()

	originals := 0
	for _, dup := range duplicates {
		if !dup {
			originals++
		}
	}
	if originals != 1 {
		t.Fatalf("expected exactly one original application, got %d", originals)
	}

	after, _ := store.GetWallet(ctx, w.ID)
	if !after.Balance.Equal(money.MustParse("25")) {
		t.Fatalf("expected single application of 25, got %s", after.Balance)
	}
}

func TestTransfer(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()
	a := mustCreate(t, svc, CreateInput{InitialDeposit: money.MustParse("100")})
	b := mustCreate(t, svc, CreateInput{})

	res, err := svc.Transfer(ctx, TransferInput{FromWalletID: a.ID, ToWalletID: b.ID, Amount: money.MustParse("40")})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.FromBalance.Equal(money.MustParse("60")) || !res.ToBalance.Equal(money.MustParse("40")) {
		t.Fatalf("expected 60/40, got %s/%s", res.FromBalance, res.ToBalance)
	}
	if res.TxOut.Type != ledger.TxTransferOut || res.TxOut.WalletID != a.ID || res.TxOut.CounterpartyID != b.ID {
		t.Fatalf("bad tx_out %+v", res.TxOut)
	}
	if res.TxIn.Type != ledger.TxTransferIn || res.TxIn.WalletID != b.ID || res.TxIn.CounterpartyID != a.ID {
		t.Fatalf("bad tx_in %+v", res.TxIn)
	}
	if res.TxOut.TransferID == "" || res.TxOut.TransferID != res.TxIn.TransferID {
		t.Fatal("transfer rows must share a transfer id")
	}

	_, totalA, _ := store.ListTransactions(ctx, a.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	_, totalB, _ := store.ListTransactions(ctx, b.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if totalA != 2 || totalB != 1 {
		t.Fatalf("expected 2 rows on source, 1 on destination, got %d/%d", totalA, totalB)
	}
}

func TestTransferValidation(t *testing.T) {
	svc, _ := newTestService(Config{})
	ctx := context.Background()
	a := mustCreate(t, svc, CreateInput{InitialDeposit: money.MustParse("10")})

	if _, err := svc.Transfer(ctx, TransferInput{FromWalletID: a.ID, ToWalletID: a.ID, Amount: money.MustParse("1")}); !errors.Is(err, ledger.ErrSameWallet) {
		t.Fatalf("expected ErrSameWallet, got %v", err)
	}
	if _, err := svc.Transfer(ctx, TransferInput{FromWalletID: a.ID, ToWalletID: "missing", Amount: money.MustParse("1")}); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	if _, err := svc.Transfer(ctx, TransferInput{FromWalletID: "missing", ToWalletID: a.ID, Amount: money.MustParse("1")}); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestTransferInsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()
	a := mustCreate(t, svc, CreateInput{InitialDeposit: money.MustParse("30")})
	b := mustCreate(t, svc, CreateInput{})

	_, err := svc.Transfer(ctx, TransferInput{FromWalletID: a.ID, ToWalletID: b.ID, Amount: money.MustParse("31")})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	wa, _ := store.GetWallet(ctx, a.ID)
	wb, _ := store.GetWallet(ctx, b.ID)
	if !wa.Balance.Equal(money.MustParse("30")) || !wb.Balance.IsZero() {
		t.Fatalf("failed transfer mutated balances: %s/%s", wa.Balance, wb.Balance)
	}
	_, totalB, _ := store.ListTransactions(ctx, b.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if totalB != 0 {
		t.Fatalf("failed transfer left rows on destination: %d", totalB)
	}
}

func TestTransferAutoCreatePolicy(t *testing.T) {
	svc, store := newTestService(Config{AutoCreateOnTransfer: true})
	ctx := context.Background()
	a := mustCreate(t, svc, CreateInput{InitialDeposit: money.MustParse("20")})

	res, err := svc.Transfer(ctx, TransferInput{FromWalletID: a.ID, ToWalletID: "adopted-id", Amount: money.MustParse("5")})
	if err != nil {
		t.Fatalf("transfer with auto-create: %v", err)
	}
	if !res.ToBalance.Equal(money.MustParse("5")) {
		t.Fatalf("expected new wallet balance 5, got %s", res.ToBalance)
	}

	created, err := store.GetWallet(ctx, "adopted-id")
	if err != nil {
		t.Fatalf("destination wallet missing after auto-create: %v", err)
	}
	if !created.Balance.Equal(money.MustParse("5")) {
		t.Fatalf("expected created balance 5, got %s", created.Balance)
	}
}

func TestTransferIdempotentReplay(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()
	a := mustCreate(t, svc, CreateInput{InitialDeposit: money.MustParse("100")})
	b := mustCreate(t, svc, CreateInput{})

	input := TransferInput{FromWalletID: a.ID, ToWalletID: b.ID, Amount: money.MustParse("40"), IdempotencyKey: "xfer-1"}
	first, err := svc.Transfer(ctx, input)
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}

	second, err := svc.Transfer(ctx, input)
	if err != nil {
		t.Fatalf("replayed transfer: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("replay must be marked duplicate")
	}
	if second.TxOut.ID != first.TxOut.ID || second.TxIn.ID != first.TxIn.ID {
		t.Fatal("replay must return the original pair of rows")
	}
	if !second.FromBalance.Equal(money.MustParse("60")) || !second.ToBalance.Equal(money.MustParse("40")) {
		t.Fatalf("balances changed on replay: %s/%s", second.FromBalance, second.ToBalance)
	}

	_, totalA, _ := store.ListTransactions(ctx, a.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	_, totalB, _ := store.ListTransactions(ctx, b.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if totalA+totalB != 3 { // initial deposit + one transfer pair
		t.Fatalf("replay created extra rows: %d", totalA+totalB)
	}
}

func TestConservationAcrossOperations(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()

	w1 := mustCreate(t, svc, CreateInput{})
	w2 := mustCreate(t, svc, CreateInput{})
	w3 := mustCreate(t, svc, CreateInput{})

	deposited := money.Zero
	withdrawn := money.Zero
	for i := 1; i <= 10; i++ {
		amt := money.MustParse(fmt.Sprintf("%d.%02d", i, i))
		if _, err := svc.Deposit(ctx, w1.ID, amt, ""); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		deposited = deposited.Add(amt)
	}
	if _, err := svc.Transfer(ctx, TransferInput{FromWalletID: w1.ID, ToWalletID: w2.ID, Amount: money.MustParse("12.34")}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := svc.Transfer(ctx, TransferInput{FromWalletID: w2.ID, ToWalletID: w3.ID, Amount: money.MustParse("0.00000001")}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res, err := svc.Withdraw(ctx, w1.ID, money.MustParse("5"), ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	} else if res.Balance.Negative() {
		t.Fatalf("negative balance after withdraw: %s", res.Balance)
	}
	withdrawn = withdrawn.Add(money.MustParse("5"))

	total := money.Zero
	for _, id := range []string{w1.ID, w2.ID, w3.ID} {
		w, err := store.GetWallet(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if w.Balance.Negative() {
			t.Fatalf("wallet %s went negative: %s", id, w.Balance)
		}
		total = total.Add(w.Balance)
	}
	if expected := deposited.Sub(withdrawn); !total.Equal(expected) {
		t.Fatalf("conservation violated: total %s, want %s", total, expected)
	}
}

// deadlineStore records whether reads arrive with a deadline attached.
type deadlineStore struct {
	ledger.Store
	getBounded bool
}

func (s *deadlineStore) GetWallet(ctx context.Context, id string) (ledger.Wallet, error) {
	_, s.getBounded = ctx.Deadline()
	return s.Store.GetWallet(ctx, id)
}

func TestReadsCarryStoreTimeout(t *testing.T) {
	base := ledger.NewInMemory()
	ledger.SeedWallet(base, ledger.Wallet{ID: "w1", Balance: money.MustParse("10")})
	store := &deadlineStore{Store: base}
	svc := NewService(store, nil, Config{})
	ctx := context.Background()

	if _, err := svc.Balance(ctx, "w1"); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !store.getBounded {
		t.Fatal("Balance must bound the store read with a deadline")
	}

	store.getBounded = false
	if _, err := svc.Get(ctx, "w1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !store.getBounded {
		t.Fatal("Get must bound the store read with a deadline")
	}
}

// Mirrors the end-to-end scenario from the service contract: deposit,
// refused overdraft, transfer, and an idempotent transfer retry.
func TestLedgerScenario(t *testing.T) {
	svc, store := newTestService(Config{})
	ctx := context.Background()

	w1 := mustCreate(t, svc, CreateInput{})
	if _, err := svc.Deposit(ctx, w1.ID, money.MustParse("100"), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := svc.Withdraw(ctx, w1.ID, money.MustParse("150"), ""); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	bal, _ := svc.Balance(ctx, w1.ID)
	if !bal.Amount.Equal(money.MustParse("100")) {
		t.Fatalf("balance must stay 100, got %s", bal.Amount)
	}

	w2 := mustCreate(t, svc, CreateInput{})
	input := TransferInput{FromWalletID: w1.ID, ToWalletID: w2.ID, Amount: money.MustParse("40"), IdempotencyKey: "scenario-1"}
	if _, err := svc.Transfer(ctx, input); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	retry, err := svc.Transfer(ctx, input)
	if err != nil {
		t.Fatalf("retried transfer: %v", err)
	}
	if !retry.Duplicate {
		t.Fatal("retry must be a replay")
	}
	if !retry.FromBalance.Equal(money.MustParse("60")) || !retry.ToBalance.Equal(money.MustParse("40")) {
		t.Fatalf("balances after retry: %s/%s, want 60/40", retry.FromBalance, retry.ToBalance)
	}

	_, total1, _ := store.ListTransactions(ctx, w1.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	_, total2, _ := store.ListTransactions(ctx, w2.ID, ledger.ListFilter{}, ledger.Page{Number: 1, Size: 10})
	if total1 != 2 || total2 != 1 {
		t.Fatalf("expected 2 rows on W1 (deposit + transfer_out) and 1 on W2, got %d/%d", total1, total2)
	}
}
