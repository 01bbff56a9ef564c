package wallet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nono-wallet/nono_wallet/internal/ledger"
	"github.com/nono-wallet/nono_wallet/internal/money"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Name           string       `json:"name"`
	UserID         string       `json:"user_id"`
	InitialDeposit money.Amount `json:"initial_deposit"`
}

type walletView struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	Balance   money.Amount `json:"balance"`
	CreatedAt string       `json:"created_at"`
}

type txView struct {
	ID             string       `json:"id"`
	WalletID       string       `json:"wallet_id"`
	Type           string       `json:"type"`
	Amount         money.Amount `json:"amount"`
	CounterpartyID string       `json:"counterparty_wallet_id,omitempty"`
	Note           string       `json:"note,omitempty"`
	CreatedAt      string       `json:"created_at"`
}

func newWalletView(w ledger.Wallet) walletView {
	return walletView{
		ID:        w.ID,
		Name:      w.Name,
		UserID:    w.UserID,
		Balance:   w.Balance,
		CreatedAt: w.CreatedAt.Format(time.RFC3339Nano),
	}
}

func newTxView(t ledger.Transaction) txView {
	return txView{
		ID:             t.ID,
		WalletID:       t.WalletID,
		Type:           string(t.Type),
		Amount:         t.Amount,
		CounterpartyID: t.CounterpartyID,
		Note:           t.Note,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339Nano),
	}
}

// Create provisions a wallet, optionally seeding it with an initial deposit.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.Create(c.UserContext(), CreateInput{
		Name:           req.Name,
		UserID:         req.UserID,
		InitialDeposit: req.InitialDeposit,
	})
	if err != nil {
		return respondError(c, err)
	}
	body := fiber.Map{"wallet": newWalletView(res.Wallet)}
	if res.InitialTx != nil {
		body["initial_deposit_tx"] = newTxView(*res.InitialTx)
	}
	return c.Status(http.StatusCreated).JSON(body)
}

type mutationRequest struct {
	Amount         money.Amount `json:"amount"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// Deposit credits the wallet in the path.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	return h.mutate(c, h.service.Deposit)
}

// Withdraw debits the wallet in the path.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	return h.mutate(c, h.service.Withdraw)
}

func (h *Handler) mutate(c *fiber.Ctx, op func(ctx context.Context, walletID string, amount money.Amount, key string) (MutationResult, error)) error {
	var req mutationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	key := c.Get(idempotencyKeyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	res, err := op(c.UserContext(), c.Params("walletId"), req.Amount, key)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"balance":     res.Balance,
		"transaction": newTxView(res.Transaction),
		"duplicate":   res.Duplicate,
	})
}

type transferRequest struct {
	FromWalletID   string       `json:"from_wallet_id"`
	ToWalletID     string       `json:"to_wallet_id"`
	Amount         money.Amount `json:"amount"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// Transfer moves funds between two wallets.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	key := c.Get(idempotencyKeyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	res, err := h.service.Transfer(c.UserContext(), TransferInput{
		FromWalletID:   req.FromWalletID,
		ToWalletID:     req.ToWalletID,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"from_balance": res.FromBalance,
		"to_balance":   res.ToBalance,
		"tx_out":       newTxView(res.TxOut),
		"tx_in":        newTxView(res.TxIn),
		"duplicate":    res.Duplicate,
		"completed_at": res.CompletedAt.Format(time.RFC3339Nano),
	})
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	view, err := h.service.Balance(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet_id": view.WalletID,
		"balance":   view.Amount,
		"as_of":     view.AsOf.Format(time.RFC3339Nano),
	})
}

// respondError maps engine errors to stable machine-readable kinds.
func respondError(c *fiber.Ctx, err error) error {
	var insufficient *ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error":   "insufficient_funds",
			"balance": insufficient.Balance,
		})
	}

	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		status, kind = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidName):
		status, kind = http.StatusBadRequest, "invalid_name"
	case errors.Is(err, ledger.ErrSameWallet):
		status, kind = http.StatusBadRequest, "same_wallet"
	case errors.Is(err, ledger.ErrWalletNotFound):
		status, kind = http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, ledger.ErrNameTaken):
		status, kind = http.StatusConflict, "name_taken"
	case errors.Is(err, ErrKeyReuse):
		status, kind = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, kind = http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		status, kind = http.StatusServiceUnavailable, "store_unavailable"
	}
	return c.Status(status).JSON(fiber.Map{"error": kind, "message": err.Error()})
}
