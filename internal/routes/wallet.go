package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nono-wallet/nono_wallet/internal/wallet"
)

// RegisterWalletRoutes wires wallet lifecycle and money movement endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets/:walletId/balance", h.Balance)
	r.Post("/wallets/:walletId/deposit", h.Deposit)
	r.Post("/wallets/:walletId/withdraw", h.Withdraw)
	r.Post("/transfers", h.Transfer)
}
