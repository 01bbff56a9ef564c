package history

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nono-wallet/nono_wallet/internal/ledger"
	"github.com/nono-wallet/nono_wallet/internal/money"
)

// Handler exposes history HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a history HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type itemView struct {
	ID             string       `json:"id"`
	WalletID       string       `json:"wallet_id"`
	Type           string       `json:"type"`
	Amount         money.Amount `json:"amount"`
	CounterpartyID string       `json:"counterparty_wallet_id,omitempty"`
	Note           string       `json:"note,omitempty"`
	CreatedAt      string       `json:"created_at"`
}

// List returns one page of a wallet's transactions.
func (h *Handler) List(c *fiber.Ctx) error {
	q, err := h.queryFromRequest(c)
	if err != nil {
		return respondError(c, err)
	}

	res, err := h.service.List(c.UserContext(), q)
	if err != nil {
		return respondError(c, err)
	}

	items := make([]itemView, 0, len(res.Items))
	for _, t := range res.Items {
		items = append(items, itemView{
			ID:             t.ID,
			WalletID:       t.WalletID,
			Type:           string(t.Type),
			Amount:         t.Amount,
			CounterpartyID: t.CounterpartyID,
			Note:           t.Note,
			CreatedAt:      t.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"items":     items,
		"total":     res.Total,
		"page":      res.Page,
		"page_size": res.PageSize,
	})
}

// Export streams the wallet's filtered history as a CSV attachment.
func (h *Handler) Export(c *fiber.Ctx) error {
	q, err := h.queryFromRequest(c)
	if err != nil {
		return respondError(c, err)
	}

	var buf bytes.Buffer
	if err := h.service.ExportCSV(c.UserContext(), &buf, q); err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="transactions-%s.csv"`, q.WalletID))
	return c.Status(http.StatusOK).Send(buf.Bytes())
}

func (h *Handler) queryFromRequest(c *fiber.Ctx) (Query, error) {
	q := Query{
		WalletID: c.Params("walletId"),
		Type:     ledger.TxType(c.Query("type")),
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 0),
	}

	from, err := parseDate(c.Query("from"), false)
	if err != nil {
		return Query{}, err
	}
	to, err := parseDate(c.Query("to"), true)
	if err != nil {
		return Query{}, err
	}
	q.From, q.To = from, to
	return q, nil
}

// parseDate accepts RFC 3339 timestamps or bare dates. A bare date used as
// the upper bound covers the whole day.
func parseDate(s string, upper bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidFilter, s)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}

func respondError(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.Is(err, ErrInvalidFilter):
		status, kind = http.StatusBadRequest, "invalid_filter"
	case errors.Is(err, ledger.ErrWalletNotFound):
		status, kind = http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		status, kind = http.StatusServiceUnavailable, "store_unavailable"
	}
	return c.Status(status).JSON(fiber.Map{"error": kind, "message": err.Error()})
}
