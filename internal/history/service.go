package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nono-wallet/nono_wallet/internal/ledger"
)

// ErrInvalidFilter indicates an unknown transaction type or malformed date
// bound in a history query.
var ErrInvalidFilter = errors.New("invalid history filter")

const (
	defaultPageSize = 50
	maxPageSize     = 200

	// exportPageSize is the chunk size used when streaming a CSV export.
	exportPageSize = maxPageSize

	// storeTimeout bounds each store access; a slow backend surfaces as
	// ErrStoreUnavailable instead of hanging the read.
	storeTimeout = 5 * time.Second
)

// csvHeader is the fixed export column order. Changing it breaks downstream
// consumers.
var csvHeader = []string{"id", "wallet_id", "type", "amount", "created_at", "counterparty_wallet_id"}

// Query describes a filtered, paginated request for a wallet's history.
type Query struct {
	WalletID string
	Type     ledger.TxType
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// PageResult is one page of history plus the total row count for the filter.
type PageResult struct {
	Items    []ledger.Transaction
	Total    int
	Page     int
	PageSize int
}

// Service answers read-only history queries against the ledger store.
type Service struct {
	store ledger.Store
}

// NewService builds a history service.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// List returns transactions for a wallet, newest first.
func (s *Service) List(ctx context.Context, q Query) (PageResult, error) {
	q, err := s.normalize(ctx, q)
	if err != nil {
		return PageResult{}, err
	}

	items, total, err := s.listPage(ctx, q.WalletID,
		ledger.ListFilter{Type: q.Type, From: q.From, To: q.To},
		ledger.Page{Number: q.Page, Size: q.PageSize})
	if err != nil {
		return PageResult{}, err
	}
	return PageResult{Items: items, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// ExportCSV streams every transaction matching the query's filter to w in
// the same newest-first order List uses. The query's own pagination is
// ignored; export always covers the full filtered set.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, q Query) error {
	q, err := s.normalize(ctx, q)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	filter := ledger.ListFilter{Type: q.Type, From: q.From, To: q.To}
	for page := 1; ; page++ {
		items, total, err := s.listPage(ctx, q.WalletID, filter,
			ledger.Page{Number: page, Size: exportPageSize})
		if err != nil {
			return err
		}
		for _, t := range items {
			record := []string{
				t.ID,
				t.WalletID,
				string(t.Type),
				t.Amount.String(),
				t.CreatedAt.UTC().Format(time.RFC3339Nano),
				t.CounterpartyID,
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
		if page*exportPageSize >= total || len(items) == 0 {
			break
		}
	}

	cw.Flush()
	return cw.Error()
}

// listPage fetches one page under the store timeout.
func (s *Service) listPage(ctx context.Context, walletID string, f ledger.ListFilter, p ledger.Page) ([]ledger.Transaction, int, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return s.store.ListTransactions(ctx, walletID, f, p)
}

// normalize validates the filter, confirms the wallet exists, and clamps
// pagination.
func (s *Service) normalize(ctx context.Context, q Query) (Query, error) {
	if q.Type != "" && !q.Type.Valid() {
		return Query{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, q.Type)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return Query{}, fmt.Errorf("%w: date range is inverted", ErrInvalidFilter)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if _, err := s.store.GetWallet(lookupCtx, q.WalletID); err != nil {
		return Query{}, err
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	return q, nil
}
