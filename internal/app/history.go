/**
 * @description
 * Paginated history views. Transfer history and the receiving-address list
 * page through the wallet engine's data; the account row remembers the
 * last requested page so a bare repeat of the command shows the same page
 * the previous one did.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xmrtipbot/custody-service/internal/domain"
)

const (
	transferHistoryPageSize = 10
	addressListPageSize     = 15
)

// HistoryEntry is one line of a transfer history page.
type HistoryEntry struct {
	TxID         string    `json:"txid"`
	Type         string    `json:"type"`
	AmountAtomic int64     `json:"amount_atomic"`
	Timestamp    time.Time `json:"timestamp"`
}

// HistoryPage is one page of an identity's transfer history, newest first.
type HistoryPage struct {
	Page       int            `json:"page"`
	TotalPages int            `json:"total_pages"`
	Entries    []HistoryEntry `json:"entries"`
}

// TransferHistory returns one page of the identity's transfer history.
// Page 0 means "show the stored page"; an explicit positive page jumps
// there and stores it.
func (s *Service) TransferHistory(ctx context.Context, identity int64, page int) (*HistoryPage, error) {
	account, err := s.requireAccount(ctx, identity)
	if err != nil {
		return nil, err
	}

	all, err := s.wallet.GetTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	entries := make([]HistoryEntry, 0, len(all))
	for _, entry := range all {
		if entry.SubaddrIndex.Major != account.AccountIndex {
			continue
		}
		entries = append(entries, HistoryEntry{
			TxID:         entry.TxID,
			Type:         entry.Type,
			AmountAtomic: int64(entry.Amount),
			Timestamp:    time.Unix(entry.Timestamp, 0).UTC(),
		})
	}
	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	page = s.resolvePage(ctx, account, page, len(entries), transferHistoryPageSize)
	return &HistoryPage{
		Page:       page,
		TotalPages: totalPages(len(entries), transferHistoryPageSize),
		Entries:    slicePage(entries, page, transferHistoryPageSize),
	}, nil
}

// AddressPage is one page of an identity's receiving addresses.
type AddressPage struct {
	Page       int      `json:"page"`
	TotalPages int      `json:"total_pages"`
	Addresses  []string `json:"addresses"`
}

// Addresses returns one page of the identity's receiving addresses in
// allocation order. Paging follows the same stored-cursor rules as
// TransferHistory.
func (s *Service) Addresses(ctx context.Context, identity int64, page int) (*AddressPage, error) {
	account, err := s.requireAccount(ctx, identity)
	if err != nil {
		return nil, err
	}
	subaddresses, err := s.wallet.Addresses(ctx, account.AccountIndex)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	addresses := make([]string, len(subaddresses))
	for i, sub := range subaddresses {
		addresses[i] = sub.Address
	}

	page = s.resolvePage(ctx, account, page, len(addresses), addressListPageSize)
	return &AddressPage{
		Page:       page,
		TotalPages: totalPages(len(addresses), addressListPageSize),
		Addresses:  slicePage(addresses, page, addressListPageSize),
	}, nil
}

// resolvePage turns the requested page into a concrete page number,
// clamping to the valid range, and persists it as the identity's cursor.
// A bare request (requested <= 0) shows the stored page again; only an
// explicit page number moves the cursor.
func (s *Service) resolvePage(ctx context.Context, account *domain.Account, requested, total, pageSize int) int {
	last := totalPages(total, pageSize)
	page := requested
	if page <= 0 {
		page = account.ListPage
	}
	if page <= 0 || page > last {
		page = 1
	}
	if err := s.repo.SetListPage(ctx, account.Identity, page); err != nil {
		log.Printf("level=warn component=service msg=\"list page persist failed\" identity=%d err=%v", account.Identity, err)
	}
	return page
}

func totalPages(total, pageSize int) int {
	if total == 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

func slicePage[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return nil
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
