/**
 * @description
 * This file defines the Repository interface, the contract between the
 * application service and the persistence layer. Uniqueness is enforced by
 * database constraints, not application checks: the unique identity and
 * tx_hash columns are the idempotency backbone of the whole system.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/xmrtipbot/custody-service/internal/domain"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrDepositExists   = errors.New("deposit already recorded")
)

// Repository defines persistence operations for accounts, ledgers and the
// activity log.
type Repository interface {
	// Accounts. CreateAccount returns ErrAccountExists when another writer
	// won the identity slot first; the caller re-reads the winning row.
	FindAccountByIdentity(ctx context.Context, identity int64) (*domain.Account, error)
	FindAccountByIndex(ctx context.Context, accountIndex uint64) (*domain.Account, error)
	CreateAccount(ctx context.Context, identity int64, accountIndex uint64) (*domain.Account, error)
	SetTipAddress(ctx context.Context, identity int64, address *string) error
	SetListPage(ctx context.Context, identity int64, page int) error
	UpdateCachedBalance(ctx context.Context, identity int64, balanceAtomic int64) error

	// Deposit ledger. RecordConfirmedDeposit inserts the ledger row and
	// credits the owning account's cached balance in one transaction;
	// ErrDepositExists means the tx hash was already ingested.
	RecordConfirmedDeposit(ctx context.Context, deposit domain.Deposit) error

	// Transfer ledger (append-only).
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error

	// Activity log.
	RecordActivity(ctx context.Context, entry domain.ActivityEntry) error
	EligibleRecipients(ctx context.Context, chatID, exclude int64, since time.Time) ([]domain.EligibleRecipient, error)
	PruneActivity(ctx context.Context, cutoff time.Time) (int64, error)
}
