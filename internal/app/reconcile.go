/**
 * @description
 * Deposit reconciliation. Each cycle refreshes the wallet, lists every
 * transfer the engine knows about, and credits confirmed incoming deposits
 * that the ledger has not seen. The deposits table's transaction-hash
 * primary key is the sole idempotency gate: replaying a cycle over the
 * same history is a no-op, so crashing mid-cycle is always safe.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xmrtipbot/custody-service/internal/domain"
	"github.com/xmrtipbot/custody-service/internal/store"
	"github.com/xmrtipbot/custody-service/pkg/rabbitmq"
)

// ReconcileResult summarizes one reconciliation cycle.
type ReconcileResult struct {
	Scanned      int
	Credited     int
	AlreadyKnown int
	UnknownIndex int
}

// RunReconcileCycle performs one deposit reconciliation pass. Errors from
// per-deposit side effects (notification, event, address rotation) never
// stop the cycle; only engine or scan failures abort it.
func (s *Service) RunReconcileCycle(ctx context.Context) (*ReconcileResult, error) {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	if err := s.wallet.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("wallet refresh: %w", err)
	}
	entries, err := s.wallet.GetTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	result := &ReconcileResult{}
	for _, entry := range entries {
		if !entry.Incoming() || !entry.Confirmed() {
			continue
		}
		result.Scanned++

		account, err := s.repo.FindAccountByIndex(ctx, entry.SubaddrIndex.Major)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				// Funds landed on a sub-account no identity owns, likely
				// the orphan of a lost allocation race. Leave them alone.
				result.UnknownIndex++
				log.Printf("level=warn component=reconciler msg=\"deposit on unowned sub-account\" tx_hash=%s account_index=%d", entry.TxID, entry.SubaddrIndex.Major)
				continue
			}
			return result, fmt.Errorf("find account by index: %w", err)
		}

		deposit := domain.Deposit{
			TxHash:       entry.TxID,
			AccountIndex: entry.SubaddrIndex.Major,
			AmountAtomic: int64(entry.Amount),
			OccurredAt:   time.Unix(entry.Timestamp, 0).UTC(),
			Status:       domain.DepositStatusConfirmed,
		}
		if err := s.repo.RecordConfirmedDeposit(ctx, deposit); err != nil {
			if errors.Is(err, store.ErrDepositExists) {
				result.AlreadyKnown++
				continue
			}
			return result, fmt.Errorf("record deposit %s: %w", entry.TxID, err)
		}
		result.Credited++
		log.Printf("level=info component=reconciler msg=\"deposit credited\" tx_hash=%s identity=%d amount_atomic=%d", entry.TxID, account.Identity, deposit.AmountAtomic)

		s.publish(ctx, "deposit.credited", rabbitmq.DepositCreditedEvent{
			TxHash:       entry.TxID,
			Identity:     account.Identity,
			AccountIndex: entry.SubaddrIndex.Major,
			AmountAtomic: deposit.AmountAtomic,
			Timestamp:    deposit.OccurredAt,
		})
		s.notify(ctx, account.Identity, fmt.Sprintf("Deposit of %s confirmed.", formatAtomic(deposit.AmountAtomic)))

		// Rotate the receiving address after each credited deposit so the
		// next deposit lands on a fresh one.
		if _, _, err := s.wallet.CreateAddress(ctx, account.AccountIndex); err != nil {
			log.Printf("level=warn component=reconciler msg=\"address rotation failed\" identity=%d err=%v", account.Identity, err)
		}
	}

	if result.Credited > 0 {
		if err := s.wallet.Store(ctx); err != nil {
			log.Printf("level=warn component=reconciler msg=\"wallet store after cycle failed\" err=%v", err)
		}
	}
	return result, nil
}

// LookupTransaction returns the engine's view of a transaction by id.
func (s *Service) LookupTransaction(ctx context.Context, txID string) (*TransactionDetail, error) {
	entry, err := s.wallet.GetTransferByTxID(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}
	return &TransactionDetail{
		TxID:          entry.TxID,
		Type:          entry.Type,
		AmountAtomic:  int64(entry.Amount),
		FeeAtomic:     int64(entry.Fee),
		Height:        entry.Height,
		Confirmations: entry.Confirmations,
		Timestamp:     time.Unix(entry.Timestamp, 0).UTC(),
	}, nil
}

// TransactionDetail is the user-facing view of a single transaction.
type TransactionDetail struct {
	TxID          string    `json:"txid"`
	Type          string    `json:"type"`
	AmountAtomic  int64     `json:"amount_atomic"`
	FeeAtomic     int64     `json:"fee_atomic"`
	Height        uint64    `json:"height"`
	Confirmations uint64    `json:"confirmations"`
	Timestamp     time.Time `json:"timestamp"`
}
