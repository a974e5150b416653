/**
 * @description
 * Two-phase withdrawal flow. PrepareWithdrawal constructs the transaction
 * without relaying it and quotes the exact amount and fee; the caller must
 * then confirm within a bounded window before anything hits the chain.
 * Cancelling or letting the quote expire discards the prepared transaction
 * at no cost.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xmrtipbot/custody-service/pkg/rabbitmq"
	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

// WithdrawalQuote is a prepared, not yet relayed withdrawal awaiting
// confirmation.
type WithdrawalQuote struct {
	ID           uuid.UUID `json:"id"`
	Identity     int64     `json:"identity"`
	Address      string    `json:"address"`
	AmountAtomic int64     `json:"amount_atomic"`
	FeeAtomic    int64     `json:"fee_atomic"`
	Sweep        bool      `json:"sweep"`
	ExpiresAt    time.Time `json:"expires_at"`

	metadata string
}

// pendingWithdrawals holds prepared withdrawals keyed by quote id. Each
// identity can have at most one pending quote; preparing a new one replaces
// the old. Expired entries are dropped lazily on access.
type pendingWithdrawals struct {
	mu         sync.Mutex
	ttl        time.Duration
	byID       map[uuid.UUID]*WithdrawalQuote
	byIdentity map[int64]uuid.UUID
	now        func() time.Time
}

func newPendingWithdrawals(ttl time.Duration) *pendingWithdrawals {
	return &pendingWithdrawals{
		ttl:        ttl,
		byID:       make(map[uuid.UUID]*WithdrawalQuote),
		byIdentity: make(map[int64]uuid.UUID),
		now:        time.Now,
	}
}

func (p *pendingWithdrawals) put(quote *WithdrawalQuote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.byIdentity[quote.Identity]; ok {
		delete(p.byID, prev)
	}
	quote.ExpiresAt = p.now().Add(p.ttl)
	p.byID[quote.ID] = quote
	p.byIdentity[quote.Identity] = quote.ID
}

// take removes and returns the quote. Expired quotes are reported as such
// and discarded.
func (p *pendingWithdrawals) take(id uuid.UUID, identity int64) (*WithdrawalQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	quote, ok := p.byID[id]
	if !ok || quote.Identity != identity {
		return nil, ErrWithdrawalNotFound
	}
	delete(p.byID, id)
	delete(p.byIdentity, identity)
	if p.now().After(quote.ExpiresAt) {
		return nil, ErrWithdrawalExpired
	}
	return quote, nil
}

// PrepareWithdrawal constructs a withdrawal for later confirmation. With
// sweep set the typed amount is ignored and the entire unlocked balance,
// net of fee, goes to the destination.
func (s *Service) PrepareWithdrawal(ctx context.Context, identity int64, address string, amountAtomic int64, sweep bool) (*WithdrawalQuote, error) {
	if address == "" {
		return nil, walletrpc.ErrInvalidDestination
	}
	if !sweep && amountAtomic <= 0 {
		return nil, ErrInvalidAmount
	}
	account, err := s.requireAccount(ctx, identity)
	if err != nil {
		return nil, err
	}

	req := walletrpc.TransferRequest{
		AccountIndex: account.AccountIndex,
		Destinations: []walletrpc.Destination{{Address: address, AmountAtomic: uint64(amountAtomic)}},
		Priority:     s.opts.TransferPriority,
		SweepAll:     sweep,
	}
	if sweep {
		req.Destinations[0].AmountAtomic = 0
	}

	s.walletMu.Lock()
	prepared, err := s.wallet.PrepareTransfer(ctx, req)
	s.walletMu.Unlock()
	if err != nil {
		return nil, walletrpc.Classify(err)
	}

	quote := &WithdrawalQuote{
		ID:           uuid.New(),
		Identity:     identity,
		Address:      address,
		AmountAtomic: int64(prepared.AmountAtomic),
		FeeAtomic:    int64(prepared.FeeAtomic),
		Sweep:        sweep,
		metadata:     prepared.Metadata,
	}
	s.pending.put(quote)
	log.Printf("level=info component=service msg=\"withdrawal prepared\" identity=%d quote_id=%s amount_atomic=%d fee_atomic=%d sweep=%t", identity, quote.ID, quote.AmountAtomic, quote.FeeAtomic, sweep)
	return quote, nil
}

// WithdrawalReceipt is the outcome of a confirmed withdrawal.
type WithdrawalReceipt struct {
	TxID         string `json:"txid"`
	AmountAtomic int64  `json:"amount_atomic"`
	FeeAtomic    int64  `json:"fee_atomic"`
}

// ConfirmWithdrawal relays a previously prepared withdrawal. The quote is
// consumed whether or not the relay succeeds; a failed relay requires a
// fresh preparation since the quoted fee may no longer be valid.
func (s *Service) ConfirmWithdrawal(ctx context.Context, identity int64, quoteID uuid.UUID) (*WithdrawalReceipt, error) {
	quote, err := s.pending.take(quoteID, identity)
	if err != nil {
		return nil, err
	}

	s.walletMu.Lock()
	txID, err := s.wallet.Relay(ctx, quote.metadata)
	if err == nil {
		if storeErr := s.wallet.Store(ctx); storeErr != nil {
			log.Printf("level=warn component=service msg=\"wallet store after withdrawal failed\" identity=%d err=%v", identity, storeErr)
		}
	}
	s.walletMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("relay withdrawal: %w", walletrpc.Classify(err))
	}

	log.Printf("level=info component=service msg=\"withdrawal relayed\" identity=%d txid=%s amount_atomic=%d fee_atomic=%d", identity, txID, quote.AmountAtomic, quote.FeeAtomic)
	s.publish(ctx, "transfer.withdrawal", rabbitmq.TransferExecutedEvent{
		ID:             uuid.New(),
		TxID:           txID,
		Kind:           "withdrawal",
		SenderIdentity: identity,
		AmountAtomic:   quote.AmountAtomic,
		FeeAtomic:      quote.FeeAtomic,
		Timestamp:      time.Now().UTC(),
	})
	return &WithdrawalReceipt{TxID: txID, AmountAtomic: quote.AmountAtomic, FeeAtomic: quote.FeeAtomic}, nil
}

// CancelWithdrawal discards a prepared withdrawal. Cancelling an unknown or
// already consumed quote reports ErrWithdrawalNotFound.
func (s *Service) CancelWithdrawal(ctx context.Context, identity int64, quoteID uuid.UUID) error {
	_, err := s.pending.take(quoteID, identity)
	if err != nil {
		return err
	}
	log.Printf("level=info component=service msg=\"withdrawal cancelled\" identity=%d quote_id=%s", identity, quoteID)
	return nil
}
