/**
 * @description
 * Rain: splitting an amount evenly across recently active chat members.
 * Recipients are drawn from the activity log inside the eligibility window,
 * excluding the sender, and selected at random when the pool exceeds the
 * requested count. The whole batch goes out as one on-chain transaction
 * with one destination per recipient, so it either lands for everyone or
 * for no one.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/xmrtipbot/custody-service/internal/domain"
	"github.com/xmrtipbot/custody-service/internal/store"
	"github.com/xmrtipbot/custody-service/pkg/rabbitmq"
	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

// RainRequest describes a rain command.
type RainRequest struct {
	Chat           ChatContext `json:"chat"`
	SenderIdentity int64       `json:"sender_identity"`
	AmountAtomic   int64       `json:"amount_atomic"`
	RecipientCount int         `json:"recipient_count"`
}

// RainShare is one recipient's slice of an executed rain.
type RainShare struct {
	Identity     int64  `json:"identity"`
	DisplayName  string `json:"display_name,omitempty"`
	AmountAtomic int64  `json:"amount_atomic"`
}

// RainReceipt is the outcome of an executed rain.
type RainReceipt struct {
	TxID        string      `json:"txid"`
	ShareAtomic int64       `json:"share_atomic"`
	FeeAtomic   int64       `json:"fee_atomic"`
	Recipients  []RainShare `json:"recipients"`
}

// Rain splits an amount across up to RecipientCount recently active chat
// members. The per-recipient share is the integer quotient of the total;
// the sub-atomic remainder stays with the sender.
func (s *Service) Rain(ctx context.Context, req RainRequest) (*RainReceipt, error) {
	if !req.Chat.IsGroup() {
		return nil, ErrGroupChatOnly
	}
	if req.AmountAtomic <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.RecipientCount <= 0 {
		return nil, ErrInvalidRecipientCount
	}
	sender, err := s.requireAccount(ctx, req.SenderIdentity)
	if err != nil {
		return nil, err
	}
	if err := s.consumeLimit(ctx, "rain", req.SenderIdentity, s.opts.RainRateLimitPerMinute); err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-s.opts.ActivityRetention)
	pool, err := s.repo.EligibleRecipients(ctx, req.Chat.ID, req.SenderIdentity, since)
	if err != nil {
		return nil, fmt.Errorf("eligible recipients: %w", err)
	}
	if len(pool) == 0 {
		return nil, ErrNoEligibleRecipients
	}

	selected := pool
	if len(pool) > req.RecipientCount {
		rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		selected = pool[:req.RecipientCount]
	}

	share := req.AmountAtomic / int64(len(selected))
	if share <= 0 {
		return nil, ErrInvalidAmount
	}

	// Resolve every destination before touching the wallet; a single
	// unresolvable recipient aborts the whole batch.
	type resolved struct {
		recipient domain.EligibleRecipient
		address   string
		existed   bool
	}
	destinations := make([]resolved, 0, len(selected))
	for _, recipient := range selected {
		existed := true
		account, err := s.repo.FindAccountByIdentity(ctx, recipient.Identity)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				// Active but never registered: provision on the spot so
				// the share has somewhere to land.
				existed = false
				account, err = s.GetOrCreateAccount(ctx, recipient.Identity)
			}
			if err != nil {
				return nil, fmt.Errorf("resolve recipient %d: %w", recipient.Identity, err)
			}
		}
		address, err := s.tipDestination(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("resolve destination for %d: %w", recipient.Identity, err)
		}
		destinations = append(destinations, resolved{recipient: recipient, address: address, existed: existed})
	}

	walletDests := make([]walletrpc.Destination, len(destinations))
	for i, d := range destinations {
		walletDests[i] = walletrpc.Destination{Address: d.address, AmountAtomic: uint64(share)}
	}

	s.walletMu.Lock()
	prepared, err := s.wallet.PrepareTransfer(ctx, walletrpc.TransferRequest{
		AccountIndex: sender.AccountIndex,
		Destinations: walletDests,
		Priority:     s.opts.TransferPriority,
	})
	var txID string
	if err == nil {
		txID, err = s.wallet.Relay(ctx, prepared.Metadata)
	}
	if err == nil {
		if storeErr := s.wallet.Store(ctx); storeErr != nil {
			log.Printf("level=warn component=service msg=\"wallet store after rain failed\" sender=%d err=%v", req.SenderIdentity, storeErr)
		}
	}
	s.walletMu.Unlock()
	if err != nil {
		return nil, walletrpc.Classify(err)
	}

	now := time.Now().UTC()
	receipt := &RainReceipt{
		TxID:        txID,
		ShareAtomic: share,
		FeeAtomic:   int64(prepared.FeeAtomic),
		Recipients:  make([]RainShare, 0, len(destinations)),
	}
	for _, d := range destinations {
		record := domain.Transfer{
			ID:                uuid.New(),
			TxID:              txID,
			SenderIdentity:    req.SenderIdentity,
			RecipientIdentity: d.recipient.Identity,
			AmountAtomic:      share,
			Kind:              domain.TransferKindRain,
			CreatedAt:         now,
		}
		if err := s.repo.CreateTransfer(ctx, &record); err != nil {
			log.Printf("level=error component=service msg=\"rain record persist failed\" txid=%s recipient=%d err=%v", txID, d.recipient.Identity, err)
		}
		s.publish(ctx, "transfer.rain", rabbitmq.TransferExecutedEvent{
			ID:                record.ID,
			TxID:              txID,
			Kind:              domain.TransferKindRain,
			SenderIdentity:    req.SenderIdentity,
			RecipientIdentity: d.recipient.Identity,
			AmountAtomic:      share,
			FeeAtomic:         int64(prepared.FeeAtomic),
			Timestamp:         now,
		})
		// Notifications are independent: one unreachable recipient never
		// blocks the rest. Freshly provisioned recipients are not messaged.
		if d.existed {
			s.notify(ctx, d.recipient.Identity, fmt.Sprintf("It's raining! You caught %s.", formatAtomic(share)))
		}
		receipt.Recipients = append(receipt.Recipients, RainShare{
			Identity:     d.recipient.Identity,
			DisplayName:  d.recipient.DisplayName,
			AmountAtomic: share,
		})
	}

	log.Printf("level=info component=service msg=\"rain relayed\" sender=%d txid=%s recipients=%d share_atomic=%d", req.SenderIdentity, txID, len(destinations), share)
	return receipt, nil
}
