/**
 * @description
 * Peer-to-peer tipping. A tip moves funds from the sender's sub-account to
 * the recipient's destination address in a single on-chain transaction,
 * relayed immediately with no confirmation step. Recipients who have never
 * interacted are provisioned on the spot; such fresh recipients receive no
 * direct notification since they cannot be messaged yet.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xmrtipbot/custody-service/internal/domain"
	"github.com/xmrtipbot/custody-service/internal/store"
	"github.com/xmrtipbot/custody-service/pkg/rabbitmq"
	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

// TipRequest describes a single-recipient tip command.
type TipRequest struct {
	Chat              ChatContext `json:"chat"`
	SenderIdentity    int64       `json:"sender_identity"`
	RecipientIdentity int64       `json:"recipient_identity"`
	AmountAtomic      int64       `json:"amount_atomic"`
}

// TipReceipt is the outcome of an executed tip.
type TipReceipt struct {
	TxID              string `json:"txid"`
	RecipientIdentity int64  `json:"recipient_identity"`
	AmountAtomic      int64  `json:"amount_atomic"`
	FeeAtomic         int64  `json:"fee_atomic"`
}

// Tip executes a tip end to end: validation, recipient provisioning,
// on-chain transfer, ledger record, event, and best-effort recipient
// notification.
func (s *Service) Tip(ctx context.Context, req TipRequest) (*TipReceipt, error) {
	if !req.Chat.IsGroup() {
		return nil, ErrGroupChatOnly
	}
	if req.SenderIdentity == req.RecipientIdentity {
		return nil, ErrSelfTip
	}
	if req.AmountAtomic <= 0 {
		return nil, ErrInvalidAmount
	}
	sender, err := s.requireAccount(ctx, req.SenderIdentity)
	if err != nil {
		return nil, err
	}
	if err := s.consumeLimit(ctx, "tip", req.SenderIdentity, s.opts.TipRateLimitPerMinute); err != nil {
		return nil, err
	}

	// A recipient seen for the first time gets a sub-account here so the
	// tip has somewhere to land. Track whether they existed before: only
	// pre-existing recipients can be messaged.
	recipientExisted := true
	recipient, err := s.repo.FindAccountByIdentity(ctx, req.RecipientIdentity)
	if errors.Is(err, store.ErrAccountNotFound) {
		recipientExisted = false
		recipient, err = s.GetOrCreateAccount(ctx, req.RecipientIdentity)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}

	destination, err := s.tipDestination(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	s.walletMu.Lock()
	prepared, err := s.wallet.PrepareTransfer(ctx, walletrpc.TransferRequest{
		AccountIndex: sender.AccountIndex,
		Destinations: []walletrpc.Destination{{Address: destination, AmountAtomic: uint64(req.AmountAtomic)}},
		Priority:     s.opts.TransferPriority,
	})
	var txID string
	if err == nil {
		txID, err = s.wallet.Relay(ctx, prepared.Metadata)
	}
	if err == nil {
		if storeErr := s.wallet.Store(ctx); storeErr != nil {
			log.Printf("level=warn component=service msg=\"wallet store after tip failed\" sender=%d err=%v", req.SenderIdentity, storeErr)
		}
	}
	s.walletMu.Unlock()
	if err != nil {
		return nil, walletrpc.Classify(err)
	}

	record := domain.Transfer{
		ID:                uuid.New(),
		TxID:              txID,
		SenderIdentity:    req.SenderIdentity,
		RecipientIdentity: req.RecipientIdentity,
		AmountAtomic:      req.AmountAtomic,
		Kind:              domain.TransferKindTip,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.repo.CreateTransfer(ctx, &record); err != nil {
		// The coins already moved; losing the ledger row is a reporting
		// gap, not grounds to fail the command.
		log.Printf("level=error component=service msg=\"tip record persist failed\" txid=%s err=%v", txID, err)
	}

	log.Printf("level=info component=service msg=\"tip relayed\" sender=%d recipient=%d txid=%s amount_atomic=%d", req.SenderIdentity, req.RecipientIdentity, txID, req.AmountAtomic)
	s.publish(ctx, "transfer.tip", rabbitmq.TransferExecutedEvent{
		ID:                record.ID,
		TxID:              txID,
		Kind:              domain.TransferKindTip,
		SenderIdentity:    req.SenderIdentity,
		RecipientIdentity: req.RecipientIdentity,
		AmountAtomic:      req.AmountAtomic,
		FeeAtomic:         int64(prepared.FeeAtomic),
		Timestamp:         record.CreatedAt,
	})

	if recipientExisted {
		s.notify(ctx, req.RecipientIdentity, fmt.Sprintf("You received a tip of %s!", formatAtomic(req.AmountAtomic)))
	}
	return &TipReceipt{
		TxID:              txID,
		RecipientIdentity: req.RecipientIdentity,
		AmountAtomic:      req.AmountAtomic,
		FeeAtomic:         int64(prepared.FeeAtomic),
	}, nil
}
