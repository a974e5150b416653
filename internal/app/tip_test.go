package app

import (
	"context"
	"errors"
	"testing"

	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

func groupChat() ChatContext   { return ChatContext{ID: -100, Type: "supergroup"} }
func privateChat() ChatContext { return ChatContext{ID: 55, Type: "private"} }

func TestTipValidation(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	service := newTestService(repo, wallet, newFakeNotifier(), &fakePublisher{}, nil)
	if _, err := service.GetOrCreateAccount(context.Background(), 1); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tests := []struct {
		name string
		req  TipRequest
		want error
	}{
		{
			name: "private chat rejected",
			req:  TipRequest{Chat: privateChat(), SenderIdentity: 1, RecipientIdentity: 2, AmountAtomic: 100},
			want: ErrGroupChatOnly,
		},
		{
			name: "self tip rejected",
			req:  TipRequest{Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 1, AmountAtomic: 100},
			want: ErrSelfTip,
		},
		{
			name: "zero amount rejected",
			req:  TipRequest{Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 2, AmountAtomic: 0},
			want: ErrInvalidAmount,
		},
		{
			name: "unregistered sender rejected",
			req:  TipRequest{Chat: groupChat(), SenderIdentity: 77, RecipientIdentity: 2, AmountAtomic: 100},
			want: ErrNotRegistered,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.Tip(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	// No validation failure may reach the wallet.
	if wallet.lastPrepared != nil {
		t.Fatal("wallet touched by a rejected tip")
	}
}

func TestTipToExistingRecipient(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	notifier := newFakeNotifier()
	publisher := &fakePublisher{}
	service := newTestService(repo, wallet, notifier, publisher, nil)

	sender, _ := service.GetOrCreateAccount(context.Background(), 1)
	if _, err := service.GetOrCreateAccount(context.Background(), 2); err != nil {
		t.Fatalf("setup: %v", err)
	}

	receipt, err := service.Tip(context.Background(), TipRequest{
		Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 2, AmountAtomic: 2_500_000_000_000,
	})
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if receipt.TxID == "" {
		t.Fatal("missing txid")
	}
	if wallet.lastPrepared.AccountIndex != sender.AccountIndex {
		t.Fatalf("spent from account %d, want sender's %d", wallet.lastPrepared.AccountIndex, sender.AccountIndex)
	}
	if len(wallet.relayed) != 1 {
		t.Fatalf("relayed %d transactions, want 1", len(wallet.relayed))
	}
	if len(repo.transfers) != 1 || repo.transfers[0].Kind != "tip" {
		t.Fatalf("unexpected ledger state: %+v", repo.transfers)
	}
	if events := publisher.withKey("transfer.tip"); len(events) != 1 {
		t.Fatalf("published %d tip events, want 1", len(events))
	}
	if msgs := notifier.messagesFor(2); len(msgs) != 1 {
		t.Fatalf("recipient notifications = %d, want 1", len(msgs))
	}
}

func TestTipProvisionsFreshRecipientWithoutNotification(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	notifier := newFakeNotifier()
	service := newTestService(repo, wallet, notifier, &fakePublisher{}, nil)

	if _, err := service.GetOrCreateAccount(context.Background(), 1); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := service.Tip(context.Background(), TipRequest{
		Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 9, AmountAtomic: 100,
	}); err != nil {
		t.Fatalf("tip: %v", err)
	}
	recipient, err := repo.FindAccountByIdentity(context.Background(), 9)
	if err != nil {
		t.Fatalf("recipient not provisioned: %v", err)
	}
	// Funds land on the fresh account's first address.
	want, _ := wallet.AddressAt(context.Background(), recipient.AccountIndex, 0)
	if got := wallet.lastPrepared.Destinations[0].Address; got != want {
		t.Fatalf("destination %q, want %q", got, want)
	}
	if msgs := notifier.messagesFor(9); len(msgs) != 0 {
		t.Fatalf("fresh recipient got %d notifications, want 0", len(msgs))
	}
}

func TestTipHonorsRecipientTipAddress(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	service := newTestService(repo, wallet, newFakeNotifier(), &fakePublisher{}, nil)

	service.GetOrCreateAccount(context.Background(), 1)
	service.GetOrCreateAccount(context.Background(), 2)
	if err := service.SetTipAddress(context.Background(), 2, "external-wallet"); err != nil {
		t.Fatalf("set tip address: %v", err)
	}

	if _, err := service.Tip(context.Background(), TipRequest{
		Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 2, AmountAtomic: 100,
	}); err != nil {
		t.Fatalf("tip: %v", err)
	}
	if got := wallet.lastPrepared.Destinations[0].Address; got != "external-wallet" {
		t.Fatalf("destination %q, want external-wallet", got)
	}
}

func TestTipInsufficientFunds(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	wallet.prepareErr = &walletrpc.RPCError{Code: -17, Message: "not enough money to transfer, available only 0.0"}
	service := newTestService(repo, wallet, newFakeNotifier(), &fakePublisher{}, nil)

	service.GetOrCreateAccount(context.Background(), 1)
	service.GetOrCreateAccount(context.Background(), 2)

	_, err := service.Tip(context.Background(), TipRequest{
		Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 2, AmountAtomic: 100,
	})
	if !errors.Is(err, walletrpc.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if len(repo.transfers) != 0 {
		t.Fatal("failed tip left a ledger record")
	}
}

func TestTipRateLimited(t *testing.T) {
	repo := newFakeRepository()
	limiter := newFakeLimiter()
	service := NewService(repo, newFakeWallet(), newFakeNotifier(), &fakePublisher{}, limiter, Options{
		TipRateLimitPerMinute: 1,
	})

	service.GetOrCreateAccount(context.Background(), 1)
	service.GetOrCreateAccount(context.Background(), 2)

	req := TipRequest{Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 2, AmountAtomic: 100}
	if _, err := service.Tip(context.Background(), req); err != nil {
		t.Fatalf("first tip: %v", err)
	}
	if _, err := service.Tip(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second tip: got %v, want ErrRateLimited", err)
	}
}

func TestTipRateLimiterFailureFailsOpen(t *testing.T) {
	repo := newFakeRepository()
	limiter := newFakeLimiter()
	limiter.err = errors.New("redis down")
	service := NewService(repo, newFakeWallet(), newFakeNotifier(), &fakePublisher{}, limiter, Options{
		TipRateLimitPerMinute: 1,
	})

	service.GetOrCreateAccount(context.Background(), 1)
	service.GetOrCreateAccount(context.Background(), 2)

	if _, err := service.Tip(context.Background(), TipRequest{
		Chat: groupChat(), SenderIdentity: 1, RecipientIdentity: 2, AmountAtomic: 100,
	}); err != nil {
		t.Fatalf("limiter outage blocked the tip: %v", err)
	}
}
