package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

func TestWithdrawalPrepareConfirm(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	publisher := &fakePublisher{}
	service := newTestService(repo, wallet, newFakeNotifier(), publisher, nil)
	service.GetOrCreateAccount(context.Background(), 1)

	quote, err := service.PrepareWithdrawal(context.Background(), 1, "dest-addr", 4_000_000_000_000, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if quote.AmountAtomic != 4_000_000_000_000 {
		t.Fatalf("quoted amount = %d", quote.AmountAtomic)
	}
	if quote.FeeAtomic <= 0 {
		t.Fatal("quote carries no fee")
	}
	// Nothing hits the chain until confirmation.
	if len(wallet.relayed) != 0 {
		t.Fatal("prepare relayed a transaction")
	}

	receipt, err := service.ConfirmWithdrawal(context.Background(), 1, quote.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(wallet.relayed) != 1 || wallet.relayed[0] != receipt.TxID {
		t.Fatalf("relay state %v, receipt %q", wallet.relayed, receipt.TxID)
	}
	if events := publisher.withKey("transfer.withdrawal"); len(events) != 1 {
		t.Fatalf("withdrawal events = %d, want 1", len(events))
	}

	// The quote is consumed; confirming again must fail.
	if _, err := service.ConfirmWithdrawal(context.Background(), 1, quote.ID); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("second confirm: got %v, want ErrWithdrawalNotFound", err)
	}
}

func TestWithdrawalSweepIgnoresTypedAmount(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	service := newTestService(repo, wallet, newFakeNotifier(), &fakePublisher{}, nil)
	account, _ := service.GetOrCreateAccount(context.Background(), 1)
	wallet.balances[account.AccountIndex] = walletBalance(9_000_000_000_000, 9_000_000_000_000)

	quote, err := service.PrepareWithdrawal(context.Background(), 1, "dest-addr", 123, true)
	if err != nil {
		t.Fatalf("prepare sweep: %v", err)
	}
	if !quote.Sweep {
		t.Fatal("quote not marked as sweep")
	}
	if quote.AmountAtomic != 9_000_000_000_000 {
		t.Fatalf("sweep amount = %d, want full unlocked balance", quote.AmountAtomic)
	}
	if !wallet.lastPrepared.SweepAll {
		t.Fatal("engine request did not set sweep")
	}
	if wallet.lastPrepared.Destinations[0].AmountAtomic != 0 {
		t.Fatal("typed amount leaked into sweep request")
	}
}

func TestWithdrawalExpiry(t *testing.T) {
	repo := newFakeRepository()
	service := newTestService(repo, newFakeWallet(), newFakeNotifier(), &fakePublisher{}, nil)
	service.GetOrCreateAccount(context.Background(), 1)

	quote, err := service.PrepareWithdrawal(context.Background(), 1, "dest-addr", 100, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// Move the clock past the confirmation window.
	service.pending.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	if _, err := service.ConfirmWithdrawal(context.Background(), 1, quote.ID); !errors.Is(err, ErrWithdrawalExpired) {
		t.Fatalf("got %v, want ErrWithdrawalExpired", err)
	}
	// The expired quote is gone, not retryable.
	if _, err := service.ConfirmWithdrawal(context.Background(), 1, quote.ID); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("got %v, want ErrWithdrawalNotFound", err)
	}
}

func TestWithdrawalCancel(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	service := newTestService(repo, wallet, newFakeNotifier(), &fakePublisher{}, nil)
	service.GetOrCreateAccount(context.Background(), 1)

	quote, err := service.PrepareWithdrawal(context.Background(), 1, "dest-addr", 100, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := service.CancelWithdrawal(context.Background(), 1, quote.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := service.ConfirmWithdrawal(context.Background(), 1, quote.ID); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("confirm after cancel: got %v, want ErrWithdrawalNotFound", err)
	}
	if len(wallet.relayed) != 0 {
		t.Fatal("cancelled withdrawal reached the chain")
	}
}

func TestWithdrawalWrongIdentityCannotConfirm(t *testing.T) {
	repo := newFakeRepository()
	service := newTestService(repo, newFakeWallet(), newFakeNotifier(), &fakePublisher{}, nil)
	service.GetOrCreateAccount(context.Background(), 1)
	service.GetOrCreateAccount(context.Background(), 2)

	quote, err := service.PrepareWithdrawal(context.Background(), 1, "dest-addr", 100, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := service.ConfirmWithdrawal(context.Background(), 2, quote.ID); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("cross-identity confirm: got %v, want ErrWithdrawalNotFound", err)
	}
	// The rightful owner can still confirm.
	if _, err := service.ConfirmWithdrawal(context.Background(), 1, quote.ID); err != nil {
		t.Fatalf("owner confirm: %v", err)
	}
}

func TestWithdrawalReplacesPreviousPending(t *testing.T) {
	repo := newFakeRepository()
	service := newTestService(repo, newFakeWallet(), newFakeNotifier(), &fakePublisher{}, nil)
	service.GetOrCreateAccount(context.Background(), 1)

	first, err := service.PrepareWithdrawal(context.Background(), 1, "dest-addr", 100, false)
	if err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	second, err := service.PrepareWithdrawal(context.Background(), 1, "dest-addr", 200, false)
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if _, err := service.ConfirmWithdrawal(context.Background(), 1, first.ID); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("superseded quote confirm: got %v, want ErrWithdrawalNotFound", err)
	}
	if _, err := service.ConfirmWithdrawal(context.Background(), 1, second.ID); err != nil {
		t.Fatalf("current quote confirm: %v", err)
	}
}

func TestWithdrawalErrorClassification(t *testing.T) {
	repo := newFakeRepository()
	wallet := newFakeWallet()
	wallet.prepareErr = &walletrpc.RPCError{Code: -2, Message: "Invalid destination address"}
	service := newTestService(repo, wallet, newFakeNotifier(), &fakePublisher{}, nil)
	service.GetOrCreateAccount(context.Background(), 1)

	if _, err := service.PrepareWithdrawal(context.Background(), 1, "garbage", 100, false); !errors.Is(err, walletrpc.ErrInvalidDestination) {
		t.Fatalf("got %v, want ErrInvalidDestination", err)
	}

	if _, err := service.PrepareWithdrawal(context.Background(), 1, "", 100, false); !errors.Is(err, walletrpc.ErrInvalidDestination) {
		t.Fatalf("empty address: got %v, want ErrInvalidDestination", err)
	}
	if _, err := service.PrepareWithdrawal(context.Background(), 1, "dest", 0, false); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := service.ConfirmWithdrawal(context.Background(), 1, uuid.New()); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("unknown quote: got %v, want ErrWithdrawalNotFound", err)
	}
}
