/**
 * @description
 * This file contains the core business logic for the custody service. The
 * `Service` struct orchestrates account allocation, balance queries,
 * receiving-address management and history views, coordinating between the
 * database repository, the wallet engine and the chat delivery client.
 *
 * Key invariants enforced here:
 * - One wallet sub-account per external identity, bound once and never
 *   changed (uniqueness constraint plus read-on-conflict).
 * - Every mutating wallet engine call is serialized through a single mutex
 *   shared with the deposit reconciler; the engine handle is not safe for
 *   concurrent mutation.
 * - The wallet engine's live balance query is authoritative; the cached
 *   balance column is a display hint only.
 *
 * @dependencies
 * - context, errors, fmt, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For transfer record ids.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/walletrpc, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xmrtipbot/custody-service/internal/domain"
	"github.com/xmrtipbot/custody-service/internal/money"
	"github.com/xmrtipbot/custody-service/internal/store"
	"github.com/xmrtipbot/custody-service/pkg/chatclient"
	"github.com/xmrtipbot/custody-service/pkg/rabbitmq"
	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

// WalletEngine is the capability surface the service consumes from the
// wallet engine. Calls that mutate wallet state must only be made while
// holding the service's wallet mutex.
type WalletEngine interface {
	CreateAccount(ctx context.Context) (uint64, string, error)
	Addresses(ctx context.Context, accountIndex uint64) ([]walletrpc.Subaddress, error)
	AddressAt(ctx context.Context, accountIndex, addressIndex uint64) (string, error)
	CreateAddress(ctx context.Context, accountIndex uint64) (string, uint64, error)
	GetBalance(ctx context.Context, accountIndex uint64) (*walletrpc.Balance, error)
	GetTransfers(ctx context.Context) ([]walletrpc.TransferEntry, error)
	GetTransferByTxID(ctx context.Context, txID string) (*walletrpc.TransferEntry, error)
	Refresh(ctx context.Context) error
	Store(ctx context.Context) error
	PrepareTransfer(ctx context.Context, req walletrpc.TransferRequest) (*walletrpc.PreparedTransfer, error)
	Relay(ctx context.Context, metadata string) (string, error)
}

// Notifier delivers out-of-band messages to identities. Delivery is always
// best-effort; failures never propagate past the service.
type Notifier interface {
	SendMessage(ctx context.Context, identity int64, text string) error
}

// RateLimiter bounds how often a subject may run a scope's operation.
// A nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count, retryAfterSeconds int, err error)
}

// ChatContext identifies where a command was issued. Tip and rain only
// operate inside multi-party chats.
type ChatContext struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// IsGroup reports whether the chat is a multi-party context.
func (c ChatContext) IsGroup() bool {
	return c.Type == "group" || c.Type == "supergroup"
}

// Options carries the tunables the service needs from configuration.
type Options struct {
	EventExchange          string
	TransferPriority       uint
	ActivityRetention      time.Duration
	WithdrawalConfirmTTL   time.Duration
	TipRateLimitPerMinute  int
	RainRateLimitPerMinute int
}

// Service provides the core business logic for the custody service.
type Service struct {
	repo     store.Repository
	wallet   WalletEngine
	notifier Notifier
	events   rabbitmq.Publisher
	limiter  RateLimiter
	opts     Options

	// walletMu serializes every mutating wallet engine call across the
	// command path and the deposit reconciler.
	walletMu sync.Mutex

	pending *pendingWithdrawals
}

// NewService creates a new custody service instance.
func NewService(repo store.Repository, wallet WalletEngine, notifier Notifier, events rabbitmq.Publisher, limiter RateLimiter, opts Options) *Service {
	if opts.ActivityRetention <= 0 {
		opts.ActivityRetention = 48 * time.Hour
	}
	if opts.WithdrawalConfirmTTL <= 0 {
		opts.WithdrawalConfirmTTL = 5 * time.Minute
	}
	if opts.EventExchange == "" {
		opts.EventExchange = "custody_events"
	}
	return &Service{
		repo:     repo,
		wallet:   wallet,
		notifier: notifier,
		events:   events,
		limiter:  limiter,
		opts:     opts,
		pending:  newPendingWithdrawals(opts.WithdrawalConfirmTTL),
	}
}

// GetOrCreateAccount returns the account bound to an identity, allocating a
// wallet sub-account on first contact. Two racing first-contact calls both
// reach the insert; the identity uniqueness constraint rejects the loser,
// which then reuses the winner's row. The loser's wallet-side sub-account
// is orphaned and deliberately not retried: a retry could bind one identity
// to two sub-accounts.
func (s *Service) GetOrCreateAccount(ctx context.Context, identity int64) (*domain.Account, error) {
	account, err := s.repo.FindAccountByIdentity(ctx, identity)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, fmt.Errorf("find account: %w", err)
	}

	s.walletMu.Lock()
	accountIndex, _, walletErr := s.wallet.CreateAccount(ctx)
	if walletErr == nil {
		if storeErr := s.wallet.Store(ctx); storeErr != nil {
			log.Printf("level=warn component=service msg=\"wallet store after account creation failed\" identity=%d err=%v", identity, storeErr)
		}
	}
	s.walletMu.Unlock()
	if walletErr != nil {
		return nil, fmt.Errorf("allocate sub-account: %w", walletErr)
	}

	account, err = s.repo.CreateAccount(ctx, identity, accountIndex)
	if err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			log.Printf("level=info component=service msg=\"lost get-or-create race; reusing winner\" identity=%d orphaned_index=%d", identity, accountIndex)
			return s.repo.FindAccountByIdentity(ctx, identity)
		}
		log.Printf("level=error component=service msg=\"account persist failed; sub-account orphaned\" identity=%d account_index=%d err=%v", identity, accountIndex, err)
		return nil, fmt.Errorf("persist account: %w", err)
	}
	return account, nil
}

// AccountBalance is the live balance view shown to users.
type AccountBalance struct {
	TotalAtomic    int64 `json:"total_atomic"`
	UnlockedAtomic int64 `json:"unlocked_atomic"`
	LockedAtomic   int64 `json:"locked_atomic"`
}

// Balance queries the wallet engine's live balance for an identity and
// refreshes the advisory cached column.
func (s *Service) Balance(ctx context.Context, identity int64) (*AccountBalance, error) {
	account, err := s.requireAccount(ctx, identity)
	if err != nil {
		return nil, err
	}
	balance, err := s.wallet.GetBalance(ctx, account.AccountIndex)
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}

	result := &AccountBalance{
		TotalAtomic:    int64(balance.Total),
		UnlockedAtomic: int64(balance.Unlocked),
		LockedAtomic:   int64(balance.Total - balance.Unlocked),
	}
	if cacheErr := s.repo.UpdateCachedBalance(ctx, identity, result.TotalAtomic); cacheErr != nil {
		log.Printf("level=warn component=service msg=\"cached balance update failed\" identity=%d err=%v", identity, cacheErr)
	}
	return result, nil
}

// DepositAddress returns the identity's current receiving address (the
// latest allocated address index).
func (s *Service) DepositAddress(ctx context.Context, identity int64) (string, error) {
	account, err := s.requireAccount(ctx, identity)
	if err != nil {
		return "", err
	}
	return s.currentAddress(ctx, account.AccountIndex)
}

// NewDepositAddress rotates the identity's receiving address on request.
func (s *Service) NewDepositAddress(ctx context.Context, identity int64) (string, error) {
	account, err := s.requireAccount(ctx, identity)
	if err != nil {
		return "", err
	}

	s.walletMu.Lock()
	defer s.walletMu.Unlock()
	address, _, err := s.wallet.CreateAddress(ctx, account.AccountIndex)
	if err != nil {
		return "", fmt.Errorf("create address: %w", err)
	}
	if storeErr := s.wallet.Store(ctx); storeErr != nil {
		log.Printf("level=warn component=service msg=\"wallet store after address rotation failed\" identity=%d err=%v", identity, storeErr)
	}
	return address, nil
}

// SetTipAddress sets the owner's override destination for incoming tips.
func (s *Service) SetTipAddress(ctx context.Context, identity int64, address string) error {
	if address == "" {
		return walletrpc.ErrInvalidDestination
	}
	if _, err := s.requireAccount(ctx, identity); err != nil {
		return err
	}
	return s.repo.SetTipAddress(ctx, identity, &address)
}

// ClearTipAddress removes the override; tips fall back to the default
// receiving address.
func (s *Service) ClearTipAddress(ctx context.Context, identity int64) error {
	if _, err := s.requireAccount(ctx, identity); err != nil {
		return err
	}
	return s.repo.SetTipAddress(ctx, identity, nil)
}

// TipAddress returns the override, or empty when none is set.
func (s *Service) TipAddress(ctx context.Context, identity int64) (string, error) {
	account, err := s.requireAccount(ctx, identity)
	if err != nil {
		return "", err
	}
	if account.TipAddress == nil {
		return "", nil
	}
	return *account.TipAddress, nil
}

func (s *Service) requireAccount(ctx context.Context, identity int64) (*domain.Account, error) {
	account, err := s.repo.FindAccountByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	return account, nil
}

// currentAddress resolves the latest-index receiving address of a
// sub-account, falling back to index 0 for a fresh account.
func (s *Service) currentAddress(ctx context.Context, accountIndex uint64) (string, error) {
	addresses, err := s.wallet.Addresses(ctx, accountIndex)
	if err != nil {
		return "", fmt.Errorf("list addresses: %w", err)
	}
	if len(addresses) == 0 {
		return s.wallet.AddressAt(ctx, accountIndex, 0)
	}
	return addresses[len(addresses)-1].Address, nil
}

// tipDestination resolves where funds for a recipient account go: the
// owner-set tip address when present, else the default receiving address at
// index 0.
func (s *Service) tipDestination(ctx context.Context, account *domain.Account) (string, error) {
	if account.TipAddress != nil && *account.TipAddress != "" {
		return *account.TipAddress, nil
	}
	return s.wallet.AddressAt(ctx, account.AccountIndex, 0)
}

// notify delivers a best-effort message. Unreachable identities (never
// initiated contact) are expected and logged quietly; other failures are
// logged with detail. Nothing is ever surfaced to the caller.
func (s *Service) notify(ctx context.Context, identity int64, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendMessage(ctx, identity, text); err != nil {
		if chatclient.IsUnreachable(err) {
			log.Printf("level=info component=service msg=\"identity unreachable; notification skipped\" identity=%d", identity)
			return
		}
		log.Printf("level=warn component=service msg=\"notification delivery failed\" identity=%d err=%v", identity, err)
	}
}

// publish emits a best-effort event. Broker trouble never affects the
// ledger write it follows.
func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, s.opts.EventExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

// consumeLimit applies the per-sender rate limit for a scope. Limiter
// errors fail open: limiting is protection, not correctness.
func (s *Service) consumeLimit(ctx context.Context, scope string, identity int64, limit int) error {
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, fmt.Sprintf("%d", identity), limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service msg=\"rate limiter unavailable; failing open\" scope=%s err=%v", scope, err)
		return nil
	}
	if count > limit {
		log.Printf("level=info component=service msg=\"rate limited\" scope=%s identity=%d retry_after_s=%d", scope, identity, retryAfter)
		return ErrRateLimited
	}
	return nil
}

// formatAtomic renders an atomic amount for user-facing messages.
func formatAtomic(atomic int64) string {
	return money.FormatAmount(atomic)
}
