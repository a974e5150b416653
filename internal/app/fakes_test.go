package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xmrtipbot/custody-service/internal/domain"
	"github.com/xmrtipbot/custody-service/internal/store"
	"github.com/xmrtipbot/custody-service/pkg/chatclient"
	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

// fakeRepository is an in-memory store.Repository for service tests.
type fakeRepository struct {
	mu        sync.Mutex
	accounts  map[int64]*domain.Account
	byIndex   map[uint64]int64
	deposits  map[string]domain.Deposit
	transfers []domain.Transfer
	activity  []domain.ActivityEntry
	nextID    int64

	createAccountErr error
	// failCreateOnce makes the next CreateAccount report a uniqueness
	// conflict after silently registering a competing row, simulating a
	// lost allocation race.
	failCreateOnce bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts: make(map[int64]*domain.Account),
		byIndex:  make(map[uint64]int64),
		deposits: make(map[string]domain.Deposit),
	}
}

func (f *fakeRepository) addAccount(identity int64, accountIndex uint64) *domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	account := &domain.Account{
		ID:           f.nextID,
		Identity:     identity,
		AccountIndex: accountIndex,
		ListPage:     1,
		CreatedAt:    time.Now().UTC(),
	}
	f.accounts[identity] = account
	f.byIndex[accountIndex] = identity
	return account
}

func (f *fakeRepository) FindAccountByIdentity(ctx context.Context, identity int64) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[identity]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (f *fakeRepository) FindAccountByIndex(ctx context.Context, accountIndex uint64) (*domain.Account, error) {
	f.mu.Lock()
	identity, ok := f.byIndex[accountIndex]
	f.mu.Unlock()
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return f.FindAccountByIdentity(ctx, identity)
}

func (f *fakeRepository) CreateAccount(ctx context.Context, identity int64, accountIndex uint64) (*domain.Account, error) {
	if f.createAccountErr != nil {
		return nil, f.createAccountErr
	}
	f.mu.Lock()
	if f.failCreateOnce {
		f.failCreateOnce = false
		f.nextID++
		winner := &domain.Account{ID: f.nextID, Identity: identity, AccountIndex: accountIndex + 1000, ListPage: 1, CreatedAt: time.Now().UTC()}
		f.accounts[identity] = winner
		f.byIndex[winner.AccountIndex] = identity
		f.mu.Unlock()
		return nil, store.ErrAccountExists
	}
	if _, exists := f.accounts[identity]; exists {
		f.mu.Unlock()
		return nil, store.ErrAccountExists
	}
	f.mu.Unlock()
	return f.addAccount(identity, accountIndex), nil
}

func (f *fakeRepository) SetTipAddress(ctx context.Context, identity int64, address *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[identity]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.TipAddress = address
	return nil
}

func (f *fakeRepository) SetListPage(ctx context.Context, identity int64, page int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.accounts[identity]; ok {
		account.ListPage = page
	}
	return nil
}

func (f *fakeRepository) UpdateCachedBalance(ctx context.Context, identity int64, balanceAtomic int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.accounts[identity]; ok {
		account.CachedBalanceAtomic = balanceAtomic
	}
	return nil
}

func (f *fakeRepository) RecordConfirmedDeposit(ctx context.Context, deposit domain.Deposit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.deposits[deposit.TxHash]; exists {
		return store.ErrDepositExists
	}
	identity, ok := f.byIndex[deposit.AccountIndex]
	if !ok {
		return store.ErrAccountNotFound
	}
	f.deposits[deposit.TxHash] = deposit
	f.accounts[identity].CachedBalanceAtomic += deposit.AmountAtomic
	return nil
}

func (f *fakeRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, *transfer)
	return nil
}

func (f *fakeRepository) RecordActivity(ctx context.Context, entry domain.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, entry)
	return nil
}

func (f *fakeRepository) EligibleRecipients(ctx context.Context, chatID, exclude int64, since time.Time) ([]domain.EligibleRecipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]bool)
	var pool []domain.EligibleRecipient
	for i := len(f.activity) - 1; i >= 0; i-- {
		entry := f.activity[i]
		if entry.ChatID != chatID || entry.Identity == exclude || entry.OccurredAt.Before(since) || seen[entry.Identity] {
			continue
		}
		seen[entry.Identity] = true
		pool = append(pool, domain.EligibleRecipient{
			Identity:    entry.Identity,
			DisplayName: entry.DisplayName,
			LastActive:  entry.OccurredAt,
		})
	}
	return pool, nil
}

func (f *fakeRepository) PruneActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []domain.ActivityEntry
	var pruned int64
	for _, entry := range f.activity {
		if entry.OccurredAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	f.activity = kept
	return pruned, nil
}

// fakeWallet is an in-memory WalletEngine. Sub-accounts are allocated
// sequentially; prepared transfers are remembered until relayed.
type fakeWallet struct {
	mu          sync.Mutex
	nextAccount uint64
	addresses   map[uint64][]string
	balances    map[uint64]walletrpc.Balance
	transfers   []walletrpc.TransferEntry

	prepareErr   error
	relayErr     error
	lastPrepared *walletrpc.TransferRequest
	prepared     map[string]string // tx hash -> metadata
	relayed      []string
	txCounter    int
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		addresses: make(map[uint64][]string),
		balances:  make(map[uint64]walletrpc.Balance),
		prepared:  make(map[string]string),
	}
}

func (f *fakeWallet) CreateAccount(ctx context.Context) (uint64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.nextAccount
	f.nextAccount++
	base := fmt.Sprintf("addr-%d-0", index)
	f.addresses[index] = []string{base}
	return index, base, nil
}

func (f *fakeWallet) Addresses(ctx context.Context, accountIndex uint64) ([]walletrpc.Subaddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []walletrpc.Subaddress
	for i, addr := range f.addresses[accountIndex] {
		out = append(out, walletrpc.Subaddress{Address: addr, AddressIndex: uint64(i)})
	}
	return out, nil
}

func (f *fakeWallet) AddressAt(ctx context.Context, accountIndex, addressIndex uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.addresses[accountIndex]
	if int(addressIndex) < len(list) {
		return list[addressIndex], nil
	}
	return fmt.Sprintf("addr-%d-%d", accountIndex, addressIndex), nil
}

func (f *fakeWallet) CreateAddress(ctx context.Context, accountIndex uint64) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := uint64(len(f.addresses[accountIndex]))
	addr := fmt.Sprintf("addr-%d-%d", accountIndex, index)
	f.addresses[accountIndex] = append(f.addresses[accountIndex], addr)
	return addr, index, nil
}

func (f *fakeWallet) GetBalance(ctx context.Context, accountIndex uint64) (*walletrpc.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance := f.balances[accountIndex]
	return &balance, nil
}

func (f *fakeWallet) GetTransfers(ctx context.Context) ([]walletrpc.TransferEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]walletrpc.TransferEntry(nil), f.transfers...), nil
}

func (f *fakeWallet) GetTransferByTxID(ctx context.Context, txID string) (*walletrpc.TransferEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.transfers {
		if entry.TxID == txID {
			copied := entry
			return &copied, nil
		}
	}
	return nil, &walletrpc.RPCError{Code: -8, Message: "transaction not found"}
}

func (f *fakeWallet) Refresh(ctx context.Context) error { return nil }
func (f *fakeWallet) Store(ctx context.Context) error   { return nil }

func (f *fakeWallet) PrepareTransfer(ctx context.Context, req walletrpc.TransferRequest) (*walletrpc.PreparedTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	copied := req
	f.lastPrepared = &copied
	f.txCounter++
	hash := fmt.Sprintf("tx-%d", f.txCounter)
	metadata := "meta-" + hash
	f.prepared[hash] = metadata

	var total uint64
	for _, dest := range req.Destinations {
		total += dest.AmountAtomic
	}
	if req.SweepAll {
		total = f.balances[req.AccountIndex].Unlocked
	}
	return &walletrpc.PreparedTransfer{
		TxHash:       hash,
		AmountAtomic: total,
		FeeAtomic:    1_000_000,
		Metadata:     metadata,
	}, nil
}

func (f *fakeWallet) Relay(ctx context.Context, metadata string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relayErr != nil {
		return "", f.relayErr
	}
	for hash, meta := range f.prepared {
		if meta == metadata {
			f.relayed = append(f.relayed, hash)
			return hash, nil
		}
	}
	return "", &walletrpc.RPCError{Code: -1, Message: "unknown metadata"}
}

// fakeNotifier records delivered messages and can simulate unreachable
// identities.
type fakeNotifier struct {
	mu          sync.Mutex
	sent        map[int64][]string
	unreachable map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[int64][]string), unreachable: make(map[int64]bool)}
}

func (f *fakeNotifier) SendMessage(ctx context.Context, identity int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[identity] {
		return &chatclient.DeliveryError{StatusCode: 403, Description: "Forbidden: bot can't initiate conversation with a user"}
	}
	f.sent[identity] = append(f.sent[identity], text)
	return nil
}

func (f *fakeNotifier) messagesFor(identity int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[identity]...)
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) withKey(routingKey string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, event := range f.events {
		if event.routingKey == routingKey {
			out = append(out, event)
		}
	}
	return out
}

// fakeLimiter counts consumptions per scope:subject key.
type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{counts: make(map[string]int)}
}

func (f *fakeLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	key := scope + ":" + subject
	f.counts[key]++
	return f.counts[key], 1, nil
}

func newTestService(repo *fakeRepository, wallet *fakeWallet, notifier *fakeNotifier, publisher *fakePublisher, limiter RateLimiter) *Service {
	return NewService(repo, wallet, notifier, publisher, limiter, Options{
		EventExchange:          "custody_events",
		TransferPriority:       1,
		ActivityRetention:      48 * time.Hour,
		WithdrawalConfirmTTL:   5 * time.Minute,
		TipRateLimitPerMinute:  12,
		RainRateLimitPerMinute: 3,
	})
}

func walletBalance(total, unlocked uint64) walletrpc.Balance {
	return walletrpc.Balance{Total: total, Unlocked: unlocked}
}

func incomingEntry(txHash string, accountIndex uint64, amount uint64, confirmations uint64) walletrpc.TransferEntry {
	entry := walletrpc.TransferEntry{
		TxID:          txHash,
		Type:          "in",
		Amount:        amount,
		Confirmations: confirmations,
		Timestamp:     time.Now().Unix(),
	}
	entry.SubaddrIndex.Major = accountIndex
	return entry
}
