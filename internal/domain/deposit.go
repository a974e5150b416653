package domain

import "time"

// Deposit statuses mirror the wallet engine's view of an incoming transfer.
const (
	DepositStatusPending   = "pending"
	DepositStatusConfirmed = "confirmed"
	DepositStatusFailed    = "failed"
)

// Deposit is one row of the idempotency ledger for ingested on-chain
// deposits. TxHash is the natural unique key: a deposit is credited at most
// once no matter how many poll cycles observe it.
type Deposit struct {
	TxHash       string    `json:"tx_hash"`
	AccountIndex uint64    `json:"account_index"`
	AmountAtomic int64     `json:"amount_atomic"`
	OccurredAt   time.Time `json:"occurred_at"`
	Status       string    `json:"status"`
	RecordedAt   time.Time `json:"recorded_at"`
}
