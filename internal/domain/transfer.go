package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transfer kinds. A rain produces one record per recipient.
const (
	TransferKindTip  = "tip"
	TransferKindRain = "rain"
)

// Transfer is one row of the append-only audit log for internal
// disbursements (tips and rain shares). Rows are never mutated after
// insertion.
type Transfer struct {
	ID                uuid.UUID `json:"id"`
	TxID              string    `json:"tx_id"`
	SenderIdentity    int64     `json:"sender_identity"`
	RecipientIdentity int64     `json:"recipient_identity"`
	AmountAtomic      int64     `json:"amount_atomic"`
	Kind              string    `json:"kind"`
	CreatedAt         time.Time `json:"created_at"`
}
