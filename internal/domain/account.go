/**
 * @description
 * This file defines the persisted account model. Each external chat identity
 * owns exactly one wallet sub-account; the binding is created once and never
 * changed afterwards.
 *
 * @dependencies
 * - time: Standard Go library.
 */

package domain

import "time"

// Account binds an external chat identity to a wallet sub-account.
//
// CachedBalanceAtomic is a display hint only. The wallet engine's live
// balance query is the authoritative source everywhere funds are validated.
type Account struct {
	ID                  int64     `json:"id"`
	Identity            int64     `json:"identity"`
	AccountIndex        uint64    `json:"account_index"`
	TipAddress          *string   `json:"tip_address,omitempty"`
	CachedBalanceAtomic int64     `json:"cached_balance_atomic"`
	ListPage            int       `json:"list_page"`
	CreatedAt           time.Time `json:"created_at"`
}
