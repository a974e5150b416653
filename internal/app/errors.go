package app

import "errors"

// User-visible failure classes. Handlers map these to responses the bot
// frontend can show directly; everything else is logged with raw detail and
// surfaced as a generic failure.
var (
	ErrNotRegistered         = errors.New("identity has no account")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidRecipientCount = errors.New("invalid recipient count")
	ErrSelfTip               = errors.New("cannot tip yourself")
	ErrGroupChatOnly         = errors.New("command only available in group chats")
	ErrNoEligibleRecipients  = errors.New("no eligible recipients in chat")
	ErrWithdrawalNotFound    = errors.New("no pending withdrawal")
	ErrWithdrawalExpired     = errors.New("pending withdrawal expired")
	ErrRateLimited           = errors.New("rate limited")
)
