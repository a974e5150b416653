package domain

import "time"

// ActivityEntry is one observed chat message. The rolling activity log is
// the only input to rain eligibility and is pruned past the retention
// window.
type ActivityEntry struct {
	ChatID      int64     `json:"chat_id"`
	Identity    int64     `json:"identity"`
	MessageID   int64     `json:"message_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	DisplayName string    `json:"display_name"`
}

// EligibleRecipient is a distinct identity whose latest activity in a chat
// falls inside the retention window, carrying its most recent display name.
type EligibleRecipient struct {
	Identity    int64     `json:"identity"`
	DisplayName string    `json:"display_name"`
	LastActive  time.Time `json:"last_active"`
}
