/**
 * @description
 * Chat activity tracking. Messages observed in group chats feed the
 * eligibility pool for rain; a scheduled prune keeps only the retention
 * window's worth of entries so the pool query stays small and stale
 * members fall out of eligibility.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xmrtipbot/custody-service/internal/domain"
)

// RecordActivity notes that an identity was active in a chat. Non-group
// chats are ignored: private messages never make anyone rain-eligible.
func (s *Service) RecordActivity(ctx context.Context, chat ChatContext, identity int64, messageID int64, displayName string) error {
	if !chat.IsGroup() {
		return nil
	}
	entry := domain.ActivityEntry{
		ChatID:      chat.ID,
		Identity:    identity,
		MessageID:   messageID,
		OccurredAt:  time.Now().UTC(),
		DisplayName: displayName,
	}
	if err := s.repo.RecordActivity(ctx, entry); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// PruneActivity drops activity entries older than the retention window.
func (s *Service) PruneActivity(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.opts.ActivityRetention)
	pruned, err := s.repo.PruneActivity(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	if pruned > 0 {
		log.Printf("level=info component=service msg=\"activity pruned\" removed=%d cutoff=%s", pruned, cutoff.Format(time.RFC3339))
	}
	return pruned, nil
}
