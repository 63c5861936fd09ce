package chatsync

import (
	"fmt"

	"go.uber.org/zap"
)

// Promoter readdresses a placeholder conversation to its server id.
type Promoter struct {
	store    *ConversationStore
	surfaces []*Surface
	perms    *PermissionScheduler
	seen     *seenMarker
	events   *emitter
	logger   *zap.Logger
}

// Promote rewrites everything addressed by oldID to newID: metadata and
// alias, queued receipts, draft previews, retry payloads, window state and
// the runtimes of both surfaces. It runs with the engine loop held so the
// change is observed all at once, and it happens at most once per
// placeholder; later calls report false.
func (p *Promoter) Promote(oldID, newID string) (bool, error) {
	if newID == "" || oldID == newID {
		return false, nil
	}
	if !IsPlaceholderID(oldID) {
		return false, fmt.Errorf("promote %s: not a placeholder id", oldID)
	}
	if p.store.Promoted(oldID) {
		return false, nil
	}

	p.store.rename(oldID, newID)
	p.store.Seen.Rename(oldID, newID)
	p.store.Blobs.RenameScope(DraftScope(oldID), DraftScope(newID))
	p.store.Outbox.Rename(oldID, newID)
	if err := p.store.UI.Rename(oldID, newID); err != nil {
		p.logger.Warn("window_state_rename_failed",
			zap.String("old_id", oldID), zap.String("new_id", newID), zap.Error(err))
	}
	for _, s := range p.surfaces {
		s.rebindLocked(oldID, newID)
	}
	if p.perms != nil {
		p.perms.Rename(oldID, newID)
	}
	if p.seen != nil {
		p.seen.Rename(oldID, newID)
	}

	p.logger.Info("conversation_promoted", zap.String("old_id", oldID), zap.String("new_id", newID))
	p.events.emit(EventConversationPromoted, PromotionPayload{OldID: oldID, NewID: newID})
	return true, nil
}
