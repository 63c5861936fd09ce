package chatsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ============================================================================
// Group administration
// ============================================================================

type adminCall func(ctx context.Context, conversationID, accountID string) (*AdminResult, error)

// AssignAdmin makes accountID an admin.
func (e *Engine) AssignAdmin(ctx context.Context, conversationID, accountID string) error {
	if e.admin == nil {
		return errNoAdminClient
	}
	return e.adminAction(ctx, "assign_admin", conversationID, accountID, e.admin.AssignAdmin, func(c *Conversation) {
		setMemberRole(c, accountID, RoleAdmin)
		if accountID == e.cfg.SelfID {
			role := RoleAdmin
			c.ExplicitRole = &role
		}
	})
}

// RevokeAdmin makes accountID a plain member.
func (e *Engine) RevokeAdmin(ctx context.Context, conversationID, accountID string) error {
	if e.admin == nil {
		return errNoAdminClient
	}
	return e.adminAction(ctx, "revoke_admin", conversationID, accountID, e.admin.RevokeAdmin, func(c *Conversation) {
		setMemberRole(c, accountID, RoleMember)
		if accountID == e.cfg.SelfID {
			role := RoleMember
			c.ExplicitRole = &role
		}
	})
}

// TransferOwnership hands the group to accountID. The previous owner stays
// an admin.
func (e *Engine) TransferOwnership(ctx context.Context, conversationID, accountID string) error {
	if e.admin == nil {
		return errNoAdminClient
	}
	return e.adminAction(ctx, "transfer_ownership", conversationID, accountID, e.admin.TransferOwnership, func(c *Conversation) {
		if prev := c.Owner; prev != "" {
			setMemberRole(c, prev, RoleAdmin)
			if prev == e.cfg.SelfID {
				role := RoleAdmin
				c.ExplicitRole = &role
			}
		}
		c.Owner = accountID
		setMemberRole(c, accountID, RoleAdmin)
	})
}

// Kick removes accountID from the group.
func (e *Engine) Kick(ctx context.Context, conversationID, accountID string) error {
	if e.admin == nil {
		return errNoAdminClient
	}
	return e.adminAction(ctx, "kick", conversationID, accountID, e.admin.Kick, func(c *Conversation) {
		c.RemoveMember(accountID)
	})
}

func setMemberRole(c *Conversation, accountID string, role Role) {
	if m, ok := c.Member(accountID); ok {
		m.Role = role
	}
}

// adminAction applies the optimistic update, calls the server and then
// schedules a refresh so the local guess is replaced by server truth.
func (e *Engine) adminAction(ctx context.Context, op, conversationID, accountID string, call adminCall, optimistic func(c *Conversation)) error {
	e.loop.Lock()
	id := e.store.Resolve(conversationID)
	err := e.store.Update(id, func(c *Conversation) {
		optimistic(c)
		c.CurrentUserRole = ComputeRole(c, e.cfg.SelfID)
	})
	if err != nil {
		e.loop.Unlock()
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	e.emitUpdatedLocked(id)
	e.loop.Unlock()

	res, err := call(ctx, id, accountID)
	if err != nil {
		e.logger.Warn("admin_action_failed", zap.String("op", op),
			zap.String("conversation", id), zap.String("account_id", accountID), zap.Error(err))
		if IsUnavailable(err) {
			e.loop.Lock()
			e.unavailableLocked(id, err)
			e.loop.Unlock()
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
		// Let the refresh undo the optimistic change.
		e.perms.Schedule(id, ScheduleOptions{Immediate: true})
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if res != nil && res.Meta != nil {
		e.loop.Lock()
		e.applyMetaLocked(e.store.Resolve(id), res.Meta)
		e.loop.Unlock()
	}
	e.perms.Schedule(id, ScheduleOptions{})
	return nil
}

// RefreshPermissions refreshes group metadata now, sharing any refresh
// already in flight.
func (e *Engine) RefreshPermissions(ctx context.Context, conversationID string) (*Conversation, error) {
	return e.perms.Refresh(ctx, e.store.Resolve(conversationID))
}

func (e *Engine) fetchGroupInfo(ctx context.Context, conversationID string) (*Conversation, error) {
	if e.admin == nil {
		return nil, errNoAdminClient
	}
	return e.admin.GroupInfo(ctx, conversationID)
}

func (e *Engine) applyRefreshed(conversationID string, meta *Conversation) {
	e.loop.Lock()
	defer e.loop.Unlock()
	id := e.store.Resolve(conversationID)
	if _, ok := e.store.Conversation(id); !ok {
		// Evicted while the refresh was running.
		return
	}
	e.applyMetaLocked(id, meta)
}

func (e *Engine) refreshFailed(conversationID string, err error) {
	if !IsUnavailable(err) {
		return
	}
	e.loop.Lock()
	defer e.loop.Unlock()
	e.unavailableLocked(e.store.Resolve(conversationID), err)
}
