package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Roles
// ============================================================================

// ComputeRole derives the current account's role. Ownership wins over any
// cached explicit role; an explicit role from the server wins over the
// membership scan.
func ComputeRole(c *Conversation, selfID string) Role {
	if c == nil {
		return RoleMember
	}
	if c.Owner != "" && c.Owner == selfID {
		return RoleAdmin
	}
	if c.ExplicitRole != nil {
		return *c.ExplicitRole
	}
	if m, ok := c.Member(selfID); ok {
		return m.Role
	}
	return RoleMember
}

// mergeMeta copies the fields a metadata snapshot carries onto dst.
func mergeMeta(dst, meta *Conversation) {
	if meta == nil {
		return
	}
	dst.IsGroup = dst.IsGroup || meta.IsGroup
	if meta.Theme != nil {
		theme := *meta.Theme
		dst.Theme = &theme
	}
	if meta.Owner != "" {
		dst.Owner = meta.Owner
	}
	if meta.ExplicitRole != nil {
		role := *meta.ExplicitRole
		dst.ExplicitRole = &role
	} else if meta.Members != nil {
		// A full snapshot without a role field invalidates a cached one.
		dst.ExplicitRole = nil
	}
	if meta.Members != nil {
		dst.Members = nil
		for _, m := range meta.Members {
			dst.UpsertMember(m)
		}
	}
	for _, st := range meta.MemberSeen {
		dst.SetSeen(st.AccountID, st.LastSeenMessageID)
	}
}

var cosmeticKeywords = []string{"nickname", "theme", "pinned", "renamed", "changed the group name"}

// IsStructuralSystem reports whether a system message changes membership,
// ownership or admin rights. Cosmetic notices are excluded by action code,
// or by content when the action code is unknown.
func IsStructuralSystem(evt IncomingMessage) bool {
	if !evt.System {
		return false
	}
	switch evt.Action {
	case ActionMemberAdded, ActionMemberRemoved, ActionMemberLeft,
		ActionAdminAssigned, ActionAdminRevoked, ActionOwnershipTransferred:
		return true
	case ActionNicknameChanged, ActionThemeChanged, ActionMessagePinned, ActionGroupRenamed:
		return false
	}
	content := strings.ToLower(evt.Content)
	for _, kw := range cosmeticKeywords {
		if strings.Contains(content, kw) {
			return false
		}
	}
	return true
}

// ============================================================================
// PermissionScheduler
// ============================================================================

// ScheduleOptions tune one Schedule call. Immediate skips the debounce.
type ScheduleOptions struct {
	Delay     time.Duration
	Immediate bool
}

// RefreshFunc fetches fresh group metadata.
type RefreshFunc func(ctx context.Context, conversationID string) (*Conversation, error)

// ApplyFunc installs refreshed metadata.
type ApplyFunc func(conversationID string, meta *Conversation)

// PermissionScheduler debounces and deduplicates group metadata refreshes.
// It is shared by both surfaces.
type PermissionScheduler struct {
	debounce time.Duration
	timeout  time.Duration
	fetch    RefreshFunc
	apply    ApplyFunc
	fail     func(conversationID string, err error)
	logger   *zap.Logger
	metrics  *Metrics

	group singleflight.Group

	mu       sync.Mutex
	timers   map[string]*scheduled
	inFlight map[string]int
	seq      uint64
	stopped  bool
}

type scheduled struct {
	timer *time.Timer
	seq   uint64
}

func NewPermissionScheduler(debounce time.Duration, fetch RefreshFunc, apply ApplyFunc, logger *zap.Logger, metrics *Metrics) *PermissionScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionScheduler{
		debounce: debounce,
		timeout:  15 * time.Second,
		fetch:    fetch,
		apply:    apply,
		logger:   logger,
		metrics:  metrics,
		timers:   make(map[string]*scheduled),
		inFlight: make(map[string]int),
	}
}

// Schedule requests a refresh. Requests for the same conversation inside
// the debounce window collapse into one.
func (p *PermissionScheduler) Schedule(conversationID string, opts ScheduleOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	delay := p.debounce
	if opts.Delay > 0 {
		delay = opts.Delay
	}
	if opts.Immediate {
		delay = 0
	}
	if prev, ok := p.timers[conversationID]; ok {
		prev.timer.Stop()
		p.count("coalesced")
	}
	p.seq++
	seq := p.seq
	p.timers[conversationID] = &scheduled{
		seq:   seq,
		timer: time.AfterFunc(delay, func() { p.fire(conversationID, seq) }),
	}
}

func (p *PermissionScheduler) fire(conversationID string, seq uint64) {
	p.mu.Lock()
	if cur, ok := p.timers[conversationID]; !ok || cur.seq != seq || p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.timers, conversationID)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.Refresh(ctx, conversationID); err != nil {
		p.logger.Warn("permission_refresh_failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}

// Refresh fetches and applies metadata now. Concurrent calls for the same
// conversation share one network request.
func (p *PermissionScheduler) Refresh(ctx context.Context, conversationID string) (*Conversation, error) {
	v, err, shared := p.group.Do(conversationID, func() (interface{}, error) {
		p.mu.Lock()
		p.inFlight[conversationID]++
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			if p.inFlight[conversationID]--; p.inFlight[conversationID] <= 0 {
				delete(p.inFlight, conversationID)
			}
			p.mu.Unlock()
		}()

		meta, err := p.fetch(ctx, conversationID)
		if err != nil {
			p.count("error")
			if p.fail != nil {
				p.fail(conversationID, err)
			}
			return nil, err
		}
		p.count("ok")
		if meta != nil && p.apply != nil {
			p.apply(conversationID, meta)
		}
		return meta, nil
	})
	if shared {
		p.count("shared")
	}
	if err != nil {
		return nil, err
	}
	meta, _ := v.(*Conversation)
	return meta, nil
}

// Pending reports whether a debounced refresh is waiting to fire.
func (p *PermissionScheduler) Pending(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[conversationID]
	return ok
}

// InFlight reports whether a network refresh is running.
func (p *PermissionScheduler) InFlight(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[conversationID] > 0
}

// Rename moves a pending refresh to a promoted id.
func (p *PermissionScheduler) Rename(oldID, newID string) {
	p.mu.Lock()
	prev, ok := p.timers[oldID]
	if ok {
		prev.timer.Stop()
		delete(p.timers, oldID)
	}
	p.mu.Unlock()
	if ok {
		p.Schedule(newID, ScheduleOptions{})
	}
}

// Stop cancels every pending refresh. Later Schedule calls are ignored.
func (p *PermissionScheduler) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, s := range p.timers {
		s.timer.Stop()
		delete(p.timers, id)
	}
}

func (p *PermissionScheduler) count(outcome string) {
	if p.metrics != nil {
		p.metrics.PermissionRefresh.WithLabelValues(outcome).Inc()
	}
}
