package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// BlobHandle references a locally-created, memory-backed preview resource.
type BlobHandle string

// DraftScope is the scope key for previews attached to a conversation's
// composer before send.
func DraftScope(conversationID string) string {
	return "draft:" + conversationID
}

// BlobRegistry is the single source of truth for whether a preview handle is
// still referenced. A handle tracked under several scopes is released once,
// when its last scope lets go of it.
type BlobRegistry struct {
	mu      sync.Mutex
	scopes  map[string]map[BlobHandle]struct{}
	refs    map[BlobHandle]int
	release func(BlobHandle)
	logger  *zap.Logger
	metrics *Metrics
}

// NewBlobRegistry creates a registry. release frees the underlying resource;
// nil means handles need no explicit release.
func NewBlobRegistry(release func(BlobHandle), logger *zap.Logger, metrics *Metrics) *BlobRegistry {
	if release == nil {
		release = func(BlobHandle) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobRegistry{
		scopes:  make(map[string]map[BlobHandle]struct{}),
		refs:    make(map[BlobHandle]int),
		release: release,
		logger:  logger,
		metrics: metrics,
	}
}

// Register makes a freshly created handle known before any scope holds it,
// so ReleaseIfUnreferenced can free it if it is never attached.
func (r *BlobRegistry) Register(h BlobHandle) {
	if h == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[h]; !ok {
		r.refs[h] = 0
	}
}

// Track records that scope references h. Tracking the same pair twice is a
// no-op.
func (r *BlobRegistry) Track(scope string, h BlobHandle) {
	if scope == "" || h == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.scopes[scope]
	if !ok {
		set = make(map[BlobHandle]struct{})
		r.scopes[scope] = set
	}
	if _, ok := set[h]; ok {
		return
	}
	set[h] = struct{}{}
	r.refs[h]++
}

// Untrack drops a single scope reference and releases h if nothing else
// references it.
func (r *BlobRegistry) Untrack(scope string, h BlobHandle) {
	r.mu.Lock()
	set, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[h]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.scopes, scope)
	}
	freed := r.dropRefLocked(h)
	r.mu.Unlock()

	if freed {
		r.doRelease(h)
	}
}

// ReleaseIfUnreferenced releases h when no scope references it. Unknown or
// already released handles are ignored.
func (r *BlobRegistry) ReleaseIfUnreferenced(h BlobHandle) bool {
	r.mu.Lock()
	n, known := r.refs[h]
	if !known || n > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.refs, h)
	r.mu.Unlock()

	r.doRelease(h)
	return true
}

// ReleaseAllForScope removes scope and releases every handle it was the last
// reference to.
func (r *BlobRegistry) ReleaseAllForScope(scope string) int {
	r.mu.Lock()
	set, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	delete(r.scopes, scope)
	var freed []BlobHandle
	for h := range set {
		if r.dropRefLocked(h) {
			freed = append(freed, h)
		}
	}
	r.mu.Unlock()

	for _, h := range freed {
		r.doRelease(h)
	}
	return len(freed)
}

// RenameScope moves every reference held by oldScope to newScope.
func (r *BlobRegistry) RenameScope(oldScope, newScope string) {
	if oldScope == newScope {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.scopes[oldScope]
	if !ok {
		return
	}
	delete(r.scopes, oldScope)
	dst, ok := r.scopes[newScope]
	if !ok {
		r.scopes[newScope] = set
		return
	}
	for h := range set {
		if _, dup := dst[h]; dup {
			r.refs[h]--
			continue
		}
		dst[h] = struct{}{}
	}
}

// Refs returns the number of scopes referencing h.
func (r *BlobRegistry) Refs(h BlobHandle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[h]
}

// Handles returns the handles tracked under scope.
func (r *BlobRegistry) Handles(scope string) []BlobHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BlobHandle, 0, len(r.scopes[scope]))
	for h := range r.scopes[scope] {
		out = append(out, h)
	}
	return out
}

func (r *BlobRegistry) dropRefLocked(h BlobHandle) bool {
	n, ok := r.refs[h]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.refs, h)
		return true
	}
	r.refs[h] = n - 1
	return false
}

func (r *BlobRegistry) doRelease(h BlobHandle) {
	r.logger.Debug("blob_released", zap.String("handle", string(h)))
	if r.metrics != nil {
		r.metrics.BlobsReleased.Inc()
	}
	r.release(h)
}
