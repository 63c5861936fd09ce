package chatsync

import "sync"

// PendingSeen is a read receipt waiting for its target message to be loaded.
type PendingSeen struct {
	AccountID string
	MessageID string
	Member    *Member
}

// SeenPlacer places one deferred receipt.
type SeenPlacer func(accountID, messageID string, member *Member)

// SeenQueue holds deferred seen placements per conversation and message id.
// An account has at most one queued receipt per conversation; a later
// receipt supersedes the earlier one.
type SeenQueue struct {
	mu      sync.Mutex
	buckets map[string]map[string][]PendingSeen
}

func NewSeenQueue() *SeenQueue {
	return &SeenQueue{buckets: make(map[string]map[string][]PendingSeen)}
}

// Enqueue stores a deferred placement.
func (q *SeenQueue) Enqueue(conversationID, messageID, accountID string, member *Member) {
	if conversationID == "" || messageID == "" || accountID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forgetLocked(conversationID, accountID)
	bucket, ok := q.buckets[conversationID]
	if !ok {
		bucket = make(map[string][]PendingSeen)
		q.buckets[conversationID] = bucket
	}
	bucket[messageID] = append(bucket[messageID], PendingSeen{
		AccountID: accountID,
		MessageID: messageID,
		Member:    member,
	})
}

// Resolve invokes placer for every entry queued under messageID and removes
// them. The placer runs outside the queue lock so it may re-enqueue.
func (q *SeenQueue) Resolve(conversationID, messageID string, placer SeenPlacer) int {
	q.mu.Lock()
	bucket := q.buckets[conversationID]
	entries := bucket[messageID]
	if len(entries) > 0 {
		delete(bucket, messageID)
		if len(bucket) == 0 {
			delete(q.buckets, conversationID)
		}
	}
	q.mu.Unlock()

	for _, e := range entries {
		placer(e.AccountID, e.MessageID, e.Member)
	}
	return len(entries)
}

// Forget drops any queued receipt of accountID in the conversation.
func (q *SeenQueue) Forget(conversationID, accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forgetLocked(conversationID, accountID)
}

func (q *SeenQueue) forgetLocked(conversationID, accountID string) {
	bucket := q.buckets[conversationID]
	for msgID, entries := range bucket {
		kept := entries[:0]
		for _, e := range entries {
			if e.AccountID != accountID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(bucket, msgID)
		} else {
			bucket[msgID] = kept
		}
	}
	if bucket != nil && len(bucket) == 0 {
		delete(q.buckets, conversationID)
	}
}

// Entries returns a snapshot of the conversation's queued receipts.
func (q *SeenQueue) Entries(conversationID string) []PendingSeen {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PendingSeen
	for _, entries := range q.buckets[conversationID] {
		out = append(out, entries...)
	}
	return out
}

// Len returns the number of queued receipts in the conversation.
func (q *SeenQueue) Len(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, entries := range q.buckets[conversationID] {
		n += len(entries)
	}
	return n
}

// Rename moves the bucket of oldID under newID, merging with anything
// already queued there.
func (q *SeenQueue) Rename(oldID, newID string) {
	if oldID == newID {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	src, ok := q.buckets[oldID]
	if !ok {
		return
	}
	delete(q.buckets, oldID)
	if _, ok := q.buckets[newID]; !ok {
		q.buckets[newID] = src
		return
	}
	for msgID, entries := range src {
		for _, e := range entries {
			q.forgetLocked(newID, e.AccountID)
			dst := q.buckets[newID]
			if dst == nil {
				dst = make(map[string][]PendingSeen)
				q.buckets[newID] = dst
			}
			dst[msgID] = append(dst[msgID], e)
		}
	}
}

// Clear drops everything queued for the conversation.
func (q *SeenQueue) Clear(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.buckets, conversationID)
}
