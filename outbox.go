package chatsync

import (
	"sort"
	"sync"
	"time"
)

// OutboxOp is the retry payload of one optimistic send, keyed by temp id.
type OutboxOp struct {
	TempID         string        `json:"tempId"`
	ConversationID string        `json:"conversationId"`
	Request        SendRequest   `json:"request"`
	Status         MessageStatus `json:"status"`
	Attempt        int           `json:"attempt"`
	CreatedAt      time.Time     `json:"createdAt"`
	Error          string        `json:"error,omitempty"`
}

// Outbox is a goroutine-safe in-memory store of retry payloads.
type Outbox struct {
	mu  sync.RWMutex
	ops map[string]*OutboxOp
}

func NewOutbox() *Outbox {
	return &Outbox{ops: make(map[string]*OutboxOp)}
}

// Enqueue stores a new payload at attempt 1.
func (o *Outbox) Enqueue(conversationID string, req SendRequest) *OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	op := &OutboxOp{
		TempID:         req.TempID,
		ConversationID: conversationID,
		Request:        req,
		Status:         StatusPending,
		Attempt:        1,
		CreatedAt:      time.Now(),
	}
	o.ops[req.TempID] = op
	return op
}

// Get returns a copy of the payload.
func (o *Outbox) Get(tempID string) (OutboxOp, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.ops[tempID]
	if !ok {
		return OutboxOp{}, false
	}
	return *op, true
}

// Begin starts a new attempt and returns its number.
func (o *Outbox) Begin(tempID string) (OutboxOp, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[tempID]
	if !ok {
		return OutboxOp{}, false
	}
	op.Attempt++
	op.Status = StatusPending
	op.Error = ""
	return *op, true
}

// Ack clears the payload after the server confirmed the message.
func (o *Outbox) Ack(tempID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ops[tempID]; !ok {
		return false
	}
	delete(o.ops, tempID)
	return true
}

// Nack marks attempt as failed. It reports false when a newer attempt has
// started since, in which case the failure is stale.
func (o *Outbox) Nack(tempID string, attempt int, errMsg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[tempID]
	if !ok || op.Attempt != attempt {
		return false
	}
	op.Status = StatusFailed
	op.Error = errMsg
	return true
}

// ForConversation returns the payloads of a conversation, oldest first.
func (o *Outbox) ForConversation(conversationID string) []OutboxOp {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []OutboxOp
	for _, op := range o.ops {
		if op.ConversationID == conversationID {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Rename readdresses payloads of oldID to newID.
func (o *Outbox) Rename(oldID, newID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.ConversationID == oldID {
			op.ConversationID = newID
		}
	}
}

// Drop removes every payload of the conversation and returns their temp ids.
func (o *Outbox) Drop(conversationID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for id, op := range o.ops {
		if op.ConversationID == conversationID {
			ids = append(ids, id)
			delete(o.ops, id)
		}
	}
	return ids
}

// PendingCount returns the number of payloads not yet failed.
func (o *Outbox) PendingCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	count := 0
	for _, op := range o.ops {
		if op.Status == StatusPending {
			count++
		}
	}
	return count
}
