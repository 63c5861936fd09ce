package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type markLog struct {
	mu    sync.Mutex
	marks []string
}

func (l *markLog) send(ctx context.Context, conversationID, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks = append(l.marks, conversationID+"/"+messageID)
	return nil
}

func (l *markLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.marks...)
}

func TestSeenMarkerSendsLatestPerInterval(t *testing.T) {
	log := &markLog{}
	s := newSeenMarker(30*time.Millisecond, log.send, zap.NewNop())
	defer s.Stop()

	s.Mark("c1", "m1")
	s.Mark("c1", "m2")
	s.Mark("c1", "m3")
	s.Mark("c2", "m7")

	assert.Equal(t, []string{"c1/m1", "c2/m7"}, log.list())
	require.Eventually(t, func() bool { return len(log.list()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "c1/m3", log.list()[2])
}

func TestSeenMarkerIgnoresEmptyIDs(t *testing.T) {
	log := &markLog{}
	s := newSeenMarker(time.Millisecond, log.send, zap.NewNop())
	s.Mark("c1", "")
	assert.Empty(t, log.list())
}

func TestSeenMarkerRename(t *testing.T) {
	log := &markLog{}
	s := newSeenMarker(30*time.Millisecond, log.send, zap.NewNop())
	defer s.Stop()

	s.Mark("new-u1", "m1")
	s.Mark("new-u1", "m2")
	s.Rename("new-u1", "c1")

	require.Eventually(t, func() bool { return len(log.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new-u1/m1", "c1/m2"}, log.list())
}

func TestSeenMarkerStop(t *testing.T) {
	log := &markLog{}
	s := newSeenMarker(20*time.Millisecond, log.send, zap.NewNop())

	s.Mark("c1", "m1")
	s.Mark("c1", "m2")
	s.Stop()
	s.Mark("c1", "m3")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"c1/m1"}, log.list())
}
