package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placed struct{ account, message string }

func collect(out *[]placed) SeenPlacer {
	return func(accountID, messageID string, _ *Member) {
		*out = append(*out, placed{accountID, messageID})
	}
}

func TestSeenQueueResolve(t *testing.T) {
	q := NewSeenQueue()
	q.Enqueue("c1", "m10", "u2", nil)
	q.Enqueue("c1", "m10", "u3", &Member{AccountID: "u3", Nickname: "Tri"})
	q.Enqueue("c1", "m11", "u4", nil)

	var got []placed
	assert.Equal(t, 2, q.Resolve("c1", "m10", collect(&got)))
	assert.ElementsMatch(t, []placed{{"u2", "m10"}, {"u3", "m10"}}, got)
	assert.Equal(t, 1, q.Len("c1"))

	got = nil
	assert.Zero(t, q.Resolve("c1", "m10", collect(&got)), "resolved entries are gone")
	assert.Empty(t, got)
}

func TestSeenQueueLaterReceiptSupersedes(t *testing.T) {
	q := NewSeenQueue()
	q.Enqueue("c1", "m5", "u2", nil)
	q.Enqueue("c1", "m8", "u2", nil)

	require.Equal(t, 1, q.Len("c1"))
	entries := q.Entries("c1")
	assert.Equal(t, "m8", entries[0].MessageID)

	var got []placed
	assert.Zero(t, q.Resolve("c1", "m5", collect(&got)))
}

func TestSeenQueueForget(t *testing.T) {
	q := NewSeenQueue()
	q.Enqueue("c1", "m5", "u2", nil)
	q.Enqueue("c1", "m5", "u3", nil)
	q.Forget("c1", "u2")

	entries := q.Entries("c1")
	require.Len(t, entries, 1)
	assert.Equal(t, "u3", entries[0].AccountID)
}

func TestSeenQueueIgnoresIncompleteEntries(t *testing.T) {
	q := NewSeenQueue()
	q.Enqueue("", "m1", "u2", nil)
	q.Enqueue("c1", "", "u2", nil)
	q.Enqueue("c1", "m1", "", nil)
	assert.Zero(t, q.Len("c1"))
}

func TestSeenQueuePlacerMayReenqueue(t *testing.T) {
	q := NewSeenQueue()
	q.Enqueue("c1", "m1", "u2", nil)
	n := q.Resolve("c1", "m1", func(accountID, _ string, member *Member) {
		q.Enqueue("c1", "m2", accountID, member)
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, "m2", q.Entries("c1")[0].MessageID)
}

func TestSeenQueueRename(t *testing.T) {
	t.Run("moves bucket", func(t *testing.T) {
		q := NewSeenQueue()
		q.Enqueue("new-u2", "m1", "u2", nil)
		q.Rename("new-u2", "c9")
		assert.Zero(t, q.Len("new-u2"))
		assert.Equal(t, 1, q.Len("c9"))
	})

	t.Run("merges and keeps one receipt per account", func(t *testing.T) {
		q := NewSeenQueue()
		q.Enqueue("c9", "m0", "u2", nil)
		q.Enqueue("c9", "m0", "u3", nil)
		q.Enqueue("new-u2", "m1", "u2", nil)
		q.Rename("new-u2", "c9")

		assert.Equal(t, 2, q.Len("c9"))
		var got []placed
		q.Resolve("c9", "m1", collect(&got))
		assert.Equal(t, []placed{{"u2", "m1"}}, got)
	})

	t.Run("clear", func(t *testing.T) {
		q := NewSeenQueue()
		q.Enqueue("c1", "m1", "u2", nil)
		q.Clear("c1")
		assert.Zero(t, q.Len("c1"))
	})
}
