package pebblestate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newStore(t)

	_, ok, err := s.Get(chatsync.SurfaceCompact, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "c1", Surface: chatsync.SurfaceCompact, Open: true}))
	st, ok, err := s.Get(chatsync.SurfaceCompact, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Open)
	assert.Equal(t, chatsync.SurfaceCompact, st.Surface)
	assert.False(t, st.UpdatedAt.IsZero())

	require.NoError(t, s.Delete(chatsync.SurfaceCompact, "c1"))
	_, ok, err = s.Get(chatsync.SurfaceCompact, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePutRequiresKey(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.Put(chatsync.WindowState{Surface: chatsync.SurfaceFull, Open: true}))
	assert.Error(t, s.Put(chatsync.WindowState{ConversationID: "c1", Open: true}))
}

func TestStoreKeepsSurfacesApart(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "c1", Surface: chatsync.SurfaceCompact, Open: true, Minimized: true}))
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "c1", Surface: chatsync.SurfaceFull, Open: true}))

	compact, ok, err := s.Get(chatsync.SurfaceCompact, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, compact.Minimized)

	full, ok, err := s.Get(chatsync.SurfaceFull, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, full.Minimized)

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Delete(chatsync.SurfaceFull, "c1"))
	_, ok, _ = s.Get(chatsync.SurfaceCompact, "c1")
	assert.True(t, ok)
}

func TestStoreRename(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "new-u2", Surface: chatsync.SurfaceCompact, Open: true, Minimized: true}))
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "new-u2", Surface: chatsync.SurfaceFull, Open: true}))

	require.NoError(t, s.Rename("new-u2", "c9"))

	for _, kind := range chatsync.SurfaceKinds {
		_, ok, err := s.Get(kind, "new-u2")
		require.NoError(t, err)
		assert.False(t, ok, kind)
	}

	st, ok, err := s.Get(chatsync.SurfaceCompact, "c9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c9", st.ConversationID)
	assert.True(t, st.Minimized)

	st, ok, err = s.Get(chatsync.SurfaceFull, "c9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, st.Minimized)

	// renaming an unknown id is a no-op
	require.NoError(t, s.Rename("missing", "c10"))
	list, _ := s.List()
	assert.Len(t, list, 2)
}

func TestStoreListNewestFirst(t *testing.T) {
	s := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "a", Surface: chatsync.SurfaceFull, UpdatedAt: base}))
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "b", Surface: chatsync.SurfaceCompact, UpdatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "c", Surface: chatsync.SurfaceFull, UpdatedAt: base.Add(2 * time.Minute)}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{list[0].ConversationID, list[1].ConversationID, list[2].ConversationID})
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(chatsync.WindowState{ConversationID: "c1", Surface: chatsync.SurfaceFull, Open: true}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	st, ok, err := s.Get(chatsync.SurfaceFull, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Open)
}
