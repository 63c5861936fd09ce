// Package pebblestate persists chatsync window state in a pebble database so
// open and minimized windows survive a restart.
package pebblestate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/LuminPulse-AI/chatsync"
)

var prefix = []byte("window/")

// Store implements chatsync.UIStateStore.
type Store struct {
	db *pebble.DB
}

var _ chatsync.UIStateStore = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open window state: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a store backed by an in-memory filesystem.
func OpenMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// key is window/<surface>/<conversation>.
func key(kind chatsync.SurfaceKind, conversationID string) []byte {
	k := append(append([]byte{}, prefix...), string(kind)...)
	k = append(k, '/')
	return append(k, conversationID...)
}

func (s *Store) Get(kind chatsync.SurfaceKind, conversationID string) (chatsync.WindowState, bool, error) {
	v, closer, err := s.db.Get(key(kind, conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return chatsync.WindowState{}, false, nil
	}
	if err != nil {
		return chatsync.WindowState{}, false, err
	}
	defer closer.Close()
	var st chatsync.WindowState
	if err := json.Unmarshal(v, &st); err != nil {
		return chatsync.WindowState{}, false, fmt.Errorf("decode window %s/%s: %w", kind, conversationID, err)
	}
	return st, true, nil
}

func (s *Store) Put(state chatsync.WindowState) error {
	if state.ConversationID == "" {
		return errors.New("window state without conversation id")
	}
	if state.Surface == "" {
		return errors.New("window state without surface")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Set(key(state.Surface, state.ConversationID), b, pebble.Sync)
}

func (s *Store) Delete(kind chatsync.SurfaceKind, conversationID string) error {
	return s.db.Delete(key(kind, conversationID), pebble.Sync)
}

// Rename moves every surface's window from a placeholder id to its server
// id in one batch.
func (s *Store) Rename(oldID, newID string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	moved := 0
	for _, kind := range chatsync.SurfaceKinds {
		st, ok, err := s.Get(kind, oldID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		st.ConversationID = newID
		b, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if err := batch.Delete(key(kind, oldID), nil); err != nil {
			return err
		}
		if err := batch.Set(key(kind, newID), b, nil); err != nil {
			return err
		}
		moved++
	}
	if moved == 0 {
		return nil
	}
	return batch.Commit(pebble.Sync)
}

// List returns every stored window, most recently updated first.
func (s *Store) List() ([]chatsync.WindowState, error) {
	upper := append(append([]byte{}, prefix[:len(prefix)-1]...), prefix[len(prefix)-1]+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []chatsync.WindowState
	for ok := iter.First(); ok; ok = iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			continue
		}
		var st chatsync.WindowState
		if err := json.Unmarshal(iter.Value(), &st); err != nil {
			return nil, fmt.Errorf("decode window %s: %w", iter.Key(), err)
		}
		out = append(out, st)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
