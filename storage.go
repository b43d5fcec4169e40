package zele

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// Storage interface
// ============================================================================

// Storage persists store snapshots per user so the conversation list can be
// shown before the first REST fetch completes. Load returns an error matching
// ErrNotFound when nothing was saved.
type Storage interface {
	Load(userID string) (*Snapshot, error)
	Save(snap *Snapshot) error
	Delete(userID string) error
	Close() error
}

// snapshotMeta is the per-user record stored next to conversations and groups.
type snapshotMeta struct {
	Revoked []string  `json:"revoked,omitempty"`
	SavedAt time.Time `json:"savedAt"`
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage keeps snapshots in memory. Values are stored encoded so
// callers never share state with the storage.
type MemoryStorage struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{snapshots: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(userID string) (*Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snapshots[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("snapshot for %s: %w", userID, ErrNotFound)
	}
	return decodeJSON[Snapshot](data)
}

func (s *MemoryStorage) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	s.snapshots[snap.UserID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Delete(userID string) error {
	s.mu.Lock()
	delete(s.snapshots, userID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// PebbleStorage
// ============================================================================

// PebbleStorage persists snapshots in a Pebble database. Each user's
// conversations and groups are stored under their own keys:
//
//	u/<escaped user>/meta
//	u/<escaped user>/c/<conversation id>
//	u/<escaped user>/g/<group id>
type PebbleStorage struct {
	db *pebble.DB
}

// OpenPebbleStorage opens or creates a database in dir.
func OpenPebbleStorage(dir string) (*PebbleStorage, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleStorage{db: db}, nil
}

// userPrefix escapes userID so no user's key range contains another's.
func userPrefix(userID string) string { return "u/" + url.PathEscape(userID) + "/" }

// prefixUpper returns the exclusive upper bound of keys starting with prefix.
func prefixUpper(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}

func (s *PebbleStorage) Load(userID string) (*Snapshot, error) {
	prefix := userPrefix(userID)
	raw, closer, err := s.db.Get([]byte(prefix + "meta"))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("snapshot for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	meta, err := decodeJSON[snapshotMeta](raw)
	closer.Close()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{UserID: userID, Revoked: meta.Revoked, SavedAt: meta.SavedAt}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpper(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefix):])
		switch {
		case len(key) > 2 && key[:2] == "c/":
			c, err := decodeJSON[Conversation](iter.Value())
			if err != nil {
				return nil, fmt.Errorf("decode conversation %s: %w", key[2:], err)
			}
			snap.Conversations = append(snap.Conversations, c)
		case len(key) > 2 && key[:2] == "g/":
			g, err := decodeJSON[Group](iter.Value())
			if err != nil {
				return nil, fmt.Errorf("decode group %s: %w", key[2:], err)
			}
			snap.Groups = append(snap.Groups, g)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	sort.SliceStable(snap.Conversations, func(i, j int) bool {
		return snap.Conversations[i].UpdatedAt.After(snap.Conversations[j].UpdatedAt)
	})
	return snap, nil
}

// Save replaces the user's stored snapshot atomically.
func (s *PebbleStorage) Save(snap *Snapshot) error {
	prefix := userPrefix(snap.UserID)
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange([]byte(prefix), prefixUpper(prefix), nil); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	meta, err := json.Marshal(snapshotMeta{Revoked: snap.Revoked, SavedAt: snap.SavedAt})
	if err != nil {
		return fmt.Errorf("encode snapshot meta: %w", err)
	}
	if err := b.Set([]byte(prefix+"meta"), meta, nil); err != nil {
		return err
	}
	for _, c := range snap.Conversations {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", c.ID, err)
		}
		if err := b.Set([]byte(prefix+"c/"+c.ID), data, nil); err != nil {
			return err
		}
	}
	for _, g := range snap.Groups {
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode group %s: %w", g.ID, err)
		}
		if err := b.Set([]byte(prefix+"g/"+g.ID), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *PebbleStorage) Delete(userID string) error {
	prefix := userPrefix(userID)
	if err := s.db.DeleteRange([]byte(prefix), prefixUpper(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}
