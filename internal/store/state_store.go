package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUIState = []byte("ui_state")
	bucketDrafts  = []byte("drafts")
	keyUIState    = []byte("state")
)

// UIState is the slice of view state that survives restarts.
type UIState struct {
	ActiveSessionKey string `json:"active_session_key,omitempty"`
	AutoScroll       bool   `json:"auto_scroll"`
}

// StateStore persists UI state and per-session composer drafts in a
// local bbolt file.
type StateStore struct {
	db *bolt.DB
}

func Open(path string) (*StateStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUIState); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketDrafts); err != nil {
			return err
		}
		return nil
	})
}

func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadUIState returns the persisted state, or defaults when nothing has
// been saved yet.
func (s *StateStore) LoadUIState() (*UIState, error) {
	state := &UIState{AutoScroll: true}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUIState)
		if b == nil {
			return nil
		}
		raw := b.Get(keyUIState)
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *StateStore) SaveUIState(state *UIState) error {
	if state == nil {
		return errors.New("state is required")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUIState)
		if b == nil {
			return errors.New("ui state bucket missing")
		}
		return b.Put(keyUIState, raw)
	})
}

// Draft returns the saved composer draft for a session, empty when none.
func (s *StateStore) Draft(sessionKey string) (string, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return "", nil
	}
	var draft string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrafts)
		if b == nil {
			return nil
		}
		draft = string(b.Get([]byte(sessionKey)))
		return nil
	})
	if err != nil {
		return "", err
	}
	return draft, nil
}

// SetDraft saves a session's composer draft. An empty draft deletes the
// entry.
func (s *StateStore) SetDraft(sessionKey, text string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return errors.New("session key is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrafts)
		if b == nil {
			return errors.New("drafts bucket missing")
		}
		if strings.TrimSpace(text) == "" {
			return b.Delete([]byte(sessionKey))
		}
		return b.Put([]byte(sessionKey), []byte(text))
	})
}
