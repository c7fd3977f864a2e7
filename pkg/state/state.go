package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPaused      = []byte("paused_agents")
	bucketUserContext = []byte("user_context")
	bucketMeta        = []byte("meta")
)

const userContextKey = "files"

// Store persists small pieces of daemon state that must survive restarts:
// which agents are paused and the user-context file window feeding
// relevance scoring.
type Store struct {
	db *bolt.DB
}

// Open opens the state database under the data directory.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "state.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPaused, bucketUserContext, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetPaused records or clears an agent's paused flag.
func (s *Store) SetPaused(agent string, paused bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPaused)
		if paused {
			return b.Put([]byte(agent), []byte("1"))
		}
		return b.Delete([]byte(agent))
	})
}

// PausedAgents returns the set of agents recorded as paused.
func (s *Store) PausedAgents() (map[string]bool, error) {
	paused := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPaused)
		return b.ForEach(func(k, v []byte) error {
			paused[string(k)] = true
			return nil
		})
	})
	return paused, err
}

// SaveUserContext persists the recently-touched file window.
func (s *Store) SaveUserContext(files []string) error {
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUserContext)
		return b.Put([]byte(userContextKey), data)
	})
}

// LoadUserContext restores the recently-touched file window. A missing
// record returns an empty slice.
func (s *Store) LoadUserContext() ([]string, error) {
	var files []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUserContext)
		data := b.Get([]byte(userContextKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &files)
	})
	return files, err
}

// SetMeta stores an arbitrary small metadata value.
func (s *Store) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put([]byte(key), []byte(value))
	})
}

// GetMeta reads a metadata value; missing keys return "".
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if data := b.Get([]byte(key)); data != nil {
			value = string(data)
		}
		return nil
	})
	return value, err
}
