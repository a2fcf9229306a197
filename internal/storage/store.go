// Package storage persists plant state and configuration entries in a local
// BoltDB file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/plant"

	bolt "go.etcd.io/bbolt"
)

const (
	// StateVersion is the version of the plant state blob
	StateVersion = 1
	// StateKey is the fixed key of the plant state blob
	StateKey = "plant_care_state"
)

var (
	stateBucket   = []byte("state")
	entriesBucket = []byte("config_entries")

	ErrUnsupportedVersion = errors.New("unsupported storage version")
)

// PlantState holds the persisted last-done timestamps of one entry as
// ISO-8601 strings. A nil field means the task has never been done.
type PlantState struct {
	LastWatered    *string `json:"last_watered,omitempty"`
	LastFertilized *string `json:"last_fertilized,omitempty"`
}

// LastDone returns the stored timestamp for a task kind
func (p PlantState) LastDone(kind care.TaskKind) *string {
	switch kind {
	case care.TaskWatering:
		return p.LastWatered
	case care.TaskFertilizing:
		return p.LastFertilized
	default:
		return nil
	}
}

type stateData struct {
	Entries map[string]PlantState `json:"entries"`
}

// stateBlob is the versioned envelope written under StateKey
type stateBlob struct {
	Version int       `json:"version"`
	Key     string    `json:"key"`
	Data    stateData `json:"data"`
}

// Store is a BoltDB-backed store for plant state and config entries
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{stateBucket, entriesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// readBlob decodes the state blob; a missing blob reads as empty
func readBlob(tx *bolt.Tx) (stateBlob, error) {
	blob := stateBlob{Version: StateVersion, Key: StateKey}

	raw := tx.Bucket(stateBucket).Get([]byte(StateKey))
	if raw != nil {
		if err := json.Unmarshal(raw, &blob); err != nil {
			return stateBlob{}, fmt.Errorf("failed to decode %s: %w", StateKey, err)
		}
		if blob.Version > StateVersion {
			return stateBlob{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, blob.Version)
		}
	}
	if blob.Data.Entries == nil {
		blob.Data.Entries = make(map[string]PlantState)
	}
	return blob, nil
}

func writeBlob(tx *bolt.Tx, blob stateBlob) error {
	blob.Version = StateVersion
	blob.Key = StateKey
	raw, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return tx.Bucket(stateBucket).Put([]byte(StateKey), raw)
}

// EntryState returns the persisted state of an entry. Unknown entries and
// partial records read as never done.
func (s *Store) EntryState(entryID string) (PlantState, error) {
	if s == nil || s.db == nil {
		return PlantState{}, bolt.ErrDatabaseNotOpen
	}

	var state PlantState
	err := s.db.View(func(tx *bolt.Tx) error {
		blob, err := readBlob(tx)
		if err != nil {
			return err
		}
		state = blob.Data.Entries[entryID]
		return nil
	})
	return state, err
}

// SetLastDone records iso as the last completion of kind for an entry
func (s *Store) SetLastDone(entryID string, kind care.TaskKind, iso string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	if _, err := care.ParseTaskKind(string(kind)); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blob, err := readBlob(tx)
		if err != nil {
			return err
		}

		state := blob.Data.Entries[entryID]
		value := iso
		switch kind {
		case care.TaskWatering:
			state.LastWatered = &value
		case care.TaskFertilizing:
			state.LastFertilized = &value
		}
		blob.Data.Entries[entryID] = state
		return writeBlob(tx, blob)
	})
}

// RemoveEntryState forgets the persisted state of an entry
func (s *Store) RemoveEntryState(entryID string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blob, err := readBlob(tx)
		if err != nil {
			return err
		}
		if _, ok := blob.Data.Entries[entryID]; !ok {
			return nil
		}
		delete(blob.Data.Entries, entryID)
		return writeBlob(tx, blob)
	})
}

// SaveEntry creates or replaces a config entry
func (s *Store) SaveEntry(entry plant.Entry) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", entry.EntryID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(entry.EntryID), raw)
	})
}

// Entries returns every stored config entry ordered by plant id
func (s *Store) Entries() ([]plant.Entry, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}

	var entries []plant.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			// Options missing from older records take their defaults
			entry := plant.Entry{Options: plant.DefaultOptions()}
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode entry %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PlantID < entries[j].PlantID
	})
	return entries, nil
}

// DeleteEntry removes a config entry
func (s *Store) DeleteEntry(entryID string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(entryID))
	})
}
