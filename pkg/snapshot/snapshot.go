// Package snapshot persists the outcome of translated runs in a PebbleDB
// store, keyed by the digest of the image that ran.
package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ascrivener/a64jit/pkg/jit"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const keyPrefix = "run/"

// Record is one finished run
type Record struct {
	RunID     string        `json:"run_id"`
	Digest    string        `json:"digest"`
	Image     string        `json:"image"`
	Registers jit.Registers `json:"registers"`
	Stats     jit.Stats     `json:"stats"`
	Exit      string        `json:"exit"`
	Finished  time.Time     `json:"finished"`
}

// Digest returns the hex blake2b-256 digest that records of image are filed under
func Digest(image []byte) string {
	sum := blake2b.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Store is a PebbleDB-backed record store
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a store in dir
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

func digestPrefix(digest string) []byte {
	return []byte(keyPrefix + digest + "/")
}

// recordKey orders records of one image by finish time; the run id keeps
// keys unique
func recordKey(r Record) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", keyPrefix, r.Digest, r.Finished.UnixNano(), r.RunID))
}

// Save writes r, filling in RunID and Finished when unset
func (s *Store) Save(r Record) (Record, error) {
	if r.Digest == "" {
		return r, fmt.Errorf("record has no image digest")
	}
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	value, err := json.Marshal(r)
	if err != nil {
		return r, fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.db.Set(recordKey(r), value, pebble.Sync); err != nil {
		return r, fmt.Errorf("failed to store record: %w", err)
	}
	return r, nil
}

// List returns every record of the image with the given digest, oldest first
func (s *Store) List(digest string) ([]Record, error) {
	prefix := digestPrefix(digest)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var r Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", iter.Key(), err)
		}
		records = append(records, r)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// Latest returns the most recent record of the image with the given digest.
// ok is false when there is none.
func (s *Store) Latest(digest string) (Record, bool, error) {
	prefix := digestPrefix(digest)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return Record{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return Record{}, false, iter.Error()
	}
	var r Record
	if err := json.Unmarshal(iter.Value(), &r); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode record %s: %w", iter.Key(), err)
	}
	return r, true, nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
