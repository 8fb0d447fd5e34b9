package event

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var spillBucket = []byte("event-spill")

// ErrSpillFull indicates the spill queue hit its size bound.
var ErrSpillFull = errors.New("event spill full")

// BoltSpill implements Spill on a bbolt file, so events survive a process
// restart during a storage outage. Drained entries are deleted only after
// the sink accepts them.
type BoltSpill struct {
	db      *bolt.DB
	maxSize int
	pending []uint64
}

// SpillOptions configure BoltSpill.
type SpillOptions struct {
	Path    string
	MaxSize int
}

// OpenSpill opens or creates the spill queue at path.
func OpenSpill(opts SpillOptions) (*BoltSpill, error) {
	if opts.Path == "" {
		return nil, errors.New("event spill: path required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("event spill: mkdir: %w", err)
	}
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("event spill: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spillBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("event spill: init bucket: %w", err)
	}
	max := opts.MaxSize
	if max <= 0 {
		max = 10000
	}
	return &BoltSpill{db: db, maxSize: max}, nil
}

// Enqueue appends an event to the queue.
func (q *BoltSpill) Enqueue(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event spill: marshal: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(spillBucket)
		if bucket.Stats().KeyN >= q.maxSize {
			return ErrSpillFull
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// Drain reads up to max of the oldest entries without removing them.
// Commit removes what Drain returned once the sink accepted it.
func (q *BoltSpill) Drain(max int) ([]Event, error) {
	var out []Event
	q.pending = q.pending[:0]
	err := q.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(spillBucket).Cursor()
		for k, v := cursor.First(); k != nil && len(out) < max; k, v = cursor.Next() {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("event spill: unmarshal: %w", err)
			}
			out = append(out, evt)
			q.pending = append(q.pending, binary.BigEndian.Uint64(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Commit deletes the first n entries returned by the last Drain.
func (q *BoltSpill) Commit(n int) error {
	if n > len(q.pending) {
		n = len(q.pending)
	}
	ids := q.pending[:n]
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(spillBucket)
		for _, id := range ids {
			if err := bucket.Delete(seqKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("event spill: commit: %w", err)
	}
	q.pending = q.pending[n:]
	return nil
}

// Len reports how many entries sit in the queue.
func (q *BoltSpill) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(spillBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying file.
func (q *BoltSpill) Close() error {
	return q.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
