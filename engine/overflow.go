package engine

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var overflowBucket = []byte("execution_overflow")

// Overflow is the durable spill buffer behind the in-memory work queue.
// When the queue is saturated, async submissions land here and a drain
// loop feeds them back as capacity frees up. Entries are keyed by enqueue
// time so they drain in arrival order.
type Overflow struct {
	db *bolt.DB
}

// OpenOverflow opens (or creates) the overflow buffer file.
func OpenOverflow(path string) (*Overflow, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open overflow buffer: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(overflowBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Overflow{db: db}, nil
}

// Push appends an execution id to the buffer.
func (o *Overflow) Push(executionID string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(overflowBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", seq))
		return bucket.Put(key, []byte(executionID))
	})
}

// Pop removes and returns the oldest buffered execution id. Returns empty
// when the buffer is drained.
func (o *Overflow) Pop() (string, error) {
	var executionID string
	err := o.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(overflowBucket).Cursor()
		key, value := cursor.First()
		if key == nil {
			return nil
		}
		executionID = string(value)
		return cursor.Delete()
	})
	return executionID, err
}

// Len returns the number of buffered entries.
func (o *Overflow) Len() (int, error) {
	count := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(overflowBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the buffer file.
func (o *Overflow) Close() error {
	return o.db.Close()
}
