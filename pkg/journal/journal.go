// Package journal persists the recovery steps pkg/task accumulates
// while a composite operation is in flight, so a process restarted
// after a crash can see which tasks still had outstanding
// compensations. Only each step's name and arguments are stored;
// nothing in this module replays them.
//
// The storage shape follows the teacher repo's pkg/storage/boltdb.go:
// one bbolt bucket, JSON-encoded records keyed so a prefix scan lists
// everything belonging to one task in append order.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var bucketRecoverySteps = []byte("recovery_steps")

// Step is one recovery action recorded for a task: its human-readable
// name (for logging) and the opaque arguments needed to re-run it.
type Step struct {
	TaskID string          `json:"task_id"`
	Seq    uint64          `json:"seq"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

// Journal is a bbolt-backed append-only log of outstanding recovery
// steps, keyed by task so a crash-restarted host can enumerate them.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if absent) the recovery journal at
// <dataDir>/recovery.db.
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "recovery.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open recovery journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecoverySteps)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init recovery journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func stepKey(taskID string, seq uint64) []byte {
	key := make([]byte, len(taskID)+1+8)
	n := copy(key, taskID)
	key[n] = '|'
	binary.BigEndian.PutUint64(key[n+1:], seq)
	return key
}

// Append records a new recovery step for taskID at the given sequence
// number (monotonically increasing within a task, assigned by the
// caller so replay order matches push order).
func (j *Journal) Append(taskID string, seq uint64, name string, args json.RawMessage) error {
	step := Step{TaskID: taskID, Seq: seq, Name: name, Args: args}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode recovery step %s/%d: %w", taskID, seq, err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoverySteps)
		return b.Put(stepKey(taskID, seq), data)
	})
}

// Clear removes every recorded step for taskID, called once a task
// reaches its commit point and the recovery stack is dropped.
func (j *Journal) Clear(taskID string) error {
	prefix := append([]byte(taskID), '|')
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoverySteps)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// StepsFor returns every recorded step for taskID in push order,
// oldest first.
func (j *Journal) StepsFor(taskID string) ([]Step, error) {
	prefix := append([]byte(taskID), '|')
	var steps []Step
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoverySteps)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var s Step
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decode recovery step %s: %w", k, err)
			}
			steps = append(steps, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, k int) bool { return steps[i].Seq < steps[k].Seq })
	return steps, nil
}

// PendingTaskIDs returns the distinct task ids that still have
// outstanding recovery steps, for a host to inspect at startup.
func (j *Journal) PendingTaskIDs() ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoverySteps)
		return b.ForEach(func(k, v []byte) error {
			i := bytes.IndexByte(k, '|')
			if i < 0 {
				return nil
			}
			id := string(k[:i])
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
			return nil
		})
	})
	return ids, err
}
