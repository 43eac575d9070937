package domain

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/vstorage/pkg/types"
)

// Cache is the bbolt-backed per-domain store this package uses for
// state that must survive a process restart but has no natural home
// on the domain's own storage medium: cluster-lease slot assignments.
// Laid out the way the teacher's pkg/storage/boltdb.go lays out its
// own entity store — one bucket, binary keys, one value per record —
// repurposed here for domain bookkeeping instead of cluster state.
type Cache struct {
	db *bolt.DB
	mu sync.Mutex
}

var bucketLeaseSlots = []byte("lease_slots")

// OpenCache opens (creating if absent) the domain cache at
// <dataDir>/domain-cache.db.
func OpenCache(dataDir string) (*Cache, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "domain-cache.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open domain cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeaseSlots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init domain cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

func leaseKey(sdUUID, volUUID types.UUID) []byte {
	return []byte(string(sdUUID) + "|" + string(volUUID))
}

func leaseSeqKey(sdUUID types.UUID) []byte {
	return []byte(string(sdUUID) + "|seq")
}

// LeaseSlot returns the slot previously assigned to volUUID within
// sdUUID, or ok=false if none has been assigned yet.
func (c *Cache) LeaseSlot(sdUUID, volUUID types.UUID) (slot int, ok bool) {
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeaseSlots)
		v := b.Get(leaseKey(sdUUID, volUUID))
		if v == nil {
			return nil
		}
		slot = int(binary.BigEndian.Uint64(v))
		ok = true
		return nil
	})
	if err != nil {
		return 0, false
	}
	return slot, ok
}

// AllocateLeaseSlot assigns and persists the next sequential lease
// slot for volUUID within sdUUID, or returns the slot already
// assigned if called again for the same volume.
func (c *Cache) AllocateLeaseSlot(sdUUID, volUUID types.UUID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.LeaseSlot(sdUUID, volUUID); ok {
		return slot, nil
	}

	var slot uint64
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeaseSlots)
		seqKey := leaseSeqKey(sdUUID)
		if v := b.Get(seqKey); v != nil {
			slot = binary.BigEndian.Uint64(v)
		}
		slot++

		seqBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBuf, slot)
		if err := b.Put(seqKey, seqBuf); err != nil {
			return err
		}

		volBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(volBuf, slot)
		return b.Put(leaseKey(sdUUID, volUUID), volBuf)
	})
	if err != nil {
		return 0, fmt.Errorf("allocate lease slot for %s/%s: %w", sdUUID, volUUID, err)
	}
	return int(slot), nil
}

// ReleaseLeaseSlot forgets volUUID's lease slot assignment so the
// bookkeeping does not grow unboundedly across a volume's lifetime;
// the slot number itself is not reclaimed for reuse (unlike the block
// metadata-slot allocator, which hands a released slot out again).
func (c *Cache) ReleaseLeaseSlot(sdUUID, volUUID types.UUID) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeaseSlots).Delete(leaseKey(sdUUID, volUUID))
	})
}
