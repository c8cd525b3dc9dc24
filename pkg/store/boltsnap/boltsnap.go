// Package boltsnap periodically persists Store snapshots into a single
// BoltDB bucket keyed by timestamp, and can restore the most recent one
// at process start. Grounded on the teacher's pkg/storage.BoltStore
// (one bucket, JSON-encoded values). This is a durability convenience,
// not a query store: no cross-orchestrator consensus, no SQL-style
// indexing.
package boltsnap

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/orchestrator/pkg/log"
	"github.com/cuemby/orchestrator/pkg/store"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// Persister writes Store snapshots to a BoltDB file on a timer and can
// load the latest one back.
type Persister struct {
	db       *bolt.DB
	st       *store.Store
	interval time.Duration
	keep     int
	stopCh   chan struct{}
}

// Open creates or opens the BoltDB file at path and ensures the
// snapshots bucket exists.
func Open(path string, st *store.Store, interval time.Duration, keep int) (*Persister, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt snapshot db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots bucket: %w", err)
	}
	return &Persister{db: db, st: st, interval: interval, keep: keep, stopCh: make(chan struct{})}, nil
}

// Close closes the underlying database file.
func (p *Persister) Close() error {
	return p.db.Close()
}

// Start begins the periodic persist loop.
func (p *Persister) Start() {
	go p.run()
}

// Stop ends the loop. It does not close the database.
func (p *Persister) Stop() {
	close(p.stopCh)
}

func (p *Persister) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.PersistNow(); err != nil {
				log.WithComponent("boltsnap").Error().Msg("persist snapshot: " + err.Error())
			}
		case <-p.stopCh:
			return
		}
	}
}

// PersistNow writes a snapshot immediately and trims older ones beyond
// the retention count.
func (p *Persister) PersistNow() error {
	snap := p.st.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := timeKey(time.Now())
	err = p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if err := b.Put(key, data); err != nil {
			return err
		}
		return trim(b, p.keep)
	})
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// LoadLatest reads the most recent snapshot and restores it into st.
// Returns false if no snapshot exists yet.
func (p *Persister) LoadLatest() (bool, error) {
	var data []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read latest snapshot: %w", err)
	}
	if data == nil {
		return false, nil
	}

	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := p.st.Restore(snap); err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	return true, nil
}

func timeKey(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

// trim deletes the oldest entries past keep, since the cursor iterates
// keys (timestamps) in ascending order.
func trim(b *bolt.Bucket, keep int) error {
	if keep <= 0 {
		return nil
	}
	n := b.Stats().KeyN
	if n <= keep {
		return nil
	}
	toDelete := n - keep

	c := b.Cursor()
	k, _ := c.First()
	for i := 0; i < toDelete && k != nil; i++ {
		if err := c.Delete(); err != nil {
			return err
		}
		k, _ = c.Next()
	}
	return nil
}
