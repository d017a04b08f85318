package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"meshnode/internal/mesh"
)

var bucketReceiveQueue = []byte("receive_queue")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReceiveQueue)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) PushReceived(p *mesh.MeshPacket) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceiveQueue)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReceiveQueue)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

func (s *BoltStore) PopReceived() (*mesh.MeshPacket, error) {
	var p *mesh.MeshPacket
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceiveQueue)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReceiveQueue)
		}
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return fmt.Errorf("receive queue: %w", ErrNotFound)
		}
		var pkt mesh.MeshPacket
		if err := json.Unmarshal(v, &pkt); err != nil {
			return err
		}
		p = &pkt
		return b.Delete(k)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BoltStore) PeekReceived(limit int) ([]*mesh.MeshPacket, error) {
	var out []*mesh.MeshPacket
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceiveQueue)
		if b == nil {
			return nil // no bucket = empty queue
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var pkt mesh.MeshPacket
			if err := json.Unmarshal(v, &pkt); err != nil {
				return err
			}
			out = append(out, &pkt)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ReceivedCount() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceiveQueue)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
