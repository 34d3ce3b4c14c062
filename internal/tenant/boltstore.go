package tenant

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketTenants = []byte("tenants")

// BoltStore implements Store on a shared bbolt database. Records are JSON
// values keyed by tenant id in the tenants bucket.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore wraps an already-open bbolt handle. The handle is shared
// with the record store; this store never closes it.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTenants)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tenants bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(id string) (*Tenant, error) {
	var t *Tenant
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTenants).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		t = &Tenant{ID: id}
		if err := json.Unmarshal(raw, t); err != nil {
			return fmt.Errorf("failed to decode tenant %q: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) Put(t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tenant %q: %w", t.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTenants).Put([]byte(t.ID), raw)
	})
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTenants).Delete([]byte(id))
	})
}

func (s *BoltStore) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
