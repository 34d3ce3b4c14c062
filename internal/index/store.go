package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"go.etcd.io/bbolt"
)

// Store is the durable, authoritative record store. The ANN graphs are
// rebuilt from it, never the other way around.
type Store interface {
	// Put persists rec, assigning its per-tenant insertion sequence.
	// Re-putting an existing id overwrites the stored record (last write
	// wins) while assigning a fresh sequence.
	Put(rec *Record) error

	// Get returns one record or ErrNotFound.
	Get(tenantID, id string) (*Record, error)

	// ForEach visits a tenant's records in insertion order.
	ForEach(tenantID string, fn func(*Record) error) error

	// DeleteSource removes every record of one source, returning the count.
	DeleteSource(tenantID, sourceID string) (int, error)

	// DeleteTenant removes every record of one tenant.
	DeleteTenant(tenantID string) error

	// Tenants lists tenant ids with at least one record.
	Tenants() ([]string, error)

	// Close releases the underlying database.
	Close() error
}

var bucketRecords = []byte("records")

// BoltStore implements Store on bbolt. Records live in a nested bucket per
// tenant under the top-level records bucket; the nested bucket's sequence
// counter provides insertion order.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the record database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open record db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// DB exposes the underlying handle so other stores can share the same
// database file. bbolt allows a single open handle per file per process.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

// storedRecord is the on-disk shape. Vectors are serialized as raw
// little-endian float32 bytes rather than JSON numbers.
type storedRecord struct {
	SourceID  string  `json:"source_id"`
	Timestamp float64 `json:"timestamp"`
	Vector    []byte  `json:"vector"`
	Locator   Locator `json:"locator"`
	Seq       uint64  `json:"seq"`
}

func (s *BoltStore) Put(rec *Record) error {
	if rec.TenantID == "" {
		return ErrMissingTenant
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketRecords).CreateBucketIfNotExists([]byte(rec.TenantID))
		if err != nil {
			return fmt.Errorf("failed to create tenant bucket: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		rec.Seq = seq

		data, err := json.Marshal(storedRecord{
			SourceID:  rec.SourceID,
			Timestamp: rec.Timestamp,
			Vector:    encodeVector(rec.Vector),
			Locator:   rec.Locator,
			Seq:       rec.Seq,
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) Get(tenantID, id string) (*Record, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords).Bucket([]byte(tenantID))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeRecord(tenantID, id, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) ForEach(tenantID string, fn func(*Record) error) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	var recs []*Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords).Bucket([]byte(tenantID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(tenantID, string(k), v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return err
	}

	// Bucket iteration is keyed by id; replay in insertion order.
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) DeleteSource(tenantID, sourceID string) (int, error) {
	if tenantID == "" {
		return 0, ErrMissingTenant
	}
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords).Bucket([]byte(tenantID))
		if b == nil {
			return nil
		}

		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return err
			}
			if sr.SourceID == sourceID {
				doomed = append(doomed, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(doomed)
		return nil
	})
	return deleted, err
}

func (s *BoltStore) DeleteTenant(tenantID string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketRecords)
		if root.Bucket([]byte(tenantID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(tenantID))
	})
}

func (s *BoltStore) Tenants() ([]string, error) {
	var tenants []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEachBucket(func(k []byte) error {
			tenants = append(tenants, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func decodeRecord(tenantID, id string, data []byte) (*Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", id, err)
	}
	vec, err := decodeVector(sr.Vector)
	if err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", id, err)
	}
	return &Record{
		ID:        id,
		TenantID:  tenantID,
		SourceID:  sr.SourceID,
		Timestamp: sr.Timestamp,
		Vector:    vec,
		Locator:   sr.Locator,
		Seq:       sr.Seq,
	}, nil
}

// encodeVector serializes a vector as little-endian float32 bytes.
func encodeVector(vec []float32) []byte {
	raw := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return raw
}

// decodeVector parses little-endian float32 bytes.
func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector bytes not a multiple of 4")
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
