package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func putRecord(t *testing.T, s *BoltStore, tenant, source string, ts float64, vec []float32) *Record {
	t.Helper()
	rec := &Record{
		TenantID:  tenant,
		SourceID:  source,
		Timestamp: ts,
		Vector:    vec,
		Locator:   Locator{ChunkID: source, Position: int(ts)},
	}
	rec.ID = RecordID(tenant, source, rec.Locator)
	require.NoError(t, s.Put(rec))
	return rec
}

func TestBoltStore_PutGetRoundTrip(t *testing.T) {
	s := testStore(t)

	rec := putRecord(t, s, "alice", "cam-1", 42.5, []float32{0.25, -1, 3})

	got, err := s.Get("alice", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.SourceID, got.SourceID)
	assert.Equal(t, rec.Timestamp, got.Timestamp)
	assert.Equal(t, rec.Vector, got.Vector)
	assert.Equal(t, rec.Locator, got.Locator)
	assert.Equal(t, rec.Seq, got.Seq)
}

func TestBoltStore_GetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Get("alice", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_SequenceOrdersInserts(t *testing.T) {
	s := testStore(t)

	r1 := putRecord(t, s, "alice", "cam-1", 1, []float32{1})
	r2 := putRecord(t, s, "alice", "cam-2", 2, []float32{2})
	r3 := putRecord(t, s, "alice", "cam-3", 3, []float32{3})

	assert.Less(t, r1.Seq, r2.Seq)
	assert.Less(t, r2.Seq, r3.Seq)

	var order []string
	require.NoError(t, s.ForEach("alice", func(rec *Record) error {
		order = append(order, rec.SourceID)
		return nil
	}))
	assert.Equal(t, []string{"cam-1", "cam-2", "cam-3"}, order)
}

func TestBoltStore_PerTenantSequences(t *testing.T) {
	s := testStore(t)

	a := putRecord(t, s, "alice", "cam-1", 1, []float32{1})
	b := putRecord(t, s, "bob", "cam-1", 1, []float32{1})

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(1), b.Seq, "sequences are per tenant")
}

func TestBoltStore_DeleteSource(t *testing.T) {
	s := testStore(t)

	putRecord(t, s, "alice", "cam-1", 1, []float32{1})
	putRecord(t, s, "alice", "cam-1", 2, []float32{2})
	putRecord(t, s, "alice", "cam-2", 3, []float32{3})

	n, err := s.DeleteSource("alice", "cam-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var left []string
	require.NoError(t, s.ForEach("alice", func(rec *Record) error {
		left = append(left, rec.SourceID)
		return nil
	}))
	assert.Equal(t, []string{"cam-2"}, left)
}

func TestBoltStore_Tenants(t *testing.T) {
	s := testStore(t)

	tenants, err := s.Tenants()
	require.NoError(t, err)
	assert.Empty(t, tenants)

	putRecord(t, s, "alice", "cam-1", 1, []float32{1})
	putRecord(t, s, "bob", "cam-1", 1, []float32{1})

	tenants, err = s.Tenants()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, tenants)
}

func TestBoltStore_RequiresTenant(t *testing.T) {
	s := testStore(t)

	assert.ErrorIs(t, s.Put(&Record{ID: "x"}), ErrMissingTenant)
	_, err := s.Get("", "x")
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.ErrorIs(t, s.ForEach("", nil), ErrMissingTenant)
}

func TestRecordID_Deterministic(t *testing.T) {
	loc := Locator{ChunkID: "c1", Position: 3, Box: [4]int{1, 2, 3, 4}}

	assert.Equal(t,
		RecordID("alice", "cam-1", loc),
		RecordID("alice", "cam-1", loc))

	assert.NotEqual(t,
		RecordID("alice", "cam-1", loc),
		RecordID("bob", "cam-1", loc))

	other := loc
	other.Box[2] = 99
	assert.NotEqual(t,
		RecordID("alice", "cam-1", loc),
		RecordID("alice", "cam-1", other))
}
