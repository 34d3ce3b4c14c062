// Package index implements the tenant-isolated embedding index: durable
// storage of (vector, tags, timestamp) records and approximate-nearest-
// neighbor queries over them.
//
// The durable record store is authoritative; the in-memory ANN graphs are
// derived, rebuildable structures. Each tenant gets its own graph, so a
// query physically cannot reach another tenant's records regardless of
// filters or top_k.
//
// Distance metric: Euclidean, ascending order, ties broken by insertion
// order. This is fixed per deployment; the index never mixes metrics.
package index

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrMissingTenant is returned when a query or insert lacks a tenant
	// scope. Tenant scope is non-optional; the index fails closed rather
	// than defaulting to "all tenants".
	ErrMissingTenant = errors.New("missing tenant scope")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index's configured dimension. A programming or configuration
	// error, fatal to the request.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidTopK is returned when top_k is zero or negative.
	ErrInvalidTopK = errors.New("top_k must be positive")

	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")
)

// Locator is the opaque reference used to fetch the matching image crop
// from the upstream service. The index stores it verbatim and never
// interprets it.
type Locator struct {
	ChunkID  string `json:"chunk_id"`
	Position int    `json:"position"`
	Box      [4]int `json:"box"`
}

// Record is one immutable embedding entry. Seq is the per-tenant insertion
// sequence assigned by the store; it orders rebuilds and breaks distance
// ties.
type Record struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SourceID  string    `json:"source_id"`
	Timestamp float64   `json:"timestamp"`
	Vector    []float32 `json:"-"`
	Locator   Locator   `json:"locator"`
	Seq       uint64    `json:"seq"`
}

// recordNamespace anchors deterministic record ids.
var recordNamespace = uuid.MustParse("7d4ac1f6-9b3e-4e71-a2d0-5f1c8e6b2a90")

// RecordID derives the deterministic id for a record's identity
// (tenant, source, locator). Re-ingesting the same frame crop produces the
// same id, which is what makes duplicate inserts last-write-wins.
func RecordID(tenantID, sourceID string, loc Locator) string {
	name := fmt.Sprintf("%s/%s/%s/%d/%d,%d,%d,%d",
		tenantID, sourceID, loc.ChunkID, loc.Position,
		loc.Box[0], loc.Box[1], loc.Box[2], loc.Box[3])
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

// TimeRange bounds a query to [Start, End] in source-clock seconds.
// A nil bound is unbounded on that side.
type TimeRange struct {
	Start *float64
	End   *float64
}

// Contains reports whether ts falls inside the range.
func (r *TimeRange) Contains(ts float64) bool {
	if r == nil {
		return true
	}
	if r.Start != nil && ts < *r.Start {
		return false
	}
	if r.End != nil && ts > *r.End {
		return false
	}
	return true
}

// Filter restricts a query to given sources and/or a time range. The
// tenant scope is not part of Filter: it is a mandatory query argument.
type Filter struct {
	SourceIDs []string
	TimeRange *TimeRange
}

// matches reports whether a record passes the filter predicates.
func (f *Filter) matches(sourceID string, ts float64) bool {
	if f == nil {
		return true
	}
	if len(f.SourceIDs) > 0 {
		found := false
		for _, id := range f.SourceIDs {
			if id == sourceID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.TimeRange.Contains(ts)
}

// Hit is one query result: the matching record and its Euclidean distance
// from the query vector.
type Hit struct {
	Record   *Record
	Distance float64
}
