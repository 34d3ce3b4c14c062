package index

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

// Index is the embedding index facade: durable writes through the Store,
// ANN queries through per-tenant HNSW graphs.
type Index struct {
	store  Store
	params graphParams
	dim    int
	logger *zap.Logger

	mu     sync.RWMutex
	graphs map[string]*graph
}

// New creates an index over store with the configured parameters. Graphs
// are built from stored records on first access per tenant; ReindexAll
// front-loads that cost for every tenant at once.
func New(store Store, cfg config.IndexConfig, logger *zap.Logger) *Index {
	return &Index{
		store: store,
		params: graphParams{
			m:              cfg.M,
			efConstruction: cfg.EfConstruction,
			efSearch:       cfg.EfSearch,
			epsilon:        cfg.Epsilon,
		},
		dim:    cfg.Dimension,
		logger: logger,
		graphs: make(map[string]*graph),
	}
}

// Dimension returns the configured vector dimension.
func (ix *Index) Dimension() int {
	return ix.dim
}

// graphFor returns the tenant's graph, building it from the durable
// store on first access so records indexed before a restart stay
// searchable without an explicit warm-up.
func (ix *Index) graphFor(ctx context.Context, tenantID string) (*graph, error) {
	ix.mu.RLock()
	g, ok := ix.graphs[tenantID]
	ix.mu.RUnlock()
	if ok {
		return g, nil
	}

	fresh := newGraph(tenantID, ix.params, 1)
	count := 0
	err := ix.store.ForEach(tenantID, func(rec *Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(rec.Vector) != ix.dim {
			return fmt.Errorf("%w: stored record %s has dimension %d",
				ErrDimensionMismatch, rec.ID, len(rec.Vector))
		}
		fresh.add(rec)
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading tenant graph: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if g, ok := ix.graphs[tenantID]; ok {
		// Lost the race to a concurrent load or reindex.
		return g, nil
	}
	ix.graphs[tenantID] = fresh
	setIndexSize(tenantID, count)
	return fresh, nil
}

// Insert appends one record and returns its id. The write is atomic per
// record: it is durably stored, then indexed, and visible to queries once
// Insert returns. A duplicate (source, locator) identity overwrites the
// previous record. Insert deliberately ignores ctx cancellation once
// started; a record is never half-written.
func (ix *Index) Insert(ctx context.Context, rec *Record) (string, error) {
	if rec.TenantID == "" {
		return "", ErrMissingTenant
	}
	if len(rec.Vector) != ix.dim {
		return "", fmt.Errorf("%w: got %d, index dimension %d",
			ErrDimensionMismatch, len(rec.Vector), ix.dim)
	}

	if rec.ID == "" {
		rec.ID = RecordID(rec.TenantID, rec.SourceID, rec.Locator)
	}

	// Load the graph before the durable write so a first insert after a
	// restart does not shadow records already on disk.
	g, err := ix.graphFor(ctx, rec.TenantID)
	if err != nil {
		return "", err
	}

	if err := ix.store.Put(rec); err != nil {
		return "", fmt.Errorf("persisting record: %w", err)
	}
	g.add(rec)

	recordInsert(rec.TenantID)
	setIndexSize(rec.TenantID, g.count())
	return rec.ID, nil
}

// Query returns up to topK hits for tenantID, ascending by Euclidean
// distance with ties broken by insertion order. The tenant scope is
// mandatory; an empty result is a valid outcome, not an error.
func (ix *Index) Query(ctx context.Context, tenantID string, query []float32, topK int, filter *Filter) ([]Hit, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	if topK <= 0 {
		return nil, ErrInvalidTopK
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, index dimension %d",
			ErrDimensionMismatch, len(query), ix.dim)
	}

	g, err := ix.graphFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	timer := startQueryTimer(tenantID)
	hits := g.search(query, topK, filter)
	timer.done()
	return hits, nil
}

// DeleteSource removes all of a source's records, durably and from the
// graph. Used when the source is deleted upstream.
func (ix *Index) DeleteSource(ctx context.Context, tenantID, sourceID string) (int, error) {
	if tenantID == "" {
		return 0, ErrMissingTenant
	}

	deleted, err := ix.store.DeleteSource(tenantID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting source records: %w", err)
	}

	ix.mu.RLock()
	g, ok := ix.graphs[tenantID]
	ix.mu.RUnlock()
	if ok {
		g.removeSource(sourceID)
		setIndexSize(tenantID, g.count())
	}
	return deleted, nil
}

// Reindex rebuilds one tenant's graph from the durable store. The rebuild
// reads records, never the old graph, so tombstones and stale parameters
// are shed. The swapped-in graph becomes visible atomically.
func (ix *Index) Reindex(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}

	fresh := newGraph(tenantID, ix.params, 1)
	count := 0
	err := ix.store.ForEach(tenantID, func(rec *Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(rec.Vector) != ix.dim {
			return fmt.Errorf("%w: stored record %s has dimension %d",
				ErrDimensionMismatch, rec.ID, len(rec.Vector))
		}
		fresh.add(rec)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuilding index for tenant: %w", err)
	}

	ix.mu.Lock()
	ix.graphs[tenantID] = fresh
	ix.mu.Unlock()

	setIndexSize(tenantID, count)
	ix.logger.Info("reindexed tenant collection",
		zap.String("tenant_id", tenantID),
		zap.Int("records", count),
	)
	return nil
}

// ReindexAll rebuilds every tenant graph from the store; used at startup
// warm-up and after an index parameter change.
func (ix *Index) ReindexAll(ctx context.Context) error {
	tenants, err := ix.store.Tenants()
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	for _, tenantID := range tenants {
		if err := ix.Reindex(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

// DropTenant discards a tenant's in-memory graph. Called on unregister,
// after the tenant's durable records are gone.
func (ix *Index) DropTenant(tenantID string) {
	ix.mu.Lock()
	delete(ix.graphs, tenantID)
	ix.mu.Unlock()
}

// PurgeTenant removes a tenant's records durably and drops the graph.
func (ix *Index) PurgeTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	if err := ix.store.DeleteTenant(tenantID); err != nil {
		return fmt.Errorf("deleting tenant records: %w", err)
	}
	ix.DropTenant(tenantID)
	setIndexSize(tenantID, 0)
	ix.logger.Info("tenant purged", zap.String("tenant_id", tenantID))
	return nil
}
