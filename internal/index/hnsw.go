package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// graphParams are the HNSW construction and search knobs. Raising any of
// them trades query (or build) time for recall.
type graphParams struct {
	m              int     // graph fan-out per node per layer
	efConstruction int     // construction-time beam width
	efSearch       int     // query-time beam width
	epsilon        float64 // extra beam widening when a filter is active
}

// node is one vector in the graph. Deleted nodes stay as tombstones so the
// graph keeps its connectivity; they are skipped at result-collection time
// and dropped entirely on reindex.
type node struct {
	id        string
	vector    []float32
	seq       uint64
	sourceID  string
	timestamp float64
	locator   Locator
	level     int
	neighbors [][]int32
	deleted   bool
}

// graph is a per-tenant hierarchical navigable small-world index.
//
// All mutation happens under the write lock; searches take the read lock
// and never mutate, so a query observes a consistent snapshot at least as
// fresh as the last insert that completed before it started.
type graph struct {
	mu        sync.RWMutex
	tenantID  string
	params    graphParams
	nodes     []*node
	byID      map[string]int32
	entry     int32
	maxLevel  int
	levelMult float64
	rng       *rand.Rand
	live      int
}

func newGraph(tenantID string, params graphParams, seed int64) *graph {
	return &graph{
		tenantID:  tenantID,
		params:    params,
		byID:      make(map[string]int32),
		entry:     -1,
		levelMult: 1 / math.Log(float64(params.m)),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// squaredDistance is the comparison metric; the square root is deferred to
// result reporting since it preserves ordering.
func squaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func (g *graph) randLevel() int {
	r := g.rng.Float64()
	for r == 0 {
		r = g.rng.Float64()
	}
	return int(math.Floor(-math.Log(r) * g.levelMult))
}

// maxNeighbors is the degree bound per layer. Layer 0 gets twice the
// fan-out, as usual for HNSW.
func (g *graph) maxNeighbors(level int) int {
	if level == 0 {
		return 2 * g.params.m
	}
	return g.params.m
}

// add inserts a record, replacing any previous node with the same id
// (last write wins).
func (g *graph) add(rec *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.byID[rec.ID]; ok {
		if !g.nodes[old].deleted {
			g.nodes[old].deleted = true
			g.live--
		}
	}

	n := &node{
		id:        rec.ID,
		vector:    rec.Vector,
		seq:       rec.Seq,
		sourceID:  rec.SourceID,
		timestamp: rec.Timestamp,
		locator:   rec.Locator,
		level:     g.randLevel(),
	}
	n.neighbors = make([][]int32, n.level+1)

	idx := int32(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.byID[rec.ID] = idx
	g.live++

	if g.entry < 0 {
		g.entry = idx
		g.maxLevel = n.level
		return
	}

	ep := g.entry
	for l := g.maxLevel; l > n.level; l-- {
		ep = g.greedyClosest(rec.Vector, ep, l)
	}

	top := n.level
	if top > g.maxLevel {
		top = g.maxLevel
	}
	for l := top; l >= 0; l-- {
		cands := g.searchLayer(rec.Vector, ep, g.params.efConstruction, l)
		limit := g.maxNeighbors(l)
		if len(cands) < limit {
			limit = len(cands)
		}
		neighbors := make([]int32, 0, limit)
		for _, c := range cands[:limit] {
			neighbors = append(neighbors, c.idx)
		}
		n.neighbors[l] = neighbors
		for _, nb := range neighbors {
			g.link(nb, idx, l)
		}
		if len(cands) > 0 {
			ep = cands[0].idx
		}
	}

	if n.level > g.maxLevel {
		g.maxLevel = n.level
		g.entry = idx
	}
}

// link adds b to a's neighbor list at level, pruning to the degree bound.
func (g *graph) link(a, b int32, level int) {
	na := g.nodes[a]
	na.neighbors[level] = append(na.neighbors[level], b)

	limit := g.maxNeighbors(level)
	if len(na.neighbors[level]) <= limit {
		return
	}

	// Keep the closest neighbors to a.
	sort.Slice(na.neighbors[level], func(i, j int) bool {
		di := squaredDistance(na.vector, g.nodes[na.neighbors[level][i]].vector)
		dj := squaredDistance(na.vector, g.nodes[na.neighbors[level][j]].vector)
		return di < dj
	})
	na.neighbors[level] = na.neighbors[level][:limit]
}

// greedyClosest walks one layer greedily toward query.
func (g *graph) greedyClosest(query []float32, ep int32, level int) int32 {
	best := ep
	bestDist := squaredDistance(query, g.nodes[ep].vector)
	for {
		improved := false
		for _, nb := range g.nodes[best].neighbors[level] {
			if d := squaredDistance(query, g.nodes[nb].vector); d < bestDist {
				best, bestDist = nb, d
				improved = true
			}
		}
		if !improved {
			return best
		}
	}
}

type cand struct {
	idx  int32
	dist float64
}

// candHeap is a min- or max-heap over candidates depending on sign.
type candHeap struct {
	items []cand
	max   bool
}

func (h *candHeap) Len() int { return len(h.items) }
func (h *candHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}
func (h *candHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candHeap) Push(x interface{}) { h.items = append(h.items, x.(cand)) }
func (h *candHeap) Pop() interface{} {
	last := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	return last
}

// searchLayer runs a beam search of width ef on one layer and returns the
// ef closest nodes, ascending by distance.
func (g *graph) searchLayer(query []float32, ep int32, ef int, level int) []cand {
	epDist := squaredDistance(query, g.nodes[ep].vector)

	visited := map[int32]bool{ep: true}
	toExplore := &candHeap{items: []cand{{ep, epDist}}}
	best := &candHeap{items: []cand{{ep, epDist}}, max: true}

	for toExplore.Len() > 0 {
		c := heap.Pop(toExplore).(cand)
		if best.Len() >= ef && c.dist > best.items[0].dist {
			break
		}
		for _, nb := range g.nodes[c.idx].neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := squaredDistance(query, g.nodes[nb].vector)
			if best.Len() < ef || d < best.items[0].dist {
				heap.Push(toExplore, cand{nb, d})
				heap.Push(best, cand{nb, d})
				if best.Len() > ef {
					heap.Pop(best)
				}
			}
		}
	}

	out := best.items
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

// search returns up to k hits passing filter, ascending by distance with
// ties broken by insertion sequence.
func (g *graph) search(query []float32, k int, filter *Filter) []Hit {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.entry < 0 || g.live == 0 {
		return nil
	}

	ef := g.params.efSearch
	if k > ef {
		ef = k
	}
	if filter != nil {
		// Widen the beam so filtered queries still collect enough
		// survivors.
		ef = int(math.Ceil(float64(ef) * (1 + g.params.epsilon)))
	}

	ep := g.entry
	for l := g.maxLevel; l >= 1; l-- {
		ep = g.greedyClosest(query, ep, l)
	}

	cands := g.searchLayer(query, ep, ef, 0)

	hits := make([]Hit, 0, k)
	for _, c := range cands {
		n := g.nodes[c.idx]
		if n.deleted || !filter.matches(n.sourceID, n.timestamp) {
			continue
		}
		hits = append(hits, Hit{
			Record: &Record{
				ID:        n.id,
				TenantID:  g.tenantID,
				SourceID:  n.sourceID,
				Timestamp: n.timestamp,
				Vector:    n.vector,
				Locator:   n.locator,
				Seq:       n.seq,
			},
			Distance: math.Sqrt(c.dist),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Record.Seq < hits[j].Record.Seq
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// removeSource tombstones every node of one source. Returns the count.
func (g *graph) removeSource(sourceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for _, n := range g.nodes {
		if !n.deleted && n.sourceID == sourceID {
			n.deleted = true
			g.live--
			removed++
		}
	}
	return removed
}

// count returns the number of live nodes.
func (g *graph) count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.live
}
