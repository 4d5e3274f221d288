package vocabulary

import (
	"encoding/gob"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"

	"github.com/gasparian/find-object-go/vector"
)

// plane is a random hyperplane used to bucket vectors during forest
// construction, defined by a normal vector and, for non-angular
// metrics, an offset point it passes through.
type plane struct {
	n blas64.Vector
	d float64
}

// getProductSign returns which side of the plane vec falls on.
func (p *plane) getProductSign(vec blas64.Vector) bool {
	return (blas64.Dot(p.n, vec) - p.d) >= 0.0
}

// treeNode is a node of a random-projection binary tree: either a leaf
// holding row indices into the index's descriptor matrix, or an
// internal node splitting on plane.
type treeNode struct {
	ids   []int
	plane *plane
	left  *treeNode
	right *treeNode
}

func (t *treeNode) isLeaf() bool {
	return t.plane == nil
}

// traverse walks down the tree following vec's side at each split and
// returns the leaf's row indices.
func (t *treeNode) traverse(vec blas64.Vector) []int {
	node := t
	for !node.isLeaf() {
		if node.plane.getProductSign(vec) {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.ids
}

// indexConfig controls forest construction and search.
type indexConfig struct {
	NTrees   int
	KMinVecs int
}

func planeByPoints(a, b blas64.Vector, dims int) *plane {
	n := make([]float64, dims)
	mid := make([]float64, dims)
	for i := 0; i < dims; i++ {
		n[i] = a.Data[i] - b.Data[i]
		mid[i] = (a.Data[i] + b.Data[i]) / 2.0
	}
	nv := vector.NewVec(n)
	return &plane{n: nv, d: blas64.Dot(nv, vector.NewVec(mid))}
}

func getRandomPlane(vecs []blas64.Vector, dims int) *plane {
	i, j := rand.Intn(len(vecs)), rand.Intn(len(vecs))
	for j == i && len(vecs) > 1 {
		j = rand.Intn(len(vecs))
	}
	return planeByPoints(vecs[i], vecs[j], dims)
}

func growTree(ids []int, vecs []blas64.Vector, dims, kMinVecs int) *treeNode {
	if len(ids) <= kMinVecs {
		return &treeNode{ids: ids}
	}
	pl := getRandomPlane(vecs, dims)
	var leftIds, rightIds []int
	var leftVecs, rightVecs []blas64.Vector
	for k, id := range ids {
		if pl.getProductSign(vecs[k]) {
			leftIds = append(leftIds, id)
			leftVecs = append(leftVecs, vecs[k])
		} else {
			rightIds = append(rightIds, id)
			rightVecs = append(rightVecs, vecs[k])
		}
	}
	if len(leftIds) == 0 || len(rightIds) == 0 {
		return &treeNode{ids: ids}
	}
	return &treeNode{
		plane: pl,
		left:  growTree(leftIds, leftVecs, dims, kMinVecs),
		right: growTree(rightIds, rightVecs, dims, kMinVecs),
	}
}

func buildTree(vecs []blas64.Vector, dims, kMinVecs int) *treeNode {
	ids := make([]int, len(vecs))
	for i := range vecs {
		ids[i] = i
	}
	return growTree(ids, vecs, dims, kMinVecs)
}

// distFunc computes the exact distance between two rows for reranking
// candidates pulled out of a tree leaf.
type distFunc func(a, b blas64.Vector) float64

// annIndex is a forest of random-projection trees over a fixed set of
// vectors, offering approximate k-NN search backed by exact reranking
// inside each candidate bucket. It mirrors the teacher's Hasher: build
// fans out one goroutine per tree, guarded by a RWMutex so concurrent
// searches can run freely between rebuilds.
type annIndex struct {
	mu     sync.RWMutex
	cfg    indexConfig
	dims   int
	dist   distFunc
	trees  []*treeNode
	vecs   []blas64.Vector
	built  bool
}

func newAnnIndex(cfg indexConfig, dims int, dist distFunc) *annIndex {
	if cfg.NTrees <= 0 {
		cfg.NTrees = 1
	}
	if cfg.KMinVecs <= 0 {
		cfg.KMinVecs = 1
	}
	return &annIndex{cfg: cfg, dims: dims, dist: dist}
}

// build replaces the forest with one grown over vecs. It is the only
// mutating operation; callers must serialize calls to it (the
// vocabulary does so by construction — rebuilds only happen inside
// Update, which holds the write lock).
func (idx *annIndex) build(vecs []blas64.Vector) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vecs = vecs
	if len(vecs) == 0 {
		idx.trees = nil
		idx.built = true
		return
	}
	trees := make([]*treeNode, idx.cfg.NTrees)
	var wg sync.WaitGroup
	wg.Add(idx.cfg.NTrees)
	for i := 0; i < idx.cfg.NTrees; i++ {
		go func(i int) {
			defer wg.Done()
			trees[i] = buildTree(vecs, idx.dims, idx.cfg.KMinVecs)
		}(i)
	}
	wg.Wait()
	idx.trees = trees
	idx.built = true
}

// knnSearch returns, for each query row, up to k nearest row indices
// (into the vectors passed to build) and their exact distances,
// ascending by distance. Candidate rows are gathered by traversing
// every tree and merging their leaves, deduplicated, then reranked
// with the exact distance function.
func (idx *annIndex) knnSearch(queries []blas64.Vector, k int) ([][]int, [][]float64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	resIdx := make([][]int, len(queries))
	resDist := make([][]float64, len(queries))
	for qi, q := range queries {
		seen := make(map[int]struct{})
		var candidates []int
		for _, t := range idx.trees {
			if t == nil {
				continue
			}
			for _, id := range t.traverse(q) {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					candidates = append(candidates, id)
				}
			}
		}
		dists := make([]float64, len(candidates))
		for i, id := range candidates {
			dists[i] = idx.dist(q, idx.vecs[id])
		}
		// floats.Argsort sorts dists ascending and fills perm with each
		// sorted entry's original position, which maps back to the row id
		// in candidates.
		perm := make([]int, len(candidates))
		floats.Argsort(dists, perm)
		rowK := k
		if rowK > len(candidates) {
			rowK = len(candidates)
		}
		ids := make([]int, rowK)
		for i := 0; i < rowK; i++ {
			ids[i] = candidates[perm[i]]
		}
		resIdx[qi] = ids
		resDist[qi] = dists[:rowK]
	}
	return resIdx, resDist
}

// gobIndex is the serializable snapshot of an annIndex: rebuilding the
// forest from raw vectors on load is cheaper and less fragile than
// gob-encoding the tree pointers directly, so Dump/Load round-trip the
// vectors and re-run build.
type gobIndex struct {
	Cfg  indexConfig
	Dims int
	Rows [][]float64
}

func (idx *annIndex) encode(w io.Writer) error {
	idx.mu.RLock()
	rows := make([][]float64, len(idx.vecs))
	for i, v := range idx.vecs {
		rows[i] = append([]float64(nil), v.Data...)
	}
	snap := gobIndex{Cfg: idx.cfg, Dims: idx.dims, Rows: rows}
	idx.mu.RUnlock()
	return gob.NewEncoder(w).Encode(snap)
}

func (idx *annIndex) decode(r io.Reader) error {
	var snap gobIndex
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return err
	}
	if snap.Dims != idx.dims {
		return errors.New("vocabulary: index dimension mismatch on load")
	}
	idx.cfg = snap.Cfg
	vecs := make([]blas64.Vector, len(snap.Rows))
	for i, row := range snap.Rows {
		vecs[i] = vector.NewVec(row)
	}
	idx.build(vecs)
	return nil
}

func l2Dist(a, b blas64.Vector) float64 {
	d := vector.L2(a, b)
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}
