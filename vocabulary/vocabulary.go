// Package vocabulary implements the descriptor index shared by the
// matching stage: a dual-block store (an indexed block backed by an
// approximate-NN forest, plus an unindexed staging block appended to
// incrementally) that assigns each distinct visual word a dense
// integer id.
package vocabulary

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sort"
	"sync"

	"gonum.org/v1/gonum/blas/blas64"

	"github.com/google/uuid"

	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/vector"
)

// Metric selects the distance function used both to build the forest's
// exact-rerank step and to merge candidates during incremental adds.
type Metric int

const (
	MetricL2 Metric = iota
	MetricHamming
	MetricHamming2
)

// Config are the fixed parameters a Vocabulary is constructed with.
// Dims and Metric are established once and never inferred, so
// AddWords can validate every incoming row against them cheaply.
type Config struct {
	Dims      int
	Metric    Metric
	NTrees    int
	KMinVecs  int
	NNDRRatio float64
}

// WordMatch is one row of AddWords' result: the visual word a
// descriptor row was assigned to (or matched against).
type WordMatch struct {
	WordID  int
	DescRow int
}

// sceneObjectID is the sentinel object id recorded for words added
// during a scene (non-inverted) build.
const sceneObjectID = -1

// Vocabulary is safe for concurrent Search calls; AddWords/Update/Clear
// must be serialized by the caller (the orchestrator only ever runs
// them from the control thread).
type Vocabulary struct {
	mu sync.RWMutex

	cfg   Config
	index *annIndex

	indexedDescriptors    []blas64.Vector
	notIndexedDescriptors []blas64.Vector
	notIndexedWordIds     []int

	wordToObjects    map[int][]int
	wordObjectCounts map[int]map[int]int
	sceneMode        bool
	sceneModeSet     bool

	buildID string
}

// New creates an empty Vocabulary for the given configuration.
func New(cfg Config) *Vocabulary {
	if cfg.NNDRRatio <= 0 {
		cfg.NNDRRatio = 0.8
	}
	return &Vocabulary{
		cfg:              cfg,
		index:            newAnnIndex(indexConfig{NTrees: cfg.NTrees, KMinVecs: cfg.KMinVecs}, cfg.Dims, distFor(cfg.Metric)),
		wordToObjects:    make(map[int][]int),
		wordObjectCounts: make(map[int]map[int]int),
	}
}

func distFor(m Metric) distFunc {
	switch m {
	case MetricHamming:
		return hammingVecDist
	case MetricHamming2:
		return hamming2VecDist
	default:
		return l2Dist
	}
}

func hammingVecDist(a, b blas64.Vector) float64 {
	dist := 0
	for i := range a.Data {
		dist += bits.OnesCount8(byte(a.Data[i]) ^ byte(b.Data[i]))
	}
	return float64(dist)
}

func hamming2VecDist(a, b blas64.Vector) float64 {
	dist := 0
	for i := range a.Data {
		x := byte(a.Data[i]) ^ byte(b.Data[i])
		for shift := 0; shift < 8; shift += 2 {
			if (x>>shift)&0x3 != 0 {
				dist++
			}
		}
	}
	return float64(dist)
}

// Config returns the vocabulary's fixed configuration.
func (v *Vocabulary) Config() Config {
	return v.cfg
}

// Size returns the total number of words currently held, indexed or
// staged.
func (v *Vocabulary) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.indexedDescriptors) + len(v.notIndexedDescriptors)
}

// WordToObjects returns the object ids (or the scene sentinel) that
// own wordID. The returned slice must not be mutated by the caller.
func (v *Vocabulary) WordToObjects(wordID int) []int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.wordToObjects[wordID]
}

// ObjectWordCount reports how many descriptors of objectID were
// assigned to wordID. A count above one means that particular
// object's own association with the word is ambiguous, distinct from
// wordID being shared across several objects.
func (v *Vocabulary) ObjectWordCount(wordID, objectID int) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.wordObjectCounts[wordID][objectID]
}

// SceneMode reports whether the vocabulary was last populated from a
// scene (object id == -1) rather than the object library.
func (v *Vocabulary) SceneMode() (isScene bool, set bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sceneMode, v.sceneModeSet
}

// Clear empties both descriptor blocks, the staging id list and the
// word->object map, and marks the mode as unset so the next AddWords
// call re-establishes it. The configuration is kept.
func (v *Vocabulary) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.indexedDescriptors = nil
	v.notIndexedDescriptors = nil
	v.notIndexedWordIds = nil
	v.wordToObjects = make(map[int][]int)
	v.wordObjectCounts = make(map[int]map[int]int)
	v.sceneModeSet = false
	v.index.build(nil)
}

func (v *Vocabulary) validate(d keypoint.Descriptors) error {
	if d.Cols() != v.cfg.Dims {
		return fmt.Errorf("vocabulary: descriptor width %d does not match configured %d", d.Cols(), v.cfg.Dims)
	}
	wantBinary := v.cfg.Metric == MetricHamming || v.cfg.Metric == MetricHamming2
	if d.IsBinary() != wantBinary {
		return fmt.Errorf("vocabulary: descriptor representation does not match configured metric")
	}
	return nil
}

func (v *Vocabulary) recordOwner(wordID, objectID int) {
	counts := v.wordObjectCounts[wordID]
	if counts == nil {
		counts = make(map[int]int)
		v.wordObjectCounts[wordID] = counts
	}
	counts[objectID]++

	owners := v.wordToObjects[wordID]
	for _, o := range owners {
		if o == objectID {
			return
		}
	}
	v.wordToObjects[wordID] = append(owners, objectID)
}

// AddWords indexes descriptors under objectID (use -1 for a scene
// build) and returns the word assigned to each row. Column width and
// binary/float representation must match the vocabulary's
// configuration -- a mismatch is a programming error and panics.
func (v *Vocabulary) AddWords(descriptors keypoint.Descriptors, objectID int, incremental bool) []WordMatch {
	if descriptors.Empty() {
		return nil
	}
	if err := v.validate(descriptors); err != nil {
		panic(err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.sceneModeSet {
		v.sceneMode = objectID == sceneObjectID
		v.sceneModeSet = true
	} else if (objectID == sceneObjectID) != v.sceneMode {
		panic(errors.New("vocabulary: cannot mix scene and library word ownership without Clear"))
	}

	if !incremental {
		return v.addWordsBulk(descriptors, objectID)
	}
	return v.addWordsIncremental(descriptors, objectID)
}

func (v *Vocabulary) addWordsBulk(descriptors keypoint.Descriptors, objectID int) []WordMatch {
	base := len(v.indexedDescriptors) + len(v.notIndexedDescriptors)
	out := make([]WordMatch, descriptors.Len())
	for i := 0; i < descriptors.Len(); i++ {
		w := base + i
		v.notIndexedWordIds = append(v.notIndexedWordIds, w)
		v.notIndexedDescriptors = append(v.notIndexedDescriptors, vector.NewVec(descriptors.Row(i)))
		v.recordOwner(w, objectID)
		out[i] = WordMatch{WordID: w, DescRow: i}
	}
	return out
}

type distCandidate struct {
	wordID int
	dist   float64
}

func (v *Vocabulary) addWordsIncremental(descriptors keypoint.Descriptors, objectID int) []WordMatch {
	dist := distFor(v.cfg.Metric)
	out := make([]WordMatch, descriptors.Len())
	for i := 0; i < descriptors.Len(); i++ {
		row := vector.NewVec(descriptors.Row(i))

		var candidates []distCandidate
		if len(v.indexedDescriptors) >= 2 {
			idxRes, distRes := v.index.knnSearch([]blas64.Vector{row}, 2)
			if len(idxRes[0]) < 2 {
				// The forest's buckets held fewer than two rows for this
				// query; rank the whole indexed block exactly instead so the
				// ratio test still sees the two nearest indexed words.
				idxRes[0], distRes[0] = nil, nil
				for id, indexed := range v.indexedDescriptors {
					idxRes[0] = append(idxRes[0], id)
					distRes[0] = append(distRes[0], dist(row, indexed))
				}
			}
			for j, id := range idxRes[0] {
				candidates = append(candidates, distCandidate{wordID: id, dist: distRes[0][j]})
			}
		}
		for j, staged := range v.notIndexedDescriptors {
			candidates = append(candidates, distCandidate{wordID: v.notIndexedWordIds[j], dist: dist(row, staged)})
		}
		sort.Slice(candidates, func(a, b int) bool { return candidates[a].dist < candidates[b].dist })

		matched := false
		if len(candidates) >= 2 {
			d1, d2 := candidates[0].dist, candidates[1].dist
			matched = d1 <= v.cfg.NNDRRatio*d2
		}

		var wordID int
		if matched {
			wordID = candidates[0].wordID
		} else {
			wordID = len(v.indexedDescriptors) + len(v.notIndexedDescriptors)
			v.notIndexedWordIds = append(v.notIndexedWordIds, wordID)
			v.notIndexedDescriptors = append(v.notIndexedDescriptors, row)
		}
		v.recordOwner(wordID, objectID)
		out[i] = WordMatch{WordID: wordID, DescRow: i}
	}
	return out
}

// Update flushes the staging block into the indexed block and rebuilds
// the ANN forest over the full indexed set. It is the only place the
// forest is mutated; the rebuild is total.
func (v *Vocabulary) Update() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.indexedDescriptors = append(v.indexedDescriptors, v.notIndexedDescriptors...)
	v.notIndexedDescriptors = nil
	v.notIndexedWordIds = nil
	v.index.build(v.indexedDescriptors)
	if id, err := uuid.NewRandom(); err == nil {
		v.buildID = id.String()
	}
}

// BuildID returns the identifier of the last successful Update, or an
// empty string if Update has never been called.
func (v *Vocabulary) BuildID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.buildID
}

// Search runs approximate k-NN search for each query row against the
// indexed block. The staging block must be empty (call Update first);
// violating that precondition is an error rather than a panic, since
// callers may race a rebuild against ordinary usage bugs.
func (v *Vocabulary) Search(queries keypoint.Descriptors, k int) ([][]int, [][]float64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.notIndexedDescriptors) != 0 {
		return nil, nil, errors.New("vocabulary: Search called with a non-empty staging block, call Update first")
	}
	if err := v.validate(queries); err != nil {
		return nil, nil, err
	}
	rows := make([]blas64.Vector, queries.Len())
	for i := 0; i < queries.Len(); i++ {
		rows[i] = vector.NewVec(queries.Row(i))
	}
	idx, dist := v.index.knnSearch(rows, k)
	return idx, dist, nil
}

// gobVocabulary is the serializable snapshot of a Vocabulary.
type gobVocabulary struct {
	Cfg               Config
	IndexedRows       [][]float64
	NotIndexedRows    [][]float64
	NotIndexedWordIds []int
	WordToObjects     map[int][]int
	WordObjectCounts  map[int]map[int]int
	SceneMode         bool
	SceneModeSet      bool
	BuildID           string
}

// Dump gob-encodes the vocabulary's full state, including the raw
// vectors backing the ANN forest (the forest itself is rebuilt on
// Load rather than serialized node-by-node).
func (v *Vocabulary) Dump(w io.Writer) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap := gobVocabulary{
		Cfg:               v.cfg,
		IndexedRows:       vecsToRows(v.indexedDescriptors),
		NotIndexedRows:    vecsToRows(v.notIndexedDescriptors),
		NotIndexedWordIds: append([]int(nil), v.notIndexedWordIds...),
		WordToObjects:     v.wordToObjects,
		WordObjectCounts:  v.wordObjectCounts,
		SceneMode:         v.sceneMode,
		SceneModeSet:      v.sceneModeSet,
		BuildID:           v.buildID,
	}
	return gob.NewEncoder(w).Encode(snap)
}

// Load replaces the vocabulary's state with a previously Dump-ed
// snapshot and rebuilds the ANN forest over the indexed rows.
func (v *Vocabulary) Load(r io.Reader) error {
	var snap gobVocabulary
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg = snap.Cfg
	v.indexedDescriptors = rowsToVecs(snap.IndexedRows)
	v.notIndexedDescriptors = rowsToVecs(snap.NotIndexedRows)
	v.notIndexedWordIds = snap.NotIndexedWordIds
	v.wordToObjects = snap.WordToObjects
	if v.wordToObjects == nil {
		v.wordToObjects = make(map[int][]int)
	}
	v.wordObjectCounts = snap.WordObjectCounts
	if v.wordObjectCounts == nil {
		v.wordObjectCounts = make(map[int]map[int]int)
	}
	v.sceneMode = snap.SceneMode
	v.sceneModeSet = snap.SceneModeSet
	v.buildID = snap.BuildID
	v.index = newAnnIndex(indexConfig{NTrees: v.cfg.NTrees, KMinVecs: v.cfg.KMinVecs}, v.cfg.Dims, distFor(v.cfg.Metric))
	v.index.build(v.indexedDescriptors)
	return nil
}

func vecsToRows(vecs []blas64.Vector) [][]float64 {
	rows := make([][]float64, len(vecs))
	for i, vec := range vecs {
		rows[i] = append([]float64(nil), vec.Data...)
	}
	return rows
}

func rowsToVecs(rows [][]float64) []blas64.Vector {
	vecs := make([]blas64.Vector, len(rows))
	for i, row := range rows {
		vecs[i] = vector.NewVec(row)
	}
	return vecs
}
