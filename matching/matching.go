// Package matching implements the descriptor-correspondence stage: it
// takes a scene's descriptors and, depending on topology, either
// queries them against the prebuilt object-library vocabulary
// (inverted mode) or builds a throwaway vocabulary over the scene and
// queries the library descriptors against it (non-inverted mode).
package matching

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/objectlibrary"
	"github.com/gasparian/find-object-go/vocabulary"
	"github.com/gasparian/find-object-go/workerpool"
)

// Config controls the matching test and search topology.
type Config struct {
	InvertedSearch  bool
	Incremental     bool // vocabularyIncremental, forwarded to the scene-side AddWords call
	NNDRUsed        bool
	NNDRRatio       float64
	MinDistanceUsed bool
	MinDistance     float64
	Threads         int
}

// ErrModeMismatch is returned by consistent when the requested search
// topology does not match the vocabulary's current mode (inverted
// search against a scene-mode vocabulary, or vice versa). Callers can
// match it with errors.Is to degrade instead of treating it as fatal.
var ErrModeMismatch = errors.New("matching: search mode does not match vocabulary mode")

// Correspondence is one accepted match between an object's local
// keypoint index and a scene keypoint index.
type Correspondence struct {
	ObjKptIdx   int
	SceneKptIdx int
}

// Result is the outcome of a Match call.
type Result struct {
	Matches            map[int][]Correspondence
	MinMatchedDistance float64
	MaxMatchedDistance float64
}

func newResult() *Result {
	return &Result{
		Matches:            make(map[int][]Correspondence),
		MinMatchedDistance: -1,
		MaxMatchedDistance: -1,
	}
}

// EmptyResult returns a Result reporting no matches, for callers that
// need to degrade a rejected Match call to a no-op instead of aborting.
func EmptyResult() *Result {
	return newResult()
}

func (r *Result) observe(d0 float64) {
	if r.MinMatchedDistance < 0 || d0 < r.MinMatchedDistance {
		r.MinMatchedDistance = d0
	}
	if r.MaxMatchedDistance < 0 || d0 > r.MaxMatchedDistance {
		r.MaxMatchedDistance = d0
	}
}

func (r *Result) merge(other *Result) {
	for id, cs := range other.Matches {
		r.Matches[id] = append(r.Matches[id], cs...)
	}
	if other.MinMatchedDistance >= 0 && (r.MinMatchedDistance < 0 || other.MinMatchedDistance < r.MinMatchedDistance) {
		r.MinMatchedDistance = other.MinMatchedDistance
	}
	if other.MaxMatchedDistance >= 0 && (r.MaxMatchedDistance < 0 || other.MaxMatchedDistance > r.MaxMatchedDistance) {
		r.MaxMatchedDistance = other.MaxMatchedDistance
	}
}

// Stage runs the matching algorithm described above.
type Stage struct {
	cfg Config
}

// NewStage returns a Stage configured by cfg.
func NewStage(cfg Config) *Stage {
	return &Stage{cfg: cfg}
}

func (s *Stage) k() int {
	if s.cfg.NNDRUsed {
		return 2
	}
	return 1
}

// isMatch applies the configured NNDR / min-distance tests to a
// query's ranked candidate distances.
func (s *Stage) isMatch(dists []float64) bool {
	if len(dists) == 0 {
		return false
	}
	d0 := dists[0]
	matched := true
	if s.cfg.NNDRUsed {
		matched = len(dists) >= 2 && d0 <= s.cfg.NNDRRatio*dists[1]
	}
	if s.cfg.MinDistanceUsed {
		matched = matched && d0 <= s.cfg.MinDistance
	}
	return matched
}

// consistent checks that the descriptor shapes match and that the
// requested search topology agrees with the vocabulary's current mode.
func (s *Stage) consistent(scene keypoint.Descriptors, vocab *vocabulary.Vocabulary) error {
	cfg := vocab.Config()
	if !scene.Empty() {
		if scene.Cols() != cfg.Dims {
			return errors.New("matching: scene descriptor width does not match library")
		}
		wantBinary := cfg.Metric == vocabulary.MetricHamming || cfg.Metric == vocabulary.MetricHamming2
		if scene.IsBinary() != wantBinary {
			return errors.New("matching: scene descriptor representation does not match library")
		}
	}
	isScene, set := vocab.SceneMode()
	if s.cfg.InvertedSearch {
		if vocab.Size() == 0 || !set || isScene {
			return fmt.Errorf("%w: inverted search requires a prebuilt library vocabulary", ErrModeMismatch)
		}
		return nil
	}
	if vocab.Size() != 0 && set && !isScene {
		return fmt.Errorf("%w: non-inverted search requires an empty or scene-mode vocabulary", ErrModeMismatch)
	}
	return nil
}

// Match runs the configured matching topology against lib.
func (s *Stage) Match(scene keypoint.Descriptors, vocab *vocabulary.Vocabulary, lib *objectlibrary.Library) (*Result, error) {
	if err := s.consistent(scene, vocab); err != nil {
		return nil, err
	}
	if s.cfg.InvertedSearch {
		return s.matchInverted(scene, vocab, lib)
	}
	return s.matchNonInverted(scene, vocab, lib)
}

func (s *Stage) matchInverted(scene keypoint.Descriptors, vocab *vocabulary.Vocabulary, lib *objectlibrary.Library) (*Result, error) {
	idx, dist, err := vocab.Search(scene, s.k())
	if err != nil {
		return nil, err
	}
	result := newResult()
	for i := range idx {
		if len(dist[i]) == 0 {
			continue
		}
		result.observe(dist[i][0])
		if !s.isMatch(dist[i]) {
			continue
		}
		wordID := idx[i][0]
		for _, objID := range vocab.WordToObjects(wordID) {
			if vocab.ObjectWordCount(wordID, objID) != 1 {
				continue
			}
			sig, ok := lib.Get(objID)
			if !ok {
				continue
			}
			objKptIdx, ok := sig.Words[wordID]
			if !ok {
				continue
			}
			result.Matches[objID] = append(result.Matches[objID], Correspondence{ObjKptIdx: objKptIdx, SceneKptIdx: i})
		}
	}
	return result, nil
}

func (s *Stage) matchNonInverted(scene keypoint.Descriptors, vocab *vocabulary.Vocabulary, lib *objectlibrary.Library) (*Result, error) {
	vocab.Clear()
	words := vocab.AddWords(scene, -1, s.cfg.Incremental)
	// Vocabulary.Search requires an empty staging block; incremental
	// scene adds may leave unmatched rows staged, so the flush always
	// runs here rather than only "if not incremental" -- see DESIGN.md.
	vocab.Update()

	sceneWordRows := make(map[int][]int, len(words))
	for _, w := range words {
		sceneWordRows[w.WordID] = append(sceneWordRows[w.WordID], w.DescRow)
	}

	if s.cfg.Threads == 1 {
		return s.searchSingleMatrix(lib, sceneWordRows, vocab)
	}
	return s.searchPerObject(lib, sceneWordRows, vocab)
}

func (s *Stage) searchSingleMatrix(lib *objectlibrary.Library, sceneWordRows map[int][]int, vocab *vocabulary.Vocabulary) (*Result, error) {
	queries := lib.SingleMatrix()
	idx, dist, err := vocab.Search(queries, s.k())
	if err != nil {
		return nil, err
	}
	result := newResult()
	for i := range idx {
		if len(dist[i]) == 0 {
			continue
		}
		result.observe(dist[i][0])
		if !s.isMatch(dist[i]) {
			continue
		}
		objID, local, ok := lib.OwnerOf(i)
		if !ok {
			continue
		}
		wordID := idx[i][0]
		rows := sceneWordRows[wordID]
		if len(rows) != 1 {
			continue
		}
		result.Matches[objID] = append(result.Matches[objID], Correspondence{ObjKptIdx: local, SceneKptIdx: rows[0]})
	}
	return result, nil
}

func (s *Stage) searchPerObject(lib *objectlibrary.Library, sceneWordRows map[int][]int, vocab *vocabulary.Vocabulary) (*Result, error) {
	objs := lib.Objects()
	partials := make([]*Result, len(objs))
	var errOnce sync.Once
	var firstErr error

	workerpool.Run(len(objs), s.cfg.Threads, func(i int) {
		sig := objs[i]
		if sig.Descriptors.Empty() {
			partials[i] = newResult()
			return
		}
		idx, dist, err := vocab.Search(sig.Descriptors, s.k())
		if err != nil {
			errOnce.Do(func() { firstErr = err })
			return
		}
		r := newResult()
		for local := range idx {
			if len(dist[local]) == 0 {
				continue
			}
			r.observe(dist[local][0])
			if !s.isMatch(dist[local]) {
				continue
			}
			wordID := idx[local][0]
			rows := sceneWordRows[wordID]
			if len(rows) != 1 {
				continue
			}
			r.Matches[sig.ID] = append(r.Matches[sig.ID], Correspondence{ObjKptIdx: local, SceneKptIdx: rows[0]})
		}
		partials[i] = r
	})
	if firstErr != nil {
		return nil, firstErr
	}

	result := newResult()
	for _, p := range partials {
		result.merge(p)
	}
	return result, nil
}
