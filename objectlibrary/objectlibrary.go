// Package objectlibrary holds the reference objects a scene is matched
// against: their images, extracted keypoints/descriptors, and the
// bookkeeping needed to keep a shared Vocabulary in sync with them.
package objectlibrary

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"

	"github.com/gasparian/find-object-go/common"
	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/vocabulary"
	"github.com/gasparian/find-object-go/workerpool"
)

// Rect is an axis-aligned rectangle, used both for an object's own
// bounding box and for scene image bounds during homography checks.
type Rect struct {
	X, Y, W, H float64
}

// ObjSignature is one reference object: its image, extracted local
// features, and the word ids assigned to those features the last time
// the vocabulary was built over it.
type ObjSignature struct {
	ID          int
	Filename    string
	Image       image.Image
	Rect        Rect
	Keypoints   keypoint.Points
	Descriptors keypoint.Descriptors
	Words       map[int]int // word id -> object-local keypoint index
}

func newSignature(id int, img image.Image, filename string) *ObjSignature {
	b := img.Bounds()
	return &ObjSignature{
		ID:       id,
		Filename: filename,
		Image:    img,
		Rect:     Rect{X: 0, Y: 0, W: float64(b.Dx()), H: float64(b.Dy())},
		Words:    make(map[int]int),
	}
}

func (s *ObjSignature) hasFeatures() bool {
	return !s.Descriptors.Empty()
}

// Config controls extraction/vocabulary-build behavior.
type Config struct {
	MaxFeatures             int
	Threads                 int
	InvertedSearch          bool
	VocabularyIncremental   bool
	VocabularyUpdateMinWords int
	// NextObjID seeds the monotonic id allocator. Zero means start
	// from 1; a restored library passes back whatever NextObjID
	// reported before the last save.
	NextObjID    int
	ImageFormats []string
}

// Library owns the ordered collection of reference objects plus the
// vocabulary derived from them. AddObject/RemoveObject invalidate the
// vocabulary by clearing it, not the library.
type Library struct {
	mu sync.RWMutex

	cfg       Config
	extractor keypoint.Extractor
	vocab     *vocabulary.Vocabulary
	logger    *common.Logger

	signatures  map[int]*ObjSignature
	order       []int
	nextID      int

	// non-inverted single-matrix mode
	objectsDescriptors keypoint.Descriptors
	dataRangeBounds    []int
	dataRangeObjects   []int
}

// New creates an empty Library backed by extractor for feature
// extraction and vocab as the shared descriptor index.
func New(cfg Config, extractor keypoint.Extractor, vocab *vocabulary.Vocabulary) *Library {
	if len(cfg.ImageFormats) == 0 {
		cfg.ImageFormats = []string{"*.jpg", "*.jpeg", "*.png"}
	}
	nextID := cfg.NextObjID
	if nextID <= 0 {
		nextID = 1
	}
	return &Library{
		cfg:        cfg,
		extractor:  extractor,
		vocab:      vocab,
		logger:     common.GetNewLogger(),
		signatures: make(map[int]*ObjSignature),
		nextID:     nextID,
	}
}

// NextObjID reports the id AddObject will hand out next, for
// persisting and restoring the allocator across restarts.
func (l *Library) NextObjID() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID
}

// AddObject inserts img into the library. If id <= 0, the next
// monotonically increasing id is assigned; a colliding explicit id is
// reassigned and a warning-worthy condition is surfaced via the
// returned bool. Adding always invalidates the vocabulary.
func (l *Library) AddObject(img image.Image, id int, filename string) (*ObjSignature, bool, error) {
	if img == nil {
		return nil, false, errors.New("objectlibrary: nil image")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	collided := false
	if id <= 0 {
		id = l.nextID
	} else if _, exists := l.signatures[id]; exists {
		collided = true
		l.logger.Warn.Printf("object id %d already exists, reassigning\n", id)
		id = l.nextID
	}
	if id >= l.nextID {
		l.nextID = id + 1
	}

	sig := newSignature(id, img, filename)
	l.signatures[id] = sig
	l.order = append(l.order, id)
	l.invalidateVocabularyLocked()
	return sig, collided, nil
}

// RemoveObject drops signature id and invalidates the vocabulary.
func (l *Library) RemoveObject(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.signatures[id]; !ok {
		return
	}
	delete(l.signatures, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.invalidateVocabularyLocked()
}

// RemoveAllObjects drops every signature and invalidates the vocabulary.
func (l *Library) RemoveAllObjects() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signatures = make(map[int]*ObjSignature)
	l.order = nil
	l.nextID = 1
	l.invalidateVocabularyLocked()
}

func (l *Library) invalidateVocabularyLocked() {
	l.vocab.Clear()
	l.objectsDescriptors = keypoint.Descriptors{}
	l.dataRangeBounds = nil
	l.dataRangeObjects = nil
}

// Get returns signature id, if present.
func (l *Library) Get(id int) (*ObjSignature, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.signatures[id]
	return s, ok
}

// Objects returns the library's signatures in ordered-id sequence.
func (l *Library) Objects() []*ObjSignature {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ObjSignature, len(l.order))
	for i, id := range l.order {
		out[i] = l.signatures[id]
	}
	return out
}

var naturalNumRe = regexp.MustCompile(`\d+`)

// naturalLess orders filenames the way a human would: runs of digits
// compare numerically instead of lexicographically ("img2" < "img10").
func naturalLess(a, b string) bool {
	as := naturalNumRe.FindAllString(a, -1)
	bs := naturalNumRe.FindAllString(b, -1)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil && an != bn {
			return an < bn
		}
		return as[i] < bs[i]
	}
	return a < b
}

// LoadObjects scans dir in natural filename order for images matching
// the configured extensions, adds each one, then runs UpdateObjects
// and UpdateVocabulary.
func (l *Library) LoadObjects(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("objectlibrary: reading %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if l.matchesFormat(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return naturalLess(names[i], names[j]) })

	for _, name := range names {
		full := filepath.Join(dir, name)
		f, err := os.Open(full)
		if err != nil {
			return fmt.Errorf("objectlibrary: opening %s: %w", full, err)
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("objectlibrary: decoding %s: %w", full, err)
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		id := 0
		if n, err := strconv.Atoi(stem); err == nil && n > 0 {
			id = n
		}
		if _, _, err := l.AddObject(img, id, name); err != nil {
			return err
		}
	}

	if err := l.UpdateObjects(); err != nil {
		return err
	}
	return l.UpdateVocabulary()
}

func (l *Library) matchesFormat(name string) bool {
	for _, pattern := range l.cfg.ImageFormats {
		if ok, _ := filepath.Match(pattern, strings.ToLower(name)); ok {
			return true
		}
	}
	return false
}

// UpdateObjects runs feature extraction for every signature that does
// not yet have descriptors, in parallel across a worker pool sized by
// cfg.Threads. Per-object work is fully independent.
func (l *Library) UpdateObjects() error {
	l.mu.RLock()
	pending := make([]*ObjSignature, 0, len(l.order))
	for _, id := range l.order {
		sig := l.signatures[id]
		if !sig.hasFeatures() {
			pending = append(pending, sig)
		}
	}
	extractor := l.extractor
	maxFeatures := l.cfg.MaxFeatures
	threads := l.cfg.Threads
	l.mu.RUnlock()

	if len(pending) == 0 {
		return nil
	}

	errs := make([]error, len(pending))
	bar := pb.StartNew(len(pending))
	var barMu sync.Mutex
	workerpool.Run(len(pending), threads, func(i int) {
		defer func() {
			barMu.Lock()
			bar.Increment()
			barMu.Unlock()
		}()
		sig := pending[i]
		kps, err := extractor.Detect(sig.Image)
		if err != nil {
			errs[i] = fmt.Errorf("objectlibrary: detect on %s: %w", sig.Filename, err)
			return
		}
		kps = keypoint.LimitKeypoints(kps, maxFeatures)
		kps, desc, err := extractor.Compute(sig.Image, kps)
		if err != nil {
			errs[i] = fmt.Errorf("objectlibrary: compute on %s: %w", sig.Filename, err)
			return
		}
		sig.Keypoints = kps
		sig.Descriptors = desc
	})
	bar.Finish()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateVocabulary (re)builds the shared vocabulary from the current
// signatures.
func (l *Library) UpdateVocabulary() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var dims int
	var isBinary bool
	first := true
	for _, id := range l.order {
		sig := l.signatures[id]
		if sig.Descriptors.Empty() {
			continue
		}
		if first {
			dims = sig.Descriptors.Cols()
			isBinary = sig.Descriptors.IsBinary()
			first = false
			continue
		}
		if sig.Descriptors.Cols() != dims || sig.Descriptors.IsBinary() != isBinary {
			return fmt.Errorf("objectlibrary: signature %d has incompatible descriptor shape/type", id)
		}
	}

	buildSingleMatrix := l.cfg.InvertedSearch || l.cfg.Threads == 1
	if buildSingleMatrix {
		l.buildSingleMatrixLocked()
	}

	if l.cfg.InvertedSearch {
		l.vocab.Clear()
		newWordsSinceRebuild := 0
		for _, id := range l.order {
			sig := l.signatures[id]
			if sig.Descriptors.Empty() {
				continue
			}
			words := l.vocab.AddWords(sig.Descriptors, sig.ID, l.cfg.VocabularyIncremental)
			for _, w := range words {
				sig.Words[w.WordID] = w.DescRow
			}
			newWordsSinceRebuild += len(words)
			if l.cfg.VocabularyIncremental && l.cfg.VocabularyUpdateMinWords > 0 &&
				newWordsSinceRebuild >= l.cfg.VocabularyUpdateMinWords {
				l.vocab.Update()
				newWordsSinceRebuild = 0
			}
		}
		l.vocab.Update()
	}
	return nil
}

func (l *Library) buildSingleMatrixLocked() {
	var rows [][]float64
	var binRows [][]byte
	isBinary := false
	bounds := make([]int, 0, len(l.order))
	objects := make([]int, 0, len(l.order))
	total := 0
	for _, id := range l.order {
		sig := l.signatures[id]
		if sig.Descriptors.Empty() {
			continue
		}
		isBinary = sig.Descriptors.IsBinary()
		for i := 0; i < sig.Descriptors.Len(); i++ {
			if isBinary {
				binRows = append(binRows, sig.Descriptors.Binary[i])
			} else {
				rows = append(rows, sig.Descriptors.Rows[i])
			}
		}
		total += sig.Descriptors.Len()
		bounds = append(bounds, total)
		objects = append(objects, id)
	}
	if isBinary {
		l.objectsDescriptors = keypoint.Descriptors{Binary: binRows}
	} else {
		l.objectsDescriptors = keypoint.Descriptors{Rows: rows}
	}
	l.dataRangeBounds = bounds
	l.dataRangeObjects = objects
}

// SingleMatrix returns the concatenated descriptor matrix built by the
// last UpdateVocabulary call in single-matrix mode.
func (l *Library) SingleMatrix() keypoint.Descriptors {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.objectsDescriptors
}

// OwnerOf resolves a row index into the single-matrix descriptors to
// the owning object id and the row's object-local index.
func (l *Library) OwnerOf(row int) (objectID int, localIndex int, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := sort.SearchInts(l.dataRangeBounds, row+1)
	if idx >= len(l.dataRangeBounds) {
		return 0, 0, false
	}
	lowerBound := 0
	if idx > 0 {
		lowerBound = l.dataRangeBounds[idx-1]
	}
	return l.dataRangeObjects[idx], row - lowerBound, true
}

// Vocabulary returns the shared vocabulary backing this library.
func (l *Library) Vocabulary() *vocabulary.Vocabulary {
	return l.vocab
}
