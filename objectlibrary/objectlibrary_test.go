package objectlibrary

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/vocabulary"
)

func blankImage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: uint8((x + y) % 255)})
		}
	}
	return img
}

func newTestVocab() *vocabulary.Vocabulary {
	return vocabulary.New(vocabulary.Config{Dims: 4, Metric: vocabulary.MetricL2, NTrees: 2, KMinVecs: 1})
}

func TestAddObjectAssignsMonotonicIds(t *testing.T) {
	t.Parallel()
	lib := New(Config{}, keypoint.NullExtractor{}, newTestVocab())
	s1, _, _ := lib.AddObject(blankImage(4, 4), 0, "a.png")
	s2, _, _ := lib.AddObject(blankImage(4, 4), 0, "b.png")
	if s1.ID != 1 || s2.ID != 2 {
		t.Errorf("expected monotonic ids 1,2, got %d,%d", s1.ID, s2.ID)
	}
}

func TestAddObjectCollisionReassigns(t *testing.T) {
	t.Parallel()
	lib := New(Config{}, keypoint.NullExtractor{}, newTestVocab())
	lib.AddObject(blankImage(4, 4), 3, "a.png")
	s2, collided, _ := lib.AddObject(blankImage(4, 4), 3, "b.png")
	if !collided {
		t.Error("expected collision to be reported")
	}
	if s2.ID == 3 {
		t.Error("expected colliding id to be reassigned")
	}
}

func TestRemoveObjectInvalidatesVocabulary(t *testing.T) {
	t.Parallel()
	lib := New(Config{InvertedSearch: true}, keypoint.NullExtractor{Points: keypoint.Points{{Response: 1}}, Descriptors: keypoint.Descriptors{Rows: [][]float64{{1, 2, 3, 4}}}}, newTestVocab())
	sig, _, _ := lib.AddObject(blankImage(4, 4), 0, "a.png")
	lib.UpdateObjects()
	lib.UpdateVocabulary()
	if lib.Vocabulary().Size() == 0 {
		t.Fatal("expected vocabulary to be populated before removal")
	}
	lib.RemoveObject(sig.ID)
	if lib.Vocabulary().Size() != 0 {
		t.Error("expected vocabulary to be cleared after removal")
	}
	if _, ok := lib.Get(sig.ID); ok {
		t.Error("expected signature to be gone after removal")
	}
}

func TestNaturalLessOrdering(t *testing.T) {
	t.Parallel()
	names := []string{"img10.png", "img2.png", "img1.png"}
	if !naturalLess(names[1], names[0]) {
		t.Error("img2 should sort before img10")
	}
	if !naturalLess(names[2], names[1]) {
		t.Error("img1 should sort before img2")
	}
}

func TestNaturalLessMixedDigitAndNonDigitStems(t *testing.T) {
	t.Parallel()
	// "1.png" has one digit group, "foo.png" has none; the ordering must
	// still be a valid strict weak ordering (antisymmetric) instead of
	// falling back to comparing digit-group counts.
	if !naturalLess("1.png", "foo.png") {
		t.Error("expected \"1.png\" to sort before \"foo.png\"")
	}
	if naturalLess("foo.png", "1.png") {
		t.Error("expected \"foo.png\" to not sort before \"1.png\"")
	}
}

func TestLoadObjectsMixedNumericAndNonNumericStems(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	names := []string{"1.png", "2.png", "foo.png"}
	for _, n := range names {
		f, err := os.Create(filepath.Join(dir, n))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, blankImage(4, 4)); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	ex := keypoint.NullExtractor{
		Points:      keypoint.Points{{Response: 1}},
		Descriptors: keypoint.Descriptors{Rows: [][]float64{{1, 2, 3, 4}}},
	}
	lib := New(Config{}, ex, newTestVocab())
	if err := lib.LoadObjects(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byName := make(map[string]int)
	for _, o := range lib.Objects() {
		byName[o.Filename] = o.ID
	}
	if byName["1.png"] != 1 {
		t.Errorf("expected \"1.png\" to keep id 1, got %d", byName["1.png"])
	}
	if byName["2.png"] != 2 {
		t.Errorf("expected \"2.png\" to keep id 2, got %d", byName["2.png"])
	}
	if byName["foo.png"] == 1 || byName["foo.png"] == 2 {
		t.Errorf("expected \"foo.png\" to get an auto-assigned id distinct from the numeric stems, got %d", byName["foo.png"])
	}
}

func TestLoadObjectsNaturalOrderAndIds(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	names := []string{"2.png", "10.png", "1.png"}
	for _, n := range names {
		f, err := os.Create(filepath.Join(dir, n))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, blankImage(4, 4)); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	ex := keypoint.NullExtractor{
		Points:      keypoint.Points{{Response: 1}},
		Descriptors: keypoint.Descriptors{Rows: [][]float64{{1, 2, 3, 4}}},
	}
	lib := New(Config{}, ex, newTestVocab())
	if err := lib.LoadObjects(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	objs := lib.Objects()
	if len(objs) != 3 {
		t.Fatalf("expected 3 objects loaded, got %d", len(objs))
	}
	ids := []int{objs[0].ID, objs[1].ID, objs[2].ID}
	if ids[0] != 1 || ids[1] != 2 || ids[2] != 10 {
		t.Errorf("expected ids derived from filename stems in natural order [1 2 10], got %v", ids)
	}
}

func TestUpdateVocabularyInvertedBuildsWords(t *testing.T) {
	t.Parallel()
	ex := keypoint.NullExtractor{
		Points:      keypoint.Points{{Response: 1}, {Response: 2}},
		Descriptors: keypoint.Descriptors{Rows: [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}}},
	}
	vocab := newTestVocab()
	lib := New(Config{InvertedSearch: true}, ex, vocab)
	lib.AddObject(blankImage(4, 4), 0, "a.png")
	lib.AddObject(blankImage(4, 4), 0, "b.png")
	if err := lib.UpdateObjects(); err != nil {
		t.Fatal(err)
	}
	if err := lib.UpdateVocabulary(); err != nil {
		t.Fatal(err)
	}
	if vocab.Size() != 4 {
		t.Errorf("expected 4 words indexed (2 objects x 2 descriptors, non-incremental), got %d", vocab.Size())
	}
	for _, sig := range lib.Objects() {
		if len(sig.Words) != 2 {
			t.Errorf("expected 2 words recorded per object, got %d", len(sig.Words))
		}
	}
}

func TestUpdateVocabularyNonInvertedBuildsSingleMatrix(t *testing.T) {
	t.Parallel()
	ex := keypoint.NullExtractor{
		Points:      keypoint.Points{{Response: 1}},
		Descriptors: keypoint.Descriptors{Rows: [][]float64{{1, 2, 3, 4}}},
	}
	lib := New(Config{InvertedSearch: false, Threads: 1}, ex, newTestVocab())
	lib.AddObject(blankImage(4, 4), 0, "a.png")
	lib.AddObject(blankImage(4, 4), 0, "b.png")
	lib.UpdateObjects()
	if err := lib.UpdateVocabulary(); err != nil {
		t.Fatal(err)
	}
	if lib.SingleMatrix().Len() != 2 {
		t.Fatalf("expected single matrix of 2 rows, got %d", lib.SingleMatrix().Len())
	}
	objID, local, ok := lib.OwnerOf(1)
	if !ok || objID != 2 || local != 0 {
		t.Errorf("expected row 1 to resolve to object 2 local index 0, got %d %d %v", objID, local, ok)
	}
}
