package vocabulary

import (
	"bytes"
	"testing"

	"github.com/gasparian/find-object-go/keypoint"
)

const tol = 1e-6

func rowsDescriptors(rows ...[]float64) keypoint.Descriptors {
	return keypoint.Descriptors{Rows: rows}
}

func TestAddWordsBulkGrowsByExactRowCount(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2, NTrees: 3, KMinVecs: 2})
	words := v.AddWords(rowsDescriptors([]float64{0, 0}, []float64{10, 10}, []float64{20, 20}), 1, false)
	if len(words) != 3 {
		t.Fatalf("expected 3 word matches, got %d", len(words))
	}
	if v.Size() != 3 {
		t.Fatalf("expected vocabulary size 3, got %d", v.Size())
	}
	seen := map[int]bool{}
	for _, w := range words {
		if seen[w.WordID] {
			t.Fatalf("duplicate word id %d in bulk add", w.WordID)
		}
		seen[w.WordID] = true
	}
}

func TestAddWordsEmptyReturnsEmpty(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2})
	words := v.AddWords(keypoint.Descriptors{}, 1, false)
	if words != nil {
		t.Fatalf("expected nil result for empty descriptors, got %v", words)
	}
}

func TestAddWordsIncrementalMergesNearDuplicates(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2, NTrees: 4, KMinVecs: 1, NNDRRatio: 0.9})
	first := v.AddWords(rowsDescriptors([]float64{0, 0}, []float64{100, 100}), 1, true)
	v.Update()
	// A point extremely close to word 0 and far from everything else should
	// pass the ratio test and merge into the existing word.
	second := v.AddWords(rowsDescriptors([]float64{0.01, 0.01}), 2, true)
	if len(second) != 1 {
		t.Fatalf("expected 1 word match, got %d", len(second))
	}
	if second[0].WordID != first[0].WordID {
		t.Errorf("expected merge into word %d, got %d", first[0].WordID, second[0].WordID)
	}
	owners := v.WordToObjects(second[0].WordID)
	if len(owners) != 2 {
		t.Errorf("expected word to be owned by both objects, got %v", owners)
	}
}

func TestAddWordsIncrementalAmbiguousNewWord(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2, NTrees: 4, KMinVecs: 1, NNDRRatio: 0.8})
	v.AddWords(rowsDescriptors([]float64{0, 0}, []float64{1, 0}), 1, true)
	v.Update()
	// Equidistant-ish from both existing words: ratio test should fail and
	// a fresh word must be allocated.
	before := v.Size()
	out := v.AddWords(rowsDescriptors([]float64{0.5, 5}), 2, true)
	if v.Size() != before+1 {
		t.Fatalf("expected vocabulary to grow by 1 new word, got size %d (was %d)", v.Size(), before)
	}
	if out[0].WordID < before {
		t.Errorf("new word id should be >= previous size, got %d < %d", out[0].WordID, before)
	}
}

func TestUpdateFlushesStagingAndSearchRequiresIt(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2, NTrees: 3, KMinVecs: 1})
	v.AddWords(rowsDescriptors([]float64{1, 1}), 1, false)
	if _, _, err := v.Search(rowsDescriptors([]float64{1, 1}), 1); err == nil {
		t.Error("expected error searching with non-empty staging block")
	}
	v.Update()
	idx, dist, err := v.Search(rowsDescriptors([]float64{1, 1}), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(idx) != 1 || len(idx[0]) != 1 || idx[0][0] != 0 {
		t.Errorf("expected exact match at word 0, got %v", idx)
	}
	if dist[0][0] > tol {
		t.Errorf("expected ~0 distance for exact match, got %v", dist[0][0])
	}
}

func TestSceneModeCannotMixWithLibraryMode(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2})
	v.AddWords(rowsDescriptors([]float64{1, 1}), -1, false)
	defer func() {
		if recover() == nil {
			t.Error("expected panic mixing scene and library ownership")
		}
	}()
	v.AddWords(rowsDescriptors([]float64{2, 2}), 5, false)
}

func TestValidateRejectsWidthMismatch(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2})
	defer func() {
		if recover() == nil {
			t.Error("expected panic on descriptor width mismatch")
		}
	}()
	v.AddWords(rowsDescriptors([]float64{1, 2, 3}), 1, false)
}

func TestHammingMetricMerging(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricHamming, NTrees: 3, KMinVecs: 1, NNDRRatio: 0.9})
	binDesc := func(rows ...[]byte) keypoint.Descriptors { return keypoint.Descriptors{Binary: rows} }
	v.AddWords(binDesc([]byte{0x00, 0x00}, []byte{0xFF, 0xFF}), 1, true)
	v.Update()
	out := v.AddWords(binDesc([]byte{0x01, 0x00}), 2, true)
	if len(out) != 1 {
		t.Fatalf("expected 1 word match, got %d", len(out))
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	t.Parallel()
	v := New(Config{Dims: 2, Metric: MetricL2, NTrees: 3, KMinVecs: 1})
	v.AddWords(rowsDescriptors([]float64{1, 1}, []float64{5, 5}), 1, false)
	v.Update()

	var buf bytes.Buffer
	if err := v.Dump(&buf); err != nil {
		t.Fatalf("unexpected dump error: %v", err)
	}

	v2 := New(Config{Dims: 2, Metric: MetricL2})
	if err := v2.Load(&buf); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if v2.Size() != v.Size() {
		t.Errorf("size mismatch after round-trip: got %d want %d", v2.Size(), v.Size())
	}
	idx, _, err := v2.Search(rowsDescriptors([]float64{1, 1}), 1)
	if err != nil {
		t.Fatalf("unexpected search error after load: %v", err)
	}
	if idx[0][0] != 0 {
		t.Errorf("expected nearest word 0 after round-trip, got %d", idx[0][0])
	}
}
