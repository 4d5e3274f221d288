package detect

import (
	"image"
	"testing"

	"github.com/gasparian/find-object-go/homography"
	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/matching"
	"github.com/gasparian/find-object-go/objectlibrary"
	"github.com/gasparian/find-object-go/vocabulary"
)

func blankImage(w, h int) *image.Gray {
	return image.NewGray(image.Rect(0, 0, w, h))
}

func rowsDescriptors(rows ...[]float64) keypoint.Descriptors {
	return keypoint.Descriptors{Rows: rows}
}

func buildOrchestrator(t *testing.T, homographyComputed bool) *Orchestrator {
	t.Helper()
	vocab := vocabulary.New(vocabulary.Config{Dims: 2, Metric: vocabulary.MetricL2, NTrees: 4, KMinVecs: 1})
	libExtractor := keypoint.NullExtractor{
		Points:      keypoint.Points{{X: 1, Y: 1, Response: 1}},
		Descriptors: rowsDescriptors([]float64{0, 0}),
	}
	lib := objectlibrary.New(objectlibrary.Config{InvertedSearch: true}, libExtractor, vocab)
	lib.AddObject(blankImage(20, 20), 0, "a.png")
	if err := lib.UpdateObjects(); err != nil {
		t.Fatal(err)
	}
	if err := lib.UpdateVocabulary(); err != nil {
		t.Fatal(err)
	}

	sceneExtractor := keypoint.NullExtractor{
		Points:      keypoint.Points{{X: 5, Y: 5, Response: 1}},
		Descriptors: rowsDescriptors([]float64{0.1, 0.1}),
	}
	matcher := matching.NewStage(matching.Config{InvertedSearch: true})
	verifier := homography.NewStage(homography.Config{MinimumInliers: 1})
	return New(Config{HomographyComputed: homographyComputed, SendNoObjDetectedEvents: true}, sceneExtractor, lib, matcher, verifier)
}

func TestDetectRunsFullPipeline(t *testing.T) {
	t.Parallel()
	o := buildOrchestrator(t, true)
	var fired *DetectionInfo
	o.OnDetections = func(info *DetectionInfo) { fired = info }
	info, err := o.Detect(blankImage(100, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Matches) == 0 {
		t.Error("expected at least one object match")
	}
	if info.Timings.Total <= 0 {
		t.Error("expected non-zero total timing")
	}
	if fired == nil {
		t.Error("expected OnDetections to fire")
	}
}

func TestDetectSkipsHomographyWhenDisabled(t *testing.T) {
	t.Parallel()
	o := buildOrchestrator(t, false)
	o.cfg.SendNoObjDetectedEvents = false
	fired := false
	o.OnDetections = func(info *DetectionInfo) { fired = true }
	info, err := o.Detect(blankImage(100, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Detections) != 0 {
		t.Errorf("expected no detections with homography disabled, got %d", len(info.Detections))
	}
	if fired {
		t.Error("OnDetections should not fire with zero detections and sendNoObjDetectedEvents unset")
	}
}

func TestDetectNilImageErrors(t *testing.T) {
	t.Parallel()
	o := buildOrchestrator(t, false)
	if _, err := o.Detect(nil); err == nil {
		t.Error("expected error for nil image")
	}
}

func TestDetectDegradesOnModeMismatchInsteadOfAborting(t *testing.T) {
	t.Parallel()
	vocab := vocabulary.New(vocabulary.Config{Dims: 2, Metric: vocabulary.MetricL2, NTrees: 4, KMinVecs: 1})
	libExtractor := keypoint.NullExtractor{
		Points:      keypoint.Points{{X: 1, Y: 1, Response: 1}},
		Descriptors: rowsDescriptors([]float64{0, 0}),
	}
	lib := objectlibrary.New(objectlibrary.Config{InvertedSearch: true}, libExtractor, vocab)
	lib.AddObject(blankImage(20, 20), 0, "a.png")
	if err := lib.UpdateObjects(); err != nil {
		t.Fatal(err)
	}
	if err := lib.UpdateVocabulary(); err != nil {
		t.Fatal(err)
	}

	sceneExtractor := keypoint.NullExtractor{
		Points:      keypoint.Points{{X: 5, Y: 5, Response: 1}},
		Descriptors: rowsDescriptors([]float64{0.1, 0.1}),
	}
	// Non-inverted matcher against a prebuilt inverted-mode vocabulary:
	// the consistency gate rejects this combination.
	matcher := matching.NewStage(matching.Config{InvertedSearch: false})
	verifier := homography.NewStage(homography.Config{MinimumInliers: 1})
	o := New(Config{HomographyComputed: true}, sceneExtractor, lib, matcher, verifier)

	info, err := o.Detect(blankImage(100, 100))
	if err != nil {
		t.Fatalf("expected the mode mismatch to degrade instead of abort, got error: %v", err)
	}
	if len(info.SceneKeypoints) == 0 {
		t.Error("expected already-extracted keypoints to survive the degraded call")
	}
	if len(info.Matches) != 0 {
		t.Errorf("expected no matches once the consistency gate rejects the mode, got %v", info.Matches)
	}
	if len(info.Detections) != 0 {
		t.Errorf("expected no detections once matching degrades to empty, got %v", info.Detections)
	}
}

func TestDetectSendsNoObjDetectedEvent(t *testing.T) {
	t.Parallel()
	vocab := vocabulary.New(vocabulary.Config{Dims: 2, Metric: vocabulary.MetricL2})
	lib := objectlibrary.New(objectlibrary.Config{InvertedSearch: true}, keypoint.NullExtractor{}, vocab)
	sceneExtractor := keypoint.NullExtractor{}
	matcher := matching.NewStage(matching.Config{InvertedSearch: false})
	verifier := homography.NewStage(homography.Config{MinimumInliers: 1})
	o := New(Config{HomographyComputed: false, SendNoObjDetectedEvents: true}, sceneExtractor, lib, matcher, verifier)
	fired := false
	o.OnDetections = func(info *DetectionInfo) { fired = true }
	if _, err := o.Detect(blankImage(10, 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fired {
		t.Error("expected OnDetections to fire when sendNoObjDetectedEvents is set")
	}
}
