// Package detect sequences the full pipeline: grayscale conversion,
// feature extraction, matching and homography verification, producing
// a DetectionInfo per scene and surfacing it through an event
// callback. It is the top-level entry point the CLI and HTTP surface
// both call into.
package detect

import (
	"errors"
	"image"
	"image/color"
	"time"

	"github.com/gasparian/find-object-go/common"
	"github.com/gasparian/find-object-go/homography"
	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/matching"
	"github.com/gasparian/find-object-go/objectlibrary"
)

// RejectedCode re-exports homography.RejectedCode: the classification
// is entirely produced by the homography stage, but DetectionInfo
// callers should not need to import that package just to read it.
type RejectedCode = homography.RejectedCode

const (
	Undef          = homography.Undef
	LowMatches     = homography.LowMatches
	LowInliers     = homography.LowInliers
	AllInliers     = homography.AllInliers
	NotValid       = homography.NotValid
	ByAngle        = homography.ByAngle
	Superposed     = homography.Superposed
	CornersOutside = homography.CornersOutside
)

// Timings records how long each pipeline stage took.
type Timings struct {
	Extract time.Duration
	Match   time.Duration
	Verify  time.Duration
	Total   time.Duration
}

// DetectionInfo is the full result of one Detect call.
type DetectionInfo struct {
	SceneKeypoints   keypoint.Points
	SceneDescriptors keypoint.Descriptors
	Matches          map[int][]matching.Correspondence
	Detections       []homography.Detection
	Rejections       []homography.Rejection
	MinMatchedDist   float64
	MaxMatchedDist   float64
	Timings          Timings
}

// Config bundles the per-stage configuration used to build an
// Orchestrator.
type Config struct {
	MaxFeatures             int
	HomographyComputed      bool
	SendNoObjDetectedEvents bool
}

// Orchestrator sequences extraction, matching and homography
// verification against a shared object library.
type Orchestrator struct {
	cfg       Config
	extractor keypoint.Extractor
	library   *objectlibrary.Library
	matcher   *matching.Stage
	verifier  *homography.Stage
	logger    *common.Logger

	// OnDetections is invoked after every Detect call that produced at
	// least one detection, and also when none were found if
	// cfg.SendNoObjDetectedEvents is set.
	OnDetections func(info *DetectionInfo)
}

// New builds an Orchestrator from its collaborators.
func New(cfg Config, extractor keypoint.Extractor, library *objectlibrary.Library, matcher *matching.Stage, verifier *homography.Stage) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		extractor: extractor,
		library:   library,
		matcher:   matcher,
		verifier:  verifier,
		logger:    common.GetNewLogger(),
	}
}

// Detect runs the pipeline for one scene image.
func (o *Orchestrator) Detect(img image.Image) (*DetectionInfo, error) {
	if img == nil {
		return nil, errors.New("detect: nil image")
	}
	start := time.Now()
	gray := toGray(img)

	extractStart := time.Now()
	kps, err := o.extractor.Detect(gray)
	if err != nil {
		return nil, err
	}
	kps = keypoint.LimitKeypoints(kps, o.cfg.MaxFeatures)
	kps, descriptors, err := o.extractor.Compute(gray, kps)
	if err != nil {
		return nil, err
	}
	extractElapsed := time.Since(extractStart)

	matchStart := time.Now()
	matchResult, err := o.matcher.Match(descriptors, o.library.Vocabulary(), o.library)
	if err != nil {
		if !errors.Is(err, matching.ErrModeMismatch) {
			return nil, err
		}
		o.logger.Warn.Printf("skipping matching, vocabulary mode does not match search mode: %v\n", err)
		matchResult = matching.EmptyResult()
	}
	matchElapsed := time.Since(matchStart)

	info := &DetectionInfo{
		SceneKeypoints:   kps,
		SceneDescriptors: descriptors,
		Matches:          matchResult.Matches,
		MinMatchedDist:   matchResult.MinMatchedDistance,
		MaxMatchedDist:   matchResult.MaxMatchedDistance,
	}

	var verifyElapsed time.Duration
	if o.cfg.HomographyComputed {
		verifyStart := time.Now()
		bounds := gray.Bounds()
		candidates := o.buildCandidates(matchResult)
		info.Detections, info.Rejections = o.verifier.Verify(candidates, kps, float64(bounds.Dx()), float64(bounds.Dy()))
		verifyElapsed = time.Since(verifyStart)
	}

	info.Timings = Timings{
		Extract: extractElapsed,
		Match:   matchElapsed,
		Verify:  verifyElapsed,
		Total:   time.Since(start),
	}

	if len(info.Detections) > 0 || o.cfg.SendNoObjDetectedEvents {
		if o.OnDetections != nil {
			o.OnDetections(info)
		}
	}
	return info, nil
}

// buildCandidates walks the library's own ordered id sequence rather
// than result.Matches directly, so the candidate list -- and in turn
// the detection/rejection lists -- are deterministic regardless of Go
// map iteration order.
func (o *Orchestrator) buildCandidates(result *matching.Result) []homography.Candidate {
	candidates := make([]homography.Candidate, 0, len(result.Matches))
	for _, sig := range o.library.Objects() {
		matches, ok := result.Matches[sig.ID]
		if !ok {
			continue
		}
		candidates = append(candidates, homography.Candidate{
			ObjectID:     sig.ID,
			Filename:     sig.Filename,
			ObjKeypoints: sig.Keypoints,
			Matches:      matches,
			Rect:         sig.Rect,
		})
	}
	return candidates
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}
