// Package homography fits a planar transform between an object's
// keypoints and a scene's, validates the fit, and classifies rejected
// candidates. Estimation uses RANSAC over a normalized direct linear
// transform (DLT) solved via SVD -- a pure-Go stand-in for the
// gocv.FindHomography call the wider retrieval pack reaches for, since
// this stage is core rather than the external feature-extraction
// boundary (see SPEC_FULL.md §4.5).
package homography

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/matching"
	"github.com/gasparian/find-object-go/objectlibrary"
)

// RejectedCode classifies why a candidate did not produce a detection.
type RejectedCode int

const (
	Undef RejectedCode = iota
	LowMatches
	LowInliers
	AllInliers
	NotValid
	ByAngle
	Superposed
	CornersOutside
)

func (c RejectedCode) String() string {
	switch c {
	case LowMatches:
		return "LowMatches"
	case LowInliers:
		return "LowInliers"
	case AllInliers:
		return "AllInliers"
	case NotValid:
		return "NotValid"
	case ByAngle:
		return "ByAngle"
	case Superposed:
		return "Superposed"
	case CornersOutside:
		return "CornersOutside"
	default:
		return "Undef"
	}
}

// Config controls estimation and validation.
type Config struct {
	RansacReprojThr      float64
	RansacMaxIterations  int
	MinimumInliers       int
	MinAngle             float64
	IgnoreWhenAllInliers bool
	AllCornersVisible    bool
	MultiDetection       bool
	MultiDetectionRadius float64
}

// Candidate is one object/scene correspondence set awaiting a
// homography fit.
type Candidate struct {
	ObjectID    int
	Filename    string
	ObjKeypoints keypoint.Points
	Matches     []matching.Correspondence
	Rect        objectlibrary.Rect
}

// Detection is an accepted, validated homography fit.
type Detection struct {
	ObjectID  int
	Filename  string
	H         *mat.Dense
	ObjRect   objectlibrary.Rect
	Corners   [4]Point
	Inliers   []matching.Correspondence
	Outliers  []matching.Correspondence
	Translate Point
}

// Rejection records why a candidate was dropped.
type Rejection struct {
	ObjectID int
	Filename string
	Code     RejectedCode
}

// Point is a 2D scene-space coordinate.
type Point struct{ X, Y float64 }

// Stage runs homography estimation and validation for a batch of
// candidates against one scene.
type Stage struct {
	cfg Config
}

// NewStage returns a Stage configured by cfg.
func NewStage(cfg Config) *Stage {
	if cfg.RansacMaxIterations <= 0 {
		cfg.RansacMaxIterations = 2000
	}
	if cfg.RansacReprojThr <= 0 {
		cfg.RansacReprojThr = 3.0
	}
	return &Stage{cfg: cfg}
}

// Verify runs every candidate (and any candidates it enqueues via
// multi-detection re-splitting) to completion, returning accepted
// detections and rejections in candidate-processing order.
func (s *Stage) Verify(candidates []Candidate, sceneKeypoints keypoint.Points, sceneW, sceneH float64) ([]Detection, []Rejection) {
	var detections []Detection
	var rejections []Rejection
	accepted := make(map[int][]Point) // objectID -> translations of accepted detections

	queue := append([]Candidate(nil), candidates...)
	for i := 0; i < len(queue); i++ {
		c := queue[i]
		det, rej, requeue, ok := s.verifyOne(c, sceneKeypoints, sceneW, sceneH, accepted[c.ObjectID])
		if requeue != nil {
			queue = append(queue, *requeue)
		}
		if !ok {
			rejections = append(rejections, rej)
			continue
		}
		detections = append(detections, det)
		accepted[c.ObjectID] = append(accepted[c.ObjectID], det.Translate)
	}
	return detections, rejections
}

func (s *Stage) verifyOne(c Candidate, sceneKeypoints keypoint.Points, sceneW, sceneH float64, priorTranslations []Point) (Detection, Rejection, *Candidate, bool) {
	reject := func(code RejectedCode) (Detection, Rejection, *Candidate, bool) {
		return Detection{}, Rejection{ObjectID: c.ObjectID, Filename: c.Filename, Code: code}, nil, false
	}

	if len(c.Matches) < s.cfg.MinimumInliers {
		return reject(LowMatches)
	}

	src := make([]Point, len(c.Matches))
	dst := make([]Point, len(c.Matches))
	for i, m := range c.Matches {
		src[i] = Point{X: c.ObjKeypoints[m.ObjKptIdx].X, Y: c.ObjKeypoints[m.ObjKptIdx].Y}
		dst[i] = Point{X: sceneKeypoints[m.SceneKptIdx].X, Y: sceneKeypoints[m.SceneKptIdx].Y}
	}

	H, inlierMask, ok := ransacHomography(src, dst, s.cfg.RansacReprojThr, s.cfg.RansacMaxIterations)
	if !ok {
		return reject(NotValid)
	}

	var inliers, outliers []matching.Correspondence
	for i, m := range c.Matches {
		if inlierMask[i] {
			inliers = append(inliers, m)
		} else {
			outliers = append(outliers, m)
		}
	}

	if len(outliers) == 0 && (s.cfg.IgnoreWhenAllInliers || countNonZero(H) < 1) {
		return reject(AllInliers)
	}
	if len(inliers) < s.cfg.MinimumInliers {
		return reject(LowInliers)
	}

	corners := mapRect(H, c.Rect)
	for _, p := range corners {
		if p.X < -sceneW || p.X > 2*sceneW || p.Y < -sceneH || p.Y > 2*sceneH {
			return reject(NotValid)
		}
	}

	if s.cfg.MinAngle > 0 {
		for i := 0; i < 4; i++ {
			a := angleAt(corners[(i+3)%4], corners[i], corners[(i+1)%4])
			if a < s.cfg.MinAngle || a > 180-s.cfg.MinAngle {
				return reject(ByAngle)
			}
		}
	}

	translate := Point{X: H.At(0, 2), Y: H.At(1, 2)}
	if s.cfg.MultiDetection {
		minDist := math.Inf(1)
		for _, prior := range priorTranslations {
			d := math.Hypot(translate.X-prior.X, translate.Y-prior.Y)
			if d < minDist {
				minDist = d
			}
		}
		if len(priorTranslations) > 0 && minDist < s.cfg.MultiDetectionRadius {
			return reject(Superposed)
		}
		var requeue *Candidate
		if len(outliers) >= s.cfg.MinimumInliers {
			requeue = &Candidate{
				ObjectID:     c.ObjectID,
				Filename:     c.Filename,
				ObjKeypoints: c.ObjKeypoints,
				Matches:      outliers,
				Rect:         c.Rect,
			}
		}
		if s.cfg.AllCornersVisible && !cornersVisible(corners, sceneW, sceneH) {
			det, rej, _, ok := reject(CornersOutside)
			return det, rej, requeue, ok
		}
		return Detection{
			ObjectID: c.ObjectID, Filename: c.Filename, H: H, ObjRect: c.Rect,
			Corners: corners, Inliers: inliers, Outliers: outliers, Translate: translate,
		}, Rejection{}, requeue, true
	}

	if s.cfg.AllCornersVisible && !cornersVisible(corners, sceneW, sceneH) {
		return reject(CornersOutside)
	}

	return Detection{
		ObjectID: c.ObjectID, Filename: c.Filename, H: H, ObjRect: c.Rect,
		Corners: corners, Inliers: inliers, Outliers: outliers, Translate: translate,
	}, Rejection{}, nil, true
}

func cornersVisible(corners [4]Point, w, h float64) bool {
	for _, p := range corners {
		if p.X < 0 || p.X > w || p.Y < 0 || p.Y > h {
			return false
		}
	}
	return true
}

func countNonZero(m *mat.Dense) int {
	count := 0
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				count++
			}
		}
	}
	return count
}

func angleAt(a, b, c Point) float64 {
	v1x, v1y := a.X-b.X, a.Y-b.Y
	v2x, v2y := c.X-b.X, c.Y-b.Y
	dot := v1x*v2x + v1y*v2y
	n1 := math.Hypot(v1x, v1y)
	n2 := math.Hypot(v2x, v2y)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	cos := dot / (n1 * n2)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

func mapRect(H *mat.Dense, rect objectlibrary.Rect) [4]Point {
	corners := [4]Point{
		{X: rect.X, Y: rect.Y},
		{X: rect.X + rect.W, Y: rect.Y},
		{X: rect.X + rect.W, Y: rect.Y + rect.H},
		{X: rect.X, Y: rect.Y + rect.H},
	}
	var out [4]Point
	for i, c := range corners {
		out[i] = applyH(H, c)
	}
	return out
}

func applyH(H *mat.Dense, p Point) Point {
	x := H.At(0, 0)*p.X + H.At(0, 1)*p.Y + H.At(0, 2)
	y := H.At(1, 0)*p.X + H.At(1, 1)*p.Y + H.At(1, 2)
	w := H.At(2, 0)*p.X + H.At(2, 1)*p.Y + H.At(2, 2)
	if w == 0 {
		return Point{}
	}
	return Point{X: x / w, Y: y / w}
}

// ransacHomography estimates a 3x3 homography mapping src -> dst using
// RANSAC over a normalized DLT solved by SVD. It returns the fitted
// matrix and an inlier mask parallel to src/dst.
func ransacHomography(src, dst []Point, reprojThr float64, maxIter int) (*mat.Dense, []bool, bool) {
	n := len(src)
	if n < 4 {
		return nil, nil, false
	}
	if reprojThr <= 0 {
		reprojThr = 3.0
	}

	bestInliers := -1
	var bestMask []bool
	var bestH *mat.Dense

	for iter := 0; iter < maxIter; iter++ {
		sampleIdx := sample4(n)
		sSrc := make([]Point, 4)
		sDst := make([]Point, 4)
		for i, idx := range sampleIdx {
			sSrc[i] = src[idx]
			sDst[i] = dst[idx]
		}
		H, ok := estimateDLT(sSrc, sDst)
		if !ok {
			continue
		}
		mask := make([]bool, n)
		count := 0
		for i := range src {
			proj := applyH(H, src[i])
			d := math.Hypot(proj.X-dst[i].X, proj.Y-dst[i].Y)
			if d <= reprojThr {
				mask[i] = true
				count++
			}
		}
		if count > bestInliers {
			bestInliers = count
			bestMask = mask
			bestH = H
		}
	}

	if bestH == nil || bestInliers < 4 {
		return nil, nil, false
	}

	// Refit on all inliers for a tighter final estimate.
	var inSrc, inDst []Point
	for i, isIn := range bestMask {
		if isIn {
			inSrc = append(inSrc, src[i])
			inDst = append(inDst, dst[i])
		}
	}
	if refined, ok := estimateDLTMany(inSrc, inDst); ok {
		bestH = refined
	}
	return bestH, bestMask, true
}

func sample4(n int) [4]int {
	var out [4]int
	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		idx := rand.Intn(n)
		for seen[idx] {
			idx = rand.Intn(n)
		}
		seen[idx] = true
		out[i] = idx
	}
	return out
}

func estimateDLT(src, dst []Point) (*mat.Dense, bool) {
	return estimateDLTMany(src, dst)
}

// estimateDLTMany solves for H via the normalized direct linear
// transform: normalize both point sets, build the 2n x 9 constraint
// matrix, take the right singular vector for the smallest singular
// value, then denormalize.
func estimateDLTMany(src, dst []Point) (*mat.Dense, bool) {
	if len(src) < 4 || len(src) != len(dst) {
		return nil, false
	}
	nSrc, tSrc := normalizePoints(src)
	nDst, tDst := normalizePoints(dst)

	n := len(src)
	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := nSrc[i].X, nSrc[i].Y
		u, v := nDst[i].X, nDst[i].Y
		A.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return nil, false
	}
	var vMat mat.Dense
	svd.VTo(&vMat)
	_, cols := vMat.Dims()
	h := mat.Col(nil, cols-1, &vMat)

	Hn := mat.NewDense(3, 3, h)
	// Denormalize: H = tDstInv * Hn * tSrc
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, false
	}
	var tmp, H mat.Dense
	tmp.Mul(Hn, tSrc)
	H.Mul(&tDstInv, &tmp)

	if H.At(2, 2) != 0 {
		var scaled mat.Dense
		scaled.Scale(1/H.At(2, 2), &H)
		return &scaled, true
	}
	return &H, true
}

// normalizePoints translates/scales points so their centroid is the
// origin and their average distance to it is sqrt(2), returning the
// normalized points and the 3x3 similarity transform used.
func normalizePoints(pts []Point) ([]Point, *mat.Dense) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var meanDist float64
	for _, p := range pts {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= n
	if meanDist == 0 {
		meanDist = 1
	}
	scale := math.Sqrt2 / meanDist

	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{X: (p.X - cx) * scale, Y: (p.Y - cy) * scale}
	}

	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * cx,
		0, scale, -scale * cy,
		0, 0, 1,
	})
	return out, T
}
