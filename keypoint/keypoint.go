// Package keypoint defines the boundary contract towards the pluggable
// feature pipeline (detector + descriptor extractor). The concrete
// vision backend is an external collaborator; this package only owns
// the shared data types and the response-based truncation rule that the
// core stages depend on.
package keypoint

import (
	"image"
	"sort"
)

// Point is a single local-feature record: a 2D location plus the
// salience attributes a detector reports for it.
type Point struct {
	X, Y     float64
	Size     float64
	Angle    float64
	Response float64
	Octave   int
	ClassID  int
}

// Points is an ordered sequence of Point, indices are significant: they
// are the row indices into a matching Descriptors matrix.
type Points []Point

// Descriptors is an N x D matrix of descriptor rows, one per Point at
// the same index. Row width D and element type are uniform across a
// single Descriptors value; Cols reports the shared width.
type Descriptors struct {
	Rows [][]float64
	// Binary holds byte-packed rows instead of Rows when the extractor
	// produces binary descriptors (e.g. ORB). Exactly one of Rows/Binary
	// is populated for a given Descriptors value.
	Binary [][]byte
}

// Len returns the number of descriptor rows.
func (d Descriptors) Len() int {
	if d.Binary != nil {
		return len(d.Binary)
	}
	return len(d.Rows)
}

// Cols returns the shared row width, or 0 if empty.
func (d Descriptors) Cols() int {
	if d.Binary != nil {
		if len(d.Binary) == 0 {
			return 0
		}
		return len(d.Binary[0])
	}
	if len(d.Rows) == 0 {
		return 0
	}
	return len(d.Rows[0])
}

// IsBinary reports whether this matrix holds byte-packed binary rows.
func (d Descriptors) IsBinary() bool {
	return d.Binary != nil
}

// Empty reports whether the matrix holds no rows.
func (d Descriptors) Empty() bool {
	return d.Len() == 0
}

// Row returns descriptor row i as a float64 slice, converting from the
// binary representation if needed. It never aliases internal storage.
func (d Descriptors) Row(i int) []float64 {
	if d.Binary != nil {
		row := make([]float64, len(d.Binary[i]))
		for j, b := range d.Binary[i] {
			row[j] = float64(b)
		}
		return row
	}
	row := make([]float64, len(d.Rows[i]))
	copy(row, d.Rows[i])
	return row
}

// Append returns a new Descriptors with other's rows appended after d's.
// d and other must share the same representation (both binary or both
// float) and, if non-empty, the same column count.
func (d Descriptors) Append(other Descriptors) Descriptors {
	if d.Empty() {
		return other
	}
	if other.Empty() {
		return d
	}
	if d.IsBinary() != other.IsBinary() {
		panic("keypoint: cannot append descriptors of mixed representation")
	}
	if d.Cols() != other.Cols() {
		panic("keypoint: cannot append descriptors of mismatched width")
	}
	if d.IsBinary() {
		rows := make([][]byte, 0, d.Len()+other.Len())
		rows = append(rows, d.Binary...)
		rows = append(rows, other.Binary...)
		return Descriptors{Binary: rows}
	}
	rows := make([][]float64, 0, d.Len()+other.Len())
	rows = append(rows, d.Rows...)
	rows = append(rows, other.Rows...)
	return Descriptors{Rows: rows}
}

// Detector finds candidate keypoints in an image.
type Detector interface {
	Detect(img image.Image) (Points, error)
}

// DescriptorExtractor computes descriptors for a set of keypoints. It
// may drop keypoints it cannot describe, so the returned Points govern
// the resulting size, not the input.
type DescriptorExtractor interface {
	Compute(img image.Image, kps Points) (Points, Descriptors, error)
}

// Extractor is the full pluggable feature pipeline used by the
// orchestrator: detect, then compute descriptors for what was detected.
type Extractor interface {
	Detector
	DescriptorExtractor
}

// LimitKeypoints returns, if maxK > 0 and len(kps) > maxK, the maxK
// keypoints with the largest |Response|, ties broken by original index
// (stable); otherwise it returns kps unchanged.
func LimitKeypoints(kps Points, maxK int) Points {
	if maxK <= 0 || len(kps) <= maxK {
		return kps
	}
	type indexed struct {
		idx int
		kp  Point
	}
	ranked := make([]indexed, len(kps))
	for i, kp := range kps {
		ranked[i] = indexed{idx: i, kp: kp}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return absf(ranked[i].kp.Response) > absf(ranked[j].kp.Response)
	})
	ranked = ranked[:maxK]
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].idx < ranked[j].idx })
	out := make(Points, maxK)
	for i, r := range ranked {
		out[i] = r.kp
	}
	return out
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
