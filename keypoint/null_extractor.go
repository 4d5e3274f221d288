package keypoint

import "image"

// NullExtractor is a test double satisfying Extractor: it ignores the
// image entirely and returns pre-seeded keypoints/descriptors. It is
// not a production feature pipeline; real detection/description is an
// external collaborator.
type NullExtractor struct {
	Points      Points
	Descriptors Descriptors
}

// Detect returns the pre-seeded points, ignoring img.
func (n NullExtractor) Detect(img image.Image) (Points, error) {
	return n.Points, nil
}

// Compute returns the pre-seeded points and descriptors, ignoring img
// and kps.
func (n NullExtractor) Compute(img image.Image, kps Points) (Points, Descriptors, error) {
	return n.Points, n.Descriptors, nil
}
