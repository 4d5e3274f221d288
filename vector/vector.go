// Package vector provides the numeric primitives used by the
// vocabulary's descriptor index: dense-vector distance
// functions built on gonum's blas64, plus a Hamming distance for binary
// descriptors (ORB/BRIEF-style).
package vector

import (
	"errors"
	"math"
	"math/bits"
	"math/rand"

	"gonum.org/v1/gonum/blas/blas64"
)

// tol is the numerical tolerance used to treat a norm as effectively zero.
const tol = 1e-6

// NewVec creates a new blas vector from a plain float64 slice.
func NewVec(data []float64) blas64.Vector {
	if data == nil {
		data = make([]float64, 0)
	}
	return blas64.Vector{N: len(data), Inc: 1, Data: data}
}

// L2 calculates the Euclidean distance between two vectors.
func L2(a, b blas64.Vector) float64 {
	res := NewVec(append([]float64(nil), b.Data...))
	blas64.Axpy(-1.0, a, res)
	return blas64.Nrm2(res)
}

// Dot returns the dot product of two vectors.
func Dot(a, b blas64.Vector) float64 {
	return blas64.Dot(a, b)
}

// CosineSim returns 1-cos(a,b): 0 for identical direction, 2 for
// opposite direction, 1 for orthogonal vectors.
func CosineSim(a, b blas64.Vector) float64 {
	na, nb := blas64.Nrm2(a), blas64.Nrm2(b)
	if na <= tol || nb <= tol {
		return math.NaN()
	}
	cosine := blas64.Dot(a, b) / (na * nb)
	return 1.0 - cosine
}

// IsZeroVector returns true if the sum of the absolute values of v is
// close to zero.
func IsZeroVector(v blas64.Vector) bool {
	return blas64.Asum(v) <= tol
}

// Hamming returns the Hamming distance between two byte-packed binary
// descriptors of equal length (used for ORB/BRIEF-style descriptors).
func Hamming(a, b []byte) (int, error) {
	if len(a) != len(b) {
		return 0, errors.New("hamming: descriptor lengths differ")
	}
	dist := 0
	for i := range a {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist, nil
}

// Hamming2 is the ORB WTA_K=3/4 variant: pack width is unchanged, but
// each byte packs values from a 3- or 4-way comparison, so distance is
// computed over 2-bit groups instead of raw bits (a byte contributes
// between 0 and 4 to the distance instead of 0 to 8).
func Hamming2(a, b []byte) (int, error) {
	if len(a) != len(b) {
		return 0, errors.New("hamming2: descriptor lengths differ")
	}
	dist := 0
	for i := range a {
		x := a[i] ^ b[i]
		for shift := 0; shift < 8; shift += 2 {
			if (x>>shift)&0x3 != 0 {
				dist++
			}
		}
	}
	return dist, nil
}

// GetMeanStd returns the sample mean and (biased) standard deviation of
// data, estimated over a random sample of at most sampleSize rows.
func GetMeanStd(data [][]float64, sampleSize int) ([]float64, []float64, error) {
	if len(data) == 0 {
		return nil, nil, errors.New("data slice is empty")
	}
	if sampleSize <= 0 {
		return nil, nil, errors.New("sampleSize must be > 0")
	}
	if len(data) <= sampleSize {
		sampleSize = len(data)
	}
	sample := make([]int, sampleSize)
	for i := 0; i < sampleSize; i++ {
		sample[i] = rand.Intn(len(data))
	}
	sampleSizeF := float64(sampleSize)
	mean := make([]float64, len(data[0]))
	for _, idx := range sample {
		for j, val := range data[idx] {
			mean[j] += val / sampleSizeF
		}
	}
	std := make([]float64, len(data[0]))
	for _, idx := range sample {
		for j, val := range data[idx] {
			d := val - mean[j]
			std[j] += d * d / sampleSizeF
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j])
	}
	return mean, std, nil
}
