// Package projection implements the random-projection pre-filter. Each
// service gets K fixed orthonormal vectors; embeddings are mapped into the
// K-dimensional image so that a cheap squared-distance predicate inside the
// SQL scan discards most candidates before cosine scoring.
package projection

import (
	"fmt"
	"math"
	"math/rand"
)

// K is the number of projection dimensions.
const K = 8

// maxGenerateAttempts bounds re-draws when a random vector collapses to a
// near-zero residual during orthogonalization.
const maxGenerateAttempts = 64

// Generate returns K orthonormal vectors of the given dimensionality,
// built by Gram-Schmidt over uniformly random inputs in [-1, 1] and
// normalized at the end. Generated once per service and then immutable.
func Generate(dimensions int) ([][]float32, error) {
	return generate(dimensions, rand.Float64)
}

// generate takes the random source as a parameter so tests can pin it.
func generate(dimensions int, random func() float64) ([][]float32, error) {
	if dimensions < K {
		return nil, fmt.Errorf("dimensions %d below projection count %d", dimensions, K)
	}

	basis := make([][]float64, 0, K)
	attempts := 0
	for len(basis) < K {
		if attempts++; attempts > maxGenerateAttempts {
			return nil, fmt.Errorf("projection basis did not converge after %d attempts", maxGenerateAttempts)
		}

		v := make([]float64, dimensions)
		for i := range v {
			v[i] = random()*2 - 1
		}
		for _, b := range basis {
			d := dot(v, b)
			for i := range v {
				v[i] -= d * b[i]
			}
		}
		n := norm(v)
		if n < 1e-8 {
			continue
		}
		for i := range v {
			v[i] /= n
		}
		basis = append(basis, v)
	}

	vectors := make([][]float32, K)
	for i, b := range basis {
		vectors[i] = toFloat32(b)
	}
	return vectors, nil
}

// Project maps an embedding to its K dot products against the projection
// vectors.
func Project(vec []float32, vectors [][]float32) ([]float64, error) {
	if len(vectors) != K {
		return nil, fmt.Errorf("expected %d projection vectors, got %d", K, len(vectors))
	}
	proj := make([]float64, K)
	for i, pv := range vectors {
		if len(pv) != len(vec) {
			return nil, fmt.Errorf("projection vector %d: dimension %d vs embedding %d", i, len(pv), len(vec))
		}
		var sum float64
		for j, v := range vec {
			sum += float64(v) * float64(pv[j])
		}
		proj[i] = sum
	}
	return proj, nil
}

// DistanceSq is the squared Euclidean distance between two projections.
func DistanceSq(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
