package encoder

import (
	"hash/fnv"
	"math"
)

// Model converts text to embedding vectors. The worker hosts exactly one
// Model instance; the supervisor never touches one directly.
//
// Implementations: HashModel (default build, deterministic, no model files),
// ONNXModel (build tag "onnx", real semantic embeddings via onnxruntime).
type Model interface {
	// Encode converts a single text to an embedding vector.
	Encode(text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// HashModel generates deterministic embeddings from a text hash.
// It provides no real semantic similarity, but identical input always yields
// the identical unit vector, which is all the store and the tests rely on
// when no ONNX model is available.
type HashModel struct {
	dimensions int
}

// NewHashModel creates a hash-projection model with the given vector size.
func NewHashModel(dimensions int) *HashModel {
	if dimensions <= 0 {
		dimensions = 384 // match all-MiniLM-L6-v2
	}
	return &HashModel{dimensions: dimensions}
}

// Encode creates a deterministic embedding from the text hash.
func (m *HashModel) Encode(text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))

	// Use the hash as seed for a simple LCG.
	seed := h.Sum64()
	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *HashModel) Dimensions() int {
	return m.dimensions
}

// normalize converts an embedding to a unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
