//go:build !onnx

package encoder

// LoadDefaultModel picks the embedding model for this build. Without the
// onnx build tag that is the deterministic hash model: no model files, no
// shared library, instant load.
func LoadDefaultModel(dimensions int) (Model, error) {
	return NewHashModel(dimensions), nil
}
