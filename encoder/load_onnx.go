//go:build onnx

package encoder

import "os"

// LoadDefaultModel picks the embedding model for this build. With the onnx
// tag it loads the model named by MNEMO_ONNX_MODEL (tokenizer from
// MNEMO_ONNX_TOKENIZER); without those set it still falls back to the hash
// model so the worker stays usable.
func LoadDefaultModel(dimensions int) (Model, error) {
	modelPath := os.Getenv("MNEMO_ONNX_MODEL")
	if modelPath == "" {
		return NewHashModel(dimensions), nil
	}
	return NewONNXModel(ONNXConfig{
		ModelPath:     modelPath,
		TokenizerPath: os.Getenv("MNEMO_ONNX_TOKENIZER"),
		Dimensions:    dimensions,
	})
}
