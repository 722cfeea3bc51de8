package encoder

// request is one line sent to the worker on stdin.
// Exactly one of Text, Texts or Cmd is set.
type request struct {
	Text  *string  `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
	Cmd   string   `json:"cmd,omitempty"`
}

// response is one line the worker writes to stdout.
type response struct {
	Vector  []float32   `json:"vector,omitempty"`
	Vectors [][]float32 `json:"vectors,omitempty"`
	Status  string      `json:"status,omitempty"`
	Error   string      `json:"error,omitempty"`
}

const (
	statusReady = "ready"
	cmdQuit     = "quit"
)
