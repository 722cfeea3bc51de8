package encoder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"time"
)

const (
	// defaultPollInterval bounds how long a leaked worker can outlive its
	// owner: the liveness check runs this often.
	defaultPollInterval = 3 * time.Second

	// maxLineBytes caps a single protocol line.
	maxLineBytes = 4 << 20
)

// WorkerOptions configures the worker side of the protocol.
type WorkerOptions struct {
	// ParentPID is the process to watch. When it disappears the worker
	// exits on its own, even if the supervisor was killed before it could
	// send quit. Zero disables the watch.
	ParentPID int

	// PollInterval is how often the parent liveness check runs.
	// Defaults to 3 seconds.
	PollInterval time.Duration
}

// Serve runs the worker request loop: load the model, announce readiness,
// then answer one request per line until quit or EOF.
//
// The first output line is {"status":"ready"} once load() returns, or
// {"error":...} if it fails (in which case Serve returns the load error).
// Malformed input yields a request-level {"error":...} line, never a crash.
func Serve(r io.Reader, w io.Writer, load func() (Model, error), opts WorkerOptions) error {
	// Watch the parent before loading: model load can take minutes, and an
	// owner killed during it must not leave the worker loading into the void.
	if opts.ParentPID > 0 {
		interval := opts.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		go watchParent(opts.ParentPID, interval)
	}

	model, err := load()
	if err != nil {
		writeLine(w, response{Error: fmt.Sprintf("model load failed: %v", err)})
		return fmt.Errorf("model load failed: %w", err)
	}

	writeLine(w, response{Status: statusReady})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(w, response{Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}

		switch {
		case req.Cmd == cmdQuit:
			return nil
		case req.Text != nil:
			vec, err := model.Encode(*req.Text)
			if err != nil {
				writeLine(w, response{Error: err.Error()})
				continue
			}
			writeLine(w, response{Vector: vec})
		case req.Texts != nil:
			vecs := make([][]float32, 0, len(req.Texts))
			var encodeErr error
			for _, text := range req.Texts {
				vec, err := model.Encode(text)
				if err != nil {
					encodeErr = err
					break
				}
				vecs = append(vecs, vec)
			}
			if encodeErr != nil {
				writeLine(w, response{Error: encodeErr.Error()})
				continue
			}
			writeLine(w, response{Vectors: vecs})
		default:
			writeLine(w, response{Error: "unknown request"})
		}
	}
	return scanner.Err()
}

func writeLine(w io.Writer, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		// response types only hold marshalable fields
		return
	}
	w.Write(append(data, '\n'))
	if f, ok := w.(interface{ Sync() error }); ok {
		f.Sync()
	}
}

// exitProcess is swapped out in tests; the worker otherwise really exits.
var exitProcess = os.Exit

// watchParent polls the owner process and exits the worker when it is gone.
func watchParent(pid int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if !ProcessAlive(pid) {
			log.Printf("[WORKER] Parent process %d gone, exiting", pid)
			exitProcess(0)
		}
	}
}

// ProcessAlive reports whether a process with the given pid exists.
// Signal 0 probes existence without delivering anything; EPERM still means
// the process is there.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
