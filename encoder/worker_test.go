package encoder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadHashModel() (Model, error) {
	return NewHashModel(384), nil
}

func runWorker(t *testing.T, input string) []response {
	t.Helper()

	var out bytes.Buffer
	err := Serve(strings.NewReader(input), &out, loadHashModel, WorkerOptions{})
	require.NoError(t, err)

	var responses []response
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestServe_ReadyIsFirstLine(t *testing.T) {
	responses := runWorker(t, `{"text":"hello"}`+"\n"+`{"cmd":"quit"}`+"\n")

	require.Len(t, responses, 2)
	assert.Equal(t, "ready", responses[0].Status)
	assert.Len(t, responses[1].Vector, 384)
}

func TestServe_Deterministic(t *testing.T) {
	responses := runWorker(t, `{"text":"同样的输入"}`+"\n"+`{"text":"同样的输入"}`+"\n")

	require.Len(t, responses, 3)
	assert.Equal(t, responses[1].Vector, responses[2].Vector)
}

func TestServe_Batch(t *testing.T) {
	responses := runWorker(t, `{"texts":["one","two","three"]}`+"\n")

	require.Len(t, responses, 2)
	require.Len(t, responses[1].Vectors, 3)
	for _, vec := range responses[1].Vectors {
		assert.Len(t, vec, 384)
	}
}

func TestServe_MalformedInputDoesNotCrash(t *testing.T) {
	responses := runWorker(t, "this is not json\n"+`{"text":"still works"}`+"\n")

	require.Len(t, responses, 3)
	assert.Contains(t, responses[1].Error, "malformed request")
	assert.Len(t, responses[2].Vector, 384)
}

func TestServe_UnknownRequest(t *testing.T) {
	responses := runWorker(t, "{}\n")

	require.Len(t, responses, 2)
	assert.Equal(t, "unknown request", responses[1].Error)
}

func TestServe_LoadFailure(t *testing.T) {
	var out bytes.Buffer
	err := Serve(strings.NewReader(""), &out, func() (Model, error) {
		return nil, fmt.Errorf("no such model file")
	}, WorkerOptions{})
	require.Error(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Contains(t, resp.Error, "model load failed")
}

func TestHashModel_UnitVector(t *testing.T) {
	m := NewHashModel(64)
	vec, err := m.Encode("anything")
	require.NoError(t, err)
	require.Len(t, vec, 64)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestServe_ParentWatchRunsDuringLoad(t *testing.T) {
	fired := make(chan struct{})
	var once sync.Once
	restore := exitProcess
	exitProcess = func(int) { once.Do(func() { close(fired) }) }
	defer func() { exitProcess = restore }()

	// The owner is already gone when the worker starts; the watcher must
	// notice even though the model is still loading.
	var out bytes.Buffer
	err := Serve(strings.NewReader(""), &out, func() (Model, error) {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Error("parent watch did not fire while the model was loading")
		}
		return NewHashModel(8), nil
	}, WorkerOptions{ParentPID: 1 << 30, PollInterval: time.Millisecond})
	require.NoError(t, err)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	// PIDs this large do not exist on Linux (pid_max caps at 2^22).
	assert.False(t, ProcessAlive(1<<30))
}
