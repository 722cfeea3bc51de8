package encoder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ErrWorkerUnavailable is returned when the worker is not ready, crashed, or
// the caller's timeout expired while waiting for it. Internal callers may
// retry by calling Encode again (which re-joins or restarts the warmup);
// external read paths should degrade instead of failing.
var ErrWorkerUnavailable = errors.New("embedding worker unavailable")

// State is the supervisor lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures worker spawning and timeouts.
type SupervisorConfig struct {
	// WorkerCommand is the argv used to spawn the worker process.
	// Defaults to re-executing the current binary with the "worker"
	// subcommand and this process's pid as the parent to watch.
	WorkerCommand []string

	// WarmupTimeout bounds model load plus the warmup probe.
	WarmupTimeout time.Duration

	// EncodeTimeout applies to Encode calls whose context carries no
	// deadline of its own.
	EncodeTimeout time.Duration

	// ShutdownGrace is how long Shutdown waits after sending quit before
	// force-killing the worker.
	ShutdownGrace time.Duration

	// CacheBytes sizes the text->vector cache. Zero disables caching.
	CacheBytes int64
}

func (c *SupervisorConfig) applyDefaults() {
	if len(c.WorkerCommand) == 0 {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		c.WorkerCommand = []string{exe, "worker", "--parent-pid", strconv.Itoa(os.Getpid())}
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 120 * time.Second
	}
	if c.EncodeTimeout <= 0 {
		c.EncodeTimeout = 60 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

// SpawnFunc produces a connected worker. The default spawns
// cfg.WorkerCommand as a child process; tests inject in-process pipes.
type SpawnFunc func() (*WorkerConn, error)

// Supervisor owns the single embedding worker process: spawn, readiness,
// request serialization and shutdown. It is safe for concurrent use.
//
// The warmup is single-flight: the first caller spawns exactly one worker and
// probes it; every concurrent caller blocks on the same completion signal.
// A caller arriving after warmup started but before it finished is therefore
// never told "not ready" and never triggers a second spawn.
type Supervisor struct {
	cfg   SupervisorConfig
	spawn SpawnFunc
	cache *ristretto.Cache

	mu     sync.Mutex
	state  State
	flight *warmupFlight
	conn   *WorkerConn
	dims   int
	gen    uint64 // bumped by Shutdown so a late warmup cannot resurrect a torn-down worker
}

type warmupFlight struct {
	done chan struct{}
	err  error
}

// SupervisorOption customizes supervisor construction.
type SupervisorOption func(*Supervisor)

// WithSpawn overrides how the worker is spawned. Used by tests to run the
// worker loop in-process over pipes.
func WithSpawn(fn SpawnFunc) SupervisorOption {
	return func(s *Supervisor) {
		s.spawn = fn
	}
}

// NewSupervisor creates a supervisor in state not_started. No process is
// spawned until StartWarmup, Encode or WaitReady is called.
func NewSupervisor(cfg SupervisorConfig, opts ...SupervisorOption) (*Supervisor, error) {
	cfg.applyDefaults()
	s := &Supervisor{cfg: cfg, state: StateNotStarted}
	s.spawn = func() (*WorkerConn, error) { return spawnProcess(s.cfg.WorkerCommand) }
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1 << 14,
			MaxCost:     cfg.CacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create vector cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// State returns the current lifecycle state without blocking.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the worker is ready, without blocking.
// Latency-bounded callers use this to skip semantic work instead of waiting.
func (s *Supervisor) Ready() bool { return s.State() == StateReady }

// Loading reports whether a warmup is in flight, without blocking.
func (s *Supervisor) Loading() bool { return s.State() == StateLoading }

// Dimensions returns the embedding size observed during warmup, or zero if
// the worker has never been ready.
func (s *Supervisor) Dimensions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// StartWarmup begins loading the worker in the background and returns
// immediately. Idempotent: only the first call spawns; later calls while
// loading or ready are no-ops. A failed supervisor is reset and retried.
func (s *Supervisor) StartWarmup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureWarmupLocked()
}

// ensureWarmupLocked returns the in-flight warmup, starting one if needed.
// Returns nil when the worker is already ready. Caller holds s.mu.
func (s *Supervisor) ensureWarmupLocked() *warmupFlight {
	switch s.state {
	case StateReady:
		return nil
	case StateLoading:
		return s.flight
	}
	// not_started, or failed (resettable)
	f := &warmupFlight{done: make(chan struct{})}
	s.flight = f
	s.state = StateLoading
	gen := s.gen
	go s.runWarmup(f, gen)
	return f
}

// WaitReady blocks until the worker is ready, joining any in-flight warmup or
// starting one. On context expiry it returns ErrWorkerUnavailable; the warmup
// itself keeps running for later callers.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	f := s.ensureWarmupLocked()
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		if f.err != nil {
			return fmt.Errorf("%w: %v", ErrWorkerUnavailable, f.err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, ctx.Err())
	}
}

func (s *Supervisor) runWarmup(f *warmupFlight, gen uint64) {
	conn, err := s.doWarmup()

	s.mu.Lock()
	if s.gen != gen {
		// Shutdown happened mid-warmup. Discard the worker.
		s.flight = nil
		s.mu.Unlock()
		if conn != nil {
			conn.close()
		}
		f.err = fmt.Errorf("shut down during warmup")
		close(f.done)
		return
	}
	s.flight = nil
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		log.Printf("[ENCODER] Warmup failed: %v", err)
		f.err = err
		close(f.done)
		return
	}
	s.conn = conn
	s.state = StateReady
	s.dims = conn.dims
	s.mu.Unlock()

	log.Printf("[ENCODER] Worker ready (dims=%d)", conn.dims)
	go s.pump(conn)
	close(f.done)
}

// doWarmup spawns the worker, waits for the ready line, and issues a
// synchronous probe so "ready" means the model actually answers.
func (s *Supervisor) doWarmup() (*WorkerConn, error) {
	conn, err := s.spawn()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	deadline := time.Now().Add(s.cfg.WarmupTimeout)

	resp, err := conn.readLine(time.Until(deadline))
	if err != nil {
		conn.close()
		return nil, fmt.Errorf("read ready line: %w", err)
	}
	if resp.Error != "" {
		conn.close()
		return nil, fmt.Errorf("worker load error: %s", resp.Error)
	}
	if resp.Status != statusReady {
		conn.close()
		return nil, fmt.Errorf("unexpected first line from worker: %+v", resp)
	}

	probe := "warmup"
	if err := conn.writeRequest(request{Text: &probe}); err != nil {
		conn.close()
		return nil, fmt.Errorf("write warmup probe: %w", err)
	}
	resp, err = conn.readLine(time.Until(deadline))
	if err != nil {
		conn.close()
		return nil, fmt.Errorf("read warmup probe: %w", err)
	}
	if resp.Error != "" {
		conn.close()
		return nil, fmt.Errorf("warmup probe failed: %s", resp.Error)
	}
	if len(resp.Vector) == 0 {
		conn.close()
		return nil, fmt.Errorf("warmup probe returned empty vector")
	}
	conn.dims = len(resp.Vector)
	return conn, nil
}

// Encode converts text to a vector. If the worker is not ready it blocks on
// the in-flight warmup up to the context deadline (or EncodeTimeout when the
// context has none), then fails with ErrWorkerUnavailable.
//
// On timeout the outstanding worker request is not cancelled: the connection
// pump finishes the exchange in the background, so the stream stays aligned
// for the next caller.
func (s *Supervisor) Encode(ctx context.Context, text string) ([]float32, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(text); ok {
			return v.([]float32), nil
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.EncodeTimeout)
		defer cancel()
	}

	resp, err := s.roundTrip(ctx, request{Text: &text})
	if err != nil {
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, fmt.Errorf("worker returned empty vector")
	}
	if s.cache != nil {
		s.cache.Set(text, resp.Vector, int64(len(resp.Vector))*4)
	}
	return resp.Vector, nil
}

// EncodeBatch converts several texts in a single worker exchange.
func (s *Supervisor) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.EncodeTimeout)
		defer cancel()
	}
	resp, err := s.roundTrip(ctx, request{Texts: texts})
	if err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

func (s *Supervisor) roundTrip(ctx context.Context, req request) (*response, error) {
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrWorkerUnavailable
	}

	p := &pendingRequest{req: req, reply: make(chan exchangeResult, 1)}
	select {
	case conn.reqCh <- p:
	case <-conn.closed:
		return nil, ErrWorkerUnavailable
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, ctx.Err())
	}

	select {
	case res := <-p.reply:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		// The pump completes the abandoned exchange; the buffered reply
		// channel just gets dropped.
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, ctx.Err())
	}
}

type pendingRequest struct {
	req   request
	reply chan exchangeResult
}

type exchangeResult struct {
	resp *response
	err  error
}

// pump owns all I/O on a worker connection after warmup. Requests are
// strictly one-at-a-time in arrival order; there is no client-side
// pipelining.
func (s *Supervisor) pump(conn *WorkerConn) {
	for {
		var p *pendingRequest
		select {
		case p = <-conn.reqCh:
		case <-conn.closed:
			return
		}

		if err := conn.writeRequest(p.req); err != nil {
			p.reply <- exchangeResult{err: fmt.Errorf("%w: write: %v", ErrWorkerUnavailable, err)}
			s.handleCrash(conn, err)
			return
		}
		resp, err := conn.readLine(0)
		if err != nil {
			p.reply <- exchangeResult{err: fmt.Errorf("%w: read: %v", ErrWorkerUnavailable, err)}
			s.handleCrash(conn, err)
			return
		}
		if resp.Error != "" {
			// Request-level error: the worker is still healthy.
			p.reply <- exchangeResult{err: fmt.Errorf("worker: %s", resp.Error)}
			continue
		}
		p.reply <- exchangeResult{resp: resp}
	}
}

// handleCrash resets the supervisor after a broken exchange. The next
// Encode triggers a fresh spawn; the failed request is not retried.
func (s *Supervisor) handleCrash(conn *WorkerConn, err error) {
	log.Printf("[ENCODER] Worker communication failed: %v", err)
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.state = StateNotStarted
		s.dims = 0
	}
	s.mu.Unlock()
	conn.close()
}

// Shutdown stops the worker: quit message, bounded wait, force kill. It is
// idempotent and always leaves the supervisor in not_started, so it is safe
// to call redundantly from both the orchestrator teardown and a monitor's
// owner-died path.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	f := s.flight
	s.mu.Unlock()
	if f != nil {
		// Let an in-flight warmup settle so its worker is not leaked.
		select {
		case <-f.done:
		case <-time.After(s.cfg.ShutdownGrace):
		}
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.flight = nil
	s.state = StateNotStarted
	s.dims = 0
	s.gen++
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	log.Printf("[ENCODER] Shutting down worker")
	conn.markClosed()
	if err := conn.writeRequest(request{Cmd: cmdQuit}); err == nil {
		if conn.waitExit(s.cfg.ShutdownGrace) {
			conn.release()
			return nil
		}
		log.Printf("[ENCODER] Worker did not exit after quit, killing")
	}
	conn.close()
	return nil
}

// WorkerConn is a live request/response channel to one worker.
type WorkerConn struct {
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	proc    *os.Process
	waitCh  <-chan error
	dims    int

	writeMu   sync.Mutex
	reqCh     chan *pendingRequest
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWorkerConn wraps a stdin/stdout pair as a worker connection. Exposed so
// tests can run the worker loop in-process over pipes.
func NewWorkerConn(stdin io.WriteCloser, stdout io.Reader) *WorkerConn {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &WorkerConn{
		stdin:   stdin,
		scanner: scanner,
		reqCh:   make(chan *pendingRequest),
		closed:  make(chan struct{}),
	}
}

func spawnProcess(argv []string) (*WorkerConn, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	conn := NewWorkerConn(stdin, stdout)
	conn.proc = cmd.Process
	conn.waitCh = waitCh
	log.Printf("[ENCODER] Spawned worker pid=%d", cmd.Process.Pid)
	return conn, nil
}

func (c *WorkerConn) writeRequest(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// readLine reads one response line. A positive timeout applies only during
// warmup, where no pump goroutine exists yet; afterwards the pump reads with
// no deadline and callers time out on their reply channels instead.
func (c *WorkerConn) readLine(timeout time.Duration) (*response, error) {
	type lineResult struct {
		resp *response
		err  error
	}
	read := func() (*response, error) {
		for c.scanner.Scan() {
			line := c.scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp response
			if err := json.Unmarshal(line, &resp); err != nil {
				return nil, fmt.Errorf("malformed worker response: %w", err)
			}
			return &resp, nil
		}
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	if timeout <= 0 {
		return read()
	}

	ch := make(chan lineResult, 1)
	go func() {
		resp, err := read()
		ch <- lineResult{resp, err}
	}()
	select {
	case res := <-ch:
		return res.resp, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out after %s", timeout)
	}
}

func (c *WorkerConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// waitExit waits up to d for the worker process to exit on its own.
// In-process test connections have no process and count as exited.
func (c *WorkerConn) waitExit(d time.Duration) bool {
	if c.waitCh == nil {
		return true
	}
	select {
	case <-c.waitCh:
		return true
	case <-time.After(d):
		return false
	}
}

// release closes the pipe without killing: the process already exited.
func (c *WorkerConn) release() {
	c.markClosed()
	c.stdin.Close()
}

// close force-terminates the worker.
func (c *WorkerConn) close() {
	c.markClosed()
	c.stdin.Close()
	if c.proc != nil {
		c.proc.Kill()
	}
}
