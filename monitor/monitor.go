// Package monitor hosts the per-project session watchdog. It keeps the
// embedding worker warm for the lifetime of a session, and closes the
// active episode when the session owner exits or drops a close signal.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mnemohq/mnemo/encoder"
	"github.com/mnemohq/mnemo/memory"
)

const (
	// SignalFileName is the close request dropped into the project
	// directory by `mnemo signal-close` and consumed here.
	SignalFileName = ".close_signal"

	DefaultPollInterval = 3 * time.Second
)

// CloseSignal is the payload of the close-signal file.
type CloseSignal struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
}

// WriteCloseSignal asks the monitor watching dir to close the active
// episode. The write is atomic so a concurrent poll never reads a
// half-written file.
func WriteCloseSignal(dir, reason string) error {
	sig := CloseSignal{Reason: reason, Timestamp: time.Now(), PID: os.Getpid()}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal close signal: %w", err)
	}
	path := filepath.Join(dir, SignalFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write close signal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write close signal: %w", err)
	}
	return nil
}

// EpisodeCloser is the slice of the manager the monitor drives.
type EpisodeCloser interface {
	CloseEpisode(ctx context.Context, summary string) (*memory.Episode, error)
}

// Config wires one Monitor.
type Config struct {
	// ProjectDir is watched for the close-signal file.
	ProjectDir string

	// OwnerPID is the session process whose death ends the session.
	// Zero disables liveness polling and leaves only the signal file.
	OwnerPID int

	PollInterval time.Duration
}

// Monitor polls owner liveness and the close-signal file, and tears the
// session down exactly once.
type Monitor struct {
	cfg     Config
	manager EpisodeCloser
	sup     *encoder.Supervisor
}

// New builds a monitor; it does nothing until Run.
func New(cfg Config, manager EpisodeCloser, sup *encoder.Supervisor) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Monitor{cfg: cfg, manager: manager, sup: sup}
}

// Run warms the encoder and loops until the session ends or ctx is
// cancelled. Session end closes the active episode and shuts the encoder
// down; both paths are safe to hit redundantly.
func (m *Monitor) Run(ctx context.Context) error {
	if m.sup != nil {
		m.sup.StartWarmup()
	}
	defer m.teardown(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if sig := m.consumeSignal(); sig != nil {
				log.Printf("[MONITOR] close signal from pid %d: %s", sig.PID, sig.Reason)
				return nil
			}
			if m.cfg.OwnerPID > 0 && !encoder.ProcessAlive(m.cfg.OwnerPID) {
				log.Printf("[MONITOR] owner pid %d gone, ending session", m.cfg.OwnerPID)
				return nil
			}
		}
	}
}

// consumeSignal reads and deletes the close-signal file. A file that is
// present but unreadable still ends the session; losing a close request
// is worse than closing on a corrupt one.
func (m *Monitor) consumeSignal() *CloseSignal {
	path := filepath.Join(m.cfg.ProjectDir, SignalFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil {
		log.Printf("[MONITOR] remove close signal: %v", err)
	}
	sig := &CloseSignal{}
	if err := json.Unmarshal(data, sig); err != nil {
		log.Printf("[MONITOR] malformed close signal: %v", err)
		sig.Reason = "malformed signal"
	}
	return sig
}

func (m *Monitor) teardown(ctx context.Context) {
	if m.manager != nil {
		if ep, err := m.manager.CloseEpisode(context.WithoutCancel(ctx), ""); err != nil {
			log.Printf("[MONITOR] close episode: %v", err)
		} else if ep != nil {
			log.Printf("[MONITOR] archived episode %q", ep.Title)
		}
	}
	if m.sup != nil {
		if err := m.sup.Shutdown(); err != nil {
			log.Printf("[MONITOR] encoder shutdown: %v", err)
		}
	}
}
