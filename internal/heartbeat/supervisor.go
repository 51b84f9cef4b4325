// Package heartbeat runs the periodic liveness check that probes idle
// connections and evicts the ones that stop answering.
package heartbeat

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/wsrelay/internal/registry"
)

// Defaults used when a non-positive interval or timeout is supplied.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 35 * time.Second
)

// SweepResult describes one pass over the registry.
type SweepResult struct {
	Probed  int
	Evicted int
	// Skipped is set when another sweep was still running.
	Skipped bool
}

// Supervisor probes every registered connection once per interval.
type Supervisor struct {
	reg      *registry.Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}

	sweeping atomic.Bool
}

// New creates a stopped supervisor.
func New(reg *registry.Registry, interval, timeout time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		reg:      reg,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start launches the ticker loop. Calling Start on a running supervisor is a
// no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)

	s.logger.Info("heartbeat started", "interval", s.interval, "timeout", s.timeout)
}

// Stop halts the loop and waits for it to exit. Calling Stop on a stopped
// supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.done
	s.stopCh = nil
	s.done = nil
	s.mu.Unlock()

	<-done
	s.logger.Info("heartbeat stopped")
}

// Running reports whether the loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

func (s *Supervisor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-stop:
			return
		}
	}
}

// Sweep runs one heartbeat pass synchronously. Connections with an
// unanswered probe older than the timeout are removed from the registry and
// their transports terminated without a close handshake; every other open
// connection is sent a fresh probe. Overlapping calls are skipped.
func (s *Supervisor) Sweep() SweepResult {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Warn("heartbeat sweep still running, skipping tick")
		return SweepResult{Skipped: true}
	}
	defer s.sweeping.Store(false)

	var res SweepResult
	now := s.reg.Now()

	for _, c := range s.reg.All() {
		if c.Unresponsive(now, s.timeout) {
			s.logger.Warn("heartbeat timeout", "conn_id", c.ID(), "last_ping", c.LastPingAt())
			if s.evict(c) {
				res.Evicted++
			}
			continue
		}

		if !c.Open() {
			continue
		}
		c.BeginProbe(now)
		if err := c.Transport().Ping(); err != nil {
			s.logger.Warn("heartbeat probe failed", "conn_id", c.ID(), "error", err)
			if s.evict(c) {
				res.Evicted++
			}
			continue
		}
		res.Probed++
	}

	if res.Evicted > 0 {
		s.logger.Info("heartbeat evicted connections", "evicted", res.Evicted, "connections", s.reg.Len())
	}
	return res
}

// evict deregisters c before dropping its socket so no broadcast can pick it
// up in between.
func (s *Supervisor) evict(c *registry.Connection) bool {
	removed := s.reg.Remove(c.ID())
	if err := c.Transport().Terminate(); err != nil {
		s.logger.Debug("terminate failed", "conn_id", c.ID(), "error", err)
	}
	return removed
}
