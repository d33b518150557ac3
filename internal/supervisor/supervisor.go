// Package supervisor owns tool server processes: spawning, handshake,
// health monitoring, and termination. All process state lives here and is
// mutated only through per-server serialized operations, so concurrent
// start/stop/restart calls on one server never race while operations on
// different servers proceed independently.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/michaelbrown/anvil/internal/rpc"
	"github.com/michaelbrown/anvil/internal/storage"
)

// Options tunes process management timeouts.
type Options struct {
	// HandshakeTimeout bounds the initial list_tools call after spawn.
	HandshakeTimeout time.Duration
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	// StopGrace is how long to wait after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// StderrLines is how many trailing stderr lines to keep per server.
	StderrLines int
}

// DefaultOptions returns the timeouts used by the daemon.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		ProbeTimeout:     5 * time.Second,
		StopGrace:        5 * time.Second,
		StderrLines:      200,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	if o.StderrLines <= 0 {
		o.StderrLines = d.StderrLines
	}
	return o
}

// ProcessState is the supervisor's view of one server process.
type ProcessState struct {
	ServerID        string               `json:"server_id"`
	Status          storage.ServerStatus `json:"status"`
	PID             int                  `json:"process_id,omitempty"`
	StartedAt       time.Time            `json:"started_at,omitempty"`
	LastHealthCheck time.Time            `json:"last_health_check,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
}

// Event is a change notification for subscribers (status transitions and
// captured stderr lines).
type Event struct {
	Type     string               `json:"type"` // "status" or "stderr"
	ServerID string               `json:"server_id"`
	Status   storage.ServerStatus `json:"status,omitempty"`
	Error    string               `json:"error,omitempty"`
	Line     string               `json:"line,omitempty"`
	Time     time.Time            `json:"time"`
}

// StartupFailure describes a process that spawned but never completed the
// protocol handshake, or exited during the grace window.
type StartupFailure struct {
	ServerID string
	Reason   string
}

func (e *StartupFailure) Error() string {
	return fmt.Sprintf("startup failure for %s: %s", e.ServerID, e.Reason)
}

// Supervisor manages all tool server processes for the daemon.
type Supervisor struct {
	store storage.Store
	opts  Options

	mu      sync.Mutex
	entries map[string]*entry
}

// entry holds one server's process. opMu serializes lifecycle operations
// for the server, including the asynchronous exit and health-failure
// transitions; mu guards the fields themselves.
type entry struct {
	id string

	opMu sync.Mutex

	mu         sync.Mutex
	state      ProcessState
	cmd        *exec.Cmd
	channel    *rpc.Channel
	stderr     *rpc.StderrRing
	waitCh     chan error
	stopping   bool
	gen        int // process generation; stale waiters compare against it
	procCancel context.CancelFunc
	subs       map[chan Event]struct{}
}

// New creates a Supervisor. All servers are assumed stopped; process state
// never survives a daemon restart.
func New(store storage.Store, opts Options) *Supervisor {
	return &Supervisor{
		store:   store,
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
	}
}

func (s *Supervisor) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{
			id:    id,
			state: ProcessState{ServerID: id, Status: storage.StatusStopped},
			subs:  make(map[chan Event]struct{}),
		}
		s.entries[id] = e
	}
	return e
}

// State returns the current process state for a server. Unknown servers
// report stopped.
func (s *Supervisor) State(id string) ProcessState {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// States returns a snapshot of every tracked server's process state.
func (s *Supervisor) States() map[string]ProcessState {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make(map[string]ProcessState, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out[e.id] = e.state
		e.mu.Unlock()
	}
	return out
}

// Transport returns the RPC channel for a server, if it is running.
func (s *Supervisor) Transport(id string) (*rpc.Channel, bool) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != storage.StatusRunning || e.channel == nil {
		return nil, false
	}
	return e.channel, true
}

// StderrTail returns the captured stderr tail for a server, if any
// process has run since daemon startup.
func (s *Supervisor) StderrTail(id string) []string {
	e := s.entry(id)
	e.mu.Lock()
	ring := e.stderr
	e.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Lines()
}

// Start spawns a server's process and performs the protocol handshake.
// It returns an error only for configuration lookups, disabled servers,
// attempts to start an already-running server, and OS-level spawn
// failures. A process that spawns but fails its handshake leaves the
// server in error state with LastError populated, and Start returns nil.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	e := s.entry(id)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return s.startLocked(ctx, e)
}

// Stop terminates a server's process: SIGTERM, bounded wait, SIGKILL.
// Stopping an already-stopped server is a no-op. Stop always leaves the
// server in stopped state with the pid cleared.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	e := s.entry(id)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return s.stopLocked(e)
}

// Restart stops then starts a server. A failed stop does not block the
// start attempt.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	e := s.entry(id)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := s.stopLocked(e); err != nil {
		log.Printf("supervisor: restart %s: stop failed (continuing): %v", id, err)
	}
	return s.startLocked(ctx, e)
}

func (s *Supervisor) startLocked(ctx context.Context, e *entry) error {
	e.mu.Lock()
	status := e.state.Status
	hasProc := e.cmd != nil
	e.mu.Unlock()
	if status == storage.StatusRunning || status == storage.StatusStarting {
		return fmt.Errorf("server %s is already %s", e.id, status)
	}
	if hasProc {
		// A server parked in error by failing health probes still has a
		// live process; reap it before spawning a replacement.
		s.stopLocked(e)
	}

	cfg, err := s.store.GetServer(ctx, e.id)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("server %s is disabled", e.id)
	}

	s.setStatus(e, storage.StatusStarting, 0, "")

	cmd := exec.Command(cfg.Command, cfg.Arguments...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setStatus(e, storage.StatusError, 0, err.Error())
		return fmt.Errorf("spawning %s: %w", e.id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setStatus(e, storage.StatusError, 0, err.Error())
		return fmt.Errorf("spawning %s: %w", e.id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setStatus(e, storage.StatusError, 0, err.Error())
		return fmt.Errorf("spawning %s: %w", e.id, err)
	}

	if err := cmd.Start(); err != nil {
		s.setStatus(e, storage.StatusError, 0, err.Error())
		return fmt.Errorf("spawning %s: %w", e.id, err)
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	waitCh := make(chan error, 1)

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.cmd = cmd
	e.channel = rpc.NewChannel(e.id, stdin, stdout)
	e.stderr = rpc.NewStderrRing(stderr, s.opts.StderrLines)
	e.waitCh = waitCh
	e.stopping = false
	e.procCancel = procCancel
	channel := e.channel
	ring := e.stderr
	e.mu.Unlock()

	go func() {
		// Wait closes the pipes; let both readers drain to EOF first so a
		// dying server's final frames and stderr lines are captured.
		<-channel.Done()
		<-ring.Done()
		waitCh <- cmd.Wait()
		close(waitCh)
		s.processExited(e, gen)
	}()
	go s.forwardStderr(e, ring, procCtx)

	// Handshake: the server is running only once list_tools succeeds
	// within the grace window.
	hctx, hcancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	_, herr := channel.ListTools(hctx)
	hcancel()
	if herr != nil {
		failure := &StartupFailure{ServerID: e.id, Reason: herr.Error()}
		log.Printf("supervisor: %v", failure)

		e.mu.Lock()
		e.stopping = true
		e.mu.Unlock()
		cmd.Process.Kill()
		<-waitCh

		e.mu.Lock()
		e.cmd = nil
		e.channel = nil
		e.procCancel = nil
		e.mu.Unlock()
		procCancel()
		s.setStatus(e, storage.StatusError, 0, failure.Error())
		return nil
	}

	e.mu.Lock()
	e.state.StartedAt = time.Now().UTC()
	e.mu.Unlock()
	s.setStatus(e, storage.StatusRunning, cmd.Process.Pid, "")
	log.Printf("supervisor: server %s running (pid %d)", e.id, cmd.Process.Pid)

	interval := time.Duration(cfg.HealthCheckInterval) * time.Second
	go s.healthLoop(e, channel, gen, interval, procCtx)
	return nil
}

func (s *Supervisor) stopLocked(e *entry) error {
	e.mu.Lock()
	cmd := e.cmd
	waitCh := e.waitCh
	procCancel := e.procCancel
	if cmd == nil {
		// No process: make sure a parked error state ends up stopped.
		alreadyStopped := e.state.Status == storage.StatusStopped
		e.mu.Unlock()
		if !alreadyStopped {
			s.setStatus(e, storage.StatusStopped, 0, "")
		}
		return nil
	}
	e.stopping = true
	e.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}
	select {
	case <-waitCh:
	case <-time.After(s.opts.StopGrace):
		cmd.Process.Kill()
		<-waitCh
	}

	if procCancel != nil {
		procCancel()
	}
	e.mu.Lock()
	e.cmd = nil
	e.channel = nil
	e.procCancel = nil
	e.mu.Unlock()
	s.setStatus(e, storage.StatusStopped, 0, "")
	log.Printf("supervisor: server %s stopped", e.id)
	return nil
}

// processExited handles a process ending on its own. Expected exits
// (driven by stopLocked or a failed handshake) are ignored here. It
// takes opMu so the staleness check and the error transition form one
// operation; a Stop that completes first makes this a no-op rather than
// overwriting the stopped state afterward.
func (s *Supervisor) processExited(e *entry, gen int) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.gen != gen || e.stopping {
		e.mu.Unlock()
		return
	}
	e.cmd = nil
	e.channel = nil
	procCancel := e.procCancel
	e.procCancel = nil
	e.mu.Unlock()

	if procCancel != nil {
		procCancel()
	}
	log.Printf("supervisor: server %s exited unexpectedly", e.id)
	s.setStatus(e, storage.StatusError, 0, "process exited unexpectedly")
}

func (s *Supervisor) forwardStderr(e *entry, ring *rpc.StderrRing, ctx context.Context) {
	lines, cancel := ring.Subscribe()
	defer cancel()
	for {
		select {
		case line := <-lines:
			e.broadcast(Event{Type: "stderr", ServerID: e.id, Line: line, Time: time.Now().UTC()})
		case <-ctx.Done():
			return
		}
	}
}

// setStatus records a transition, mirrors it to the store best-effort,
// and notifies subscribers.
func (s *Supervisor) setStatus(e *entry, status storage.ServerStatus, pid int, lastError string) {
	e.mu.Lock()
	e.state.Status = status
	e.state.PID = pid
	e.state.LastError = lastError
	if status != storage.StatusRunning {
		e.state.StartedAt = time.Time{}
	}
	e.mu.Unlock()

	if err := s.store.UpdateServerStatus(context.Background(), e.id, status, pid, lastError); err != nil {
		log.Printf("supervisor: mirroring status for %s: %v", e.id, err)
	}
	e.broadcast(Event{Type: "status", ServerID: e.id, Status: status, Error: lastError, Time: time.Now().UTC()})
}

func (e *entry) broadcast(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events for one server and a cancel
// function that releases it.
func (s *Supervisor) Subscribe(id string) (<-chan Event, func()) {
	e := s.entry(id)
	ch := make(chan Event, 32)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	cancel := func() {
		e.mu.Lock()
		delete(e.subs, ch)
		e.mu.Unlock()
	}
	return ch, cancel
}

// StartAll starts every enabled server with auto_start set, concurrently.
// Individual failures are logged and reflected in each server's state;
// they do not abort the rest.
func (s *Supervisor) StartAll(ctx context.Context) error {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	var wg sync.WaitGroup
	for _, srv := range servers {
		if !srv.Enabled || !srv.AutoStart {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Start(ctx, id); err != nil {
				log.Printf("supervisor: auto-start %s: %v", id, err)
			}
		}(srv.ID)
	}
	wg.Wait()
	return nil
}

// StopAll stops every tracked server, concurrently.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil {
				log.Printf("supervisor: stop %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}
