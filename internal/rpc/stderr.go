package rpc

import (
	"bufio"
	"io"
	"sync"
)

// StderrRing captures a subprocess's stderr diagnostics into a bounded
// ring. Lines are never parsed as protocol data; they are kept for audit
// and streamed to subscribers (the management API's event stream).
type StderrRing struct {
	mu    sync.Mutex
	lines []string
	max   int
	subs  map[chan string]struct{}
	done  chan struct{}
}

// NewStderrRing starts capturing lines from r, keeping at most max lines.
func NewStderrRing(r io.Reader, max int) *StderrRing {
	if max <= 0 {
		max = 200
	}
	ring := &StderrRing{
		max:  max,
		subs: make(map[chan string]struct{}),
		done: make(chan struct{}),
	}
	go ring.capture(r)
	return ring
}

func (s *StderrRing) capture(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.append(scanner.Text())
	}
	close(s.done)
}

// Done is closed once the captured stream reaches EOF.
func (s *StderrRing) Done() <-chan struct{} {
	return s.done
}

func (s *StderrRing) append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > s.max {
		s.lines = s.lines[len(s.lines)-s.max:]
	}
	for ch := range s.subs {
		select {
		case ch <- line:
		default: // slow subscriber drops lines rather than blocking capture
		}
	}
}

// Lines returns a snapshot of the captured tail.
func (s *StderrRing) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Subscribe returns a channel receiving future stderr lines and a cancel
// function that must be called to release it.
func (s *StderrRing) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}
