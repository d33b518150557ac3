package supervisor

import (
	"context"
	"log"
	"time"

	"github.com/michaelbrown/anvil/internal/rpc"
	"github.com/michaelbrown/anvil/internal/storage"
)

// healthFailureLimit is how many consecutive probe failures park a server
// in error state. Recovery after that requires an operator restart; the
// supervisor never restarts a failing server on its own.
const healthFailureLimit = 3

// healthLoop probes one running process until it stops, fails, or the
// process context is cancelled. The probe reuses list_tools with a short
// timeout; a server that answers it is considered live.
func (s *Supervisor) healthLoop(e *entry, channel *rpc.Channel, gen int, interval time.Duration, ctx context.Context) {
	if interval < time.Second {
		interval = time.Second
	}
	probeBudget := s.opts.ProbeTimeout
	if probeBudget > interval {
		probeBudget = interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// The process may have been stopped or replaced between ticks.
		e.mu.Lock()
		stale := e.gen != gen || e.state.Status != storage.StatusRunning
		e.mu.Unlock()
		if stale {
			return
		}

		pctx, cancel := context.WithTimeout(ctx, probeBudget)
		_, err := channel.ListTools(pctx)
		cancel()

		e.mu.Lock()
		e.state.LastHealthCheck = time.Now().UTC()
		e.mu.Unlock()

		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		log.Printf("supervisor: health probe %d/%d failed for %s: %v", failures, healthFailureLimit, e.id, err)

		// A closed channel means the process is already gone; don't wait
		// out the remaining probes. The transition holds opMu so a stop
		// or restart that completed in the meantime is never overwritten.
		if failures >= healthFailureLimit || err == rpc.ErrClosed {
			e.opMu.Lock()
			e.mu.Lock()
			if e.gen != gen || e.stopping {
				e.mu.Unlock()
				e.opMu.Unlock()
				return
			}
			e.mu.Unlock()
			log.Printf("supervisor: server %s marked unhealthy after %d failed probes", e.id, failures)
			s.setStatus(e, storage.StatusError, 0, "health probes failing: "+err.Error())
			e.opMu.Unlock()
			return
		}
	}
}
