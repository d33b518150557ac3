package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/michaelbrown/anvil/internal/rpc"
	"github.com/michaelbrown/anvil/internal/storage"
)

// Dispatcher routes a tool call to the owner recorded in the catalog and
// writes an audit record for every dispatch. RPC failures of any kind
// (timeout, process death, malformed frame) are converted into a failed
// invocation record and never raised, so one bad tool cannot abort a
// conversation turn.
type Dispatcher struct {
	source      Source
	fallback    *Fallback
	store       storage.Store
	callTimeout time.Duration
}

// NewDispatcher creates a Dispatcher. store receives the audit trail; an
// audit write failure is logged, not raised.
func NewDispatcher(source Source, fallback *Fallback, store storage.Store, callTimeout time.Duration) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Dispatcher{source: source, fallback: fallback, store: store, callTimeout: callTimeout}
}

// Invoke executes one tool call against the given catalog and returns its
// audit record. The record always has duration and timestamp populated,
// also on failure.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any, cat *Catalog) *storage.InvocationRecord {
	start := time.Now()
	rec := &storage.InvocationRecord{
		ToolName:  name,
		Arguments: args,
		Timestamp: start.UTC(),
	}

	desc, ok := cat.Resolve(name)
	if !ok {
		rec.Owner = "unknown"
		d.finish(ctx, rec, start, false, fmt.Sprintf("tool %q is not in the catalog", name))
		return rec
	}
	rec.Owner = desc.Owner.String()

	var blocks []rpc.ContentBlock
	var err error
	switch desc.Owner.Kind {
	case OwnerFallback:
		blocks, err = d.fallback.Call(ctx, name, args)
	default:
		transport, ok := d.source.Transport(desc.Owner.ServerID)
		if !ok {
			d.finish(ctx, rec, start, false, fmt.Sprintf("server %s is not running", desc.Owner.ServerID))
			return rec
		}
		cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
		blocks, err = transport.CallTool(cctx, name, args)
		cancel()
	}

	if err != nil {
		d.finish(ctx, rec, start, false, failureMessage(err))
		return rec
	}
	d.finish(ctx, rec, start, true, rpc.JoinText(blocks))
	return rec
}

func (d *Dispatcher) finish(ctx context.Context, rec *storage.InvocationRecord, start time.Time, success bool, response string) {
	rec.Success = success
	rec.Response = response
	rec.Duration = time.Since(start)
	if d.store == nil {
		return
	}
	if err := d.store.AppendInvocation(ctx, rec); err != nil {
		log.Printf("dispatcher: recording invocation of %s: %v", rec.ToolName, err)
	}
}

// failureMessage maps transport errors to the structured text surfaced to
// the orchestrator.
func failureMessage(err error) string {
	var wireErr *rpc.WireError
	var timeoutErr *rpc.TimeoutError
	var protoErr *rpc.ProtocolError
	switch {
	case errors.As(err, &wireErr):
		return "tool error: " + wireErr.Message
	case errors.As(err, &timeoutErr):
		return err.Error()
	case errors.As(err, &protoErr):
		return err.Error()
	case errors.Is(err, rpc.ErrClosed):
		return "server process ended during the call"
	default:
		return err.Error()
	}
}
