// Package catalog aggregates tool descriptors from running tool servers
// into a per-turn catalog and routes tool calls to their owners.
package catalog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/michaelbrown/anvil/internal/rpc"
	"github.com/michaelbrown/anvil/internal/storage"
)

// OwnerKind tags who serves a tool.
type OwnerKind string

const (
	OwnerServer   OwnerKind = "server"
	OwnerFallback OwnerKind = "fallback"
)

// Owner identifies the component a descriptor was collected from. It is
// attached at catalog-build time, and dispatch routes on it directly
// rather than re-looking-up the tool name.
type Owner struct {
	Kind     OwnerKind `json:"kind"`
	ServerID string    `json:"server_id,omitempty"`
}

// String is the audit-record form of an owner.
func (o Owner) String() string {
	if o.Kind == OwnerFallback {
		return storage.FallbackOwner
	}
	return o.ServerID
}

// Descriptor is one tool visible to the agent for the current turn.
// Descriptors are rebuilt on every catalog query and never persisted.
type Descriptor struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema"`
	Owner           Owner          `json:"owner"`
}

// Transport is the call surface of one running tool server.
type Transport interface {
	ListTools(ctx context.Context) ([]rpc.ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]any) ([]rpc.ContentBlock, error)
}

// Source resolves a server id to its transport, when the server is
// running. The supervisor is the production implementation.
type Source interface {
	Transport(serverID string) (Transport, bool)
}

// Catalog is an ordered snapshot of the tools available to one agent.
// Name collisions across servers are preserved as separate entries.
type Catalog struct {
	Entries []Descriptor `json:"entries"`
}

// Resolve returns the first entry with the given tool name, in catalog
// order.
func (c *Catalog) Resolve(name string) (Descriptor, bool) {
	for _, d := range c.Entries {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Builder builds catalogs from bound server ids.
type Builder struct {
	source      Source
	fallback    *Fallback
	listTimeout time.Duration
}

// NewBuilder creates a Builder. fallback may be nil to disable fallback
// tools entirely.
func NewBuilder(source Source, fallback *Fallback, listTimeout time.Duration) *Builder {
	if listTimeout <= 0 {
		listTimeout = 10 * time.Second
	}
	return &Builder{source: source, fallback: fallback, listTimeout: listTimeout}
}

// Build queries every bound server concurrently and assembles the
// catalog. A server that is not running, fails, or times out is skipped
// with a log line, yielding a partial catalog rather than blocking the
// turn. Fallback tools appear only when the agent is bound to zero
// servers, not merely when the resulting catalog is empty, so an
// unreachable server surfaces as missing tools instead of being papered
// over by fallback behavior.
func (b *Builder) Build(ctx context.Context, serverIDs []string) *Catalog {
	if len(serverIDs) == 0 {
		cat := &Catalog{Entries: []Descriptor{}}
		if b.fallback != nil {
			cat.Entries = b.fallback.Descriptors()
		}
		return cat
	}

	perServer := make([][]Descriptor, len(serverIDs))
	var wg sync.WaitGroup
	for i, id := range serverIDs {
		transport, ok := b.source.Transport(id)
		if !ok {
			log.Printf("catalog: skipping %s: not running", id)
			continue
		}
		wg.Add(1)
		go func(i int, id string, transport Transport) {
			defer wg.Done()
			lctx, cancel := context.WithTimeout(ctx, b.listTimeout)
			defer cancel()
			specs, err := transport.ListTools(lctx)
			if err != nil {
				log.Printf("catalog: skipping %s: list_tools failed: %v", id, err)
				return
			}
			descs := make([]Descriptor, 0, len(specs))
			for _, spec := range specs {
				descs = append(descs, Descriptor{
					Name:            spec.Name,
					Description:     spec.Description,
					ParameterSchema: spec.ParameterSchema,
					Owner:           Owner{Kind: OwnerServer, ServerID: id},
				})
			}
			perServer[i] = descs
		}(i, id, transport)
	}
	wg.Wait()

	cat := &Catalog{Entries: []Descriptor{}}
	for _, descs := range perServer {
		cat.Entries = append(cat.Entries, descs...)
	}
	return cat
}
