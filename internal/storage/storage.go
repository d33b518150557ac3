package storage

import (
	"context"
	"time"
)

// ServerStatus is the lifecycle state of a tool server process. It is
// owned by the supervisor; the stored value is the last observed status,
// kept for the management UI. On daemon startup every server is assumed
// stopped regardless of what the row says.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusError    ServerStatus = "error"
)

// Server is a durable tool-server configuration.
type Server struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	Command             string            `json:"command"`
	Arguments           []string          `json:"arguments"`
	Environment         map[string]string `json:"environment"`
	WorkingDir          string            `json:"working_directory"`
	Enabled             bool              `json:"enabled"`
	AutoStart           bool              `json:"auto_start"`
	HealthCheckInterval int               `json:"health_check_interval"` // seconds
	Status              ServerStatus      `json:"status"`
	ProcessID           int               `json:"process_id,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// FallbackOwner is the Owner value recorded for invocations handled by the
// in-process fallback tool provider rather than a tool server.
const FallbackOwner = "fallback"

// InvocationRecord is one append-only audit entry, written after every
// tool dispatch whether it succeeded or not.
type InvocationRecord struct {
	ID        int64          `json:"id"`
	Owner     string         `json:"owner"` // server id, or FallbackOwner
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Response  string         `json:"response"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
}

// InvocationListOptions controls paging for ListInvocations.
type InvocationListOptions struct {
	Limit  int
	Offset int
}

// Store is the persistence interface for server configs and the
// invocation audit trail.
type Store interface {
	// CreateServer inserts a new server config. The ID must be set.
	CreateServer(ctx context.Context, s *Server) error

	// GetServer returns a server config by id.
	GetServer(ctx context.Context, id string) (*Server, error)

	// ListServers returns all server configs ordered by creation time.
	ListServers(ctx context.Context) ([]Server, error)

	// UpdateServer overwrites a server's mutable configuration fields.
	UpdateServer(ctx context.Context, s *Server) error

	// UpdateServerStatus mirrors the supervisor's observed status, pid,
	// and last error into the row.
	UpdateServerStatus(ctx context.Context, id string, status ServerStatus, pid int, lastError string) error

	// DeleteServer removes a server config.
	DeleteServer(ctx context.Context, id string) error

	// AppendInvocation appends one audit record. Safe for concurrent use
	// from multiple in-flight dispatches.
	AppendInvocation(ctx context.Context, rec *InvocationRecord) error

	// ListInvocations returns audit records, most recent first.
	ListInvocations(ctx context.Context, opts InvocationListOptions) ([]InvocationRecord, error)

	// Close releases resources.
	Close() error
}
