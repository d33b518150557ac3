// Package registry validates and persists tool server configurations.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/michaelbrown/anvil/internal/storage"
)

const defaultHealthInterval = 30 // seconds

// ConfigurationError reports an invalid server config. It is raised
// synchronously at registration or update time; invalid configs are never
// persisted.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid server config: %s: %s", e.Field, e.Reason)
}

// Lifecycle is the slice of the supervisor the registry needs: an
// auto-start hook on registration and a best-effort stop before removal.
type Lifecycle interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

// Registry is the durable store of tool server configurations.
type Registry struct {
	store     storage.Store
	lifecycle Lifecycle
}

// New creates a Registry. lifecycle may be nil, in which case auto-start
// and stop-before-delete are skipped.
func New(store storage.Store, lifecycle Lifecycle) *Registry {
	return &Registry{store: store, lifecycle: lifecycle}
}

// Register validates and persists a new server config. An empty ID gets a
// generated one. When the config is enabled with auto_start set, a start
// is requested immediately; a failed start leaves the config registered
// with the server in error state.
func (r *Registry) Register(ctx context.Context, srv storage.Server) (*storage.Server, error) {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.HealthCheckInterval <= 0 {
		srv.HealthCheckInterval = defaultHealthInterval
	}
	if err := validate(&srv); err != nil {
		return nil, err
	}

	if _, err := r.store.GetServer(ctx, srv.ID); err == nil {
		return nil, &ConfigurationError{Field: "id", Reason: fmt.Sprintf("server %q already exists", srv.ID)}
	}

	srv.Status = storage.StatusStopped
	srv.ProcessID = 0
	srv.LastError = ""
	if err := r.store.CreateServer(ctx, &srv); err != nil {
		return nil, err
	}

	if srv.Enabled && srv.AutoStart && r.lifecycle != nil {
		if err := r.lifecycle.Start(ctx, srv.ID); err != nil {
			log.Printf("registry: auto-start %s: %v", srv.ID, err)
		}
	}

	out, err := r.store.GetServer(ctx, srv.ID)
	if err != nil {
		return &srv, nil
	}
	return out, nil
}

// Update validates and overwrites an existing server's configuration.
func (r *Registry) Update(ctx context.Context, srv storage.Server) (*storage.Server, error) {
	if srv.HealthCheckInterval <= 0 {
		srv.HealthCheckInterval = defaultHealthInterval
	}
	if err := validate(&srv); err != nil {
		return nil, err
	}
	if err := r.store.UpdateServer(ctx, &srv); err != nil {
		return nil, err
	}
	return r.store.GetServer(ctx, srv.ID)
}

// Remove stops the server best-effort (stop failures are ignored) and
// deletes its config and state.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if r.lifecycle != nil {
		if err := r.lifecycle.Stop(ctx, id); err != nil {
			log.Printf("registry: stop before remove %s: %v", id, err)
		}
	}
	return r.store.DeleteServer(ctx, id)
}

// Get returns a server config by id.
func (r *Registry) Get(ctx context.Context, id string) (*storage.Server, error) {
	return r.store.GetServer(ctx, id)
}

// List returns all server configs.
func (r *Registry) List(ctx context.Context) ([]storage.Server, error) {
	return r.store.ListServers(ctx)
}

// validate enforces the config invariants: the command must be directly
// executable without shell interpolation, and the working directory must
// exist or be creatable.
func validate(srv *storage.Server) error {
	if strings.TrimSpace(srv.Command) == "" {
		return &ConfigurationError{Field: "command", Reason: "must not be empty"}
	}
	if strings.ContainsAny(srv.Command, "|&;<>$`") {
		return &ConfigurationError{Field: "command", Reason: "must be a direct executable, not a shell expression"}
	}
	if err := checkExecutable(srv.Command); err != nil {
		return &ConfigurationError{Field: "command", Reason: err.Error()}
	}

	if srv.WorkingDir != "" {
		if err := os.MkdirAll(srv.WorkingDir, 0o755); err != nil {
			return &ConfigurationError{Field: "working_directory", Reason: fmt.Sprintf("not creatable: %v", err)}
		}
	}

	for k := range srv.Environment {
		if strings.TrimSpace(k) == "" {
			return &ConfigurationError{Field: "environment", Reason: "empty variable name"}
		}
	}
	return nil
}

func checkExecutable(command string) error {
	if strings.ContainsRune(command, os.PathSeparator) {
		info, err := os.Stat(command)
		if err != nil {
			return fmt.Errorf("command not found: %s", command)
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return fmt.Errorf("command is not executable: %s", command)
		}
		return nil
	}
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("command not found in PATH: %s", command)
	}
	return nil
}
