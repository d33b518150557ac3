package registry

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/anvil/internal/storage"
)

// serverDef is the YAML shape used by import/export.
type serverDef struct {
	ID                  string            `yaml:"id,omitempty"`
	Name                string            `yaml:"name"`
	Description         string            `yaml:"description,omitempty"`
	Command             string            `yaml:"command"`
	Arguments           []string          `yaml:"arguments,omitempty"`
	Environment         map[string]string `yaml:"environment,omitempty"`
	WorkingDir          string            `yaml:"working_directory,omitempty"`
	Enabled             *bool             `yaml:"enabled,omitempty"`
	AutoStart           *bool             `yaml:"auto_start,omitempty"`
	HealthCheckInterval int               `yaml:"health_check_interval,omitempty"`
}

type serverFile struct {
	Servers []serverDef `yaml:"servers"`
}

// ImportYAML registers every server definition read from r and returns
// the ids registered. The first invalid definition aborts the import;
// definitions before it stay registered.
func (r *Registry) ImportYAML(ctx context.Context, src io.Reader) ([]string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("reading import: %w", err)
	}

	var file serverFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing import: %w", err)
	}

	var ids []string
	for i, def := range file.Servers {
		srv := storage.Server{
			ID:                  def.ID,
			Name:                def.Name,
			Description:         def.Description,
			Command:             def.Command,
			Arguments:           def.Arguments,
			Environment:         def.Environment,
			WorkingDir:          def.WorkingDir,
			Enabled:             def.Enabled == nil || *def.Enabled,
			AutoStart:           def.AutoStart == nil || *def.AutoStart,
			HealthCheckInterval: def.HealthCheckInterval,
		}
		registered, err := r.Register(ctx, srv)
		if err != nil {
			return ids, fmt.Errorf("servers[%d] (%s): %w", i, def.Name, err)
		}
		ids = append(ids, registered.ID)
	}
	return ids, nil
}

// ExportYAML writes every registered server definition to w.
func (r *Registry) ExportYAML(ctx context.Context, w io.Writer) error {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return err
	}

	file := serverFile{Servers: make([]serverDef, 0, len(servers))}
	for _, srv := range servers {
		enabled := srv.Enabled
		autoStart := srv.AutoStart
		file.Servers = append(file.Servers, serverDef{
			ID:                  srv.ID,
			Name:                srv.Name,
			Description:         srv.Description,
			Command:             srv.Command,
			Arguments:           srv.Arguments,
			Environment:         srv.Environment,
			WorkingDir:          srv.WorkingDir,
			Enabled:             &enabled,
			AutoStart:           &autoStart,
			HealthCheckInterval: srv.HealthCheckInterval,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(file)
}
