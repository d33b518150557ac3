package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/anvil/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateServer(ctx context.Context, srv *storage.Server) error {
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	if srv.Status == "" {
		srv.Status = storage.StatusStopped
	}

	args, env, err := marshalConfigJSON(srv)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, description, command, arguments, environment,
			working_directory, enabled, auto_start, health_check_interval, status,
			process_id, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.Description, srv.Command, args, env,
		srv.WorkingDir, srv.Enabled, srv.AutoStart, srv.HealthCheckInterval, srv.Status,
		srv.ProcessID, srv.LastError,
		srv.CreatedAt.Format(time.RFC3339), srv.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*storage.Server, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, command, arguments, environment, working_directory,
			enabled, auto_start, health_check_interval, status, process_id, last_error,
			created_at, updated_at
		FROM servers WHERE id = ?`, id)

	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("server not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return srv, nil
}

func (s *SQLiteStore) ListServers(ctx context.Context) ([]storage.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, command, arguments, environment, working_directory,
			enabled, auto_start, health_check_interval, status, process_id, last_error,
			created_at, updated_at
		FROM servers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []storage.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

func (s *SQLiteStore) UpdateServer(ctx context.Context, srv *storage.Server) error {
	srv.UpdatedAt = time.Now().UTC()

	args, env, err := marshalConfigJSON(srv)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET name = ?, description = ?, command = ?, arguments = ?,
			environment = ?, working_directory = ?, enabled = ?, auto_start = ?,
			health_check_interval = ?, updated_at = ?
		WHERE id = ?`,
		srv.Name, srv.Description, srv.Command, args, env, srv.WorkingDir,
		srv.Enabled, srv.AutoStart, srv.HealthCheckInterval,
		srv.UpdatedAt.Format(time.RFC3339), srv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	return requireRow(res, srv.ID)
}

func (s *SQLiteStore) UpdateServerStatus(ctx context.Context, id string, status storage.ServerStatus, pid int, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET status = ?, process_id = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		status, pid, lastError, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating server status: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) AppendInvocation(ctx context.Context, rec *storage.InvocationRecord) error {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshaling arguments: %w", err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_invocations (owner, tool_name, arguments, response, duration_ms, timestamp, success)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Owner, rec.ToolName, string(args), rec.Response,
		rec.Duration.Milliseconds(), rec.Timestamp.Format(time.RFC3339Nano), rec.Success,
	)
	if err != nil {
		return fmt.Errorf("appending invocation: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListInvocations(ctx context.Context, opts storage.InvocationListOptions) ([]storage.InvocationRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, tool_name, arguments, response, duration_ms, timestamp, success
		FROM tool_invocations ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing invocations: %w", err)
	}
	defer rows.Close()

	var records []storage.InvocationRecord
	for rows.Next() {
		var rec storage.InvocationRecord
		var args, ts string
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.ToolName, &args, &rec.Response,
			&durationMS, &ts, &rec.Success); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
			rec.Arguments = map[string]any{}
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalConfigJSON(srv *storage.Server) (args, env string, err error) {
	a, err := json.Marshal(srv.Arguments)
	if err != nil {
		return "", "", fmt.Errorf("marshaling arguments: %w", err)
	}
	e, err := json.Marshal(srv.Environment)
	if err != nil {
		return "", "", fmt.Errorf("marshaling environment: %w", err)
	}
	return string(a), string(e), nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("server not found: %s", id)
	}
	return nil
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanServer(sc scanner) (*storage.Server, error) {
	var srv storage.Server
	var args, env, createdAt, updatedAt string
	err := sc.Scan(&srv.ID, &srv.Name, &srv.Description, &srv.Command, &args, &env,
		&srv.WorkingDir, &srv.Enabled, &srv.AutoStart, &srv.HealthCheckInterval,
		&srv.Status, &srv.ProcessID, &srv.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &srv.Arguments); err != nil {
		srv.Arguments = nil
	}
	if err := json.Unmarshal([]byte(env), &srv.Environment); err != nil {
		srv.Environment = nil
	}
	srv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	srv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &srv, nil
}
