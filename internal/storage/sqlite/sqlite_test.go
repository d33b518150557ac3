package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/michaelbrown/anvil/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testServer(id string) *storage.Server {
	return &storage.Server{
		ID:                  id,
		Name:                "echo",
		Description:         "echo tool server",
		Command:             "/usr/bin/echo",
		Arguments:           []string{"-n", "hello"},
		Environment:         map[string]string{"MODE": "test"},
		Enabled:             true,
		AutoStart:           true,
		HealthCheckInterval: 30,
	}
}

func TestCreateAndGetServer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	srv := testServer("srv-1")
	if err := s.CreateServer(ctx, srv); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	got, err := s.GetServer(ctx, "srv-1")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}

	if got.Name != "echo" {
		t.Errorf("name = %q, want %q", got.Name, "echo")
	}
	if got.Command != "/usr/bin/echo" {
		t.Errorf("command = %q, want %q", got.Command, "/usr/bin/echo")
	}
	if len(got.Arguments) != 2 || got.Arguments[0] != "-n" {
		t.Errorf("arguments = %v, want [-n hello]", got.Arguments)
	}
	if got.Environment["MODE"] != "test" {
		t.Errorf("environment = %v, want MODE=test", got.Environment)
	}
	if got.Status != storage.StatusStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestGetServerNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetServer(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for missing server")
	}
}

func TestListServersOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateServer(ctx, testServer(id)); err != nil {
			t.Fatalf("CreateServer(%s): %v", id, err)
		}
	}

	servers, err := s.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 3 {
		t.Fatalf("got %d servers, want 3", len(servers))
	}
	if servers[0].ID != "a" || servers[2].ID != "c" {
		t.Errorf("order = %s,%s,%s, want a,b,c", servers[0].ID, servers[1].ID, servers[2].ID)
	}
}

func TestUpdateServer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	srv := testServer("upd1")
	s.CreateServer(ctx, srv)

	srv.Name = "renamed"
	srv.Arguments = []string{"--flag"}
	srv.Enabled = false
	if err := s.UpdateServer(ctx, srv); err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}

	got, err := s.GetServer(ctx, "upd1")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("name = %q, want %q", got.Name, "renamed")
	}
	if len(got.Arguments) != 1 || got.Arguments[0] != "--flag" {
		t.Errorf("arguments = %v, want [--flag]", got.Arguments)
	}
	if got.Enabled {
		t.Error("enabled should be false after update")
	}
}

func TestUpdateServerMissing(t *testing.T) {
	s := testStore(t)

	err := s.UpdateServer(context.Background(), testServer("ghost"))
	if err == nil {
		t.Fatal("expected error updating missing server")
	}
}

func TestUpdateServerStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateServer(ctx, testServer("st1"))

	if err := s.UpdateServerStatus(ctx, "st1", storage.StatusRunning, 4242, ""); err != nil {
		t.Fatalf("UpdateServerStatus: %v", err)
	}

	got, _ := s.GetServer(ctx, "st1")
	if got.Status != storage.StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.ProcessID != 4242 {
		t.Errorf("pid = %d, want 4242", got.ProcessID)
	}

	if err := s.UpdateServerStatus(ctx, "st1", storage.StatusError, 0, "handshake failed"); err != nil {
		t.Fatalf("UpdateServerStatus: %v", err)
	}
	got, _ = s.GetServer(ctx, "st1")
	if got.LastError != "handshake failed" {
		t.Errorf("last_error = %q, want %q", got.LastError, "handshake failed")
	}
}

func TestDeleteServer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateServer(ctx, testServer("del1"))

	if err := s.DeleteServer(ctx, "del1"); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	if _, err := s.GetServer(ctx, "del1"); err == nil {
		t.Fatal("expected error after delete")
	}
	if err := s.DeleteServer(ctx, "del1"); err == nil {
		t.Fatal("expected error deleting twice")
	}
}

func TestAppendAndListInvocations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := &storage.InvocationRecord{
			Owner:     "srv-1",
			ToolName:  fmt.Sprintf("tool_%d", i),
			Arguments: map[string]any{"n": float64(i)},
			Response:  "ok",
			Duration:  15 * time.Millisecond,
			Success:   true,
		}
		if err := s.AppendInvocation(ctx, rec); err != nil {
			t.Fatalf("AppendInvocation: %v", err)
		}
		if rec.ID == 0 {
			t.Error("expected assigned invocation id")
		}
	}

	records, err := s.ListInvocations(ctx, storage.InvocationListOptions{})
	if err != nil {
		t.Fatalf("ListInvocations: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	// Most recent first.
	if records[0].ToolName != "tool_2" {
		t.Errorf("first record = %q, want tool_2", records[0].ToolName)
	}
	if records[0].Arguments["n"] != float64(2) {
		t.Errorf("arguments = %v, want n=2", records[0].Arguments)
	}
	if records[0].Duration != 15*time.Millisecond {
		t.Errorf("duration = %v, want 15ms", records[0].Duration)
	}
}

func TestListInvocationsPaging(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.AppendInvocation(ctx, &storage.InvocationRecord{
			Owner:    storage.FallbackOwner,
			ToolName: fmt.Sprintf("t%d", i),
			Success:  true,
		})
	}

	records, err := s.ListInvocations(ctx, storage.InvocationListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListInvocations: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ToolName != "t3" {
		t.Errorf("first record = %q, want t3", records[0].ToolName)
	}
}
