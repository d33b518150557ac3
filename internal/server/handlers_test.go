package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/anvil/internal/config"
	"github.com/michaelbrown/anvil/internal/registry"
	"github.com/michaelbrown/anvil/internal/storage"
	"github.com/michaelbrown/anvil/internal/storage/sqlite"
	"github.com/michaelbrown/anvil/internal/supervisor"
)

func testAPI(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	billPath := filepath.Join(t.TempDir(), "bill.json")
	os.WriteFile(billPath, []byte(`[{"kwh":100,"bill":21.80},{"kwh":500,"bill":182.40}]`), 0o644)

	cfg := &config.Config{
		Server:   config.ServerConfig{Port: 0},
		RPC:      config.RPCConfig{CallTimeout: time.Second, ListTimeout: time.Second},
		Fallback: config.FallbackConfig{BillTable: billPath},
	}
	sup := supervisor.New(store, supervisor.Options{})
	reg := registry.New(store, sup)
	return New(cfg, store, reg, sup), store
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
}

func serverBody(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"name":       "shell",
		"command":    "/bin/sh",
		"arguments":  []string{"-c", "true"},
		"enabled":    true,
		"auto_start": false,
	}
}

func TestRegisterServerEndpoint(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodPost, "/api/servers", serverBody(""))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	var srv storage.Server
	decodeBody(t, rr, &srv)
	if srv.ID == "" {
		t.Error("expected generated id")
	}
	if srv.Status != storage.StatusStopped {
		t.Errorf("status = %q, want stopped", srv.Status)
	}
	if srv.HealthCheckInterval != 30 {
		t.Errorf("interval = %d, want default 30", srv.HealthCheckInterval)
	}
}

func TestRegisterServerInvalidConfig(t *testing.T) {
	s, _ := testAPI(t)

	body := serverBody("")
	body["command"] = "ls | wc -l"
	rr := doJSON(t, s, http.MethodPost, "/api/servers", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	decodeBody(t, rr, &resp)
	if !strings.Contains(resp["error"], "command") {
		t.Errorf("error = %q, want command validation message", resp["error"])
	}
}

func TestListServersEndpoint(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodGet, "/api/servers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty list = %s, want []", rr.Body.String())
	}

	doJSON(t, s, http.MethodPost, "/api/servers", serverBody("l1"))
	doJSON(t, s, http.MethodPost, "/api/servers", serverBody("l2"))

	rr = doJSON(t, s, http.MethodGet, "/api/servers", nil)
	var servers []storage.Server
	decodeBody(t, rr, &servers)
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
}

func TestGetServerNotFoundEndpoint(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodGet, "/api/servers/ghost", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestUpdateServerEndpoint(t *testing.T) {
	s, _ := testAPI(t)
	doJSON(t, s, http.MethodPost, "/api/servers", serverBody("u1"))

	body := serverBody("u1")
	body["name"] = "renamed"
	rr := doJSON(t, s, http.MethodPut, "/api/servers/u1", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var srv storage.Server
	decodeBody(t, rr, &srv)
	if srv.Name != "renamed" {
		t.Errorf("name = %q, want renamed", srv.Name)
	}
}

func TestRemoveServerEndpoint(t *testing.T) {
	s, _ := testAPI(t)
	doJSON(t, s, http.MethodPost, "/api/servers", serverBody("d1"))

	rr := doJSON(t, s, http.MethodDelete, "/api/servers/d1", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}

	rr = doJSON(t, s, http.MethodGet, "/api/servers/d1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rr.Code)
	}
}

func TestStartUnknownServerEndpoint(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodPost, "/api/servers/ghost/start", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rr.Code, rr.Body.String())
	}
}

func TestServerStatusEndpoint(t *testing.T) {
	s, _ := testAPI(t)
	doJSON(t, s, http.MethodPost, "/api/servers", serverBody("st1"))

	rr := doJSON(t, s, http.MethodGet, "/api/servers/st1/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var st supervisor.ProcessState
	decodeBody(t, rr, &st)
	if st.Status != storage.StatusStopped {
		t.Errorf("process status = %q, want stopped", st.Status)
	}

	rr = doJSON(t, s, http.MethodGet, "/api/servers/ghost/status", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d, want 404", rr.Code)
	}
}

func TestServerStderrEndpoint(t *testing.T) {
	s, _ := testAPI(t)
	doJSON(t, s, http.MethodPost, "/api/servers", serverBody("e1"))

	rr := doJSON(t, s, http.MethodGet, "/api/servers/e1/stderr", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp map[string][]string
	decodeBody(t, rr, &resp)
	if resp["lines"] == nil {
		t.Error("expected lines array, possibly empty")
	}
}

func TestImportExportEndpoints(t *testing.T) {
	s, _ := testAPI(t)

	doc := `
servers:
  - id: imp1
    name: first
    command: /bin/sh
    auto_start: false
`
	rr := doJSON(t, s, http.MethodPost, "/api/servers/import", map[string]string{"yaml": doc})
	if rr.Code != http.StatusCreated {
		t.Fatalf("import status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var resp map[string][]string
	decodeBody(t, rr, &resp)
	if len(resp["registered"]) != 1 || resp["registered"][0] != "imp1" {
		t.Errorf("registered = %v, want [imp1]", resp["registered"])
	}

	rr = doJSON(t, s, http.MethodGet, "/api/servers/export", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("content type = %q, want application/yaml", ct)
	}
	if !strings.Contains(rr.Body.String(), "imp1") {
		t.Errorf("export = %q, want imp1 present", rr.Body.String())
	}
}

func TestImportPartialFailure(t *testing.T) {
	s, _ := testAPI(t)

	doc := `
servers:
  - id: ok1
    name: fine
    command: /bin/sh
    auto_start: false
  - id: bad1
    name: broken
    command: "a | b"
`
	rr := doJSON(t, s, http.MethodPost, "/api/servers/import", map[string]string{"yaml": doc})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rr, &resp)
	registered, _ := resp["registered"].([]any)
	if len(registered) != 1 || registered[0] != "ok1" {
		t.Errorf("registered = %v, want [ok1]", registered)
	}
	if resp["error"] == nil {
		t.Error("expected error message alongside partial registration")
	}
}

func TestToolCatalogFallback(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodGet, "/api/tools", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var cat struct {
		Entries []struct {
			Name  string `json:"name"`
			Owner struct {
				Kind string `json:"kind"`
			} `json:"owner"`
		} `json:"entries"`
	}
	decodeBody(t, rr, &cat)
	if len(cat.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 fallback tools", len(cat.Entries))
	}
	for _, e := range cat.Entries {
		if e.Owner.Kind != "fallback" {
			t.Errorf("entry %q owner = %q, want fallback", e.Name, e.Owner.Kind)
		}
	}
}

func TestToolCatalogBoundServersSkipFallback(t *testing.T) {
	s, _ := testAPI(t)
	doJSON(t, s, http.MethodPost, "/api/servers", serverBody("b1"))

	// b1 is registered but not running, so its tools are skipped and the
	// fallback stays out of the catalog.
	rr := doJSON(t, s, http.MethodGet, "/api/tools?servers=b1", nil)
	var cat struct {
		Entries []any `json:"entries"`
	}
	decodeBody(t, rr, &cat)
	if len(cat.Entries) != 0 {
		t.Errorf("got %d entries, want 0", len(cat.Entries))
	}
}

func TestToolCallFallback(t *testing.T) {
	s, store := testAPI(t)

	rr := doJSON(t, s, http.MethodPost, "/api/tools/call", map[string]any{
		"name":      "tnb_bill_kwh_to_rm",
		"arguments": map[string]any{"kwh": 110.0},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var rec storage.InvocationRecord
	decodeBody(t, rr, &rec)
	if !rec.Success {
		t.Fatalf("expected success, got: %s", rec.Response)
	}
	if rec.Owner != storage.FallbackOwner {
		t.Errorf("owner = %q, want fallback", rec.Owner)
	}
	if !strings.Contains(rec.Response, "RM 21.80") {
		t.Errorf("response = %q, want nearest RM 21.80", rec.Response)
	}

	// The call must be on the audit trail too.
	records, err := store.ListInvocations(context.Background(), storage.InvocationListOptions{})
	if err != nil {
		t.Fatalf("ListInvocations: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d audit records, want 1", len(records))
	}
}

func TestToolCallRequiresName(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodPost, "/api/tools/call", map[string]any{"arguments": map[string]any{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestInvocationsEndpoint(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodGet, "/api/invocations", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty audit = %s, want []", rr.Body.String())
	}

	for i := 0; i < 3; i++ {
		doJSON(t, s, http.MethodPost, "/api/tools/call", map[string]any{
			"name":      "tnb_bill_kwh_to_rm",
			"arguments": map[string]any{"kwh": float64(100 + i)},
		})
	}

	rr = doJSON(t, s, http.MethodGet, "/api/invocations?limit=2", nil)
	var records []storage.InvocationRecord
	decodeBody(t, rr, &records)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ToolName != "tnb_bill_kwh_to_rm" {
		t.Errorf("tool = %q, want tnb_bill_kwh_to_rm", records[0].ToolName)
	}
}

func TestContentTypeIsJSON(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodGet, "/api/servers", nil)
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	s, _ := testAPI(t)

	rr := doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/nope-%d", time.Now().Unix()), nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
