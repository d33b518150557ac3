package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/anvil/internal/registry"
	"github.com/michaelbrown/anvil/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func statusFor(err error) int {
	var cfgErr *registry.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// --- Server config handlers ---

// mergeLiveState overlays the supervisor's live status onto a stored row.
// The supervisor is authoritative while the daemon runs; the row only
// records the last mirrored status.
func (s *Server) mergeLiveState(srv *storage.Server) {
	st := s.sup.State(srv.ID)
	srv.Status = st.Status
	srv.ProcessID = st.PID
	srv.LastError = st.LastError
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if servers == nil {
		servers = []storage.Server{}
	}
	for i := range servers {
		s.mergeLiveState(&servers[i])
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req storage.Server
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	srv, err := s.registry.Register(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	s.mergeLiveState(srv)
	writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	srv, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	s.mergeLiveState(srv)
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req storage.Server
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.ID = id

	srv, err := s.registry.Update(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	s.mergeLiveState(srv)
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Remove(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	YAML string `json:"yaml"`
}

func (s *Server) handleImportServers(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ids, err := s.registry.ImportYAML(r.Context(), strings.NewReader(req.YAML))
	if err != nil {
		// Definitions before the failing one stay registered; report both.
		writeJSON(w, statusFor(err), map[string]any{"registered": ids, "error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"registered": ids})
}

func (s *Server) handleExportServers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	if err := s.registry.ExportYAML(r.Context(), w); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Lifecycle handlers ---

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Start(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sup.State(id))
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Stop(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sup.State(id))
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Restart(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sup.State(id))
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sup.State(id))
}

func (s *Server) handleServerStderr(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lines := s.sup.StderrTail(id)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.StartAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sup.States())
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.sup.StopAll(r.Context())
	writeJSON(w, http.StatusOK, s.sup.States())
}

// --- Tool handlers ---

func serverIDsParam(r *http.Request) []string {
	raw := r.URL.Query().Get("servers")
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) handleToolCatalog(w http.ResponseWriter, r *http.Request) {
	cat := s.builder.Build(r.Context(), serverIDsParam(r))
	writeJSON(w, http.StatusOK, cat)
}

type toolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Servers   []string       `json:"servers"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cat := s.builder.Build(r.Context(), req.Servers)
	rec := s.dispatcher.Invoke(r.Context(), req.Name, req.Arguments, cat)
	writeJSON(w, http.StatusOK, rec)
}

// --- Audit handlers ---

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	opts := storage.InvocationListOptions{}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	records, err := s.store.ListInvocations(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []storage.InvocationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
