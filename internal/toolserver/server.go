// Package toolserver is the serving side of the tool protocol, used by the
// cmd/tools binaries. It reads one JSON request per line from stdin,
// dispatches to registered handlers, and writes one JSON response per
// line to stdout. Diagnostics must go to stderr only.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/michaelbrown/anvil/internal/rpc"
)

// Handler executes one tool call. A returned error is reported to the
// client as a tool_execution_error; it does not stop the server.
type Handler func(ctx context.Context, args map[string]any) ([]rpc.ContentBlock, error)

// Tool couples a tool's descriptor with its handler.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
}

// Server serves the stdio tool protocol.
type Server struct {
	name  string
	tools []Tool
}

// New creates a named tool server.
func New(name string) *Server {
	return &Server{name: name}
}

// AddTool registers a tool.
func (s *Server) AddTool(t Tool) {
	s.tools = append(s.tools, t)
}

type wireRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params *struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type wireResponse struct {
	ID     int64          `json:"id"`
	Result any            `json:"result,omitempty"`
	Error  *rpc.WireError `json:"error,omitempty"`
}

// ServeStdio serves requests from os.Stdin to os.Stdout until EOF.
func (s *Server) ServeStdio() error {
	return s.Serve(os.Stdin, os.Stdout)
}

// Serve reads requests from r and writes responses to w until r ends.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	enc := json.NewEncoder(w)
	var writeMu sync.Mutex

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			fmt.Fprintf(os.Stderr, "%s: dropping unparseable request: %v\n", s.name, err)
			continue
		}
		resp := s.handle(req)
		writeMu.Lock()
		err := enc.Encode(resp)
		writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handle(req wireRequest) wireResponse {
	switch req.Method {
	case rpc.MethodListTools:
		specs := make([]rpc.ToolSpec, 0, len(s.tools))
		for _, t := range s.tools {
			specs = append(specs, rpc.ToolSpec{
				Name:            t.Name,
				Description:     t.Description,
				ParameterSchema: t.Schema,
			})
		}
		return wireResponse{ID: req.ID, Result: specs}

	case rpc.MethodCallTool:
		if req.Params == nil || req.Params.Name == "" {
			return wireResponse{ID: req.ID, Error: &rpc.WireError{Code: rpc.CodeInvalidParams, Message: "call_tool requires params.name"}}
		}
		for _, t := range s.tools {
			if t.Name != req.Params.Name {
				continue
			}
			args := req.Params.Arguments
			if args == nil {
				args = map[string]any{}
			}
			blocks, err := t.Handler(context.Background(), args)
			if err != nil {
				return wireResponse{ID: req.ID, Error: &rpc.WireError{Code: rpc.CodeToolError, Message: err.Error()}}
			}
			if blocks == nil {
				blocks = []rpc.ContentBlock{}
			}
			return wireResponse{ID: req.ID, Result: blocks}
		}
		return wireResponse{ID: req.ID, Error: &rpc.WireError{Code: rpc.CodeUnknownTool, Message: "unknown tool: " + req.Params.Name}}

	default:
		return wireResponse{ID: req.ID, Error: &rpc.WireError{Code: rpc.CodeUnknownMethod, Message: "unknown method: " + req.Method}}
	}
}
