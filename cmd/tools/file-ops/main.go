// Command file-ops is a stdio tool server exposing basic file operations.
// All paths are resolved inside a base directory (first argument, or the
// current directory); requests that escape it are rejected.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/michaelbrown/anvil/internal/rpc"
	"github.com/michaelbrown/anvil/internal/toolserver"
)

func main() {
	base := "."
	if len(os.Args) > 1 {
		base = os.Args[1]
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "file-ops: %v\n", err)
		os.Exit(1)
	}
	ops := &fileOps{base: abs}

	s := toolserver.New("file-ops")

	s.AddTool(toolserver.Tool{
		Name:        "file_read",
		Description: "Read the contents of a file. Optionally specify a line range.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file to read",
				},
				"start_line": map[string]any{
					"type":        "integer",
					"description": "First line to read (1-based, optional)",
				},
				"end_line": map[string]any{
					"type":        "integer",
					"description": "Last line to read (1-based, inclusive, optional)",
				},
			},
			"required": []any{"path"},
		},
		Handler: ops.read,
	})

	s.AddTool(toolserver.Tool{
		Name:        "file_write",
		Description: "Write content to a file, creating it if it doesn't exist. Overwrites existing content.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file to write",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write to the file",
				},
			},
			"required": []any{"path", "content"},
		},
		Handler: ops.write,
	})

	s.AddTool(toolserver.Tool{
		Name:        "file_list",
		Description: "List files in a directory, optionally filtered by a glob pattern.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path to list",
				},
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern to filter files (e.g. '*.go')",
				},
			},
			"required": []any{"path"},
		},
		Handler: ops.list,
	})

	if err := s.ServeStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "file-ops: %v\n", err)
		os.Exit(1)
	}
}

type fileOps struct {
	base string
}

// resolve maps a request path into the base directory and rejects
// anything that escapes it.
func (f *fileOps) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("'path' is required")
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(f.base, full)
	}
	full = filepath.Clean(full)
	if full != f.base && !strings.HasPrefix(full, f.base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the allowed directory", path)
	}
	return full, nil
}

func (f *fileOps) read(_ context.Context, args map[string]any) ([]rpc.ContentBlock, error) {
	path, _ := args["path"].(string)
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	content := string(data)

	startLine, hasStart := toInt(args["start_line"])
	endLine, hasEnd := toInt(args["end_line"])
	if hasStart || hasEnd {
		lines := strings.Split(content, "\n")
		if !hasStart {
			startLine = 1
		}
		if !hasEnd {
			endLine = len(lines)
		}
		if startLine < 1 {
			startLine = 1
		}
		if endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > endLine {
			return nil, fmt.Errorf("start_line > end_line")
		}
		content = strings.Join(lines[startLine-1:endLine], "\n")
	}

	return []rpc.ContentBlock{rpc.TextBlock(content)}, nil
}

func (f *fileOps) write(_ context.Context, args map[string]any) ([]rpc.ContentBlock, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(full); dir != f.base {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directories: %w", err)
		}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing file: %w", err)
	}

	return []rpc.ContentBlock{rpc.TextBlock(fmt.Sprintf("wrote %d bytes to %s", len(content), path))}, nil
}

func (f *fileOps) list(_ context.Context, args map[string]any) ([]rpc.ContentBlock, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	pattern, _ := args["pattern"].(string)
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}

	if pattern != "" {
		matches, err := filepath.Glob(filepath.Join(full, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad pattern: %w", err)
		}
		for i, m := range matches {
			if rel, err := filepath.Rel(f.base, m); err == nil {
				matches[i] = rel
			}
		}
		return []rpc.ContentBlock{rpc.TextBlock(strings.Join(matches, "\n"))}, nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("listing directory: %w", err)
	}
	var lines []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}

	return []rpc.ContentBlock{rpc.TextBlock(strings.Join(lines, "\n"))}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
