// Package rpc implements the line-oriented JSON protocol spoken to tool
// server subprocesses: one JSON object per line on the child's stdin
// (requests) and stdout (responses). Two methods exist, list_tools and
// call_tool. stdout carries nothing but protocol frames; stderr is
// free-form diagnostics.
package rpc

import "encoding/json"

const (
	MethodListTools = "list_tools"
	MethodCallTool  = "call_tool"
)

// request is a single outbound frame.
type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params *callParams `json:"params,omitempty"`
}

// callParams carries the arguments of a call_tool request.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// response is a single inbound frame. Exactly one of Result and Error is set.
type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the error object a tool server may return in place of a
// result. A call_tool response carrying one represents the tool itself
// reporting failure; it is a normal, non-fatal outcome.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return e.Code + ": " + e.Message
}

// Well-known wire error codes.
const (
	CodeToolError     = "tool_execution_error"
	CodeUnknownTool   = "unknown_tool"
	CodeUnknownMethod = "unknown_method"
	CodeInvalidParams = "invalid_params"
)

// ToolSpec is one entry in a list_tools result.
type ToolSpec struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema"`
}

// ContentBlock is one entry in a call_tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// JoinText concatenates the text of all blocks, newline-separated.
func JoinText(blocks []ContentBlock) string {
	var out string
	for i, b := range blocks {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}
