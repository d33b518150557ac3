package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// scriptedServer runs a goroutine that reads request frames and answers
// each with whatever respond returns. An empty reply means stay silent.
func scriptedServer(t *testing.T, respond func(id int64, method string) []string) *Channel {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		defer respW.Close()
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			for _, line := range respond(req.ID, req.Method) {
				fmt.Fprintln(respW, line)
			}
		}
	}()
	t.Cleanup(func() {
		reqW.Close()
		respR.Close()
	})

	return NewChannel("srv-test", reqW, respR)
}

func TestListTools(t *testing.T) {
	ch := scriptedServer(t, func(id int64, method string) []string {
		if method != MethodListTools {
			t.Errorf("method = %q, want list_tools", method)
		}
		return []string{fmt.Sprintf(
			`{"id":%d,"result":[{"name":"echo","description":"echoes","parameter_schema":{"type":"object"}}]}`, id)}
	})

	specs, err := ch.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d tools, want 1", len(specs))
	}
	if specs[0].Name != "echo" {
		t.Errorf("name = %q, want echo", specs[0].Name)
	}
	if specs[0].ParameterSchema["type"] != "object" {
		t.Errorf("schema = %v, want type object", specs[0].ParameterSchema)
	}
}

func TestCallTool(t *testing.T) {
	ch := scriptedServer(t, func(id int64, method string) []string {
		return []string{fmt.Sprintf(`{"id":%d,"result":[{"type":"text","text":"hi"}]}`, id)}
	})

	blocks, err := ch.CallTool(context.Background(), "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if JoinText(blocks) != "hi" {
		t.Errorf("result = %q, want hi", JoinText(blocks))
	}
}

func TestCallToolWireError(t *testing.T) {
	ch := scriptedServer(t, func(id int64, method string) []string {
		return []string{fmt.Sprintf(
			`{"id":%d,"error":{"code":"tool_execution_error","message":"disk full"}}`, id)}
	})

	_, err := ch.CallTool(context.Background(), "write", nil)
	var we *WireError
	if !errors.As(err, &we) {
		t.Fatalf("expected *WireError, got %T: %v", err, err)
	}
	if we.Code != CodeToolError {
		t.Errorf("code = %q, want %q", we.Code, CodeToolError)
	}
	if we.Message != "disk full" {
		t.Errorf("message = %q, want disk full", we.Message)
	}
}

func TestCallToolTimeout(t *testing.T) {
	ch := scriptedServer(t, func(id int64, method string) []string {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.CallTool(ctx, "slow", nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if te.Method != MethodCallTool {
		t.Errorf("method = %q, want call_tool", te.Method)
	}
}

func TestStaleReplySkipped(t *testing.T) {
	// First call times out unanswered. The late reply arrives during the
	// second call and must be skipped in favor of the matching id.
	var firstID int64
	ch := scriptedServer(t, func(id int64, method string) []string {
		if firstID == 0 {
			firstID = id
			return nil
		}
		return []string{
			fmt.Sprintf(`{"id":%d,"result":[{"type":"text","text":"late"}]}`, firstID),
			fmt.Sprintf(`{"id":%d,"result":[{"type":"text","text":"fresh"}]}`, id),
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := ch.CallTool(ctx, "slow", nil)
	cancel()
	if err == nil {
		t.Fatal("expected timeout on first call")
	}

	blocks, err := ch.CallTool(context.Background(), "fast", nil)
	if err != nil {
		t.Fatalf("second CallTool: %v", err)
	}
	if JoinText(blocks) != "fresh" {
		t.Errorf("result = %q, want fresh", JoinText(blocks))
	}
}

func TestOutOfSequenceID(t *testing.T) {
	ch := scriptedServer(t, func(id int64, method string) []string {
		return []string{fmt.Sprintf(`{"id":%d,"result":[]}`, id+100)}
	})

	_, err := ch.ListTools(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestUnparseableFrame(t *testing.T) {
	ch := scriptedServer(t, func(id int64, method string) []string {
		return []string{"this is not json"}
	})

	_, err := ch.ListTools(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestClosedChannel(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ch := NewChannel("srv-closed", reqW, respR)

	go func() {
		scanner := bufio.NewScanner(reqR)
		scanner.Scan()
		respW.Close() // process exits without answering
	}()

	_, err := ch.ListTools(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestIdleOutputNeverBlocksReader(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ch := NewChannel("srv-idle", reqW, respR)
	defer reqR.Close()

	// A process spewing output with no call in flight must not wedge the
	// reader once the line buffer fills.
	wrote := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			fmt.Fprintln(respW, `{"id":0,"result":[]}`)
		}
		close(wrote)
	}()
	select {
	case <-wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked; reader stopped draining idle output")
	}

	respW.Close()
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not reach EOF")
	}
}

func TestStaleLinesFlushedBeforeCall(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ch := NewChannel("srv-flush", reqW, respR)
	t.Cleanup(func() {
		reqW.Close()
		respW.Close()
	})

	// Queue junk while idle, then answer the next request properly. The
	// queued lines belong to nothing and must not fail the fresh call.
	for i := 0; i < 4; i++ {
		fmt.Fprintln(respW, "leftover noise")
	}
	time.Sleep(50 * time.Millisecond) // let the reader buffer the junk
	go func() {
		scanner := bufio.NewScanner(reqR)
		if scanner.Scan() {
			var req struct {
				ID int64 `json:"id"`
			}
			json.Unmarshal(scanner.Bytes(), &req)
			fmt.Fprintf(respW, `{"id":%d,"result":[{"type":"text","text":"clean"}]}`+"\n", req.ID)
		}
	}()

	blocks, err := ch.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if JoinText(blocks) != "clean" {
		t.Errorf("result = %q, want clean", JoinText(blocks))
	}
}

func TestRequestIDsIncrease(t *testing.T) {
	var ids []int64
	ch := scriptedServer(t, func(id int64, method string) []string {
		ids = append(ids, id)
		return []string{fmt.Sprintf(`{"id":%d,"result":[]}`, id)}
	})

	for i := 0; i < 3; i++ {
		if _, err := ch.ListTools(context.Background()); err != nil {
			t.Fatalf("ListTools #%d: %v", i, err)
		}
	}
	if len(ids) != 3 {
		t.Fatalf("server saw %d requests, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not increasing: %v", ids)
		}
	}
}
