package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// maxFrameSize bounds a single protocol line. Tool results can be large
// (file contents), so this is generous.
const maxFrameSize = 10 * 1024 * 1024

// Channel is the duplex protocol endpoint for one tool server subprocess.
// Calls on a channel are serialized: there are never interleaved writes to
// the subprocess's stdin, and request ids are strictly increasing. Calls
// to different servers use different channels and run independently.
type Channel struct {
	serverID string

	mu     sync.Mutex // serializes whole calls
	nextID int64
	stdin  io.Writer

	lines chan string
	done  chan struct{} // closed when the reader goroutine exits
}

// NewChannel wraps a subprocess's stdin/stdout pipes. It starts a reader
// goroutine that terminates when stdout reaches EOF.
func NewChannel(serverID string, stdin io.Writer, stdout io.Reader) *Channel {
	c := &Channel{
		serverID: serverID,
		stdin:    stdin,
		lines:    make(chan string, 8),
		done:     make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

func (c *Channel) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		default:
			// No call is draining the buffer. Dropping the line keeps the
			// reader moving toward EOF on an abandoned process instead of
			// pinning the goroutine and the stdout pipe.
		}
	}
	close(c.lines)
	close(c.done)
}

// Done is closed once the subprocess's stdout reaches EOF and the reader
// goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// ServerID returns the id of the server this channel is bound to.
func (c *Channel) ServerID() string {
	return c.serverID
}

// ListTools issues a list_tools call. The context bounds the call; a
// deadline overrun yields a *TimeoutError without killing the process.
func (c *Channel) ListTools(ctx context.Context) ([]ToolSpec, error) {
	raw, err := c.roundTrip(ctx, MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	var specs []ToolSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, &ProtocolError{ServerID: c.serverID, Detail: "list_tools result is not a tool array: " + err.Error()}
	}
	return specs, nil
}

// CallTool issues a call_tool call. A tool-reported failure comes back as
// a *WireError; transport failures come back as *TimeoutError,
// *ProtocolError, or ErrClosed.
func (c *Channel) CallTool(ctx context.Context, name string, args map[string]any) ([]ContentBlock, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.roundTrip(ctx, MethodCallTool, &callParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, &ProtocolError{ServerID: c.serverID, Detail: "call_tool result is not a content array: " + err.Error()}
	}
	return blocks, nil
}

// roundTrip writes one request frame and waits for the matching response.
// Late replies to previously abandoned calls are skipped by id: ids are
// strictly increasing on a channel, so any response with a lower id
// belongs to a call that already timed out.
func (c *Channel) roundTrip(ctx context.Context, method string, params *callParams) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Flush lines queued while no call was in flight; every one of them
	// belongs to an already-abandoned call.
drain:
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return nil, ErrClosed
			}
		default:
			break drain
		}
	}

	c.nextID++
	id := c.nextID

	frame, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if _, err := c.stdin.Write(append(frame, '\n')); err != nil {
		return nil, ErrClosed
	}

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, ErrClosed
			}
			var resp response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				return nil, &ProtocolError{ServerID: c.serverID, Detail: "unparseable frame: " + err.Error()}
			}
			if resp.ID < id {
				continue // stale reply to an abandoned call
			}
			if resp.ID > id {
				return nil, &ProtocolError{ServerID: c.serverID, Detail: "response id out of sequence"}
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			if resp.Result == nil {
				return nil, &ProtocolError{ServerID: c.serverID, Detail: "response carries neither result nor error"}
			}
			return resp.Result, nil

		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, &TimeoutError{ServerID: c.serverID, Method: method, Budget: time.Since(start).Round(time.Millisecond)}
			}
			return nil, ctx.Err()
		}
	}
}
