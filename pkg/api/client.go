package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"labcore/pkg/journal"
	"labcore/pkg/task"
)

// Client talks JSON-RPC to a labcore command server.
type Client struct {
	base   string
	http   *http.Client
	nextID atomic.Int64
}

// NewClient creates a client for the server at addr ("host:port" or a
// full http URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type clientResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
	ID     any             `json:"id"`
}

// Call invokes method and decodes the result into result, which may be nil.
// Error answers are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, result any) error {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocolError("%s: unexpected HTTP status %s", method, resp.Status)
	}

	var out clientResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocolError("%s: decode response: %v", method, err)
	}
	if out.Error != nil {
		return out.Error.asError()
	}
	if result == nil || len(out.Result) == 0 {
		return nil
	}
	return json.Unmarshal(out.Result, result)
}

func (c *Client) taskCommand(ctx context.Context, method, name string) (task.Status, error) {
	var st task.Status
	err := c.Call(ctx, method, map[string]any{"name": name}, &st)
	return st, err
}

// Start starts a task.
func (c *Client) Start(ctx context.Context, name string) (task.Status, error) {
	return c.taskCommand(ctx, "task.start", name)
}

// Pause pauses a task.
func (c *Client) Pause(ctx context.Context, name string) (task.Status, error) {
	return c.taskCommand(ctx, "task.pause", name)
}

// Resume resumes a task.
func (c *Client) Resume(ctx context.Context, name string) (task.Status, error) {
	return c.taskCommand(ctx, "task.resume", name)
}

// Stop stops a task after its current step.
func (c *Client) Stop(ctx context.Context, name string) (task.Status, error) {
	return c.taskCommand(ctx, "task.stop", name)
}

// Abort aborts a task.
func (c *Client) Abort(ctx context.Context, name string) (task.Status, error) {
	return c.taskCommand(ctx, "task.abort", name)
}

// Status returns the status of one task.
func (c *Client) Status(ctx context.Context, name string) (task.Status, error) {
	return c.taskCommand(ctx, "task.status", name)
}

// Statuses returns the status of every task.
func (c *Client) Statuses(ctx context.Context) ([]task.Status, error) {
	var st []task.Status
	err := c.Call(ctx, "task.list", nil, &st)
	return st, err
}

// History returns recent runs of a task, all tasks when name is empty.
func (c *Client) History(ctx context.Context, name string, limit int) ([]journal.Run, error) {
	var out struct {
		Runs []journal.Run `json:"runs"`
	}
	params := map[string]any{"limit": limit}
	if name != "" {
		params["name"] = name
	}
	err := c.Call(ctx, "task.history", params, &out)
	return out.Runs, err
}

// Watch connects to the WebSocket endpoint and calls fn for every
// notify_task_state notification until ctx ends or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(TaskEvent)) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/websocket"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg struct {
			Method string      `json:"method"`
			Params []TaskEvent `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("watch: %w", err)
		}
		if msg.Method != "notify_task_state" {
			continue
		}
		for _, ev := range msg.Params {
			fn(ev)
		}
	}
}
