// Package api provides the labcore command server: JSON-RPC 2.0 over HTTP
// POST /jsonrpc and over a WebSocket at /websocket. WebSocket clients also
// receive notify_task_state notifications for every task transition, step
// and cleanup.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"labcore/pkg/control"
	"labcore/pkg/journal"
	"labcore/pkg/log"
	"labcore/pkg/task"
)

// Version is reported by server.info.
var Version = "dev"

// Runner is the part of task.Runner the server drives.
type Runner interface {
	Start(name string) error
	Pause(name string) error
	Resume(name string) error
	Stop(name string) error
	Abort(name string) error
	Status(name string) (task.Status, error)
	Statuses() []task.Status
	Active() string
}

// History gives access to past runs.
type History interface {
	Runs(ctx context.Context, taskName string, limit int) ([]journal.Run, error)
	Events(ctx context.Context, runID string) ([]journal.Event, error)
	Totals(ctx context.Context, taskName string) (journal.Totals, error)
}

// Focus is the focus stabilization surface.
type Focus interface {
	Calibrate(ctx context.Context) (control.Calibration, error)
	Start(ctx context.Context) error
	Stop() error
	Status() control.FocusStatus
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	Runner  Runner
	History History // optional
	Focus   Focus   // optional
}

// Server is the command server.
type Server struct {
	runner  Runner
	history History
	focus   Focus
	log     *log.Logger

	httpServer *http.Server
	addr       string
	bound      atomic.Value // string

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// Lifetime of loops started by command
	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	startTime time.Time
}

// New creates a command server.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:    cfg.Runner,
		history:   cfg.History,
		focus:     cfg.Focus,
		log:       log.GetLogger("api"),
		addr:      cfg.Addr,
		wsClients: make(map[int64]*WSClient),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		// the server is meant for a lab network; any origin may connect
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving /jsonrpc and /websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	return mux
}

// Start listens and serves until Stop. It returns nil after Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server listen: %w", err)
	}
	s.bound.Store(ln.Addr().String())
	s.running.Store(true)
	s.log.Info("command server listening on %s", ln.Addr())

	err = s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if a, ok := s.bound.Load().(string); ok {
		return a
	}
	return s.addr
}

// Running reports whether the server accepts requests.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Stop closes every WebSocket client, stops loops started by command and
// shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.cancel()

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPC(w, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParseError, Message: "Parse error"}})
		return
	}
	writeJSONRPC(w, s.call(r.Context(), req))
}

func (s *Server) call(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	result, err := s.dispatchMethod(ctx, req.Method, req.Params)
	if err != nil {
		s.log.WithFields(log.Fields{"method": req.Method}).WithError(err).Debug("request rejected")
		return jsonRPCResponse{JSONRPC: "2.0", Error: rpcError(err), ID: req.ID}
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func writeJSONRPC(w http.ResponseWriter, resp jsonRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	info, _ := s.methodServerInfo()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": info})
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Send queues a message for the client. A full queue drops the message.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.log.Warn("dropping message to client %d (queue full)", c.id)
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.WithError(err).Warn("websocket read")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.WithError(err).Warn("websocket write")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParseError, Message: "Parse error"}})
		return
	}
	c.Send(c.server.call(c.server.ctx, req))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d connected", client.id)

	go client.writePump()

	// a fresh client gets the current state of every task
	for _, st := range s.runner.Statuses() {
		client.Send(jsonRPCNotification{JSONRPC: "2.0", Method: "notify_task_state", Params: []any{snapshotEvent(st)}})
	}

	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d disconnected", client.id)
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}
