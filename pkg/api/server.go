// MMU status and control API
//
// JSON-RPC 2.0 over HTTP POST and WebSocket, in the Moonraker style, so
// frontends and print-farm tooling can observe and drive the transport
// engine. Commands are serialized: one swap at a time, later requests
// wait their turn.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mmu-go-migration/pkg/log"
)

// Engine is the transport engine surface the server exposes. Status
// must be cheap; the commands block until motion completes.
type Engine interface {
	// Status returns the current engine state: filament position, gate
	// map, statistics.
	Status() map[string]any
	// Load loads filament from the given gate to the nozzle.
	Load(gate int) error
	// Unload returns the current filament to its gate.
	Unload() error
	// Swap unloads then loads the given gate, with recovery retry.
	Swap(gate int) error
	// Recover re-derives the filament position from sensor evidence.
	Recover() (string, error)
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP address to listen on (e.g. ":7125").
	Addr string
}

// Server exposes one Engine over HTTP and WebSocket.
type Server struct {
	engine Engine
	addr   string

	httpServer *http.Server
	wsUpgrader websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*wsClient
	nextID   int64

	// subscribed clients receive periodic notify_mmu_status messages.
	subMu      sync.RWMutex
	subscribed map[int64]bool

	// cmdMu serializes motion commands.
	cmdMu sync.Mutex

	running   atomic.Bool
	startTime time.Time
	logger    *log.Logger
}

// New creates an API server over the given engine.
func New(cfg Config, engine Engine) *Server {
	s := &Server{
		engine:     engine,
		addr:       cfg.Addr,
		clients:    make(map[int64]*wsClient),
		subscribed: make(map[int64]bool),
		startTime:  time.Now(),
		logger:     log.GetLogger("mmu.api"),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/mmu/status", s.handleStatus)
	return mux
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.logger.Info("API server starting on %s", s.addr)
	go s.statusBroadcastLoop()
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down and closes every client.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// JSON-RPC 2.0 structures

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0",
			Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}

	result, err := s.dispatch(req.Method, req.Params, nil)
	if err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32000, Message: err.Error()}})
		return
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// handleStatus is the REST-style alternative to mmu.status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeRPC(w, rpcResponse{JSONRPC: "2.0", Result: s.engine.Status()})
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// dispatch routes one method call. client is nil for plain HTTP.
func (s *Server) dispatch(method string, params map[string]any, client *wsClient) (any, error) {
	switch method {
	case "server.info":
		return map[string]any{
			"uptime":          time.Since(s.startTime).Seconds(),
			"websocket_count": s.clientCount(),
		}, nil
	case "mmu.status":
		return s.engine.Status(), nil
	case "mmu.load":
		gate, err := gateParam(params)
		if err != nil {
			return nil, err
		}
		return s.command(func() error { return s.engine.Load(gate) })
	case "mmu.unload":
		return s.command(s.engine.Unload)
	case "mmu.swap":
		gate, err := gateParam(params)
		if err != nil {
			return nil, err
		}
		return s.command(func() error { return s.engine.Swap(gate) })
	case "mmu.recover":
		s.cmdMu.Lock()
		defer s.cmdMu.Unlock()
		pos, err := s.engine.Recover()
		if err != nil {
			return nil, err
		}
		return map[string]any{"filament_pos": pos}, nil
	case "mmu.subscribe":
		if client == nil {
			return nil, fmt.Errorf("mmu.subscribe requires a websocket connection")
		}
		s.subMu.Lock()
		s.subscribed[client.id] = true
		s.subMu.Unlock()
		return s.engine.Status(), nil
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func (s *Server) command(fn func() error) (any, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := fn(); err != nil {
		return nil, err
	}
	return "ok", nil
}

func gateParam(params map[string]any) (int, error) {
	v, ok := params["gate"]
	if !ok {
		return 0, fmt.Errorf("missing 'gate' parameter")
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("'gate' must be a number")
	}
	return int(f), nil
}

func (s *Server) clientCount() int {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return len(s.clients)
}

// wsClient is one WebSocket connection with a buffered send queue.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.Debug("websocket client %d connected", c.id)

	go c.writePump()
	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.subMu.Lock()
	delete(s.subscribed, c.id)
	s.subMu.Unlock()
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping message to client %d (queue full)", c.id)
	}
}

func (c *wsClient) close() {
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

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read error: %v", err)
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(rpcResponse{JSONRPC: "2.0",
				Error: &rpcError{Code: -32700, Message: "Parse error"}})
			continue
		}
		result, err := c.server.dispatch(req.Method, req.Params, c)
		if err != nil {
			c.send(rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Error: &rpcError{Code: -32000, Message: err.Error()}})
			continue
		}
		c.send(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
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

// statusBroadcastLoop pushes engine status to subscribed clients at
// 4Hz while the server runs.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C

		s.subMu.RLock()
		if len(s.subscribed) == 0 {
			s.subMu.RUnlock()
			continue
		}
		ids := make([]int64, 0, len(s.subscribed))
		for id := range s.subscribed {
			ids = append(ids, id)
		}
		s.subMu.RUnlock()

		msg := map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_mmu_status",
			"params":  []any{s.engine.Status()},
		}
		s.clientMu.RLock()
		for _, id := range ids {
			if c, ok := s.clients[id]; ok {
				c.send(msg)
			}
		}
		s.clientMu.RUnlock()
	}
}
