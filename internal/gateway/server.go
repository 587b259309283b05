package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/veyra/internal/cron"
	"github.com/harun/veyra/internal/observability"
	"github.com/harun/veyra/pkg/approval"
	"github.com/harun/veyra/pkg/engine"
	"github.com/harun/veyra/pkg/lane"
	"github.com/harun/veyra/pkg/runstore"
)

// Server exposes the engine over a websocket JSON-RPC API. It also acts
// as the "gateway" egress channel: run output for gateway-originated
// sessions is broadcast to connected clients.
type Server struct {
	host           string
	port           int
	authToken      string
	server         *http.Server
	upgrader       websocket.Upgrader
	router         *RPCRouter
	scheduler      Enqueuer
	approvals      *approval.Engine
	resumer        *engine.Resumer
	runs           *runstore.Store
	cron           *cron.Service
	logger         zerolog.Logger
	clients        map[string]*Client
	clientsMu      sync.RWMutex
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Enqueuer is the slice of the lane scheduler the gateway needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionKey string, entry lane.QueueEntry) (lane.EnqueueResult, error)
}

// Config holds server configuration
type Config struct {
	Host      string
	Port      int
	AuthToken string
	Scheduler Enqueuer
	Approvals *approval.Engine
	Resumer   *engine.Resumer
	Runs      *runstore.Store
	Cron      *cron.Service // optional
	Logger    zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Approvals == nil {
		return nil, fmt.Errorf("approval engine is required")
	}
	if cfg.Resumer == nil {
		return nil, fmt.Errorf("resumer is required")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run store is required")
	}

	s := &Server{
		host:      cfg.Host,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		router:    NewRPCRouter(),
		scheduler: cfg.Scheduler,
		approvals: cfg.Approvals,
		resumer:   cfg.Resumer,
		runs:      cfg.Runs,
		cron:      cfg.Cron,
		logger:    cfg.Logger,
		clients:   make(map[string]*Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Loopback bind; token auth gates methods
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Router exposes the RPC router for additional method registration.
func (s *Server) Router() *RPCRouter {
	return s.router
}

// Start starts the gateway server
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.clientsMu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.clients = make(map[string]*Client)
	s.clientsMu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// SendText implements dispatch.Dispatcher: run output addressed to the
// gateway channel fans out to every authenticated client.
func (s *Server) SendText(ctx context.Context, chatID, text, threadID string) error {
	s.Broadcast(EventMessage{
		Event:   "chat.message",
		Data:    map[string]interface{}{"text": text},
		Session: chatID,
	})
	return nil
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(msg EventMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.Authenticated {
			clients = append(clients, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, client := range clients {
		if err := client.Conn.WriteJSON(msg); err != nil {
			s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to broadcast event")
		}
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:            clientID,
		Conn:          conn,
		Authenticated: s.authToken == "",
		ConnectedAt:   time.Now(),
		LastActivity:  time.Now(),
		IPAddress:     r.RemoteAddr,
	}

	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		client.LastActivity = time.Now()
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	if req.Method == "auth.login" {
		s.handleAuth(client, req)
		return
	}

	if !client.Authenticated {
		s.sendError(client, req.ID, AuthenticationRequired, "Authentication required")
		return
	}

	s.inFlightReqs.Add(1)

	go func() {
		defer s.inFlightReqs.Done()

		response := s.router.RouteRequest(req)
		if err := client.Conn.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleAuth validates a client's token. Connections close after three
// failed attempts.
func (s *Server) handleAuth(client *Client, req *RPCRequest) {
	token, _ := req.Params["token"].(string)

	if s.authToken == "" || token == s.authToken {
		client.Authenticated = true
		resp := RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Result:  map[string]interface{}{"authenticated": true, "clientId": client.ID},
		}
		if err := client.Conn.WriteJSON(resp); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		}
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return
	}

	client.AuthAttempts++
	s.sendError(client, req.ID, AuthenticationFailed, "Invalid token")
	s.logger.Warn().
		Str("clientId", client.ID).
		Int("attempts", client.AuthAttempts).
		Msg("Authentication failed")

	if client.AuthAttempts >= 3 {
		client.Conn.Close()
	}
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.authToken != "" {
		token := r.Header.Get("X-Veyra-Token")
		if token != s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    ParseError,
				Message: err.Error(),
			},
		})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	resp := s.router.RouteRequest(req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.Conn.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}
