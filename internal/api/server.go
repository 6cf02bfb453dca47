// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/helioslabs/trading-supervisor/internal/data"
	"github.com/helioslabs/trading-supervisor/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the read-only ops API: health/symbols/history over HTTP, and
// a WebSocket hub the orchestrator pushes cycle/order/risk events onto via
// Broadcast. Running a strategy is a CLI concern (cmd/server's
// run/backtest subcommands), so the server never starts work itself.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	dataStore  *data.Store
}

// Client represents a WebSocket client
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool // Subscriptions
}

// Message represents a WebSocket message
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, dataStore *data.Store) *Server {
	server := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		clients:   make(map[string]*Client),
		dataStore: dataStore,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// Data endpoints
	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")
	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetHistory).Methods("GET")

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	// Close all WebSocket connections
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleGetSymbols returns available symbols
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.dataStore.GetAvailableSymbols()

	// Add default symbols if none exist
	if len(symbols) == 0 {
		symbols = []string{"SOL/USDT", "ETH/USDT", "BTC/USDT"}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"symbols": symbols,
	})
}

// handleGetHistory returns historical data for a symbol
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := vars["symbol"]

	// Parse query params
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1h"
	}

	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	start := time.Now().AddDate(0, -1, 0) // Default: 1 month ago
	end := time.Now()

	if startStr != "" {
		if t, err := time.Parse(time.RFC3339, startStr); err == nil {
			start = t
		}
	}
	if endStr != "" {
		if t, err := time.Parse(time.RFC3339, endStr); err == nil {
			end = t
		}
	}

	data, err := s.dataStore.LoadOHLCV(r.Context(), symbol, types.Timeframe(timeframe), start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      data,
		"count":     len(data),
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("WebSocket client connected", zap.String("id", client.ID))

	// Start read/write goroutines
	go s.readPump(client)
	go s.writePump(client)
}

// readPump handles incoming WebSocket messages
func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Info("WebSocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(512 * 1024) // 512KB max message size
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			s.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}

		s.handleMessage(client, &msg)
	}
}

// writePump handles outgoing WebSocket messages
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles a WebSocket message. The only requests a client can
// make are liveness checks and channel subscription management; everything
// else arrives as a server-pushed event via Broadcast.
func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{
		ID:        msg.ID,
		Type:      "response",
		Method:    msg.Method,
		Timestamp: time.Now().UnixMilli(),
	}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}

	case "subscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		s.mu.Lock()
		client.Subs[channel] = true
		s.mu.Unlock()
		response.Payload = map[string]string{"subscribed": channel}

	case "unsubscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		s.mu.Lock()
		delete(client.Subs, channel)
		s.mu.Unlock()
		response.Payload = map[string]string{"unsubscribed": channel}

	default:
		response.Error = "Unknown method"
	}

	responseBytes, _ := json.Marshal(response)
	client.Send <- responseBytes
}

// Broadcast publishes an orchestrator-originated event to connected
// WebSocket clients. method doubles as the subscription channel and is the
// event type string, e.g. "verdict", "decision", "order", "risk_rejected",
// "cycle_start", "reconcile_run". Clients with no subscriptions receive
// every event; clients that subscribed receive only their channels.
func (s *Server) Broadcast(method string, payload interface{}) {
	s.broadcast(method, &Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

// broadcast delivers a message to every client whose subscriptions admit
// channel.
func (s *Server) broadcast(channel string, msg *Message) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		if len(client.Subs) > 0 && !client.Subs[channel] {
			continue
		}
		select {
		case client.Send <- msgBytes:
		default:
			// Client buffer full, skip
		}
	}
}
