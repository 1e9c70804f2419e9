// Package api exposes the EngineCoordinator through a JSON-RPC 2.0 +
// WebSocket control surface (§6's Engine API and event vocabulary),
// adapted from the teacher's internal/rpc server/dispatch-table shape
// with every swap/wallet/order handler replaced by messaging
// operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dtmesh/dtmsgd/internal/engine"
	"github.com/dtmesh/dtmsgd/internal/store"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

// Server is a JSON-RPC 2.0 server fronting an EngineCoordinator.
type Server struct {
	engine *engine.EngineCoordinator
	log    *logging.Logger
	wsHub  *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a Server fronting eng, broadcasting through hub.
// hub is built first (see NewWSHub) so its EngineEvents() can be
// passed to engine.New before the EngineCoordinator itself exists.
func NewServer(eng *engine.EngineCoordinator, hub *WSHub) *Server {
	s := &Server{
		engine:   eng,
		log:      logging.GetDefault().Component("api"),
		handlers: make(map[string]Handler),
		wsHub:    hub,
	}
	s.registerHandlers()
	return s
}

// registerHandlers registers every Engine API method of §6.
func (s *Server) registerHandlers() {
	s.handlers["send_text"] = s.sendText
	s.handlers["counts"] = s.counts
	s.handlers["cleanup_expired"] = s.cleanupExpired
	s.handlers["messages_list"] = s.messagesList
	s.handlers["conversation_get"] = s.conversationGet

	s.handlers["friends_add"] = s.friendsAdd
	s.handlers["friends_remove"] = s.friendsRemove
	s.handlers["friends_rename"] = s.friendsRename
	s.handlers["friends_setFavorite"] = s.friendsSetFavorite
	s.handlers["friends_increment"] = s.friendsIncrement
	s.handlers["friends_list"] = s.friendsList
	s.handlers["friends_get"] = s.friendsGet
}

// Start begins serving JSON-RPC and WebSocket traffic on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server error", "error", err)
		}
	}()

	s.log.Info("api server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop gracefully shuts down the HTTP/WebSocket server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub so EngineCoordinator event
// callbacks can be wired to Broadcast.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		if errors.Is(err, engine.ErrEmptyBody) || errors.Is(err, engine.ErrBodyTooLong) {
			s.writeError(w, req.ID, InvalidParams, err.Error(), nil)
			return
		}
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Engine API handlers (§6) ---

type sendTextParams struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

func (s *Server) sendText(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sendTextParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	id, err := s.engine.SendText(ctx, p.RecipientID, p.Content)
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

func (s *Server) counts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	total, pending, err := s.engine.Store.Counts()
	if err != nil {
		return nil, err
	}
	return store.CountsSnapshot{Total: total, Pending: pending}, nil
}

func (s *Server) cleanupExpired(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, err := s.engine.Forwarder.Cleanup()
	if err != nil {
		return nil, err
	}
	return map[string]int64{"deleted": n}, nil
}

func (s *Server) messagesList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.engine.Store.ListAllMessages()
}

type conversationParams struct {
	UserA string `json:"userA"`
	UserB string `json:"userB"`
}

func (s *Server) conversationGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p conversationParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.engine.Store.ListConversation(p.UserA, p.UserB)
}

type friendAddParams struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

func (s *Server) friendsAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p friendAddParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := s.engine.Store.AddFriend(p.UserID, p.Nickname, time.Now().UnixMilli()); err != nil {
		return nil, err
	}
	return nil, nil
}

type friendUserIDParams struct {
	UserID string `json:"userId"`
}

func (s *Server) friendsRemove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p friendUserIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return nil, s.engine.Store.RemoveFriend(p.UserID)
}

func (s *Server) friendsRename(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p friendAddParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return nil, s.engine.Store.RenameFriend(p.UserID, p.Nickname)
}

type friendFavoriteParams struct {
	UserID   string `json:"userId"`
	Favorite bool   `json:"favorite"`
}

func (s *Server) friendsSetFavorite(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p friendFavoriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return nil, s.engine.Store.SetFavorite(p.UserID, p.Favorite)
}

func (s *Server) friendsIncrement(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p friendUserIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return nil, s.engine.Store.IncrementMessageCount(p.UserID)
}

func (s *Server) friendsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.engine.Store.ListFriends()
}

func (s *Server) friendsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p friendUserIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.engine.Store.GetFriend(p.UserID)
}
