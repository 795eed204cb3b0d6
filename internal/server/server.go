package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/chopperdash/internal/link"
	"github.com/shaunagostinho/chopperdash/internal/motor"
	"github.com/shaunagostinho/chopperdash/internal/protocol"
	"github.com/shaunagostinho/chopperdash/internal/scope"
)

// Motor is the command surface the dashboard drives.
type Motor interface {
	Scan() ([]link.PortDescriptor, error)
	Connect(port string) error
	ConnectIndex(i int) error
	Disconnect() error
	Start() error
	Stop() error
	SetSpeed(rpm float64) error
	Status() motor.Status
}

// Scope is sampled once per render tick.
type Scope interface {
	Tick() scope.View
}

// Server runs the render tick and broadcasts each frame to WebSocket clients.
// It also exposes the motor commands over HTTP.
type Server struct {
	cfg   *Config
	motor Motor
	scope Scope
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Scope  *scope.View   `json:"scope,omitempty"`
	Status *motor.Status `json:"status,omitempty"`
	Config *ScopeConfig  `json:"config,omitempty"`
	Stamp  int64         `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, m Motor, sc Scope, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		motor:   m,
		scope:   sc,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.command(s.motor.Disconnect))
	mux.HandleFunc("/api/start", s.command(s.motor.Start))
	mux.HandleFunc("/api/stop", s.command(s.motor.Stop))
	mux.HandleFunc("/api/speed", s.handleSpeed)
	return mux
}

// Run starts the HTTP server and the render tick.
func (s *Server) Run(ctx context.Context) error {
	go s.renderLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// renderLoop samples the scope and the controller at the configured cadence.
// It never waits on a client.
func (s *Server) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renderTick()
		}
	}
}

func (s *Server) renderTick() {
	view := s.scope.Tick()
	status := s.motor.Status()
	s.broadcast(Frame{
		Scope:  &view,
		Status: &status,
		Stamp:  time.Now().UnixMilli(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send initial config + status
	s.cfg.mu.RLock()
	scopeCfg := s.cfg.Scope
	s.cfg.mu.RUnlock()
	status := s.motor.Status()
	first := Frame{
		Config: &scopeCfg,
		Status: &status,
		Stamp:  time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive / close detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Broadcast updated config; link and window changes apply on the
		// next connect / restart
		s.cfg.mu.RLock()
		scopeCfg := s.cfg.Scope
		s.cfg.mu.RUnlock()
		s.broadcast(Frame{Config: &scopeCfg, Stamp: time.Now().UnixMilli()})

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.motor.Status())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ports, err := s.motor.Scan()
	if err != nil {
		log.Printf("[server] port scan failed: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []link.PortDescriptor{}
	}
	writeJSON(w, http.StatusOK, ports)
}

type connectRequest struct {
	Port  string `json:"port"`
	Index *int   `json:"index"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	switch {
	case req.Port != "":
		err = s.motor.Connect(req.Port)
	case req.Index != nil:
		err = s.motor.ConnectIndex(*req.Index)
	default:
		writeError(w, http.StatusBadRequest, errors.New("port or index required"))
		return
	}
	s.reply(w, err)
}

type speedRequest struct {
	RPM *float64 `json:"rpm"`
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RPM == nil {
		writeError(w, http.StatusBadRequest, errors.New("rpm required"))
		return
	}
	s.reply(w, s.motor.SetSpeed(*req.RPM))
}

// command wraps a no-argument motor command as a POST handler.
func (s *Server) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.reply(w, fn())
	}
}

// reply answers a command with the resulting status, or the error mapped to
// an HTTP code.
func (s *Server) reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.motor.Status())
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, motor.ErrNotConnected), errors.Is(err, motor.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrInvalidSpeed), errors.Is(err, motor.ErrPortIndexInvalid):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrOpenFailed), errors.Is(err, link.ErrWriteFailed), errors.Is(err, link.ErrReadFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
