package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tatsu020/AvatarWebcam/internal/bridge"
	"github.com/tatsu020/AvatarWebcam/internal/config"
	"github.com/tatsu020/AvatarWebcam/internal/logger"
)

// Bridge is the engine surface the API depends on.
type Bridge interface {
	Start()
	Stop()
	IsRunning() bool
	ListAvailableSources() ([]string, error)
	SetTargetSource(name string)
	SetResolutionMode(mode string)
	SetTargetFPS(fps int)
	SetPreviewEnabled(enabled bool)
	Subscribe(id string, ch chan<- bridge.State) error
	Unsubscribe(id string) error
}

// stateMessage is the wire form of a bridge state.
type stateMessage struct {
	Status  string  `json:"status"`
	Running bool    `json:"running"`
	Message string  `json:"message,omitempty"`
	Source  string  `json:"source,omitempty"`
	FPS     float64 `json:"fps,omitempty"`
	Preview string  `json:"preview,omitempty"` // base64-encoded JPEG
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	engine    Bridge
	configMgr *config.Manager
	upgrader  websocket.Upgrader

	mu   sync.RWMutex
	last bridge.State

	subSeq atomic.Uint64
}

// NewServer creates a new API server
func NewServer(engine Bridge, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		engine:    engine,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		last: bridge.State{Status: bridge.StatusStopped, Message: "stopped"},
	}

	s.setupRoutes()
	s.watchStates()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Bridge control
	api.HandleFunc("/bridge/start", s.handleStart).Methods("POST")
	api.HandleFunc("/bridge/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/state", s.handleStateStream)

	// Source discovery
	api.HandleFunc("/sources", s.handleGetSources).Methods("GET")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")
	api.HandleFunc("/resolutions", s.handleGetResolutions).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// watchStates keeps a cached copy of the latest published state so that
// GET /api/status never has to touch the worker.
func (s *Server) watchStates() {
	updates := make(chan bridge.State, 8)
	if err := s.engine.Subscribe("api-status", updates); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Status subscription failed")
		return
	}

	go func() {
		for st := range updates {
			s.mu.Lock()
			s.last = st
			s.mu.Unlock()
		}
	}()
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting API server")
	return http.ListenAndServe(addr, s.enableCORS(s.router))
}

// Handler exposes the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// encodeState converts a bridge state to its wire form, compressing any
// preview frame to a base64 JPEG.
func (s *Server) encodeState(st bridge.State) stateMessage {
	msg := stateMessage{
		Status:  string(st.Status),
		Running: s.engine.IsRunning(),
		Message: st.Message,
		Source:  st.SourceName,
		FPS:     st.FPS,
	}

	if st.Frame != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, st.Frame, &jpeg.Options{Quality: 70}); err == nil {
			msg.Preview = base64.StdEncoding.EncodeToString(buf.Bytes())
		}
	}

	return msg
}

// HTTP Handlers

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.engine.Start()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	st := s.last
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.encodeState(st))
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	subID := fmt.Sprintf("ws-%d", s.subSeq.Add(1))
	updates := make(chan bridge.State, 8)
	if err := s.engine.Subscribe(subID, updates); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("WebSocket subscription failed")
		return
	}
	defer s.engine.Unsubscribe(subID)

	// Detect client disconnect; the bridge never closes subscriber channels
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the cached state first so clients render without waiting
	s.mu.RLock()
	initial := s.last
	s.mu.RUnlock()
	if err := conn.WriteJSON(s.encodeState(initial)); err != nil {
		return
	}

	for {
		select {
		case st := <-updates:
			if err := conn.WriteJSON(s.encodeState(st)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.engine.ListAvailableSources()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sources == nil {
		sources = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sources)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	// Decode over the current settings so a partial body only changes the
	// fields it names
	cfg := *s.configMgr.Get()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !bridge.ValidResolutionMode(cfg.Resolution) {
		http.Error(w, fmt.Sprintf("unknown resolution mode: %s", cfg.Resolution), http.StatusBadRequest)
		return
	}

	if err := s.configMgr.Update(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Push the live-tunable fields to the running engine
	s.engine.SetTargetSource(cfg.TargetSource)
	s.engine.SetResolutionMode(cfg.Resolution)
	s.engine.SetTargetFPS(cfg.FPS)
	s.engine.SetPreviewEnabled(cfg.PreviewOn)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleGetResolutions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bridge.ResolutionModes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>AvatarWebcam</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 700px;
            margin: 50px auto;
            padding: 20px;
        }
        code {
            background: #f5f5f5;
            padding: 2px 6px;
            border-radius: 3px;
        }
    </style>
</head>
<body>
    <h1>AvatarWebcam</h1>
    <p>Bridges a shared-texture video feed into a virtual camera device.</p>
    <h3>API Endpoints:</h3>
    <ul>
        <li><a href="/api/health">/api/health</a> - Server health check</li>
        <li><a href="/api/status">/api/status</a> - Current bridge state</li>
        <li><a href="/api/sources">/api/sources</a> - Available senders</li>
        <li><a href="/api/config">/api/config</a> - View configuration</li>
        <li><code>ws://.../api/state</code> - State and preview stream</li>
    </ul>
</body>
</html>`

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
