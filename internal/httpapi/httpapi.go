package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/nanitd/internal/core/auth"
	"github.com/trymwestin/nanitd/internal/core/poll"
	"github.com/trymwestin/nanitd/internal/core/state"
)

// Server is the HTTP API server.
type Server struct {
	coord    *poll.Coordinator
	tokenMgr *auth.TokenManager
	api      *auth.Client
	store    state.SnapshotReader
	bus      *state.EventBus
	uiDir    string
	corsAll  bool
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server.
func NewServer(
	coord *poll.Coordinator,
	tokenMgr *auth.TokenManager,
	api *auth.Client,
	store state.SnapshotReader,
	bus *state.EventBus,
	uiDir string,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		coord:    coord,
		tokenMgr: tokenMgr,
		api:      api,
		store:    store,
		bus:      bus,
		uiDir:    uiDir,
		corsAll:  corsAll,
		log:      log,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if corsAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("GET /api/devices/{uid}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/devices/{uid}/stream-url", s.handleGetStreamURL)
	s.mux.HandleFunc("GET /api/devices/{uid}/events", s.handleGetDeviceEvents)
	s.mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)

	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/login/mfa", s.handleLoginMFA)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)

	// Serve static UI
	if s.uiDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.uiDir)))
	} else {
		// Try to find the built-in UI directory relative to the binary
		s.mux.HandleFunc("/", s.handleStaticFallback)
	}
}

func (s *Server) handleStaticFallback(w http.ResponseWriter, r *http.Request) {
	// Try common UI locations
	candidates := []string{
		"internal/ui/dist",
		"/app/ui",
	}
	for _, dir := range candidates {
		indexPath := filepath.Join(dir, "index.html")
		if _, err := os.Stat(indexPath); err == nil {
			http.FileServer(http.Dir(dir)).ServeHTTP(w, r)
			return
		}
	}
	// If serving / and no UI found, return a helpful message
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><h1>Nanit Cloud Monitor</h1><p>UI not found. Set <code>ui_dir</code> in config or <code>NANIT_UI_DIR</code> env var.</p><p><a href="/api/status">API Status</a></p></body></html>`)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	AuthState   auth.State `json:"auth_state"`
	Polling     bool       `json:"polling"`
	DeviceCount int        `json:"device_count"`
	FetchedAt   *time.Time `json:"fetched_at,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		AuthState: s.tokenMgr.State(),
		Polling:   s.coord.Running(),
	}
	if snap := s.store.Current(); snap != nil {
		resp.DeviceCount = len(snap.Babies)
		resp.FetchedAt = &snap.FetchedAt
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleGetDevices(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Current()
	if snap == nil {
		s.writeJSON(w, state.Snapshot{Babies: map[string]state.Baby{}})
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	snap := s.store.Current()
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "no data yet")
		return
	}
	baby, ok := snap.Babies[uid]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device: "+uid)
		return
	}
	s.writeJSON(w, baby)
}

func (s *Server) handleGetStreamURL(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")

	cred, err := s.tokenMgr.Token(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	s.writeJSON(w, map[string]string{
		"stream_url": s.api.StreamURL(cred.AccessToken, uid),
	})
}

func (s *Server) handleGetDeviceEvents(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")

	cred, err := s.tokenMgr.Token(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	messages, err := s.api.Messages(r.Context(), cred.AccessToken, uid, 20)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "failed to fetch events: "+err.Error())
		return
	}

	s.writeJSON(w, map[string]interface{}{"events": messages})
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Email == "" || body.Password == "" {
		s.writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	if err := s.tokenMgr.BeginLogin(r.Context(), body.Email, body.Password); err != nil {
		var inputErr *auth.InvalidInputError
		if errors.As(err, &inputErr) {
			s.writeError(w, http.StatusUnauthorized, inputErr.Reason)
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, map[string]interface{}{"mfa_required": true})
}

type mfaBody struct {
	Code string `json:"code"`
}

func (s *Server) handleLoginMFA(w http.ResponseWriter, r *http.Request) {
	var body mfaBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	if _, err := s.tokenMgr.CompleteLogin(r.Context(), body.Code); err != nil {
		var inputErr *auth.InvalidInputError
		if errors.As(err, &inputErr) {
			s.writeError(w, http.StatusUnauthorized, inputErr.Reason)
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	// Login also recovers from a terminal auth failure: restart polling if
	// the loop had stopped.
	if !s.coord.Running() {
		if err := s.coord.Start(context.Background()); err != nil {
			s.log.Error("failed to restart poll loop after login", "error", err)
		}
	} else {
		s.coord.Wake()
	}

	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.Refresh(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, poll.ErrRefreshInFlight):
			s.writeError(w, http.StatusConflict, "refresh already in flight")
		default:
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				s.writeError(w, http.StatusUnauthorized, "authentication expired, log in again")
				return
			}
			s.writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	s.writeJSON(w, snap)
}

// handleEventsWS streams bus events to the client as JSON messages.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(128)
	defer unsub()

	s.log.Info("websocket event subscriber connected", "remote", r.RemoteAddr)

	// Reader goroutine: only there to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed, closing", "error", err)
				return
			}
		}
	}
}
