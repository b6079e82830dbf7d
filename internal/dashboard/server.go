package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/crossrepo"
	"github.com/nextlevelbuilder/goswarm/internal/mailbox"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
	"github.com/nextlevelbuilder/goswarm/internal/workspace"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

// bindRetries is how many successive ports are tried after the base.
const bindRetries = 10

// RouteRegistrar mounts extra endpoints (the gateway tool surface) on
// the dashboard mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Deps are the collaborators the dashboard exposes. Nil members
// disable their endpoints.
type Deps struct {
	Bus        bus.Publisher
	Registry   *registry.Registry
	Skills     *skills.Store
	Rules      *automation.RuleStore
	Engine     *automation.Engine
	Mailbox    *mailbox.Store
	Router     *router.Router
	CrossRepo  *crossrepo.Dispatcher
	Workspaces *workspace.Monitor
	Tools      RouteRegistrar
}

// Server is the localhost dashboard: REST over the catalogs, an SSE
// event stream, and a WebSocket mirror of the bus.
type Server struct {
	cfg      config.DashboardConfig
	stateDir string
	deps     Deps

	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	wsMu      sync.Mutex
	wsClients map[*wsClient]struct{}

	httpServer *http.Server
	port       int
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewServer(cfg config.DashboardConfig, stateDir string, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		stateDir:  stateDir,
		deps:      deps,
		wsClients: make(map[*wsClient]struct{}),
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), cfg.RateLimitRPM)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("dashboard.origin_rejected", "origin", origin)
	return false
}

// Start binds the listener (retrying up to bindRetries ports above the
// base), announces the port file, and serves in the background.
func (s *Server) Start() (int, error) {
	SweepStalePortFiles(s.stateDir)

	var listener net.Listener
	var err error
	for offset := 0; offset <= bindRetries; offset++ {
		port := s.cfg.Port + offset
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			s.port = port
			break
		}
	}
	if listener == nil {
		return 0, fmt.Errorf("dashboard: no free port in [%d, %d]: %w", s.cfg.Port, s.cfg.Port+bindRetries, err)
	}

	if err := WritePortFile(s.stateDir, s.port); err != nil {
		slog.Warn("dashboard.portfile_write_failed", "error", err)
	}

	s.httpServer = &http.Server{Handler: s.buildMux()}
	go func() {
		if serveErr := s.httpServer.Serve(listener); serveErr != http.ErrServerClosed {
			slog.Error("dashboard.serve_failed", "error", serveErr)
		}
	}()

	if s.deps.Bus != nil {
		s.deps.Bus.Subscribe("dashboard-ws", s.broadcastEvent)
	}
	slog.Info("dashboard.listening", "port", s.port)
	return s.port, nil
}

// Port returns the bound port after Start.
func (s *Server) Port() int { return s.port }

// Shutdown stops the server and withdraws the port file.
func (s *Server) Shutdown(ctx context.Context) {
	if s.deps.Bus != nil {
		s.deps.Bus.Unsubscribe("dashboard-ws")
	}
	s.wsMu.Lock()
	for c := range s.wsClients {
		close(c.send)
		delete(s.wsClients, c)
	}
	s.wsMu.Unlock()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	RemovePortFile(s.stateDir)
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/snapshot", s.public(s.handleSnapshot))
	mux.HandleFunc("GET /api/events", s.public(s.handleSSE))
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.registerAutomationRoutes(mux)
	s.registerWorkspaceRoutes(mux)
	s.registerMessageRoutes(mux)
	if s.deps.Tools != nil {
		s.deps.Tools.RegisterRoutes(mux)
	}
	return mux
}

// public wraps read-only endpoints with rate limiting only.
func (s *Server) public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// protected additionally demands the bearer token on mutating endpoints.
func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return s.public(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && extractBearerToken(r) != s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// Snapshot is the full dashboard state frame.
type Snapshot struct {
	Agents      []registry.Instance       `json:"agents"`
	Skills      []skills.Definition       `json:"skills"`
	Rules       []automation.Rule         `json:"rules"`
	Automation  *automation.Status        `json:"automation,omitempty"`
	Tasks       []router.HistoryEntry     `json:"tasks"`
	Metrics     *router.Metrics           `json:"metrics,omitempty"`
	CrossRepo   *crossrepo.LiveStatus     `json:"crossRepo,omitempty"`
	Messaging   *mailbox.Stats            `json:"messaging,omitempty"`
	Channels    []mailbox.ChannelSummary  `json:"channels,omitempty"`
	Workspaces  []workspace.WorkspaceStatus `json:"workspaces"`
	ReviewQueue []router.HistoryEntry     `json:"reviewQueue"`
	Peers       []PortFile                `json:"peers"`
	At          time.Time                 `json:"at"`
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{At: time.Now()}
	if s.deps.Registry != nil {
		snap.Agents = s.deps.Registry.GetAll()
	}
	if s.deps.Skills != nil {
		snap.Skills = s.deps.Skills.List("")
	}
	if s.deps.Rules != nil {
		snap.Rules = s.deps.Rules.List("")
	}
	if s.deps.Engine != nil {
		st := s.deps.Engine.GetStatus()
		snap.Automation = &st
	}
	if s.deps.Router != nil {
		snap.Tasks = s.deps.Router.History(50)
		m := s.deps.Router.Metrics()
		snap.Metrics = &m
		for _, task := range snap.Tasks {
			if !task.Success {
				snap.ReviewQueue = append(snap.ReviewQueue, task)
			}
		}
	}
	if s.deps.CrossRepo != nil {
		st := s.deps.CrossRepo.Status()
		snap.CrossRepo = &st
	}
	if s.deps.Mailbox != nil {
		st := s.deps.Mailbox.GetStats()
		snap.Messaging = &st
		snap.Channels = s.deps.Mailbox.ListChannels()
	}
	if s.deps.Workspaces != nil {
		snap.Workspaces = s.deps.Workspaces.Status()
	}
	snap.Peers = DiscoverPeers(s.stateDir)
	return snap
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleSSE streams every bus event, each followed by a fresh snapshot
// frame so clients never need to reconcile deltas.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan bus.Event, 64)
	subID := "sse-" + uuid.NewString()
	s.deps.Bus.Subscribe(subID, func(ev bus.Event) {
		select {
		case events <- ev:
		default: // slow client, drop rather than block the bus
		}
	})
	defer s.deps.Bus.Unsubscribe(subID)

	writeSSEFrame(w, "snapshot", s.snapshot())
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			writeSSEFrame(w, "event", ev)
			writeSSEFrame(w, "snapshot", s.snapshot())
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("dashboard.ws_upgrade_failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	s.wsMu.Lock()
	s.wsClients[client] = struct{}{}
	count := len(s.wsClients)
	s.wsMu.Unlock()
	slog.Debug("dashboard.ws_connected", "clients", count)

	go s.wsWriter(client)
	go s.wsReader(client)

	if data, err := json.Marshal(map[string]interface{}{"name": "snapshot", "payload": s.snapshot()}); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (s *Server) wsWriter(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// wsReader drains the connection so pings and close frames are
// processed, then unregisters the client.
func (s *Server) wsReader(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	s.wsMu.Lock()
	if _, ok := s.wsClients[c]; ok {
		delete(s.wsClients, c)
		close(c.send)
	}
	s.wsMu.Unlock()
}

// broadcastEvent mirrors a bus event to every connected websocket.
func (s *Server) broadcastEvent(ev bus.Event) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if len(s.wsClients) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for c := range s.wsClients {
		select {
		case c.send <- data:
		default: // slow client, drop
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
