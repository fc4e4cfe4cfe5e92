// Package gateway owns the WebSocket transport: handshake pipeline,
// upgrade, per-connection pumps, inbound event dispatch, and the small
// HTTP admin surface (/healthz, /stats, /metrics). All domain state lives
// in the registries; the gateway only moves frames and enforces limits.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"chatgate/internal/auth"
	"chatgate/internal/directory"
	"chatgate/internal/limits"
	"chatgate/internal/monitoring"
	"chatgate/internal/notify"
	"chatgate/internal/pipeline"
	"chatgate/internal/protocol"
	"chatgate/internal/registry"
)

// Config holds the gateway's transport settings.
type Config struct {
	Addr             string
	MaxConnections   int
	SendBufferSize   int
	AuthMode         pipeline.AuthMode
	DirectoryTimeout time.Duration
}

// Deps are the collaborators the gateway drives. All are required except
// Guard, which may be nil to disable handshake rate limiting.
type Deps struct {
	Logger         zerolog.Logger
	Conns          *registry.Connections
	Rooms          *registry.Rooms
	Dispatcher     *notify.Dispatcher
	Verifier       auth.Verifier
	Directory      directory.Directory
	Guard          *limits.HandshakeGuard
	EventLimiter   *limits.FixedWindow
	MessageLimiter *limits.FixedWindow
}

// Server is the WebSocket gateway process.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	conns          *registry.Connections
	rooms          *registry.Rooms
	dispatcher     *notify.Dispatcher
	verifier       auth.Verifier
	dir            directory.Directory
	eventLimiter   *limits.FixedWindow
	messageLimiter *limits.FixedWindow

	pipe       *pipeline.Pipeline
	httpServer *http.Server

	clients  sync.Map // connID → *Client
	sem      chan struct{}
	draining int32

	startedAt time.Time
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.DirectoryTimeout <= 0 {
		cfg.DirectoryTimeout = 5 * time.Second
	}

	logger := deps.Logger.With().Str("component", "gateway").Logger()
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		conns:          deps.Conns,
		rooms:          deps.Rooms,
		dispatcher:     deps.Dispatcher,
		verifier:       deps.Verifier,
		dir:            deps.Directory,
		eventLimiter:   deps.EventLimiter,
		messageLimiter: deps.MessageLimiter,
		sem:            make(chan struct{}, cfg.MaxConnections),
		startedAt:      time.Now(),
	}

	s.pipe = pipeline.New(logger,
		pipeline.Logging(logger),
		pipeline.Activity(func(elapsed time.Duration) {
			monitoring.HandshakeDuration.Observe(elapsed.Seconds())
		}),
		pipeline.RateLimit(deps.Guard),
		pipeline.Auth(deps.Verifier, deps.Directory, cfg.AuthMode, logger),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", monitoring.Handler())

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. Blocking.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains: new handshakes are refused, the HTTP listener stops,
// and every live connection runs its disconnect cascade.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.draining, 1)
	s.logger.Info().Msg("Gateway draining")

	err := s.httpServer.Shutdown(ctx)

	s.clients.Range(func(_, value any) bool {
		s.disconnectClient(value.(*Client), "server_shutdown")
		return true
	})
	return err
}

// LiveConnIDs snapshots the ids of sockets the transport currently holds.
// The cleanup scheduler reconciles the registry against this.
func (s *Server) LiveConnIDs() map[string]bool {
	live := make(map[string]bool)
	s.clients.Range(func(key, _ any) bool {
		live[key.(string)] = true
		return true
	})
	return live
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.draining) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	connID := uuid.NewString()
	h := &pipeline.Handshake{
		ConnID:   connID,
		RemoteIP: clientIP(r),
		Header:   r.Header,
		Query:    r.URL.Query(),
	}
	if v := s.pipe.Run(r.Context(), h); !v.Allow {
		monitoring.ConnectionsRejected.WithLabelValues(v.Step).Inc()
		http.Error(w, v.Reason, v.Status)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		s.logger.Debug().Err(err).Str("conn_id", connID).Msg("Upgrade failed")
		return
	}

	client := newClient(connID, conn, s.cfg.SendBufferSize)
	reg := &registry.Connection{ID: connID, Sender: client}
	if h.Authenticated {
		reg.UserID = h.User.ID
		reg.Username = h.User.Username
		reg.Authenticated = true
	}
	if !s.conns.Register(reg) {
		conn.Close()
		<-s.sem
		return
	}
	client.markConnected(h.Authenticated)
	s.clients.Store(connID, client)

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	if h.Authenticated {
		monitoring.ConnectionsAuthenticated.Inc()
	}

	s.logger.Info().
		Str("conn_id", connID).
		Str("remote_ip", h.RemoteIP).
		Bool("authenticated", h.Authenticated).
		Msg("Connection established")

	go s.writePump(client)
	go s.readPump(client)

	s.dispatcher.EmitToConn(connID, protocol.EventConnected, protocol.ConnectedEvent{
		Message:   "connected",
		Timestamp: time.Now().UnixMilli(),
	})
}

// disconnectClient runs the cascade exactly once per connection: leave
// every room (emitting room_left), unregister (firing the offline hook on
// the user's last connection), forget limiter windows, release capacity.
func (s *Server) disconnectClient(c *Client, reason string) {
	if !c.markDisconnected() {
		return
	}

	conn, known := s.conns.Get(c.id)
	userID := "guest:" + c.id
	if known && conn.Authenticated {
		userID = conn.UserID
	}

	left := s.rooms.LeaveAll(c.id)
	for _, roomID := range left {
		s.dispatcher.EmitToRoom(roomID, protocol.EventRoomLeft,
			protocol.RoomLeftEvent{RoomID: roomID, UserID: userID}, "", true)
	}
	if len(left) > 0 {
		monitoring.RoomsActive.Set(float64(s.rooms.Count()))
	}

	s.conns.Unregister(c.id, reason)
	if known && conn.Authenticated {
		monitoring.ConnectionsAuthenticated.Dec()
	}

	s.eventLimiter.Forget(c.id)
	s.messageLimiter.Forget(c.id)

	if _, loaded := s.clients.LoadAndDelete(c.id); loaded {
		monitoring.ConnectionsActive.Dec()
		<-s.sem
	}

	c.finish()
	c.closeSocket()

	s.logger.Info().
		Str("conn_id", c.id).
		Str("reason", reason).
		Dur("duration", time.Since(c.connectedAt)).
		Msg("Connection closed")
}

// ---- Admin surface ----

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var cpuPercent float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}
	var memPercent float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connections":        s.conns.Stats(),
		"rooms":              s.rooms.Count(),
		"online_users":       len(s.conns.OnlineUsers()),
		"uptime_seconds":     int64(time.Since(s.startedAt).Seconds()),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPercent,
		"memory_used_percent": memPercent,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// clientIP resolves the originating address. Proxy headers take
// precedence over the socket address: X-Forwarded-For, then X-Real-IP.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
