// Package server wires the gateway's HTTP surface: health and readiness
// probes plus the /v1/realtime websocket endpoint that hands each upgraded
// connection to a protocol engine.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/voxgate/voxgate/pkg/gateway/apierror"
	"github.com/voxgate/voxgate/pkg/gateway/auth"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/connections"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/gateway/live/engine"
	"github.com/voxgate/voxgate/pkg/gateway/mw"
	"github.com/voxgate/voxgate/pkg/gateway/ratelimit"
	"github.com/voxgate/voxgate/pkg/gateway/sessionstore"
)

type Dependencies struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle

	Validator  *auth.Validator
	Policy     auth.PolicyChecker
	Denials    auth.DenialCounter
	Sessions   *sessionstore.Manager
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Registry   *connections.Registry
	Local      *engine.LocalWorkers

	// StoreCheck is consulted by /readyz; nil skips the store probe.
	StoreCheck func() error
}

type Server struct {
	deps     Dependencies
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}

	allowed := deps.Config.CORSAllowedOrigins
	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", HealthHandler{})
	s.mux.Handle("GET /readyz", ReadyHandler{Lifecycle: s.deps.Lifecycle, StoreCheck: s.deps.StoreCheck})
	s.mux.HandleFunc("GET /v1/realtime", s.handleRealtime)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.deps.Config.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	connID := "conn_" + ulid.Make().String()
	e, err := engine.New(engine.Dependencies{
		Conn:     ws,
		Logger:   s.logger,
		ConnID:   connID,
		Bearer:   bearer,
		ClientIP: clientIP(r),
		Config: engine.Config{
			OutboundQueueSize: s.deps.Config.OutboundQueueSize,
			MaxMessageBytes:   s.deps.Config.MaxJSONMessageBytes,
			PingInterval:      s.deps.Config.WSPingInterval,
			ReadTimeout:       s.deps.Config.WSReadTimeout,
			WriteTimeout:      s.deps.Config.WSWriteTimeout,
		},
		Validator:  s.deps.Validator,
		Policy:     s.deps.Policy,
		Denials:    s.deps.Denials,
		Sessions:   s.deps.Sessions,
		Limiter:    s.deps.Limiter,
		Dispatcher: s.deps.Dispatcher,
		Registry:   s.deps.Registry,
		Local:      s.deps.Local,
	})
	if err != nil {
		s.logger.Error("engine construction failed", "error", err)
		_ = ws.WriteMessage(websocket.TextMessage, apierror.Frame(apierror.Processing("internal", "connection setup failed")))
		_ = ws.Close()
		return
	}

	if err := e.Run(); err != nil {
		s.logger.Info("connection ended with error", "conn_id", connID, "error", err)
	}
}

// bearerToken extracts the connection credential: Authorization header first,
// then the token query parameter for browser websocket clients that cannot
// set headers.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			return strings.TrimSpace(header[len(prefix):])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
