// Package engine runs one live connection: it authenticates the upgrade,
// binds a session, and drives the event protocol until disconnect. Inbound
// events are handled strictly in arrival order; session heartbeats and
// response generation run concurrently with receipt.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/voxgate/voxgate/pkg/core/types"
	"github.com/voxgate/voxgate/pkg/gateway/apierror"
	"github.com/voxgate/voxgate/pkg/gateway/auth"
	"github.com/voxgate/voxgate/pkg/gateway/connections"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/gateway/live/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/ratelimit"
	"github.com/voxgate/voxgate/pkg/gateway/sessionstore"
)

// Conn is the slice of *websocket.Conn the engine uses. Tests substitute an
// in-process pipe.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// WorkHandler runs one work item in process. When a handler is configured the
// engine bypasses the work stream for that stage and invokes it directly.
type WorkHandler interface {
	Handle(ctx context.Context, entry coord.StreamEntry) error
}

// LocalWorkers holds in-process stage handlers for single-binary deployments.
type LocalWorkers struct {
	STT WorkHandler
	TTS WorkHandler
	LLM WorkHandler
}

type Config struct {
	OutboundQueueSize int
	MaxMessageBytes   int64
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	ResponseTimeout   time.Duration
	SampleRate        int
}

type Dependencies struct {
	Conn     Conn
	Logger   *slog.Logger
	Config   Config
	ConnID   string
	Bearer   string
	ClientIP string

	Validator  *auth.Validator
	Policy     auth.PolicyChecker
	Denials    auth.DenialCounter
	Sessions   *sessionstore.Manager
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Registry   *connections.Registry
	Local      *LocalWorkers

	Now func() time.Time
}

type inboundFrame struct {
	data []byte
	err  error
}

type Engine struct {
	conn       Conn
	logger     *slog.Logger
	cfg        Config
	connID     string
	bearer     string
	clientIP   string
	validator  *auth.Validator
	policy     auth.PolicyChecker
	denials    auth.DenialCounter
	sessions   *sessionstore.Manager
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	registry   *connections.Registry
	local      *LocalWorkers
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	claims  *auth.Claims
	session *sessionstore.Session

	// fallback state when no session manager is configured
	localItems []types.ConversationItem

	// inbound-order state, main loop only
	speaking      bool
	audioBuf      bytes.Buffer
	pendingCommit map[string]struct{}

	respMu         sync.Mutex
	activeResponse string
	cancelled      map[string]struct{}
}

func New(deps Dependencies) (*Engine, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("engine: connection is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("engine: token validator is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("engine: dispatcher is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("engine: connection registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Policy == nil {
		deps.Policy = auth.AllowAll{}
	}
	if deps.ConnID == "" {
		deps.ConnID = "conn_" + ulid.Make().String()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 128
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 60 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conn:             deps.Conn,
		logger:           deps.Logger.With("conn_id", deps.ConnID),
		cfg:              cfg,
		connID:           deps.ConnID,
		bearer:           deps.Bearer,
		clientIP:         deps.ClientIP,
		validator:        deps.Validator,
		policy:           deps.Policy,
		denials:          deps.Denials,
		sessions:         deps.Sessions,
		limiter:          deps.Limiter,
		dispatcher:       deps.Dispatcher,
		registry:         deps.Registry,
		local:            deps.Local,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 16),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		pendingCommit:    make(map[string]struct{}),
		cancelled:        make(map[string]struct{}),
	}, nil
}

// Run drives the connection to completion. The returned error reflects why
// the connection ended; normal client disconnects return nil.
func (e *Engine) Run() error {
	defer e.cancel()

	claims, err := e.validator.Validate(e.ctx, e.bearer)
	if err != nil {
		return e.rejectAndClose(authError(err))
	}
	e.claims = claims

	allowed, err := e.policy.Allow(e.ctx, auth.PolicyInput{
		TenantID:  claims.TenantID,
		ProjectID: claims.ProjectID,
		SessionID: claims.SessionID,
		ClientIP:  e.clientIP,
		Action:    "connect",
	})
	if err != nil || !allowed {
		if e.denials != nil {
			e.denials.IncDenied(claims.TenantID, "connect")
		}
		return e.rejectAndClose(apierror.Policy("access_denied", "connection denied by policy"))
	}

	if err := e.bindSession(); err != nil {
		return e.rejectAndClose(apierror.Processing("session_bind_failed", "could not establish a session"))
	}

	unregister, err := e.registry.Register(e.connID, connections.Handle{
		Close: func() { e.cancel(); _ = e.conn.Close() },
		Warn: func(code, message string) error {
			return e.sendPriority(apierror.Frame(apierror.Processing(code, message)))
		},
	})
	if err != nil {
		if errors.Is(err, connections.ErrDraining) {
			return e.rejectAndClose(apierror.Processing("gateway_draining", "gateway is shutting down"))
		}
		return err
	}
	defer unregister()
	defer e.teardown()

	e.conn.SetReadLimit(e.cfg.MaxMessageBytes)
	_ = e.conn.SetReadDeadline(e.now().Add(e.cfg.ReadTimeout))
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(e.now().Add(e.cfg.ReadTimeout))
	})

	writerErr := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:         e.conn,
			ctx:        e.ctx,
			cfg:        e.cfg,
			priority:   e.outboundPriority,
			normal:     e.outboundNormal,
			isCanceled: e.isCancelled,
		}
		writerErr <- w.Run()
	}()

	inbound := make(chan inboundFrame, 64)
	go e.readLoop(inbound)

	transcripts := e.dispatcher.SubscribeSession(e.ctx, dispatch.TranscriptChannel(e.session.ID))
	defer transcripts.Close()

	e.sendSessionCreated()
	e.sendRateLimits()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	e.logger.Info("connection established",
		"session_id", e.session.ID,
		"tenant_id", e.session.TenantID)

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case err := <-writerErr:
			if err != nil {
				e.logger.Warn("writer stopped", "error", err)
			}
			return err
		case frame := <-inbound:
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					e.logger.Info("client disconnected")
					return nil
				}
				e.logger.Warn("read failed", "error", frame.err)
				return nil
			}
			e.handleFrame(frame.data)
		case msg, ok := <-transcripts.Messages():
			if !ok {
				return nil
			}
			e.handleTranscriptEvent(msg.Payload)
		case <-heartbeat.C:
			if !e.heartbeatSession() {
				e.sendPriority(apierror.Frame(apierror.NotFound("session_expired", "session no longer exists")))
				return nil
			}
		}
	}
}

func authError(err error) *apierror.Error {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return apierror.Authentication("missing_token", "no credential presented")
	case errors.Is(err, auth.ErrTokenUsed):
		return apierror.Authentication("token_used", "credential has already been used")
	default:
		return apierror.Authentication("invalid_token", "credential is invalid or expired")
	}
}

// rejectAndClose writes exactly one error frame and terminates the transport.
func (e *Engine) rejectAndClose(apiErr *apierror.Error) error {
	deadline := time.Now().Add(e.cfg.WriteTimeout)
	_ = e.conn.SetWriteDeadline(deadline)
	_ = e.conn.WriteMessage(websocket.TextMessage, apierror.Frame(apiErr))
	_ = e.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(apiErr.Type)), deadline)
	_ = e.conn.Close()
	return apiErr
}

// bindSession resumes the session named by the credential when it is still
// alive, otherwise creates a fresh one. Without a session manager the engine
// degrades to a process-local session.
func (e *Engine) bindSession() error {
	sessionID := e.claims.SessionID
	if sessionID == "" {
		sessionID = "sess_" + ulid.Make().String()
	}

	if e.sessions == nil {
		e.session = &sessionstore.Session{
			ID:           sessionID,
			TenantID:     e.claims.TenantID,
			ProjectID:    e.claims.ProjectID,
			Status:       sessionstore.StatusConnected,
			CreatedAt:    e.now().UTC(),
			LastActivity: e.now().UTC(),
		}
		e.logger.Warn("session manager unavailable, using process-local session", "session_id", sessionID)
		return nil
	}

	if existing := e.sessions.Get(e.ctx, sessionID, e.claims.TenantID); existing != nil {
		status := sessionstore.StatusConnected
		e.session = e.sessions.Update(e.ctx, sessionID, e.claims.TenantID, sessionstore.UpdateParams{Status: &status})
		if e.session == nil {
			e.session = existing
		}
		return nil
	}

	created, err := e.sessions.Create(e.ctx, sessionID, e.claims.TenantID, e.claims.ProjectID, types.SessionConfig{}, nil)
	if err != nil {
		return err
	}
	status := sessionstore.StatusConnected
	if updated := e.sessions.Update(e.ctx, sessionID, e.claims.TenantID, sessionstore.UpdateParams{Status: &status}); updated != nil {
		created = updated
	}
	e.session = created
	return nil
}

func (e *Engine) heartbeatSession() bool {
	if e.sessions == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
	defer cancel()
	return e.sessions.Heartbeat(ctx, e.session.ID, e.session.TenantID)
}

func (e *Engine) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.dispatcher.DeleteSessionChannels(ctx, e.session.ID)
	if e.sessions != nil {
		e.sessions.Close(ctx, e.session.ID, e.session.TenantID, "disconnected")
	}
	e.logger.Info("connection closed", "session_id", e.session.ID)
}

func (e *Engine) readLoop(out chan<- inboundFrame) {
	for {
		messageType, data, err := e.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-e.ctx.Done():
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) isCancelled(responseID string) bool {
	e.respMu.Lock()
	defer e.respMu.Unlock()
	_, ok := e.cancelled[responseID]
	return ok
}

func (e *Engine) send(payload []byte) {
	select {
	case e.outboundNormal <- outboundFrame{payload: payload}:
	case <-e.ctx.Done():
	}
}

func (e *Engine) sendAudio(responseID string, payload []byte) {
	select {
	case e.outboundNormal <- outboundFrame{payload: payload, audioResponseID: responseID}:
	case <-e.ctx.Done():
	}
}

func (e *Engine) sendPriority(payload []byte) error {
	select {
	case e.outboundPriority <- outboundFrame{payload: payload}:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

func (e *Engine) sessionView() protocol.SessionView {
	return protocol.SessionView{
		ID:     e.session.ID,
		Status: string(e.session.Status),
		Config: e.session.Config,
	}
}

func (e *Engine) sendSessionCreated() {
	e.send(protocol.Encode(protocol.SessionCreated{
		Type:    protocol.TypeSessionCreated,
		Session: e.sessionView(),
	}))
}

func (e *Engine) sendRateLimits() {
	if e.limiter == nil {
		return
	}
	dec := e.limiter.Peek(e.ctx, e.session.TenantID, e.session.ID)
	e.send(protocol.Encode(protocol.RateLimitsUpdated{
		Type: protocol.TypeRateLimitsUpdated,
		RateLimits: []protocol.RateLimit{
			{Name: "requests", Remaining: int64(dec.RequestsRemaining), ResetMillis: dec.ResetAt.UnixMilli()},
			{Name: "tokens", Remaining: int64(dec.TokensRemaining), ResetMillis: dec.ResetAt.UnixMilli()},
		},
	}))
}
