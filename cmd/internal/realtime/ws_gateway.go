// Package realtime contains the tutors chat WebSocket gateway, the presence
// registry and the delivery dispatcher.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
	"github.com/ben1maru/tutors-finders-server/cmd/internal/chat"
	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Gateway-level ack/error reasons (chat reasons come from chat.Reason).
const (
	reasonNotIdentified = "not_identified"
	reasonUnauthorized  = "unauthorized"
	reasonRateLimited   = "rate_limited"
	reasonBadJSON       = "bad_json"
	reasonBadEnvelope   = "bad_envelope"
	reasonUnsupported   = "unsupported"
	reasonJoinFailed    = "join_failed"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// GatewayConfig holds the WebSocket policy knobs.
type GatewayConfig struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept origin verification (dev only).
	DevInsecure bool

	// RequireAuth rejects handshakes without a valid identity token.
	RequireAuth bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for tutors chat.
//
// It enforces origin policy, handshake auth, subprotocol selection, rate limits
// and heartbeats, and routes validated envelopes to Presence and Dispatcher.
type WSGateway struct {
	log        *slog.Logger
	presence   *Presence
	dispatcher *Dispatcher
	verifier   identity.Verifier
	cluster    Cluster
	metrics    *Metrics

	cfg            GatewayConfig
	originPatterns []string
}

// GatewayOption configures optional collaborators.
type GatewayOption func(*WSGateway)

// WithVerifier enables handshake token verification.
func WithVerifier(v identity.Verifier) GatewayOption {
	return func(g *WSGateway) { g.verifier = v }
}

// WithGatewayCluster shares presence with other instances.
func WithGatewayCluster(c Cluster) GatewayOption {
	return func(g *WSGateway) { g.cluster = c }
}

// WithGatewayMetrics sets the metrics sink.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, presence *Presence, dispatcher *Dispatcher, cfg GatewayConfig, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	g := &WSGateway{
		log:        log,
		presence:   presence,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.originPatterns = originPatterns(g.cfg.AllowedOrigins)
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// authenticate resolves the handshake principal.
// Without a verifier every connection is anonymous and join is trusted.
func (g *WSGateway) authenticate(r *http.Request) (identity.Principal, error) {
	if g.verifier == nil {
		return identity.Principal{}, nil
	}
	p, err := identity.Authenticate(g.verifier, r, time.Now().UTC())
	if err != nil {
		if errors.Is(err, identity.ErrMissingToken) && !g.cfg.RequireAuth {
			return identity.Principal{}, nil
		}
		return identity.Principal{}, err
	}
	return p, nil
}

// connState is the per-connection state machine: Connected -> Identified -> Closed.
type connState struct {
	mu     sync.Mutex
	userID int64
	closed bool
}

func (s *connState) identified() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userID > 0 && !s.closed
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	client := NewClient(NewConnectionID(now), principal, g.cfg.SendQueueSize)

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	log := g.log.With("conn_id", client.ID)
	log.Info("ws.open", "user_id", principal.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		state     connState
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Presence removal happens before client.Close so no delivery targets a dead handle.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			state.mu.Lock()
			state.closed = true
			state.mu.Unlock()

			if userID, ok := g.presence.Remove(client); ok {
				g.withdraw(userID)
			}
			g.metrics.setOnline(g.presence.Len())

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.close", "reason", reason)
		})
	}

	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		badJSON := false
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				badJSON = true
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		// Every inbound frame counts, malformed ones included.
		if !limiter.Allow() {
			g.sendError(client, env.ID, reasonRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if badJSON {
			g.sendError(client, "", reasonBadJSON, "invalid JSON")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, env.ID, reasonBadEnvelope, err.Error())
			continue readLoop
		}
		g.metrics.event(env.Type)

		switch env.Type {
		case v1.TypeJoin:
			if err := g.onJoin(ctx, client, &state, env); err != nil {
				log.Info("ws.join.reject", "err", err)
				g.sendError(client, env.ID, joinReason(err), err.Error())
			}

		case v1.TypeSendMessage:
			if !g.onSendMessage(ctx, client, &state, env) {
				// The client can no longer learn the outcome; make it reconnect and replay history.
				log.Warn("ws.ack.undeliverable", "reply_to", env.ID)
				shutdown(websocket.StatusTryAgainLater, "ack undeliverable")
				break readLoop
			}

		default:
			g.sendError(client, env.ID, reasonUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

var (
	errJoinUnauthorized = errors.New("user_id does not match the authenticated user")
	errJoinAnonymous    = errors.New("join requires an identity token")
)

func joinReason(err error) string {
	if errors.Is(err, errJoinUnauthorized) || errors.Is(err, errJoinAnonymous) {
		return reasonUnauthorized
	}
	return reasonJoinFailed
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, state *connState, env v1.Envelope) error {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	// With a verifier configured, only the token decides who a connection is.
	if g.verifier != nil && !client.Principal.Valid() {
		return errJoinAnonymous
	}
	if client.Principal.Valid() && client.Principal.UserID != p.UserID {
		return errJoinUnauthorized
	}

	state.mu.Lock()
	if state.closed {
		state.mu.Unlock()
		return errors.New("connection closed")
	}
	res := g.presence.Announce(p.UserID, client)
	state.userID = p.UserID
	state.mu.Unlock()

	if res.Released != 0 {
		g.withdraw(res.Released)
	}
	if g.cluster != nil {
		if err := g.cluster.Announce(ctx, p.UserID); err != nil {
			g.log.Warn("cluster.announce.fail", "user_id", p.UserID, "err", err)
		}

		// A shutdown that ran before the announce above already withdrew; withdraw
		// again so the shared entry does not outlive the connection.
		state.mu.Lock()
		closed := state.closed
		state.mu.Unlock()
		if _, online := g.presence.Resolve(p.UserID); closed && !online {
			g.withdraw(p.UserID)
		}
	}
	g.metrics.setOnline(g.presence.Len())

	g.log.Info("presence.announce", "conn_id", client.ID, "user_id", p.UserID, "replaced", res.Replaced != nil)
	return nil
}

// onSendMessage handles one send_message and reports whether its ack was queued.
func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, state *connState, env v1.Envelope) bool {
	userID, ok := state.identified()
	if !ok {
		g.metrics.send(reasonNotIdentified)
		return g.ack(ctx, client, env.ID, v1.ErrorAck(reasonNotIdentified))
	}

	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || validate.Struct(p) != nil {
		g.metrics.send(chat.ReasonInvalidMessage)
		return g.ack(ctx, client, env.ID, v1.ErrorAck(chat.ReasonInvalidMessage))
	}
	if p.SenderID != 0 && p.SenderID != userID {
		g.metrics.send(reasonUnauthorized)
		return g.ack(ctx, client, env.ID, v1.ErrorAck(reasonUnauthorized))
	}

	msg, err := g.dispatcher.SendMessage(ctx, SendRequest{
		SenderID:   userID,
		ReceiverID: p.ReceiverID,
		Text:       p.Text,
	})
	if err != nil {
		reason := chat.Reason(err)
		g.log.Info("chat.send.fail", "conn_id", client.ID, "sender_id", userID, "receiver_id", p.ReceiverID, "reason", reason, "err", err)
		g.metrics.send(reason)
		return g.ack(ctx, client, env.ID, v1.ErrorAck(reason))
	}

	g.metrics.send(v1.StatusOK)
	return g.ack(ctx, client, env.ID, v1.OKAck(WireMessage(msg)))
}

func (g *WSGateway) withdraw(userID int64) {
	if g.cluster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.cluster.Withdraw(ctx, userID); err != nil {
		g.log.Warn("cluster.withdraw.fail", "user_id", userID, "err", err)
	}
}

// ---- send helpers ----

// ack queues the acknowledgement, waiting up to WriteTimeout for room in a full queue.
// It returns false when the ack could not be queued.
func (g *WSGateway) ack(parent context.Context, client *Client, replyTo string, p v1.SendMessageAckPayload) bool {
	env := newReply(v1.TypeSendMessageAck, replyTo, p, time.Now().UTC())

	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()

	if !client.EnqueueWait(ctx, env) {
		g.log.Info("ws.ack.dropped", "conn_id", client.ID, "reply_to", replyTo)
		return false
	}
	return true
}

func (g *WSGateway) sendError(client *Client, replyTo, code, msg string) {
	env := newReply(v1.TypeError, replyTo, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	_ = client.Enqueue(env)
}
