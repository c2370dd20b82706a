package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ben1maru/tutors-finders-server/cmd/internal/chat"
	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"
)

// SendRequest is one send_message event.
type SendRequest struct {
	SenderID   int64
	ReceiverID int64
	Text       string
}

// Dispatcher stores messages through chat.Service and routes them to the receiver's
// live connection (locally or through the Cluster).
type Dispatcher struct {
	chat     *chat.Service
	presence *Presence
	cluster  Cluster
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCluster enables cross-instance delivery.
func WithCluster(c Cluster) DispatcherOption {
	return func(d *Dispatcher) { d.cluster = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(svc *chat.Service, presence *Presence, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		chat:     svc,
		presence: presence,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SendMessage validates, persists and delivers one message.
//
// A nil error means the message is stored; delivery is best effort and never
// changes the result. Validation failures persist nothing.
func (d *Dispatcher) SendMessage(ctx context.Context, req SendRequest) (chat.Message, error) {
	const op = "realtime.SendMessage"

	if req.SenderID <= 0 || req.ReceiverID <= 0 {
		return chat.Message{}, chat.OpError{Op: op, Kind: chat.ErrInvalidMessage, Msg: "missing sender or receiver"}
	}
	if req.SenderID == req.ReceiverID {
		return chat.Message{}, chat.OpError{Op: op, Kind: chat.ErrInvalidParticipants, Msg: "sender equals receiver"}
	}
	text, err := chat.NormalizeText(req.Text)
	if err != nil {
		return chat.Message{}, err
	}

	conv, err := d.chat.FindOrCreate(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return chat.Message{}, err
	}

	msg, err := d.chat.Append(ctx, conv.ID, req.SenderID, text)
	if err != nil {
		return chat.Message{}, err
	}

	route := d.deliver(ctx, req.ReceiverID, msg)
	d.log.Info("chat.send.ok",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"receiver_id", req.ReceiverID,
		"route", route,
	)
	return msg, nil
}

// deliver pushes msg to the receiver and reports the route taken.
func (d *Dispatcher) deliver(ctx context.Context, receiverID int64, msg chat.Message) string {
	if c, ok := d.presence.Resolve(receiverID); ok {
		route := d.push(c, msg)
		d.metrics.delivery(route)
		return route
	}

	route := RouteOffline
	if d.cluster != nil {
		route = d.relay(ctx, receiverID, msg)
	}
	d.metrics.delivery(route)
	return route
}

func (d *Dispatcher) relay(ctx context.Context, receiverID int64, msg chat.Message) string {
	inst, ok, err := d.cluster.Locate(ctx, receiverID)
	if err != nil {
		d.log.Warn("chat.relay.locate.fail", "receiver_id", receiverID, "err", err)
		return RouteDropped
	}
	if !ok || inst == d.cluster.InstanceID() {
		return RouteOffline
	}
	if err := d.cluster.Forward(ctx, inst, Relay{ReceiverID: receiverID, Message: WireMessage(msg)}); err != nil {
		d.log.Warn("chat.relay.forward.fail", "receiver_id", receiverID, "instance_id", inst, "err", err)
		return RouteDropped
	}
	return RouteRelayed
}

// DeliverRelay pushes a message relayed by another instance to the local connection.
func (d *Dispatcher) DeliverRelay(r Relay) {
	c, ok := d.presence.Resolve(r.ReceiverID)
	if !ok {
		d.metrics.delivery(RouteOffline)
		return
	}
	route := d.pushWire(c, r.Message)
	d.metrics.delivery(route)
}

func (d *Dispatcher) push(c *Client, msg chat.Message) string {
	return d.pushWire(c, WireMessage(msg))
}

func (d *Dispatcher) pushWire(c *Client, msg v1.Message) string {
	payload, _ := json.Marshal(msg)
	env := newEnvelope(v1.TypeReceiveMessage, payload, d.now())
	if !c.Enqueue(env) {
		d.log.Info("chat.deliver.dropped", "conn_id", c.ID, "message_id", msg.ID)
		return RouteDropped
	}
	return RouteLocal
}

// WireMessage converts a stored message to its wire shape.
func WireMessage(m chat.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}
