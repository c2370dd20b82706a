// Package main provides a CI-friendly WebSocket smoke test for the tutors chat server.
//
// It validates:
//   - handshake + subprotocol selection
//   - join (confirmed by a self-send probe rejected as invalid_participants)
//   - send_message -> send_message_ack correlated by reply_to
//   - receive_message pushed to the receiver's connection
//   - REST history contains the stored message (when tokens are available)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID int64
	token  string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA     = flag.Int64("user-a", 1001, "Sender user id")
		userB     = flag.Int64("user-b", 1002, "Receiver user id")
		jwtSecret = flag.String("jwt-secret", os.Getenv("TUTORS_JWT_SECRET"), "HS256 secret used to mint test tokens (optional)")
		jwtIssuer = flag.String("jwt-issuer", os.Getenv("TUTORS_TOKEN_ISSUER"), "Issuer claim for minted tokens")
		text      = flag.String("text", "hello tutor 👋", "Message text to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *userA <= 0 || *userB <= 0 || *userA == *userB {
		fatalf("-user-a and -user-b must be distinct positive ids")
	}

	root := context.Background()

	tokA, tokB := mintTokens(*jwtSecret, *jwtIssuer, *userA, *userB)

	a := mustConnect(root, "A", *userA, tokA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, tokB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, *timeout)
	mustJoin(root, b, *timeout)

	if *verbose {
		fmt.Printf("joined: A=%d B=%d origin=%q\n", a.userID, b.userID, *origin)
	}

	stored := mustSendAndAssertAck(root, a, b.userID, *text, *timeout)
	mustAssertReceive(root, b, stored, *timeout)
	mustAssertNoType(root, a, v1.TypeReceiveMessage, 750*time.Millisecond)

	if a.token != "" {
		mustHistoryContains(root, *wsURL, a.token, stored, *timeout)
	} else if *verbose {
		fmt.Println("skipping REST history: no -jwt-secret")
	}

	fmt.Printf("OK: A=%d B=%d conversation_id=%d message_id=%d\n", a.userID, b.userID, stored.ConversationID, stored.ID)
}

func mintTokens(secret, issuer string, a, b int64) (string, string) {
	if strings.TrimSpace(secret) == "" {
		return "", ""
	}
	v, err := identity.NewJWTVerifier(identity.JWTConfig{Secret: secret, Issuer: issuer, TTL: 10 * time.Minute})
	if err != nil {
		fatalf("jwt verifier: %v", err)
	}
	now := time.Now().UTC()
	tokA, err := v.Issue(identity.Principal{UserID: a, Role: identity.RoleStudent}, now)
	if err != nil {
		fatalf("issue token A: %v", err)
	}
	tokB, err := v.Issue(identity.Principal{UserID: b, Role: identity.RoleTutor}, now)
	if err != nil {
		fatalf("issue token B: %v", err)
	}
	return tokA, tokB
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name string, userID int64, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		token:  token,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustJoin announces the user, then proves the join was processed: a self-send
// is answered with invalid_participants only once the connection is identified.
func mustJoin(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoin,
		ID:      c.name + "-join",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.JoinPayload{UserID: c.userID}),
	}, stepTimeout)

	probeID := c.name + "-probe"
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		ID:      probeID,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{ReceiverID: c.userID, Text: "probe"}),
	}, stepTimeout)

	ack := c.mustReadAck(parent, probeID, stepTimeout)
	if ack.Status != v1.StatusError || ack.Reason() != "invalid_participants" {
		fatalf("join probe (%s): status=%q reason=%q", c.name, ack.Status, ack.Reason())
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, receiverID int64, text string, stepTimeout time.Duration) v1.Message {
	id := fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano())
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{SenderID: c.userID, ReceiverID: receiverID, Text: text}),
	}, stepTimeout)

	ack := c.mustReadAck(parent, id, stepTimeout)
	if ack.Status != v1.StatusOK {
		fatalf("send ack (%s): status=%q reason=%q", c.name, ack.Status, ack.Reason())
	}
	m, err := ack.StoredMessage()
	if err != nil {
		fatalf("send ack message (%s): %v", c.name, err)
	}
	if m.ID <= 0 || m.ConversationID <= 0 {
		fatalf("send ack ids (%s): id=%d conversation_id=%d", c.name, m.ID, m.ConversationID)
	}
	if m.SenderID != c.userID {
		fatalf("send ack sender mismatch (%s): got=%d want=%d", c.name, m.SenderID, c.userID)
	}
	if m.Text != strings.TrimSpace(text) {
		fatalf("send ack text mismatch (%s): got=%q", c.name, m.Text)
	}
	if m.CreatedAt.IsZero() {
		fatalf("send ack created_at missing (%s)", c.name)
	}
	return m
}

func mustAssertReceive(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout)

	var got v1.Message
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if got.ID != want.ID || got.ConversationID != want.ConversationID {
		fatalf("receive_message ids mismatch (%s): got=%d/%d want=%d/%d", c.name, got.ID, got.ConversationID, want.ID, want.ConversationID)
	}
	if got.SenderID != want.SenderID || got.Text != want.Text {
		fatalf("receive_message content mismatch (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, wsURL, token string, want v1.Message, stepTimeout time.Duration) {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/api/user/chat/conversations/" + strconv.FormatInt(want.ConversationID, 10) + "/messages"
	u.RawQuery = "limit=200"

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history fetch: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fatalf("history fetch: status=%d", resp.StatusCode)
	}

	var page struct {
		Messages []v1.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		fatalf("history decode: %v", err)
	}
	for _, m := range page.Messages {
		if m.ID == want.ID && m.Text == want.Text {
			return
		}
	}
	fatalf("history missing message id=%d", want.ID)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadAck(parent context.Context, replyTo string, stepTimeout time.Duration) v1.SendMessageAckPayload {
	for {
		env := c.mustReadUntilType(parent, v1.TypeSendMessageAck, stepTimeout)
		if env.ReplyTo != replyTo {
			continue
		}
		var p v1.SendMessageAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal send_message_ack payload (%s): %v", c.name, err)
		}
		return p
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
