package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const appTestSecret = "app-test-secret-0123456789abcdef"

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *httptest.Server) {
	t.Helper()

	cfg := Config{
		AuthMode:         AuthModeJWT,
		JWTSecret:        appTestSecret,
		LogFormat:        "json",
		WSOriginRequired: false,
		WSAllowedOrigins: []string{"http://localhost"},
		DBSchema:         "public",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, ValidateConfig(cfg))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return a, ts
}

func issueTestToken(t *testing.T, userID int64) string {
	t.Helper()
	v, err := identity.NewJWTVerifier(identity.JWTConfig{Secret: appTestSecret, TTL: time.Hour})
	require.NoError(t, err)
	tok, err := v.Issue(identity.Principal{UserID: userID, Role: identity.RoleStudent}, time.Now().UTC())
	require.NoError(t, err)
	return tok
}

func TestApp_HealthReadyMetrics(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.NotEmpty(t, resp.Header.Get(RequestIDHeader), path)
		require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"), path)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "tutors_realtime_online_users")
	require.Contains(t, string(body), "go_goroutines")
}

func TestApp_ReadyRequiresDB(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true })

	resp, err := ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestApp_APIDisabledWithoutAuth(t *testing.T) {
	t.Parallel()

	a, ts := newTestApp(t, func(c *Config) { c.AuthMode = AuthModeNone; c.JWTSecret = "" })
	require.Nil(t, a.api)

	resp, err := ts.Client().Get(ts.URL + "/api/user/chat/conversations")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestApp_EndToEnd sends over the websocket and reads the stored message back over REST.
func TestApp_EndToEnd(t *testing.T) {
	t.Parallel()

	a, ts := newTestApp(t, nil)
	tok7 := issueTestToken(t, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + tok7
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	write := func(env v1.Envelope) {
		b, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
	}
	joinPayload, _ := json.Marshal(v1.JoinPayload{UserID: 7})
	write(v1.Envelope{V: v1.Version, Type: v1.TypeJoin, ID: "j1", TS: time.Now().UTC(), Payload: joinPayload})

	sendPayload, _ := json.Marshal(v1.SendMessagePayload{ReceiverID: 9, Text: "hello tutor"})
	write(v1.Envelope{V: v1.Version, Type: v1.TypeSendMessage, ID: "s1", TS: time.Now().UTC(), Payload: sendPayload})

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	var ackEnv v1.Envelope
	require.NoError(t, json.Unmarshal(raw, &ackEnv))
	require.Equal(t, v1.TypeSendMessageAck, ackEnv.Type)
	require.Equal(t, "s1", ackEnv.ReplyTo)

	var ack v1.SendMessageAckPayload
	require.NoError(t, json.Unmarshal(ackEnv.Payload, &ack))
	stored, err := ack.StoredMessage()
	require.NoError(t, err)

	_, online := a.presence.Resolve(7)
	require.True(t, online)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/user/chat/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, 9))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summaries []struct {
		ConversationID int64   `json:"conversation_id"`
		PartnerID      int64   `json:"partner_id"`
		LastMessage    *string `json:"last_message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, stored.ConversationID, summaries[0].ConversationID)
	require.Equal(t, int64(7), summaries[0].PartnerID)
	require.NotNil(t, summaries[0].LastMessage)
	require.Equal(t, "hello tutor", *summaries[0].LastMessage)
}
