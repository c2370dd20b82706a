package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("conn_id", "c1").WithGroup("ws").Warn("chat.send.fail",
		"reason", "store unavailable",
		"route", "offline",
		"err", errors.New("boom"),
	)

	line := buf.String()
	for _, want := range []string{
		"WARN",
		"chat.send.fail",
		" conn_id=c1",
		`ws.reason="store unavailable"`,
		"ws.route=offline",
		"ws.err=boom",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected ANSI codes without color: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("expected trailing newline: %q", line)
	}
}

func TestPrettyHandler_ColorsRoutesAndStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.Info("http.request", "status", 503, "route", "dropped")

	line := buf.String()
	if !strings.Contains(line, "status="+ansiRed+"503"+ansiReset) {
		t.Fatalf("status not colored red: %q", line)
	}
	if !strings.Contains(line, "route="+ansiRed+"dropped"+ansiReset) {
		t.Fatalf("route not colored red: %q", line)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"a b":     `"a b"`,
		"k=v":     `"k=v"`,
		`say "x"`: `"say \"x\""`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
