package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogHandler_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	slog.New(newLogHandler(&jsonBuf, "info", "", false)).Info("chat.send.ok", "route", "local")
	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("default format is not JSON: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "chat.send.ok" || rec["route"] != "local" {
		t.Fatalf("unexpected JSON record: %v", rec)
	}

	var textBuf bytes.Buffer
	slog.New(newLogHandler(&textBuf, "info", "text", false)).Info("presence.announce", "user_id", 7)
	if !strings.Contains(textBuf.String(), "msg=presence.announce") || !strings.Contains(textBuf.String(), "user_id=7") {
		t.Fatalf("unexpected text record: %q", textBuf.String())
	}

	var prettyBuf bytes.Buffer
	slog.New(newLogHandler(&prettyBuf, "warn", "pretty", false)).Info("dropped")
	if prettyBuf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level, got %q", prettyBuf.String())
	}
}
