package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_LevelAndFormat(t *testing.T) {
	l := New("client", "debug", "text")
	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("formatter = %T, want *logrus.TextFormatter", l.Formatter)
	}

	l = New("client", "bogus", "")
	if l.GetLevel() != logrus.InfoLevel {
		t.Errorf("fallback level = %v, want info", l.GetLevel())
	}
}

func TestWithContext_AddsTraceAndIdentity(t *testing.T) {
	var buf bytes.Buffer
	l := NewDefault("realtime")
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithIdentity(ctx, "user-42")
	l.WithContext(ctx).WithField("state", "connected").Info("state changed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "realtime" {
		t.Errorf("component = %v, want realtime", entry["component"])
	}
	if entry["trace_id"] != "trace-1" {
		t.Errorf("trace_id = %v, want trace-1", entry["trace_id"])
	}
	if entry["identity"] != "user-42" {
		t.Errorf("identity = %v, want user-42", entry["identity"])
	}
	if entry["state"] != "connected" {
		t.Errorf("state = %v, want connected", entry["state"])
	}
}

func TestGetTraceID_Empty(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() = %q, want empty", got)
	}
	if NewTraceID() == NewTraceID() {
		t.Error("NewTraceID() returned duplicate IDs")
	}
}
