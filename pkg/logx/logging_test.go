package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	kit "pogobot/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.sent)}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestFormatTelegramJSON(t *testing.T) {
	got := formatTelegramJSON([]byte(`{"level":"warn","message":"delivery failed","chat_id":42,"time":"x"}` + "\n"))
	if !strings.HasPrefix(got, "[WARN] delivery failed") {
		t.Fatalf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "- chat_id=42") {
		t.Fatalf("missing field: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
	got = formatTelegramJSON([]byte(`{"level":"error","message":"x","b":1,"chat":-1001234567890,"a":"y"}`))
	if want := "[ERROR] x\n- a=y\n- b=1\n- chat=-1001234567890"; got != want {
		t.Fatalf("format = %q, want %q", got, want)
	}
	if raw := formatTelegramJSON([]byte("  plain text \n")); raw != "plain text" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

func TestTelegramSinkHonoursMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     -100,
			ThreadID:   7,
			MinLevel:   "warn",
			RatePerSec: 50,
		},
	})
	defer svc.Close()
	svc.SetSender(sender)

	log.Info("routine")
	log.Error("broken", String("comp", "delivery"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1: %q", len(sender.sent), sender.sent)
	}
	if !strings.Contains(sender.sent[0], "broken") || sender.to[0] != (kit.ChatTarget{ChatID: -100, ThreadID: 7}) {
		t.Fatalf("unexpected message %q to %+v", sender.sent[0], sender.to[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger must report IsZero")
	}
	l.Info("nothing happens", Int("n", 1))
	if Nop().IsZero() {
		t.Fatalf("Nop is not zero")
	}
}

func TestApplySwitchesLogFile(t *testing.T) {
	dir := t.TempDir()
	first, second := filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()

	log.Debug("hidden")
	log.Info("one")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	log.Debug("two")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(a), `"message":"one"`) || strings.Contains(string(a), "hidden") || strings.Contains(string(a), "two") {
		t.Fatalf("first file: %s", a)
	}
	if !strings.Contains(string(b), `"message":"two"`) || !strings.Contains(string(b), `"caller":"logging_test.go:`) {
		t.Fatalf("second file: %s", b)
	}
}
