package logx

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "pogobot/internal/transport"
)

const (
	telegramMaxText  = 3500
	telegramMaxField = 600
	telegramQueueLen = 256
)

// Chat ids exceed float64's exact range once printed, so numbers stay int64.
var lineJSON = sonic.Config{UseInt64: true}.Froze()

type telegramLine struct {
	to   kit.ChatTarget
	text string
}

// telegramSink is a zerolog.LevelWriter. Lines are handed to a single
// goroutine so a sender that logs never re-enters itself.
type telegramSink struct {
	sender atomic.Value // kit.TextSender
	queue  chan telegramLine

	mu       sync.Mutex
	to       kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newTelegramSink() *telegramSink {
	return &telegramSink{queue: make(chan telegramLine, telegramQueueLen)}
}

func (t *telegramSink) setSender(s kit.TextSender) {
	if s != nil {
		t.sender.Store(s)
	}
}

func (t *telegramSink) textSender() kit.TextSender {
	s, _ := t.sender.Load().(kit.TextSender)
	return s
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.to = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel, t.done = cancel, make(chan struct{})
		go t.run(ctx, t.done)
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-t.queue:
			s := t.textSender()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = s.SendText(sctx, line.to, line.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel never blocks: a full queue or an exhausted limiter drops the line.
func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, minLevel, lim := t.to, t.minLevel, t.limiter
	t.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || t.textSender() == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := formatTelegramJSON(p); text != "" {
		select {
		case t.queue <- telegramLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramJSON renders a zerolog JSON line as "[LEVEL] message" with
// one "- key=value" line per field, keys sorted. Non-JSON input is passed
// through trimmed.
func formatTelegramJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := lineJSON.Unmarshal(p, &m); err != nil {
		return clip(string(p), telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), telegramMaxField))
	}
	return clip(b.String(), telegramMaxText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
