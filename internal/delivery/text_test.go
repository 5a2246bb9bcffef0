package delivery

import (
	"context"
	"testing"
	"time"

	kit "pogobot/internal/transport"
	logx "pogobot/pkg/logx"
)

func TestLogSinkGoesThroughQueues(t *testing.T) {
	d := &fakeDeliverer{}
	s, clk := newManual(t, Config{MinInterval: time.Second}, d)

	svc, log := logx.New(logx.Config{
		Level: "debug",
		Telegram: logx.TelegramConfig{
			Enabled:    true,
			ChatID:     -100,
			MinLevel:   "error",
			RatePerSec: 50,
		},
	})
	defer svc.Close()
	svc.SetSender(s)

	// A notification to the operator chat is already waiting.
	p := submit(t, s, -100, "notification")
	log.Error("tracker unreachable")

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Submitted < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("log line never reached the scheduler: %+v", s.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(d.texts()); got != 0 {
		t.Fatalf("platform called %d times before any tick", got)
	}

	s.tick(clk.Now())
	wait(t, p)
	// Same recipient: the log line waits out the interval like anything else.
	s.tick(clk.Add(500 * time.Millisecond))
	if got := len(d.texts()); got != 1 {
		t.Fatalf("calls=%d want 1 inside the interval", got)
	}
	s.tick(clk.Add(500 * time.Millisecond))
	deadline = time.Now().Add(2 * time.Second)
	for len(d.texts()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("log line not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c := d.calls[1]; c.chat != -100 || c.text == "" {
		t.Fatalf("call=%+v", c)
	}
}

func TestSendTextDoesNotWait(t *testing.T) {
	d := &fakeDeliverer{}
	s, _ := newManual(t, Config{}, d)

	ref, err := s.SendText(context.Background(), kit.ChatTarget{ChatID: 3}, "hello", &kit.SendOptions{DisablePreview: true})
	if err != nil || !ref.IsZero() {
		t.Fatalf("ref=%+v err=%v", ref, err)
	}
	if st := s.Snapshot(); st.Pending != 1 || st.Submitted != 1 {
		t.Fatalf("stats=%+v", st)
	}
}
