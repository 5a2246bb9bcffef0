package retention

import (
	"context"
	"testing"
	"time"

	"pogobot/internal/eventbus"
	"pogobot/internal/tracker"
	logx "pogobot/pkg/logx"
)

func TestRunOncePrunesExpired(t *testing.T) {
	ctx := context.Background()
	tr := tracker.NewMemory()
	if _, err := tr.RecordSightingFirstSeen(ctx, "a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := tr.CreateRaid(ctx, "g", time.Now().Add(-time.Hour).Unix()); err != nil {
		t.Fatalf("create raid: %v", err)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	svc := New(Config{Enabled: true}, tr, logx.Nop(), bus)

	st, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Sightings != 0 || st.Raids != 1 {
		t.Fatalf("first pass stats=%+v", st)
	}

	svc.now = func() time.Time { return time.Now().Add(7 * time.Hour) }
	st, err = svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Sightings != 1 || st.Raids != 0 {
		t.Fatalf("second pass stats=%+v", st)
	}

	isNew, err := tr.RecordSightingFirstSeen(ctx, "a")
	if err != nil || !isNew {
		t.Fatalf("pruned sighting should be new again: new=%v err=%v", isNew, err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventPruned {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatalf("no prune event")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled ignores garbage", Config{Schedule: "nope"}, false},
		{"default schedule", Config{Enabled: true}, false},
		{"five fields", Config{Enabled: true, Schedule: "*/5 * * * *"}, false},
		{"six fields", Config{Enabled: true, Schedule: "0 */5 * * * *"}, false},
		{"bad schedule", Config{Enabled: true, Schedule: "every day"}, true},
		{"bad timezone", Config{Enabled: true, Timezone: "Mars/Olympus"}, true},
		{"timezone", Config{Enabled: true, Timezone: "Europe/Berlin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	svc := New(Config{Enabled: false}, tracker.NewMemory(), logx.Nop(), nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start disabled: %v", err)
	}
	if svc.c != nil {
		t.Fatalf("disabled service scheduled a job")
	}

	svc.Apply(Config{Enabled: true, Schedule: "@every 1h"})
	if svc.c == nil {
		t.Fatalf("enabling should start the cron")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
	if svc.c != nil {
		t.Fatalf("stop left cron running")
	}

	bad := New(Config{Enabled: true, Timezone: "Mars/Olympus"}, tracker.NewMemory(), logx.Nop(), nil)
	if err := bad.Start(context.Background()); err == nil {
		t.Fatalf("expected timezone error")
	}
}
