package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"pogobot/internal/eventbus"
	"pogobot/internal/model"
	logx "pogobot/pkg/logx"
)

func TestServiceDispatchesAsync(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, speciesFilter(1, 10, 10, 100), true, false)

	bus := eventbus.New()
	reports, unsub := bus.Subscribe(8)
	defer unsub()
	f.coord.bus = bus

	svc := NewService(Config{Workers: 2, QueueSize: 8}, f.coord, logx.Nop(), bus)
	svc.Start(context.Background())

	s := model.Sighting{EncounterID: "a", SpeciesID: ptr(1), Latitude: ptr(10.0), Longitude: ptr(10.0)}
	if err := svc.SubmitSighting(context.Background(), s); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ev := <-reports:
		rep, ok := ev.Data.(Report)
		if ev.Type != "dispatch.report" || !ok || rep.Sent != 1 {
			t.Fatalf("event=%+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no report published")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)

	if err := svc.SubmitRaidEvent(ctx, model.RaidEvent{GymID: "g", EndTime: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop err=%v", err)
	}
	st := svc.Stats()
	if st.Accepted != 1 || st.Processed != 1 || st.Totals.Sent != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestServiceNotStarted(t *testing.T) {
	svc := NewService(Config{}, NewCoordinator(Options{}), logx.Nop(), nil)
	if err := svc.SubmitSighting(context.Background(), model.Sighting{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}
