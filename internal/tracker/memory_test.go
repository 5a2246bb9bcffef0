package tracker

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPrune(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m.now = func() time.Time { return base }
	_, _ = m.RecordSightingFirstSeen(ctx, "old")
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, _ = m.RecordSightingFirstSeen(ctx, "fresh")

	_, _ = m.CreateRaid(ctx, "gym-old", base.Unix())
	_, _ = m.CreateRaid(ctx, "gym-new", base.Add(3*time.Hour).Unix())

	st, err := m.Prune(ctx, PruneOptions{
		SightingsSeenBefore: base.Add(time.Hour),
		RaidsEndedBefore:    base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if st.Sightings != 1 || st.Raids != 1 {
		t.Fatalf("stats = %+v, want 1/1", st)
	}
	if isNew, _ := m.RecordSightingFirstSeen(ctx, "old"); !isNew {
		t.Fatalf("pruned sighting should be new again")
	}
	if isNew, _ := m.RecordSightingFirstSeen(ctx, "fresh"); isNew {
		t.Fatalf("fresh sighting must survive prune")
	}
	if rec, _ := m.OpenRaid(ctx, "gym-new"); rec == nil {
		t.Fatalf("future raid must survive prune")
	}
}
