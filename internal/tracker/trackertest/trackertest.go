// Package trackertest holds behaviour checks shared by every tracker backend.
package trackertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"pogobot/internal/model"
	"pogobot/internal/tracker"
	kit "pogobot/internal/transport"
)

// Run exercises the tracker contract against fresh instances from newTracker.
func Run(t *testing.T, newTracker func(t *testing.T) tracker.Tracker) {
	t.Helper()

	t.Run("first seen once", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()
		isNew, err := tr.RecordSightingFirstSeen(ctx, "enc-1")
		if err != nil || !isNew {
			t.Fatalf("first call: isNew=%v err=%v", isNew, err)
		}
		isNew, err = tr.RecordSightingFirstSeen(ctx, "enc-1")
		if err != nil || isNew {
			t.Fatalf("second call: isNew=%v err=%v", isNew, err)
		}
	})

	t.Run("first seen concurrent", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := tr.RecordSightingFirstSeen(ctx, "enc-race")
				if err != nil {
					t.Errorf("RecordSightingFirstSeen: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("new classifications = %d, want 1", got)
		}
	})

	t.Run("deep scan marked once", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()
		if _, err := tr.RecordSightingFirstSeen(ctx, "enc-2"); err != nil {
			t.Fatalf("RecordSightingFirstSeen: %v", err)
		}
		newly, err := tr.MarkSightingDeepScanned(ctx, "enc-2")
		if err != nil || !newly {
			t.Fatalf("first mark: newly=%v err=%v", newly, err)
		}
		newly, err = tr.MarkSightingDeepScanned(ctx, "enc-2")
		if err != nil || newly {
			t.Fatalf("second mark: newly=%v err=%v", newly, err)
		}
	})

	t.Run("raid lifecycle", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()

		rec, err := tr.OpenRaid(ctx, "gym-1")
		if err != nil || rec != nil {
			t.Fatalf("OpenRaid on empty: rec=%v err=%v", rec, err)
		}

		const end = int64(4_102_444_800) // far future keeps TTL based stores happy
		rec, err = tr.CreateRaid(ctx, "gym-1", end)
		if err != nil {
			t.Fatalf("CreateRaid: %v", err)
		}
		if rec.GymID != "gym-1" || rec.EndTime != end || len(rec.Posted) != 0 {
			t.Fatalf("unexpected record: %+v", rec)
		}

		pm := model.PostedMessage{
			Recipient: kit.ChatTarget{ChatID: 10},
			Main:      kit.MessageRef{ChatID: 10, MessageID: 100},
		}
		if err := tr.AppendRecipient(ctx, rec, pm); err != nil {
			t.Fatalf("AppendRecipient: %v", err)
		}
		loc := kit.MessageRef{ChatID: 10, MessageID: 101}
		if err := tr.AppendRecipient(ctx, rec, model.PostedMessage{Recipient: kit.ChatTarget{ChatID: 10}, Location: &loc}); err != nil {
			t.Fatalf("AppendRecipient merge: %v", err)
		}
		if len(rec.Posted) != 1 {
			t.Fatalf("caller record posted = %d, want 1", len(rec.Posted))
		}

		again, err := tr.CreateRaid(ctx, "gym-1", end)
		if err != nil {
			t.Fatalf("CreateRaid same end: %v", err)
		}
		if len(again.Posted) != 1 {
			t.Fatalf("same end must reuse record, posted=%d", len(again.Posted))
		}
		got := again.Posted[0]
		if got.Main.MessageID != 100 || got.Location == nil || got.Location.MessageID != 101 {
			t.Fatalf("merged posted message = %+v", got)
		}

		open, err := tr.OpenRaid(ctx, "gym-1")
		if err != nil || open == nil || open.EndTime != end {
			t.Fatalf("OpenRaid: rec=%+v err=%v", open, err)
		}

		next, err := tr.CreateRaid(ctx, "gym-1", end+3600)
		if err != nil {
			t.Fatalf("CreateRaid new end: %v", err)
		}
		if len(next.Posted) != 0 || next.EndTime != end+3600 {
			t.Fatalf("new cycle must start empty: %+v", next)
		}
		if err := tr.AppendRecipient(ctx, rec, pm); err != tracker.ErrRaidNotOpen {
			t.Fatalf("append to replaced record: err=%v, want ErrRaidNotOpen", err)
		}
	})
}
