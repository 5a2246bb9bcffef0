package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "pogobot/internal/transport"
	logx "pogobot/pkg/logx"
)

type call struct {
	chat int64
	text string
	edit bool
	at   time.Time
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []call
	clock *fakeClock
	fail  int // fail the first n calls
	next  int
}

func (d *fakeDeliverer) record(c call) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clock != nil {
		c.at = d.clock.Now()
	}
	d.calls = append(d.calls, c)
	if d.fail > 0 {
		d.fail--
		return 0, errors.New("boom")
	}
	d.next++
	return d.next, nil
}

func (d *fakeDeliverer) Send(_ context.Context, to kit.ChatTarget, c kit.Content) (kit.Sent, error) {
	id, err := d.record(call{chat: to.ChatID, text: c.Text})
	if err != nil {
		return kit.Sent{}, err
	}
	return kit.Sent{Main: kit.MessageRef{ChatID: to.ChatID, MessageID: id}}, nil
}

func (d *fakeDeliverer) Edit(_ context.Context, ref kit.MessageRef, c kit.Content) error {
	_, err := d.record(call{chat: ref.ChatID, text: c.Text, edit: true})
	return err
}

func (d *fakeDeliverer) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.text
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// newManual returns a started scheduler whose tick loop never fires; tests
// drive it with s.tick.
func newManual(t *testing.T, cfg Config, d *fakeDeliverer) (*Scheduler, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	d.clock = clk
	cfg.Tick = time.Hour
	s := New(cfg, d, logx.Nop(), nil)
	s.now = clk.Now
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, clk
}

func submit(t *testing.T, s *Scheduler, chat int64, text string) *Pending {
	t.Helper()
	p, err := s.Submit(context.Background(), Request{Target: kit.ChatTarget{ChatID: chat}, Content: kit.Content{Text: text}})
	if err != nil {
		t.Fatalf("submit %q: %v", text, err)
	}
	return p
}

func wait(t *testing.T, p *Pending) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait %s: %v", p.ID(), err)
	}
	return res
}

func TestPerRecipientFIFOAndMinInterval(t *testing.T) {
	d := &fakeDeliverer{}
	s, clk := newManual(t, Config{MinInterval: time.Second}, d)

	pa := submit(t, s, 1, "a")
	pb := submit(t, s, 1, "b")
	pc := submit(t, s, 1, "c")

	s.tick(clk.Now())
	wait(t, pa)

	// Inside the interval nothing leaves.
	s.tick(clk.Add(500 * time.Millisecond))
	if got := len(d.texts()); got != 1 {
		t.Fatalf("calls after early tick=%d want 1", got)
	}

	s.tick(clk.Add(500 * time.Millisecond))
	wait(t, pb)
	s.tick(clk.Add(time.Second))
	wait(t, pc)

	got := d.texts()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v want %v", got, want)
		}
	}
	for i := 1; i < len(d.calls); i++ {
		if gap := d.calls[i].at.Sub(d.calls[i-1].at); gap < time.Second {
			t.Fatalf("gap %d=%v below min interval", i, gap)
		}
	}
}

func TestOldestHeadOfLineWins(t *testing.T) {
	d := &fakeDeliverer{}
	s, clk := newManual(t, Config{MinInterval: time.Second}, d)

	a1 := submit(t, s, 1, "a1")
	a2 := submit(t, s, 1, "a2")
	clk.Add(time.Millisecond)
	b1 := submit(t, s, 2, "b1")

	s.tick(clk.Add(time.Millisecond))
	wait(t, a1)
	// Chat 1 is rate limited now; chat 2 goes next even though a2 is older.
	s.tick(clk.Add(time.Millisecond))
	wait(t, b1)
	s.tick(clk.Add(time.Second))
	wait(t, a2)

	got := d.texts()
	if got[0] != "a1" || got[1] != "b1" || got[2] != "a2" {
		t.Fatalf("order=%v", got)
	}
}

func TestOneRequestPerTick(t *testing.T) {
	d := &fakeDeliverer{}
	s, clk := newManual(t, Config{}, d)

	p1 := submit(t, s, 1, "x")
	submit(t, s, 2, "y")
	submit(t, s, 3, "z")

	s.tick(clk.Now())
	wait(t, p1)
	if got := len(d.texts()); got != 1 {
		t.Fatalf("calls=%d want 1", got)
	}
	if st := s.Snapshot(); st.Pending != 2 {
		t.Fatalf("pending=%d want 2", st.Pending)
	}
}

func TestIdleQueueEviction(t *testing.T) {
	d := &fakeDeliverer{}
	s, clk := newManual(t, Config{InactiveAfter: 10 * time.Minute}, d)

	p := submit(t, s, 7, "hi")
	s.tick(clk.Now())
	wait(t, p)

	s.tick(clk.Add(9 * time.Minute))
	if st := s.Snapshot(); st.Queues != 1 {
		t.Fatalf("queues=%d want 1 before the window", st.Queues)
	}
	s.tick(clk.Add(2 * time.Minute))
	st := s.Snapshot()
	if st.Queues != 0 || st.Evicted != 1 {
		t.Fatalf("after window: %+v", st)
	}

	// A later submit recreates the queue.
	p = submit(t, s, 7, "again")
	s.tick(clk.Add(time.Second))
	wait(t, p)
}

func TestEditUsesRefChat(t *testing.T) {
	d := &fakeDeliverer{}
	s, clk := newManual(t, Config{}, d)

	ref := kit.MessageRef{ChatID: 9, MessageID: 42}
	p, err := s.Submit(context.Background(), Request{Kind: KindEdit, Ref: ref, Content: kit.Content{Text: "boss"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.tick(clk.Now())
	res := wait(t, p)
	if res.Sent.Main != ref {
		t.Fatalf("main=%+v want %+v", res.Sent.Main, ref)
	}
	if c := d.calls[0]; !c.edit || c.chat != 9 {
		t.Fatalf("call=%+v", c)
	}
}

func TestQueueBound(t *testing.T) {
	d := &fakeDeliverer{}
	s, _ := newManual(t, Config{MaxQueueLen: 1}, d)

	submit(t, s, 1, "first")
	_, err := s.Submit(context.Background(), Request{Target: kit.ChatTarget{ChatID: 1}})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	// Other recipients are unaffected.
	submit(t, s, 2, "other")
	if st := s.Snapshot(); st.Rejected != 1 {
		t.Fatalf("rejected=%d", st.Rejected)
	}
}

func TestNoRetryByDefault(t *testing.T) {
	d := &fakeDeliverer{fail: 1}
	s, clk := newManual(t, Config{}, d)

	p := submit(t, s, 1, "x")
	s.tick(clk.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if err == nil || res.Attempts != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if st := s.Snapshot(); st.Failed != 1 {
		t.Fatalf("failed=%d", st.Failed)
	}
}

// awaitRequeue blocks until the scheduler has put n failed items back.
func awaitRequeue(t *testing.T, s *Scheduler, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := s.Snapshot()
		if st.Retried >= n && st.InFlight == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry %d not requeued: %+v", n, st)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRetryPolicy(t *testing.T) {
	d := &fakeDeliverer{fail: 2}
	s, clk := newManual(t, Config{MinInterval: time.Second, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, d)

	p := submit(t, s, 1, "x")
	s.tick(clk.Now())
	awaitRequeue(t, s, 1)
	s.tick(clk.Add(time.Second))
	awaitRequeue(t, s, 2)
	s.tick(clk.Add(time.Second))
	res := wait(t, p)
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", res.Attempts)
	}
	if st := s.Snapshot(); st.Retried != 2 || st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRetryHonoursMinInterval(t *testing.T) {
	d := &fakeDeliverer{fail: 1}
	s, clk := newManual(t, Config{MinInterval: 500 * time.Millisecond, RetryMax: 1, RetryBase: 10 * time.Millisecond, RetryMaxDelay: 10 * time.Millisecond}, d)

	p := submit(t, s, 7, "x")
	s.tick(clk.Now())
	awaitRequeue(t, s, 1)

	// Backoff has passed but the recipient is still inside its interval.
	s.tick(clk.Add(100 * time.Millisecond))
	if got := len(d.texts()); got != 1 {
		t.Fatalf("calls=%d want 1 inside the interval", got)
	}
	s.tick(clk.Add(400 * time.Millisecond))
	wait(t, p)

	if gap := d.calls[1].at.Sub(d.calls[0].at); gap < 500*time.Millisecond {
		t.Fatalf("retry gap=%v below min interval", gap)
	}
}

func TestRetryTakesATickSlot(t *testing.T) {
	d := &fakeDeliverer{fail: 1}
	s, clk := newManual(t, Config{MinInterval: time.Second, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, d)

	p1 := submit(t, s, 1, "a")
	s.tick(clk.Now())
	awaitRequeue(t, s, 1)
	p2 := submit(t, s, 2, "b")

	// The retry is older than b, so it wins the tick and b waits.
	s.tick(clk.Add(time.Second))
	wait(t, p1)
	if got := d.texts(); len(got) != 2 || got[1] != "a" {
		t.Fatalf("texts=%v", got)
	}
	s.tick(clk.Add(time.Millisecond))
	wait(t, p2)
}

func TestRetryBackoffLongerThanInterval(t *testing.T) {
	d := &fakeDeliverer{fail: 1}
	s, clk := newManual(t, Config{MinInterval: time.Second, RetryMax: 1, RetryBase: 5 * time.Second, RetryMaxDelay: 5 * time.Second}, d)

	p := submit(t, s, 3, "x")
	s.tick(clk.Now())
	awaitRequeue(t, s, 1)

	// Jittered backoff is at least 2.5s.
	s.tick(clk.Add(2 * time.Second))
	if got := len(d.texts()); got != 1 {
		t.Fatalf("calls=%d want 1 before backoff", got)
	}
	s.tick(clk.Add(6 * time.Second))
	if res := wait(t, p); res.Attempts != 2 {
		t.Fatalf("attempts=%d", res.Attempts)
	}
}

func TestStopFailsPendingRetry(t *testing.T) {
	d := &fakeDeliverer{fail: 1}
	s, clk := newManual(t, Config{RetryMax: 3}, d)

	p := submit(t, s, 1, "x")
	s.tick(clk.Now())
	awaitRequeue(t, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if _, err := p.Wait(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestWaitInterrupted(t *testing.T) {
	d := &fakeDeliverer{}
	s, _ := newManual(t, Config{}, d)

	p := submit(t, s, 1, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestOnDoneRunsAfterInterruptedWait(t *testing.T) {
	d := &fakeDeliverer{}
	s, clk := newManual(t, Config{}, d)

	got := make(chan Result, 1)
	p, err := s.Submit(context.Background(), Request{
		Target:  kit.ChatTarget{ChatID: 4},
		Content: kit.Content{Text: "late"},
		OnDone:  func(r Result) { got <- r },
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err=%v", err)
	}

	s.tick(clk.Now())
	select {
	case r := <-got:
		if r.Err != nil || r.Sent.Main.ChatID != 4 || r.RequestID != p.ID() {
			t.Fatalf("result=%+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnDone never ran")
	}
}

func TestStopFailsQueued(t *testing.T) {
	d := &fakeDeliverer{}
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d.clock = clk
	s := New(Config{Tick: time.Hour}, d, logx.Nop(), nil)
	s.now = clk.Now
	s.Start(context.Background())

	p1 := submit(t, s, 1, "a")
	p2 := submit(t, s, 2, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	for _, p := range []*Pending{p1, p2} {
		if _, err := p.Wait(ctx); !errors.Is(err, ErrStopped) {
			t.Fatalf("wait err=%v want ErrStopped", err)
		}
	}
	if _, err := s.Submit(ctx, Request{Target: kit.ChatTarget{ChatID: 1}}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop err=%v", err)
	}
	if len(d.texts()) != 0 {
		t.Fatalf("nothing should have been delivered")
	}
}

func TestTickLoopDelivers(t *testing.T) {
	d := &fakeDeliverer{}
	s := New(Config{Tick: 5 * time.Millisecond, MinInterval: 10 * time.Millisecond}, d, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, text := range []string{"1", "2", "3"} {
		if _, err := s.Do(ctx, Request{Target: kit.ChatTarget{ChatID: 5}, Content: kit.Content{Text: text}}); err != nil {
			t.Fatalf("do %s: %v", text, err)
		}
	}
	if got := d.texts(); len(got) != 3 || got[2] != "3" {
		t.Fatalf("texts=%v", got)
	}
}
