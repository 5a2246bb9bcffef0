package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"pogobot/internal/eventbus"
	rtsup "pogobot/internal/runtime/supervisor"
	kit "pogobot/internal/transport"
	logx "pogobot/pkg/logx"
)

type state int

const (
	stateEmpty state = iota
	stateWait
	stateReady
	stateIdleExpired
)

type item struct {
	req     Request
	enq     time.Time
	seq     uint64
	pending *Pending

	attempts  int
	notBefore time.Time
	retry     backoff.BackOff
}

// queue is the FIFO of one recipient.
type queue struct {
	mu          sync.Mutex
	chatID      int64
	items       []*item
	lastSend    time.Time
	lastEnqueue time.Time
	inFlight    bool
}

func (it *item) complete(res Result) {
	if it.req.OnDone != nil {
		res.RequestID = it.req.ID
		it.req.OnDone(res)
	}
	it.pending.complete(res)
}

func (q *queue) classifyLocked(now time.Time, minInterval, inactive time.Duration) state {
	if q.inFlight {
		return stateWait
	}
	if len(q.items) == 0 {
		last := q.lastEnqueue
		if q.lastSend.After(last) {
			last = q.lastSend
		}
		if now.Sub(last) >= inactive {
			return stateIdleExpired
		}
		return stateEmpty
	}
	if !q.lastSend.IsZero() && now.Sub(q.lastSend) < minInterval {
		return stateWait
	}
	if now.Before(q.items[0].notBefore) {
		return stateWait
	}
	return stateReady
}

// Scheduler serialises outbound traffic per recipient. Each tick hands at
// most one request to the worker pool: the oldest head of line among the
// recipients whose minimum interval has elapsed.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	log       logx.Logger
	bus       eventbus.Bus
	deliverer kit.Deliverer
	now       func() time.Time

	accepting bool
	submitWG  sync.WaitGroup
	sup       *rtsup.Supervisor
	workers   *pool.Pool
	stopDone  chan struct{}
	// sendCtx outlives the tick loop so in-flight sends can finish on Stop.
	sendCtx    context.Context
	sendCancel context.CancelFunc

	qmu    sync.RWMutex
	queues map[int64]*queue

	dirty atomic.Bool
	seq   atomic.Uint64

	submitted atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	rejected  atomic.Uint64
	evicted   atomic.Uint64
	inFlight  atomic.Int64
}

func New(cfg Config, d kit.Deliverer, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:       log,
		bus:       bus,
		deliverer: d,
		now:       time.Now,
		queues:    map[int64]*queue{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Scheduler) applyLocked(cfg Config) {
	if cfg.Tick <= 0 {
		cfg.Tick = 33 * time.Millisecond
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = 10 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxQueueLen < 0 {
		cfg.MaxQueueLen = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Supervisor returns the scheduler's supervisor (nil when not running).
func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start launches the tick loop. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.workers = pool.New().WithMaxGoroutines(s.cfg.Workers)
	s.sendCtx, s.sendCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.accepting = true
	sup := s.sup
	tick := s.cfg.Tick
	s.mu.Unlock()

	sup.GoRestart("delivery.tick", func(c context.Context) error {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
				s.tick(s.now())
			}
		}
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake, fails every queued request with ErrStopped and waits
// for in-flight sends until ctx ends, after which they are cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	workers := s.workers
	sendCancel := s.sendCancel
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.submitWG.Wait()
		// Stop ticking before draining so nothing new reaches the pool.
		_ = sup.Stop(context.Background())

		if n := s.failQueued(ErrStopped); n > 0 {
			s.log.Info("delivery stopped with queued requests", logx.Int("failed", n))
		}
		workers.Wait()
		sendCancel()

		s.mu.Lock()
		s.sup = nil
		s.workers = nil
		s.sendCtx, s.sendCancel = nil, nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		sendCancel()
	}
}

// Submit enqueues r behind earlier requests for the same recipient.
func (s *Scheduler) Submit(ctx context.Context, r Request) (*Pending, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	maxLen := s.cfg.MaxQueueLen
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Kind == KindEdit && r.Target.ChatID == 0 {
		r.Target = kit.ChatTarget{ChatID: r.Ref.ChatID, ThreadID: r.Ref.ThreadID}
	}
	p := newPending(r.ID)
	key := r.recipient()

	for {
		s.qmu.RLock()
		q, ok := s.queues[key]
		if ok {
			now := s.now()
			q.mu.Lock()
			if maxLen > 0 && len(q.items) >= maxLen {
				q.mu.Unlock()
				s.qmu.RUnlock()
				s.rejected.Add(1)
				return nil, ErrQueueFull
			}
			q.items = append(q.items, &item{req: r, enq: now, seq: s.seq.Add(1), pending: p})
			q.lastEnqueue = now
			q.mu.Unlock()
			s.qmu.RUnlock()
			break
		}
		s.qmu.RUnlock()

		s.qmu.Lock()
		if _, ok := s.queues[key]; !ok {
			s.queues[key] = &queue{chatID: key, lastEnqueue: s.now()}
		}
		s.qmu.Unlock()
	}

	s.submitted.Add(1)
	s.dirty.Store(true)
	return p, nil
}

// Do submits r and waits for its result.
func (s *Scheduler) Do(ctx context.Context, r Request) (Result, error) {
	p, err := s.Submit(ctx, r)
	if err != nil {
		return Result{RequestID: r.ID}, err
	}
	return p.Wait(ctx)
}

// tick runs one scheduling round at now.
func (s *Scheduler) tick(now time.Time) {
	if !s.dirty.Swap(false) {
		return
	}
	cfg := s.config()

	var (
		best *queue
		head *item
		live int
	)
	s.qmu.Lock()
	for key, q := range s.queues {
		q.mu.Lock()
		switch q.classifyLocked(now, cfg.MinInterval, cfg.InactiveAfter) {
		case stateIdleExpired:
			delete(s.queues, key)
			s.evicted.Add(1)
			q.mu.Unlock()
			continue
		case stateReady:
			h := q.items[0]
			if head == nil || h.enq.Before(head.enq) || (h.enq.Equal(head.enq) && h.seq < head.seq) {
				best, head = q, h
			}
		}
		live++
		q.mu.Unlock()
	}
	if best != nil {
		best.mu.Lock()
		best.items[0] = nil
		best.items = best.items[1:]
		best.lastSend = now
		best.inFlight = true
		best.mu.Unlock()
	}
	s.qmu.Unlock()

	// Idle queues stay armed so they can expire.
	if live > 0 {
		s.dirty.Store(true)
	}
	if best != nil {
		s.hand(best, head)
	}
}

func (s *Scheduler) hand(q *queue, it *item) {
	s.mu.Lock()
	workers := s.workers
	ctx := s.sendCtx
	s.mu.Unlock()
	if workers == nil {
		s.finish(q, it, Result{Err: ErrStopped})
		return
	}
	s.inFlight.Add(1)
	workers.Go(func() {
		defer s.inFlight.Add(-1)
		res := s.attempt(ctx, it)
		if res.Err != nil && s.requeue(ctx, q, it) {
			return
		}
		s.finish(q, it, res)
	})
}

func (s *Scheduler) finish(q *queue, it *item, res Result) {
	q.mu.Lock()
	q.inFlight = false
	q.mu.Unlock()
	s.dirty.Store(true)

	ev := DeliveryEvent{RequestID: it.req.ID, ChatID: q.chatID, Kind: it.req.Kind.String(), Attempts: res.Attempts, At: time.Now()}
	typ := "delivery.sent"
	if res.Err != nil {
		s.failed.Add(1)
		ev.Error = res.Err.Error()
		typ = "delivery.failed"
		fields := []logx.Field{logx.Int64("chat_id", q.chatID), logx.String("kind", ev.Kind), logx.Int("attempts", res.Attempts), logx.Err(res.Err)}
		if it.req.Quiet {
			s.log.Debug("delivery failed", fields...)
		} else {
			s.log.Warn("delivery failed", fields...)
		}
	} else {
		s.sent.Add(1)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
	it.complete(res)
}

// attempt makes one platform call for it.
func (s *Scheduler) attempt(ctx context.Context, it *item) Result {
	cfg := s.config()
	it.attempts++
	res := Result{Attempts: it.attempts}

	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	r := it.req
	switch r.Kind {
	case KindEdit:
		res.Err = s.deliverer.Edit(cctx, r.Ref, r.Content)
		if res.Err == nil {
			res.Sent = kit.Sent{Main: r.Ref}
		}
	default:
		res.Sent, res.Err = s.deliverer.Send(cctx, r.Target, r.Content)
	}
	return res
}

// requeue puts a failed item back at the head of its queue so the retry
// competes in a later tick like any other request. The queue's lastSend is
// the failed attempt, so the minimum interval applies; notBefore adds the
// backoff delay on top. It reports false when the item must fail instead.
func (s *Scheduler) requeue(ctx context.Context, q *queue, it *item) bool {
	cfg := s.config()
	if it.attempts > cfg.RetryMax || ctx.Err() != nil {
		return false
	}
	if it.retry == nil {
		it.retry = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(cfg.RetryBase),
			backoff.WithMaxInterval(cfg.RetryMaxDelay),
			backoff.WithMaxElapsedTime(0),
		)
	}
	delay := it.retry.NextBackOff()
	if delay == backoff.Stop {
		return false
	}

	// Stop fails queued items after intake closes; a retry must not slip in
	// behind that sweep.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return false
	}
	q.mu.Lock()
	it.notBefore = s.now().Add(delay)
	q.items = append([]*item{it}, q.items...)
	q.inFlight = false
	q.mu.Unlock()

	s.retried.Add(1)
	s.dirty.Store(true)
	s.log.Debug("delivery retry scheduled", logx.Int64("chat_id", q.chatID), logx.Int("attempt", it.attempts), logx.Duration("delay", delay))
	return true
}

// failQueued completes every queued request with err and drops all queues.
func (s *Scheduler) failQueued(err error) int {
	s.qmu.Lock()
	var items []*item
	for key, q := range s.queues {
		q.mu.Lock()
		items = append(items, q.items...)
		q.items = nil
		busy := q.inFlight
		q.mu.Unlock()
		if !busy {
			delete(s.queues, key)
		}
	}
	s.qmu.Unlock()
	for _, it := range items {
		s.failed.Add(1)
		it.complete(Result{Err: err})
	}
	return len(items)
}

func (s *Scheduler) Snapshot() Stats {
	st := Stats{
		Submitted: s.submitted.Load(),
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Rejected:  s.rejected.Load(),
		Evicted:   s.evicted.Load(),
		InFlight:  int(s.inFlight.Load()),
	}
	s.qmu.RLock()
	st.Queues = len(s.queues)
	for _, q := range s.queues {
		q.mu.Lock()
		st.Pending += len(q.items)
		q.mu.Unlock()
	}
	s.qmu.RUnlock()
	return st
}
