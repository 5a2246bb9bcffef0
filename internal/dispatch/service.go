package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"pogobot/internal/eventbus"
	"pogobot/internal/model"
	rtsup "pogobot/internal/runtime/supervisor"
	logx "pogobot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch stopped")
)

type Config struct {
	Workers   int
	QueueSize int

	// WaitTimeout bounds each delivery result wait; 0 = until shutdown.
	WaitTimeout time.Duration
}

type job struct {
	sighting *model.Sighting
	raid     *model.RaidEvent
	queuedAt time.Time
}

func (j job) key() string {
	if j.raid != nil {
		return "raid:" + j.raid.GymID
	}
	return "sighting:" + j.sighting.EncounterID
}

// ServiceStats is served by /stats.
type ServiceStats struct {
	Queued    int    `json:"queued"`
	Accepted  uint64 `json:"accepted"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Totals    Totals `json:"totals"`
}

// Service is the async ingestion front of the coordinator: Submit calls
// return after enqueueing and failures are only logged. Jobs are sharded by
// gym or encounter so updates of one event are handled in arrival order.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	coord *Coordinator
	cfg   Config

	accepting bool
	sendWG    sync.WaitGroup
	queues    []chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	accepted  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
}

func NewService(cfg Config, coord *Coordinator, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, coord: coord}
	s.applyLocked(cfg)
	return s
}

// Apply takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WaitTimeout < 0 {
		cfg.WaitTimeout = 0
	}
	s.cfg = cfg
	if s.coord != nil {
		s.coord.SetWaitTimeout(cfg.WaitTimeout)
	}
}

func (s *Service) Coordinator() *Coordinator { return s.coord }

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Start(ctx context.Context) {
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
	if s.queues != nil {
		s.mu.Unlock()
		return
	}

	per := s.cfg.QueueSize / s.cfg.Workers
	if per < 1 {
		per = 1
	}
	s.queues = make([]chan job, s.cfg.Workers)
	for i := range s.queues {
		s.queues[i] = make(chan job, per)
	}
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queues := s.queues
	s.mu.Unlock()

	for i, q := range queues {
		q := q
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains queued jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	queues := s.queues
	sup := s.sup
	if queues == nil {
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
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queues = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) SubmitSighting(ctx context.Context, sg model.Sighting) error {
	return s.enqueue(ctx, job{sighting: &sg})
}

func (s *Service) SubmitRaidEvent(ctx context.Context, e model.RaidEvent) error {
	return s.enqueue(ctx, job{raid: &e})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	queues := s.queues
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	h := fnv.New32a()
	_, _ = h.Write([]byte(j.key()))
	q := queues[int(h.Sum32()%uint32(len(queues)))]

	j.queuedAt = time.Now()
	select {
	case q <- j:
		s.accepted.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "dispatch.dropped", Data: j.key()})
		}
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.handle(ctx, j)
		}
	}
}

func (s *Service) handle(ctx context.Context, j job) {
	defer s.processed.Add(1)
	var err error
	if j.raid != nil {
		_, err = s.coord.HandleRaid(ctx, *j.raid)
	} else {
		_, err = s.coord.HandleSighting(ctx, *j.sighting)
	}
	if err != nil {
		logRecipientError(s.log, "dispatch failed", err, logx.String("key", j.key()), logx.Duration("queued", time.Since(j.queuedAt)))
	}
}

func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		Accepted:  s.accepted.Load(),
		Dropped:   s.dropped.Load(),
		Processed: s.processed.Load(),
		Totals:    s.coord.Totals(),
	}
	s.mu.Lock()
	for _, q := range s.queues {
		st.Queued += len(q)
	}
	s.mu.Unlock()
	return st
}
