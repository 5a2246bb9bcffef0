// Package retention prunes old tracker records on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pogobot/internal/eventbus"
	"pogobot/internal/tracker"
	logx "pogobot/pkg/logx"
)

// EventPruned is published after every prune pass with tracker.PruneStats.
const EventPruned = "retention.pruned"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	// SightingTTL is how long a sighting record is kept after first seen.
	SightingTTL time.Duration
	// RaidGrace is how long a raid record is kept after its end time.
	RaidGrace time.Duration
}

// Parser accepts 5 or 6 field specs and descriptors such as "@every 10m".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule and timezone without starting anything.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := Parser.Parse(withDefaults(cfg).Schedule); err != nil {
		return fmt.Errorf("retention schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("retention timezone: %w", err)
		}
	}
	return nil
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.SightingTTL <= 0 {
		cfg.SightingTTL = 6 * time.Hour
	}
	if cfg.RaidGrace <= 0 {
		cfg.RaidGrace = 15 * time.Minute
	}
	return cfg
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	tracker tracker.Tracker
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	c      *cron.Cron
	runCtx context.Context
}

func New(cfg Config, t tracker.Tracker, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: withDefaults(cfg), tracker: t, log: log, bus: bus, now: time.Now}
}

// Apply restarts the cron when the schedule, timezone or enabled flag change.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	restart := s.runCtx != nil && (old.Enabled != cfg.Enabled || old.Schedule != cfg.Schedule || old.Timezone != cfg.Timezone)
	c := s.c
	if restart {
		s.c = nil
	}
	s.mu.Unlock()
	if !restart {
		return
	}
	// A running prune reads s.cfg, so wait for it without holding the lock.
	if c != nil {
		<-c.Stop().Done()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil || s.c != nil {
		return
	}
	if err := s.startLocked(); err != nil {
		s.log.Error("retention restart failed", logx.Err(err))
	}
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return nil
	}
	s.runCtx = ctx
	if err := s.startLocked(); err != nil {
		s.runCtx = nil
		return err
	}
	return nil
}

func (s *Service) startLocked() error {
	if !s.cfg.Enabled {
		s.log.Debug("retention disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("retention timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	ctx := s.runCtx
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("retention prune failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("retention schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("retention started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.runCtx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes immediately with the current settings.
func (s *Service) RunOnce(ctx context.Context) (tracker.PruneStats, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now()
	start := time.Now()
	st, err := s.tracker.Prune(ctx, tracker.PruneOptions{
		SightingsSeenBefore: now.Add(-cfg.SightingTTL),
		RaidsEndedBefore:    now.Add(-cfg.RaidGrace),
	})
	if err != nil {
		return st, err
	}
	if st.Sightings > 0 || st.Raids > 0 {
		s.log.Info("retention pruned", logx.Int("sightings", st.Sightings), logx.Int("raids", st.Raids), logx.Duration("took", time.Since(start)))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventPruned, Data: st})
	}
	return st, nil
}
