package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	logx "pogobot/pkg/logx"
)

// Manager owns the config file. Watch turns file edits into validated
// reloads; subscribers receive every committed version.
type Manager struct {
	path      string
	lookupEnv func(string) (string, bool)
	log       logx.Logger
	validate  func(ctx context.Context, cfg *Config) error
	// settle is how long the file must stay quiet before a reload.
	settle time.Duration

	mu  sync.RWMutex
	cfg *Config

	// reloadMu serialises Reload so two edits never commit out of order.
	reloadMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:      path,
		lookupEnv: os.LookupEnv,
		log:       logx.Nop(),
		settle:    250 * time.Millisecond,
		subs:      map[chan *Config]struct{}{},
	}
}

func (m *Manager) Path() string { return m.path }

// SetEnvLookup replaces the environment source; nil disables overrides.
func (m *Manager) SetEnvLookup(fn func(string) (string, bool)) { m.lookupEnv = fn }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the check a reloaded config must pass before it is
// committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file and applies environment overrides without
// committing.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, m.lookupEnv)
	return cfg, nil
}

// Load parses and commits the startup config. It does not publish.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. An unchanged document returns an empty Change
// and publishes nothing. A changed one is validated, committed and
// published; sections that only apply on restart are logged as such.
func (m *Manager) Reload(ctx context.Context) (Change, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return Change{}, err
	}
	ch := Diff(m.Get(), cfg)
	if ch.Empty() {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return ch, nil
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			return Change{}, fmt.Errorf("config rejected: %w", err)
		}
	}
	for _, s := range ch.Restart() {
		m.log.Warn("config section changed; restart required", logx.String("section", string(s)))
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.publish(cfg)
	m.log.Info("config reloaded", append([]logx.Field{logx.String("changed", ch.String())}, ch.Fields...)...)
	return ch, nil
}

// Subscribe returns a channel of committed configs. A slow subscriber only
// ever misses intermediate versions, never the latest one.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: discard the oldest queued version and try again.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watch reloads the config whenever its file changes, until ctx ends. The
// watcher is recreated with backoff if fsnotify gives up.
func (m *Manager) Watch(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		err := m.watch(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		m.log.Warn("config watcher stopped; restarting", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watch runs one fsnotify watcher on the config directory. Editors often
// replace the file, so the directory is watched and events are matched by
// name. healthy is called once the watch is in place.
func (m *Manager) watch(ctx context.Context, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	settle := time.NewTimer(m.settle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				settle.Reset(m.settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.String("dir", dir))
				settle.Reset(m.settle)
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		case <-settle.C:
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed; keeping current", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}
