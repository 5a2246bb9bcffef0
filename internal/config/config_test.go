package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "file-token"
logging:
  level: debug
  console: true
delivery:
  min_interval: 1s
  workers: 3
tracker:
  driver: redis
  redis:
    addr: 127.0.0.1:6379
subscribers:
  source: file
  path: ./subscribers.yaml
render:
  show_stickers: true
  species_names:
    "25": Pikachu
webhook:
  enabled: true
  addr: ":4000"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParseYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnvLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || cfg.Delivery.Workers != 3 || cfg.Tracker.Driver != "redis" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Render.SpeciesNames["25"] != "Pikachu" || !cfg.Render.ShowStickers {
		t.Fatalf("render section: %+v", cfg.Render)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
}

func TestDecodeYAMLKeys(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte("render:\n  species_names:\n    150: Mewtwo\n    007: Squirtle\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Render.SpeciesNames["150"] != "Mewtwo" || cfg.Render.SpeciesNames["007"] != "Squirtle" {
		t.Fatalf("numeric keys must keep their text: %v", cfg.Render.SpeciesNames)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name, path, body, want string
	}{
		{"unknown field", "c.yaml", "delivery:\n  speed: 9\n", "speed"},
		{"duplicate key", "c.yaml", "logging:\n  level: info\n  level: debug\n", `"level"`},
		{"trailing json", "c.json", `{"logging":{"level":"info"}} {}`, "trailing"},
		{"bad yaml", "c.yml", "logging: [\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.path, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v want %q", err, tt.want)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	if err != nil || cfg == nil {
		t.Fatalf("cfg=%v err=%v", cfg, err)
	}
}

func TestEnvOverridesToken(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	env := map[string]string{EnvTelegramToken: " env-token ", EnvWebhookSecret: "s3cret"}
	m.SetEnvLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Webhook.Secret != "s3cret" {
		t.Fatalf("env not applied: token=%q secret=%q", cfg.Telegram.Token, cfg.Webhook.Secret)
	}
	if cfg.Tracker.Redis.Password != "" {
		t.Fatalf("unset env must not override")
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"250ms", 250 * time.Millisecond, false},
		{" 1h ", time.Hour, false},
		{"3600", time.Hour, false},
		{"soon", 0, true},
		{"-1s", 0, true},
		{"-5", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("delivery.tick", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("%q: got %v err=%v", tt.raw, got, err)
		}
		if err != nil && !strings.Contains(err.Error(), "delivery.tick") {
			t.Fatalf("error should name the field: %v", err)
		}
	}
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
}

func TestDiff(t *testing.T) {
	a := &Config{}
	b := &Config{}
	b.Delivery.Workers = 8
	b.Webhook.Secret = "new"
	b.Telegram.Token = "rotated"
	b.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db"}

	ch := Diff(a, b)
	if got := ch.String(); got != "delivery,storage,telegram,webhook" {
		t.Fatalf("sections = %q", got)
	}
	if !ch.Has(SectionWebhook) || ch.Has(SectionRender) {
		t.Fatalf("Has: %v", ch.Sections)
	}
	restart := ch.Restart()
	if len(restart) != 2 || restart[0] != SectionStorage || restart[1] != SectionTelegram {
		t.Fatalf("restart = %v", restart)
	}
	if len(ch.Fields) == 0 {
		t.Fatalf("expected log fields")
	}
	if !Diff(b, b).Empty() {
		t.Fatalf("identical configs reported changes")
	}
	if !Diff(nil, &Config{Storage: &StorageConfig{}}).Empty() {
		t.Fatalf("nil and empty storage are the same")
	}
}

func TestSectionRestartClass(t *testing.T) {
	live := []Section{SectionDelivery, SectionDispatch, SectionLogging, SectionRender, SectionRetention, SectionWebhook}
	for _, s := range live {
		if s.NeedsRestart() {
			t.Fatalf("%s should apply live", s)
		}
	}
	for _, s := range []Section{SectionStorage, SectionSubscribers, SectionTelegram, SectionTracker} {
		if !s.NeedsRestart() {
			t.Fatalf("%s should need a restart", s)
		}
	}
}

func TestReload(t *testing.T) {
	path := writeFile(t, "config.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	m.SetEnvLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	rejected := errors.New("workers")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Delivery.Workers < 0 {
			return rejected
		}
		return nil
	})
	sub, unsub := m.Subscribe(1)
	defer unsub()
	ctx := context.Background()

	if ch, err := m.Reload(ctx); err != nil || !ch.Empty() {
		t.Fatalf("unchanged reload: ch=%v err=%v", ch, err)
	}

	if err := os.WriteFile(path, []byte("delivery:\n  workers: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); !errors.Is(err, rejected) {
		t.Fatalf("err=%v want validator error", err)
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}

	for _, lvl := range []string{"debug", "warn"} {
		if err := os.WriteFile(path, []byte("logging:\n  level: "+lvl+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		ch, err := m.Reload(ctx)
		if err != nil || !ch.Has(SectionLogging) {
			t.Fatalf("reload %s: ch=%v err=%v", lvl, ch, err)
		}
	}
	// Buffer of one: the subscriber sees only the latest version.
	if cfg := <-sub; cfg.Logging.Level != "warn" {
		t.Fatalf("published level=%q", cfg.Logging.Level)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("stale version queued: %q", cfg.Logging.Level)
	default:
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	m := NewManager("unused.yaml")
	sub, unsub := m.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-sub; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	m.SetEnvLookup(noEnv)
	m.settle = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub, unsub := m.Subscribe(4)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published config level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("published config was not committed")
	}
}
