package app

import (
	"fmt"
	"strings"
	"time"

	"pogobot/internal/config"
	"pogobot/internal/delivery"
	"pogobot/internal/dispatch"
	"pogobot/internal/render"
	"pogobot/internal/retention"
	"pogobot/internal/storage"
	"pogobot/internal/tracker"
	telegram "pogobot/internal/transport/telegram/adapter"
	"pogobot/internal/webhook"
	logx "pogobot/pkg/logx"
)

type Config = config.Config

// ParseConfig reads path with environment overrides and runs ValidateConfig.
func ParseConfig(path string) (*Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

const (
	trackerMemory  = "memory"
	trackerStorage = "storage"
	trackerRedis   = "redis"

	subscribersFile    = "file"
	subscribersStorage = "storage"
)

func mapTelegramConfig(cfg *Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		URL:     strings.TrimSpace(cfg.Telegram.APIURL),
		Timeout: timeout,
	}, nil
}

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapDeliveryConfig(cfg *Config) (delivery.Config, error) {
	dc := cfg.Delivery
	if dc.Workers < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.workers must be >= 0")
	}
	if dc.MaxQueueLen < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.max_queue_len must be >= 0")
	}
	if dc.RetryMax < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.retry_max must be >= 0")
	}
	out := delivery.Config{
		Workers:     dc.Workers,
		MaxQueueLen: dc.MaxQueueLen,
		RetryMax:    dc.RetryMax,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.tick", dc.Tick, &out.Tick},
		{"delivery.min_interval", dc.MinInterval, &out.MinInterval},
		{"delivery.inactive_after", dc.InactiveAfter, &out.InactiveAfter},
		{"delivery.send_timeout", dc.SendTimeout, &out.SendTimeout},
		{"delivery.retry_base", dc.RetryBase, &out.RetryBase},
		{"delivery.retry_max_delay", dc.RetryMaxDelay, &out.RetryMaxDelay},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return delivery.Config{}, err
		}
		*d.dst = v
	}
	if out.InactiveAfter > 0 && out.MinInterval > 0 && out.InactiveAfter < out.MinInterval {
		return delivery.Config{}, fmt.Errorf("delivery.inactive_after must not be shorter than delivery.min_interval")
	}
	return out, nil
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	if cfg.Dispatch.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if cfg.Dispatch.QueueSize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	wait, err := config.ParseDurationField("dispatch.wait_timeout", cfg.Dispatch.WaitTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{Workers: cfg.Dispatch.Workers, QueueSize: cfg.Dispatch.QueueSize, WaitTimeout: wait}, nil
}

// mapStorageConfig reports enabled=false for a missing section or a
// disabled driver.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	out := storage.Config{Driver: storage.NormalizeDriver(sc.Driver), Path: strings.TrimSpace(sc.Path)}
	switch out.Driver {
	case "":
		return storage.Config{}, false, nil
	case storage.DriverFile, storage.DriverSQLite:
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	if out.Path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", out.Driver)
	}
	if out.Driver == storage.DriverSQLite {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	} else if strings.TrimSpace(sc.BusyTimeout) != "" {
		return storage.Config{}, false, fmt.Errorf("storage.busy_timeout only applies to storage.driver=sqlite")
	}
	return out, true, nil
}

func trackerDriver(cfg *Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Tracker.Driver))
	if d == "" {
		return trackerMemory
	}
	return d
}

func mapTrackerConfig(cfg *Config) (string, tracker.RedisOptions, error) {
	driver := trackerDriver(cfg)
	switch driver {
	case trackerMemory:
		return driver, tracker.RedisOptions{}, nil
	case trackerStorage:
		if _, enabled, err := mapStorageConfig(cfg); err != nil {
			return "", tracker.RedisOptions{}, err
		} else if !enabled {
			return "", tracker.RedisOptions{}, fmt.Errorf("tracker.driver=storage requires a storage section")
		}
		return driver, tracker.RedisOptions{}, nil
	case trackerRedis:
		rc := cfg.Tracker.Redis
		if strings.TrimSpace(rc.Addr) == "" {
			return "", tracker.RedisOptions{}, fmt.Errorf("tracker.redis.addr is required when tracker.driver=redis")
		}
		if rc.DB < 0 {
			return "", tracker.RedisOptions{}, fmt.Errorf("tracker.redis.db must be >= 0")
		}
		ttl, err := config.ParseDurationField("tracker.redis.sighting_ttl", rc.SightingTTL)
		if err != nil {
			return "", tracker.RedisOptions{}, err
		}
		grace, err := config.ParseDurationField("tracker.redis.raid_grace", rc.RaidGrace)
		if err != nil {
			return "", tracker.RedisOptions{}, err
		}
		return driver, tracker.RedisOptions{
			Addr:        strings.TrimSpace(rc.Addr),
			Password:    rc.Password,
			DB:          rc.DB,
			KeyPrefix:   strings.TrimSpace(rc.KeyPrefix),
			SightingTTL: ttl,
			RaidGrace:   grace,
		}, nil
	default:
		return "", tracker.RedisOptions{}, fmt.Errorf("unknown tracker.driver: %s", cfg.Tracker.Driver)
	}
}

// mapSubscribersConfig returns the source and, for "file", the document path.
func mapSubscribersConfig(cfg *Config) (string, string, error) {
	src := strings.ToLower(strings.TrimSpace(cfg.Subscribers.Source))
	if src == "" {
		src = subscribersFile
	}
	switch src {
	case subscribersFile:
		path := strings.TrimSpace(cfg.Subscribers.Path)
		if path == "" {
			return "", "", fmt.Errorf("subscribers.path is required when subscribers.source=file")
		}
		return src, path, nil
	case subscribersStorage:
		sc, enabled, err := mapStorageConfig(cfg)
		if err != nil {
			return "", "", err
		}
		if !enabled || sc.Driver != storage.DriverSQLite {
			return "", "", fmt.Errorf("subscribers.source=storage requires storage.driver=sqlite")
		}
		return src, "", nil
	default:
		return "", "", fmt.Errorf("unknown subscribers.source: %s", cfg.Subscribers.Source)
	}
}

func mapRetentionConfig(cfg *Config) (retention.Config, error) {
	rc := cfg.Retention
	ttl, err := config.ParseDurationField("retention.sighting_ttl", rc.SightingTTL)
	if err != nil {
		return retention.Config{}, err
	}
	grace, err := config.ParseDurationField("retention.raid_grace", rc.RaidGrace)
	if err != nil {
		return retention.Config{}, err
	}
	out := retention.Config{
		Enabled:     rc.Enabled,
		Schedule:    strings.TrimSpace(rc.Schedule),
		Timezone:    strings.TrimSpace(rc.Timezone),
		SightingTTL: ttl,
		RaidGrace:   grace,
	}
	if err := retention.Validate(out); err != nil {
		return retention.Config{}, err
	}
	return out, nil
}

func mapRenderConfig(cfg *Config) (render.Config, error) {
	rc := cfg.Render
	names, err := render.ParseIDMap(rc.SpeciesNames)
	if err != nil {
		return render.Config{}, fmt.Errorf("render.species_names: %w", err)
	}
	stickers, err := render.ParseIDMap(rc.Stickers)
	if err != nil {
		return render.Config{}, fmt.Errorf("render.stickers: %w", err)
	}
	eggs, err := render.ParseIDMap(rc.EggStickers)
	if err != nil {
		return render.Config{}, fmt.Errorf("render.egg_stickers: %w", err)
	}
	var loc *time.Location
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return render.Config{}, fmt.Errorf("render.timezone: invalid %q: %w", tz, err)
		}
	}
	mapURL := strings.TrimSpace(rc.MapURL)
	if mapURL != "" && strings.Count(mapURL, "%") < 2 {
		return render.Config{}, fmt.Errorf("render.map_url must contain two format verbs for latitude and longitude")
	}
	return render.Config{
		ShowStickers:     rc.ShowStickers,
		ShowLocation:     rc.ShowLocation,
		WebPreview:       rc.EnableWebPagePreview,
		ShowRaidStickers: rc.ShowRaidStickers,
		ShowRaidLocation: rc.ShowRaidLocation,
		RaidWebPreview:   rc.EnableRaidWebPagePreview,
		SpeciesNames:     names,
		Stickers:         stickers,
		EggStickers:      eggs,
		MapURL:           mapURL,
		Location:         loc,
	}, nil
}

func mapWebhookConfig(cfg *Config) (webhook.Config, bool, error) {
	wc := cfg.Webhook
	if wc.RatePerSec < 0 || wc.Burst < 0 {
		return webhook.Config{}, false, fmt.Errorf("webhook.rate_per_sec and webhook.burst must be >= 0")
	}
	if wc.MaxBody < 0 {
		return webhook.Config{}, false, fmt.Errorf("webhook.max_body_bytes must be >= 0")
	}
	return webhook.Config{
		Addr:       strings.TrimSpace(wc.Addr),
		Path:       strings.TrimSpace(wc.Path),
		Secret:     wc.Secret,
		RatePerSec: wc.RatePerSec,
		Burst:      wc.Burst,
		MaxBody:    wc.MaxBody,
		Profiling:  wc.Profiling,
	}, wc.Enabled, nil
}

// ValidateConfig runs every section mapper. It is the hot-reload validator
// and backs the validate command.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if !cfg.Telegram.DryRun && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required unless telegram.dry_run is set")
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return fmt.Errorf("logging.telegram.chat_id is required when logging.telegram.enabled")
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTrackerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSubscribersConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRenderConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapWebhookConfig(cfg); err != nil {
		return err
	}
	return nil
}
