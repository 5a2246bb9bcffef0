package config

// Config is the whole runtime configuration. It is loaded once, validated,
// and handed down by value; hot reload publishes a fresh *Config.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Tracker     TrackerConfig     `json:"tracker"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Subscribers SubscribersConfig `json:"subscribers"`
	Retention   RetentionConfig   `json:"retention"`
	Render      RenderConfig      `json:"render"`
	Webhook     WebhookConfig     `json:"webhook"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL points at a self-hosted Bot API server. Empty uses the public one.
	APIURL string `json:"api_url,omitempty"`
	// Timeout bounds a single Bot API HTTP call.
	Timeout string `json:"timeout,omitempty"`
	// DryRun logs outgoing messages instead of sending them.
	DryRun bool `json:"dry_run,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DeliveryConfig controls the outbound scheduler.
//
// Defaults (when fields are omitted/zero):
//   - tick: "33ms"
//   - min_interval: "1s" (per recipient)
//   - inactive_after: "10m"
//   - workers: 4
//   - max_queue_len: 0 (unbounded)
//   - send_timeout: "15s"
//   - retry_max: 0 (no retry)
//   - retry_base: "500ms", retry_max_delay: "10s"
type DeliveryConfig struct {
	Tick          string `json:"tick,omitempty"`
	MinInterval   string `json:"min_interval,omitempty"`
	InactiveAfter string `json:"inactive_after,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	MaxQueueLen   int    `json:"max_queue_len,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// DispatchConfig controls event ingestion.
//
// Defaults: workers 2, queue_size 1024.
type DispatchConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// WaitTimeout bounds each delivery result wait, e.g. "2m". Empty = none.
	WaitTimeout string `json:"wait_timeout,omitempty"`
}

// TrackerConfig selects where dedup state lives.
//
// Driver values:
//   - "memory" (default)
//   - "storage": the configured storage backend
//   - "redis"
type TrackerConfig struct {
	Driver string      `json:"driver,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	SightingTTL string `json:"sighting_ttl,omitempty"`
	RaidGrace   string `json:"raid_grace,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pogobot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SubscribersConfig selects where users, groups and filters come from.
//
// Source values:
//   - "file" (default): a YAML document at path
//   - "storage": the sqlite storage backend
type SubscribersConfig struct {
	Source string `json:"source,omitempty"`
	Path   string `json:"path,omitempty"`
}

// RetentionConfig controls pruning of tracker records.
//
// Defaults: schedule "@every 10m", sighting_ttl "6h", raid_grace "15m".
type RetentionConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	SightingTTL string `json:"sighting_ttl,omitempty"`
	RaidGrace   string `json:"raid_grace,omitempty"`
}

// RenderConfig controls message composition.
type RenderConfig struct {
	ShowStickers             bool `json:"show_stickers"`
	ShowLocation             bool `json:"show_location"`
	EnableWebPagePreview     bool `json:"enable_web_page_preview"`
	ShowRaidStickers         bool `json:"show_raid_stickers"`
	ShowRaidLocation         bool `json:"show_raid_location"`
	EnableRaidWebPagePreview bool `json:"enable_raid_web_page_preview"`

	// SpeciesNames maps species id (as string) to display name.
	SpeciesNames map[string]string `json:"species_names,omitempty"`
	// Stickers maps species id to a sticker file id.
	Stickers map[string]string `json:"stickers,omitempty"`
	// EggStickers maps raid level to a sticker file id.
	EggStickers map[string]string `json:"egg_stickers,omitempty"`
	// MapURL is a fmt template receiving latitude and longitude.
	MapURL string `json:"map_url,omitempty"`
	// Timezone used for absolute times in messages.
	Timezone string `json:"timezone,omitempty"`
}

// WebhookConfig controls the HTTP ingestion endpoint.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":4000"
	Path    string `json:"path,omitempty"` // default "/webhook"
	// Secret, when set, must be sent in the X-Webhook-Secret header.
	Secret     string `json:"secret,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
	MaxBody    int64  `json:"max_body_bytes,omitempty"`
	// Profiling exposes pprof under /debug on the webhook listener.
	Profiling bool `json:"profiling,omitempty"`
}
