package config

import "strings"

// Environment overrides. Secrets are usually provided this way (or via a
// .env file) instead of being written into the config file.
const (
	EnvTelegramToken = "POGOBOT_TELEGRAM_TOKEN"
	EnvRedisPassword = "POGOBOT_REDIS_PASSWORD"
	EnvWebhookSecret = "POGOBOT_WEBHOOK_SECRET"
)

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvRedisPassword); ok && v != "" {
		cfg.Tracker.Redis.Password = v
	}
	if v, ok := lookup(EnvWebhookSecret); ok && v != "" {
		cfg.Webhook.Secret = v
	}
}
