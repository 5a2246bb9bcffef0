package config

import (
	"reflect"
	"strings"

	logx "pogobot/pkg/logx"
)

// Section names one top-level config block.
type Section string

const (
	SectionDelivery    Section = "delivery"
	SectionDispatch    Section = "dispatch"
	SectionLogging     Section = "logging"
	SectionRender      Section = "render"
	SectionRetention   Section = "retention"
	SectionStorage     Section = "storage"
	SectionSubscribers Section = "subscribers"
	SectionTelegram    Section = "telegram"
	SectionTracker     Section = "tracker"
	SectionWebhook     Section = "webhook"
)

type sectionSpec struct {
	name Section
	// restart marks sections read once at startup: they own open
	// connections or the bot session.
	restart bool
	get     func(*Config) any
	// fields describe the new value for logs; secrets are reported as
	// set/changed only.
	fields func(old, cur *Config) []logx.Field
}

// sectionSpecs is ordered by name so Change.Sections comes out sorted.
var sectionSpecs = []sectionSpec{
	{
		name: SectionDelivery,
		get:  func(c *Config) any { return c.Delivery },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{
				logx.String("delivery.min_interval", strings.TrimSpace(c.Delivery.MinInterval)),
				logx.Int("delivery.workers", c.Delivery.Workers),
				logx.Int("delivery.retry_max", c.Delivery.RetryMax),
			}
		},
	},
	{
		name: SectionDispatch,
		get:  func(c *Config) any { return c.Dispatch },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{
				logx.Int("dispatch.workers", c.Dispatch.Workers),
				logx.String("dispatch.wait_timeout", strings.TrimSpace(c.Dispatch.WaitTimeout)),
			}
		},
	},
	{
		name: SectionLogging,
		get:  func(c *Config) any { return c.Logging },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", c.Logging.Level),
				logx.Bool("logging.telegram", c.Logging.Telegram.Enabled),
			}
		},
	},
	{
		name: SectionRender,
		get:  func(c *Config) any { return c.Render },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{logx.Int("render.species_names", len(c.Render.SpeciesNames))}
		},
	},
	{
		name: SectionRetention,
		get:  func(c *Config) any { return c.Retention },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("retention.enabled", c.Retention.Enabled),
				logx.String("retention.schedule", strings.TrimSpace(c.Retention.Schedule)),
			}
		},
	},
	{
		name:    SectionStorage,
		restart: true,
		get: func(c *Config) any {
			if c.Storage == nil {
				return StorageConfig{}
			}
			return *c.Storage
		},
		fields: func(_, c *Config) []logx.Field {
			if c.Storage == nil {
				return []logx.Field{logx.String("storage.driver", "")}
			}
			return []logx.Field{logx.String("storage.driver", c.Storage.Driver)}
		},
	},
	{
		name:    SectionSubscribers,
		restart: true,
		get:     func(c *Config) any { return c.Subscribers },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{logx.String("subscribers.source", c.Subscribers.Source)}
		},
	},
	{
		name:    SectionTelegram,
		restart: true,
		get:     func(c *Config) any { return c.Telegram },
		fields: func(o, c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("telegram.token_changed", o.Telegram.Token != c.Telegram.Token),
				logx.Bool("telegram.dry_run", c.Telegram.DryRun),
			}
		},
	},
	{
		name:    SectionTracker,
		restart: true,
		get:     func(c *Config) any { return c.Tracker },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{logx.String("tracker.driver", c.Tracker.Driver)}
		},
	},
	{
		name: SectionWebhook,
		get:  func(c *Config) any { return c.Webhook },
		fields: func(_, c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("webhook.enabled", c.Webhook.Enabled),
				logx.String("webhook.addr", c.Webhook.Addr),
				logx.Bool("webhook.secret_set", c.Webhook.Secret != ""),
			}
		},
	},
}

// NeedsRestart reports whether changes to s only apply after a restart.
func (s Section) NeedsRestart() bool {
	for _, sp := range sectionSpecs {
		if sp.name == s {
			return sp.restart
		}
	}
	return false
}

// Change lists the sections that differ between two configs.
type Change struct {
	Sections []Section
	Fields   []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(s Section) bool {
	for _, x := range c.Sections {
		if x == s {
			return true
		}
	}
	return false
}

// Restart returns the changed sections that are not applied live.
func (c Change) Restart() []Section {
	var out []Section
	for _, s := range c.Sections {
		if s.NeedsRestart() {
			out = append(out, s)
		}
	}
	return out
}

func (c Change) String() string {
	names := make([]string, len(c.Sections))
	for i, s := range c.Sections {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}

// Diff compares two configs section by section. nil counts as empty.
func Diff(old, cur *Config) Change {
	if old == nil {
		old = &Config{}
	}
	if cur == nil {
		cur = &Config{}
	}
	var ch Change
	for _, sp := range sectionSpecs {
		if reflect.DeepEqual(sp.get(old), sp.get(cur)) {
			continue
		}
		ch.Sections = append(ch.Sections, sp.name)
		ch.Fields = append(ch.Fields, sp.fields(old, cur)...)
	}
	return ch
}
