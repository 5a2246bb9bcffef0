// Package render turns sightings and raids into chat payloads.
package render

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pogobot/internal/match"
	"pogobot/internal/model"
	kit "pogobot/internal/transport"
)

const DefaultMapURL = "https://maps.google.com/maps?q=%.6f,%.6f"

type Config struct {
	ShowStickers     bool
	ShowLocation     bool
	WebPreview       bool
	ShowRaidStickers bool
	ShowRaidLocation bool
	RaidWebPreview   bool

	SpeciesNames map[int]string
	Stickers     map[int]string
	// EggStickers is keyed by raid level.
	EggStickers map[int]string
	MapURL      string
	Location    *time.Location
}

// ParseIDMap converts a config map keyed by decimal strings.
func ParseIDMap(in map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(in))
	for k, v := range in {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", k, err)
		}
		out[id] = v
	}
	return out, nil
}

type Renderer struct {
	mu  sync.RWMutex
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Renderer {
	r := &Renderer{now: time.Now}
	r.Apply(cfg)
	return r
}

func (r *Renderer) Apply(cfg Config) {
	if cfg.MapURL == "" {
		cfg.MapURL = DefaultMapURL
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Renderer) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (c Config) species(id int) string {
	if n, ok := c.SpeciesNames[id]; ok && n != "" {
		return n
	}
	return "#" + strconv.Itoa(id)
}

func (c Config) clock(t time.Time) string { return t.In(c.Location).Format("15:04") }

func (c Config) mapLink(lat, lon float64) string {
	return fmt.Sprintf(`<a href="%s">map</a>`, html.EscapeString(fmt.Sprintf(c.MapURL, lat, lon)))
}

// Sighting renders a wild sighting. The category marks why it matched.
func (r *Renderer) Sighting(s model.Sighting, cat match.Category) kit.Content {
	cfg := r.config()
	now := r.now()

	var b strings.Builder
	species := 0
	if s.SpeciesID != nil {
		species = *s.SpeciesID
	}
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(cfg.species(species)))
	b.WriteString("</b>")
	if iv, ok := s.IV(); ok {
		fmt.Fprintf(&b, " %.1f%% (%d/%d/%d)", iv, *s.Attack, *s.Defense, *s.Stamina)
	}
	if s.CP > 0 {
		fmt.Fprintf(&b, " CP %d", s.CP)
	}
	if s.Level > 0 {
		fmt.Fprintf(&b, " L%d", s.Level)
	}
	if cat == match.CategoryIV {
		b.WriteString(" ✨")
	}
	if s.DisappearTime != nil {
		fmt.Fprintf(&b, "\nuntil %s (%s)", cfg.clock(*s.DisappearTime), humanize.RelTime(*s.DisappearTime, now, "ago", "left"))
	}

	c := kit.Content{Options: kit.SendOptions{ParseMode: "HTML", DisablePreview: !cfg.WebPreview}}
	if p := s.Point(); p != nil {
		b.WriteString("\n")
		b.WriteString(cfg.mapLink(p.Lat, p.Lon))
		if cfg.ShowLocation {
			c.Location = &kit.Location{Lat: p.Lat, Lon: p.Lon}
		}
	}
	if cfg.ShowStickers {
		c.Sticker = cfg.Stickers[species]
	}
	c.Text = b.String()
	return c
}

// Raid renders a raid. Eggs and hatched bosses share the sticker slot so an
// edit after hatching only rewrites the text.
func (r *Renderer) Raid(e model.RaidEvent) kit.Content {
	cfg := r.config()
	now := r.now()

	var b strings.Builder
	gym := strings.TrimSpace(e.GymName)
	if gym == "" {
		gym = e.GymID
	}
	species, hatched := e.Boss.SpeciesID()
	if !hatched {
		fmt.Fprintf(&b, "🥚 Level %d egg at <b>%s</b>", e.Level, html.EscapeString(gym))
		if e.StartTime > 0 {
			start := time.Unix(e.StartTime, 0)
			fmt.Fprintf(&b, "\nhatches %s (%s)", cfg.clock(start), humanize.RelTime(start, now, "ago", "from now"))
		}
	} else {
		fmt.Fprintf(&b, "<b>%s</b> raid (level %d) at <b>%s</b>", html.EscapeString(cfg.species(species)), e.Level, html.EscapeString(gym))
		if e.CP > 0 {
			fmt.Fprintf(&b, "\nCP %d", e.CP)
		}
		if e.Move1 != "" || e.Move2 != "" {
			fmt.Fprintf(&b, "\nmoves: %s / %s", html.EscapeString(e.Move1), html.EscapeString(e.Move2))
		}
	}
	end := e.End()
	fmt.Fprintf(&b, "\nends %s (%s)", cfg.clock(end), humanize.RelTime(end, now, "ago", "left"))

	c := kit.Content{Options: kit.SendOptions{ParseMode: "HTML", DisablePreview: !cfg.RaidWebPreview}}
	if p := e.Point(); p != nil {
		b.WriteString("\n")
		b.WriteString(cfg.mapLink(p.Lat, p.Lon))
		if cfg.ShowRaidLocation {
			c.Location = &kit.Location{Lat: p.Lat, Lon: p.Lon}
		}
	}
	if cfg.ShowRaidStickers {
		if hatched {
			c.Sticker = cfg.Stickers[species]
		} else {
			c.Sticker = cfg.EggStickers[e.Level]
		}
	}
	c.Text = b.String()
	return c
}
