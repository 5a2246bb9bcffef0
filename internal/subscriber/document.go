package subscriber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	yaml "go.yaml.in/yaml/v3"

	"pogobot/internal/geo"
	"pogobot/internal/model"
)

// Document is the on-disk form of the subscriber set (subscribers.yaml).
type Document struct {
	Filters []FilterRecord `yaml:"filters"`
	Users   []UserRecord   `yaml:"users"`
	Groups  []GroupRecord  `yaml:"groups"`
}

type GeofenceRecord struct {
	Name     string      `json:"name" yaml:"name"`
	Category string      `json:"category" yaml:"category"`
	Polygon  []geo.Point `json:"polygon" yaml:"polygon"`
}

// FilterRecord is the serialisable form of model.Filter. It is also the JSON
// body stored by database backends.
type FilterRecord struct {
	ID            int64            `json:"id" yaml:"id"`
	Species       []int            `json:"species,omitempty" yaml:"species"`
	RaidSpecies   []int            `json:"raid_species,omitempty" yaml:"raid_species"`
	RaidLevel     *int             `json:"raid_level,omitempty" yaml:"raid_level"`
	MinIV         *float64         `json:"min_iv,omitempty" yaml:"min_iv"`
	MaxIV         *float64         `json:"max_iv,omitempty" yaml:"max_iv"`
	OnlyWithIV    bool             `json:"only_with_iv,omitempty" yaml:"only_with_iv"`
	RadiusPokemon *float64         `json:"radius_pokemon,omitempty" yaml:"radius_pokemon"`
	RadiusIV      *float64         `json:"radius_iv,omitempty" yaml:"radius_iv"`
	RadiusRaids   *float64         `json:"radius_raids,omitempty" yaml:"radius_raids"`
	Latitude      *float64         `json:"latitude,omitempty" yaml:"latitude"`
	Longitude     *float64         `json:"longitude,omitempty" yaml:"longitude"`
	Geofences     []GeofenceRecord `json:"geofences,omitempty" yaml:"geofences"`
}

type UserRecord struct {
	TelegramID          int64  `yaml:"telegram_id"`
	ChatID              *int64 `yaml:"chat_id"`
	Name                string `yaml:"name"`
	ShowPokemonMessages bool   `yaml:"show_pokemon_messages"`
	ShowRaidMessages    bool   `yaml:"show_raid_messages"`
	FilterID            int64  `yaml:"filter_id"`
}

type GroupRecord struct {
	ChatID   int64  `yaml:"chat_id"`
	Name     string `yaml:"name"`
	FilterID int64  `yaml:"filter_id"`
}

// FilterToRecord converts f into its serialisable form. Owner is not part of
// the record; it is derived from whoever references the filter.
func FilterToRecord(f model.Filter) FilterRecord {
	r := FilterRecord{
		ID:            f.ID,
		Species:       f.Species.Sorted(),
		RaidSpecies:   f.RaidSpecies.Sorted(),
		RaidLevel:     f.RaidLevel,
		MinIV:         f.MinIV,
		MaxIV:         f.MaxIV,
		OnlyWithIV:    f.OnlyWithIV,
		RadiusPokemon: f.RadiusPokemon,
		RadiusIV:      f.RadiusIV,
		RadiusRaids:   f.RadiusRaids,
		Latitude:      f.Latitude,
		Longitude:     f.Longitude,
	}
	for _, g := range f.Geofences {
		r.Geofences = append(r.Geofences, GeofenceRecord{Name: g.Name, Category: string(g.Category), Polygon: g.Polygon})
	}
	return r
}

// Filter validates the record and converts it.
func (r FilterRecord) Filter() (model.Filter, error) {
	f := model.Filter{
		ID:            r.ID,
		Species:       model.NewIDSet(r.Species...),
		RaidSpecies:   model.NewIDSet(r.RaidSpecies...),
		RaidLevel:     r.RaidLevel,
		MinIV:         r.MinIV,
		MaxIV:         r.MaxIV,
		OnlyWithIV:    r.OnlyWithIV,
		RadiusPokemon: r.RadiusPokemon,
		RadiusIV:      r.RadiusIV,
		RadiusRaids:   r.RadiusRaids,
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
	}
	if r.ID == 0 {
		return f, errors.New("filter id is required")
	}
	for name, v := range map[string]*float64{"min_iv": r.MinIV, "max_iv": r.MaxIV} {
		if v != nil && (*v < 0 || *v > 100) {
			return f, fmt.Errorf("filter %d: %s must be within 0..100", r.ID, name)
		}
	}
	if r.MinIV != nil && r.MaxIV != nil && *r.MinIV > *r.MaxIV {
		return f, fmt.Errorf("filter %d: min_iv > max_iv", r.ID)
	}
	for name, v := range map[string]*float64{"radius_pokemon": r.RadiusPokemon, "radius_iv": r.RadiusIV, "radius_raids": r.RadiusRaids} {
		if v != nil && *v < 0 {
			return f, fmt.Errorf("filter %d: %s must be >= 0", r.ID, name)
		}
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return f, fmt.Errorf("filter %d: latitude and longitude must be set together", r.ID)
	}
	for i, g := range r.Geofences {
		cat := model.GeofenceCategory(g.Category)
		if !cat.Valid() {
			return f, fmt.Errorf("filter %d: geofence %d: unknown category %q", r.ID, i, g.Category)
		}
		if len(g.Polygon) < 3 {
			return f, fmt.Errorf("filter %d: geofence %d: polygon needs at least 3 points", r.ID, i)
		}
		f.Geofences = append(f.Geofences, model.Geofence{Name: g.Name, Category: cat, Polygon: geo.Polygon(g.Polygon)})
	}
	return f, nil
}

func (r UserRecord) User() model.User {
	return model.User{
		TelegramID:          r.TelegramID,
		ChatID:              r.ChatID,
		Name:                r.Name,
		ShowPokemonMessages: r.ShowPokemonMessages,
		ShowRaidMessages:    r.ShowRaidMessages,
		FilterID:            r.FilterID,
	}
}

func (r GroupRecord) Group() model.Group {
	return model.Group{ChatID: r.ChatID, Name: r.Name, FilterID: r.FilterID}
}

// DecodeDocument parses a YAML subscriber document. Unknown keys are rejected.
func DecodeDocument(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var d Document
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("subscribers: decode: %w", err)
	}
	return &d, nil
}

func LoadFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeDocument(bytes.NewReader(b))
}

// Resolve validates the document and returns the domain values. Every
// filter gets the owner that references it; a filter referenced by more than
// one owner, or an owner referencing an unknown filter, is an error.
func (d *Document) Resolve() ([]model.Filter, []model.User, []model.Group, error) {
	byID := make(map[int64]*model.Filter, len(d.Filters))
	filters := make([]model.Filter, 0, len(d.Filters))
	for _, r := range d.Filters {
		f, err := r.Filter()
		if err != nil {
			return nil, nil, nil, err
		}
		if _, dup := byID[f.ID]; dup {
			return nil, nil, nil, fmt.Errorf("duplicate filter id %d", f.ID)
		}
		filters = append(filters, f)
		byID[f.ID] = &filters[len(filters)-1]
	}

	claim := func(filterID int64, owner model.Owner) error {
		f, ok := byID[filterID]
		if !ok {
			return fmt.Errorf("%s %d: unknown filter %d", owner.Kind, owner.ID, filterID)
		}
		if f.Owner.Kind != "" {
			return fmt.Errorf("filter %d is shared by %s %d and %s %d", filterID, f.Owner.Kind, f.Owner.ID, owner.Kind, owner.ID)
		}
		f.Owner = owner
		return nil
	}

	users := make([]model.User, 0, len(d.Users))
	seenUsers := map[int64]bool{}
	for _, r := range d.Users {
		if r.TelegramID == 0 {
			return nil, nil, nil, errors.New("user telegram_id is required")
		}
		if seenUsers[r.TelegramID] {
			return nil, nil, nil, fmt.Errorf("duplicate user %d", r.TelegramID)
		}
		seenUsers[r.TelegramID] = true
		if err := claim(r.FilterID, model.Owner{Kind: model.OwnerUser, ID: r.TelegramID}); err != nil {
			return nil, nil, nil, err
		}
		users = append(users, r.User())
	}

	groups := make([]model.Group, 0, len(d.Groups))
	seenGroups := map[int64]bool{}
	for _, r := range d.Groups {
		if r.ChatID == 0 {
			return nil, nil, nil, errors.New("group chat_id is required")
		}
		if seenGroups[r.ChatID] {
			return nil, nil, nil, fmt.Errorf("duplicate group %d", r.ChatID)
		}
		seenGroups[r.ChatID] = true
		if err := claim(r.FilterID, model.Owner{Kind: model.OwnerGroup, ID: r.ChatID}); err != nil {
			return nil, nil, nil, err
		}
		groups = append(groups, r.Group())
	}
	return filters, users, groups, nil
}

// OpenFile loads path into fresh in-memory repositories.
func OpenFile(path string) (Repositories, error) {
	d, err := LoadFile(path)
	if err != nil {
		return Repositories{}, err
	}
	repos := NewMemory()
	if err := Import(context.Background(), d, repos); err != nil {
		return Repositories{}, fmt.Errorf("subscribers %s: %w", path, err)
	}
	return repos, nil
}
