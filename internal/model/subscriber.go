package model

import (
	"sort"

	"pogobot/internal/geo"
	kit "pogobot/internal/transport"
)

// GeofenceCategory selects which match path a geofence belongs to.
type GeofenceCategory string

const (
	GeofencePokemon GeofenceCategory = "pokemon"
	GeofenceIV      GeofenceCategory = "iv"
	GeofenceRaid    GeofenceCategory = "raid"
)

func (c GeofenceCategory) Valid() bool {
	switch c {
	case GeofencePokemon, GeofenceIV, GeofenceRaid:
		return true
	}
	return false
}

type Geofence struct {
	Name     string           `json:"name" yaml:"name"`
	Category GeofenceCategory `json:"category" yaml:"category"`
	Polygon  geo.Polygon      `json:"polygon" yaml:"polygon"`
}

// IDSet is a set of species ids.
type IDSet map[int]struct{}

func NewIDSet(ids ...int) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

type OwnerKind string

const (
	OwnerUser  OwnerKind = "user"
	OwnerGroup OwnerKind = "group"
)

// Owner is the single user or group a filter belongs to.
type Owner struct {
	Kind OwnerKind
	ID   int64
}

// Filter is a subscriber's notification preferences.
type Filter struct {
	ID    int64
	Owner Owner

	Species     IDSet
	RaidSpecies IDSet
	RaidLevel   *int

	MinIV      *float64
	MaxIV      *float64
	OnlyWithIV bool

	RadiusPokemon *float64
	RadiusIV      *float64
	RadiusRaids   *float64

	Latitude  *float64
	Longitude *float64

	Geofences []Geofence
}

func (f Filter) Point() *geo.Point { return geo.PointFrom(f.Latitude, f.Longitude) }

// InGeofence reports whether p lies in any geofence of the given category.
func (f Filter) InGeofence(p *geo.Point, cat GeofenceCategory) bool {
	if p == nil {
		return false
	}
	for _, g := range f.Geofences {
		if g.Category == cat && geo.InPolygon(*p, g.Polygon) {
			return true
		}
	}
	return false
}

type User struct {
	TelegramID          int64
	ChatID              *int64
	Name                string
	ShowPokemonMessages bool
	ShowRaidMessages    bool
	FilterID            int64
}

// Target is the chat notifications for this user go to.
func (u User) Target() kit.ChatTarget {
	if u.ChatID != nil && *u.ChatID != 0 {
		return kit.ChatTarget{ChatID: *u.ChatID}
	}
	return kit.ChatTarget{ChatID: u.TelegramID}
}

type Group struct {
	ChatID   int64
	Name     string
	FilterID int64
}

func (g Group) Target() kit.ChatTarget { return kit.ChatTarget{ChatID: g.ChatID} }
