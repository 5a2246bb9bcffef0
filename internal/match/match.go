// Package match decides whether an event is relevant to a subscriber filter.
//
// The functions here are pure: they read the event and the filter and never
// touch tracking state or the delivery path.
package match

import (
	"pogobot/internal/geo"
	"pogobot/internal/model"
)

// Category tells which rule produced a sighting match.
type Category int

const (
	CategoryNone Category = iota
	CategoryIV
	CategorySpecies
)

func (c Category) String() string {
	switch c {
	case CategoryIV:
		return "iv"
	case CategorySpecies:
		return "species"
	default:
		return "none"
	}
}

type Decision struct {
	Fire     bool
	Category Category
}

var noFire = Decision{}

// Sighting evaluates a sighting against f.
//
// The IV rule runs first when the sighting carries stats and the filter asks
// for a minimum IV. A failed IV rule falls through: with deepScanOnly set
// nothing else is considered, otherwise the species rule decides.
func Sighting(s model.Sighting, f model.Filter, deepScanOnly bool) Decision {
	p := s.Point()

	if iv, ok := s.IV(); ok && f.MinIV != nil {
		if ivInRange(iv, f) && ivNearby(p, f) {
			return Decision{Fire: true, Category: CategoryIV}
		}
	}
	if deepScanOnly {
		return noFire
	}

	if s.SpeciesID == nil || !f.Species.Has(*s.SpeciesID) || f.OnlyWithIV {
		return noFire
	}
	if nearby(p, f.Point(), f.RadiusPokemon) || f.InGeofence(p, model.GeofencePokemon) {
		return Decision{Fire: true, Category: CategorySpecies}
	}
	return noFire
}

func ivInRange(iv float64, f model.Filter) bool {
	if iv < *f.MinIV {
		return false
	}
	if f.MaxIV != nil && iv > *f.MaxIV {
		return false
	}
	return true
}

func ivNearby(p *geo.Point, f model.Filter) bool {
	if nearby(p, f.Point(), IVRadius(f)) {
		return true
	}
	return f.InGeofence(p, model.GeofenceIV) || f.InGeofence(p, model.GeofencePokemon)
}

// IVRadius is the radius used by the IV rule: RadiusIV, falling back to
// RadiusPokemon, and never smaller than RadiusPokemon. Nil means unset.
func IVRadius(f model.Filter) *float64 {
	r := f.RadiusIV
	if r == nil {
		r = f.RadiusPokemon
	}
	if r != nil && f.RadiusPokemon != nil && *r < *f.RadiusPokemon {
		r = f.RadiusPokemon
	}
	return r
}

func nearby(a, b *geo.Point, radius *float64) bool {
	if radius == nil {
		return false
	}
	return geo.IsNearby(a, b, *radius)
}

// Raid evaluates a raid event against f. The level or boss rule must hold,
// and the gym must be inside a raid geofence or within RadiusRaids of the
// filter location.
func Raid(e model.RaidEvent, f model.Filter) bool {
	levelOK := f.RaidLevel != nil && *f.RaidLevel <= e.Level
	bossOK := false
	if id, ok := e.Boss.SpeciesID(); ok {
		bossOK = f.RaidSpecies.Has(id)
	}
	if !levelOK && !bossOK {
		return false
	}
	p := e.Point()
	if f.InGeofence(p, model.GeofenceRaid) {
		return true
	}
	return nearby(p, f.Point(), f.RadiusRaids)
}
