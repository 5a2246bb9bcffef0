package model

import (
	"fmt"
	"strings"
	"time"

	"pogobot/internal/geo"
)

// Sighting is one observation of a wild creature.
type Sighting struct {
	EncounterID  string
	SpeciesID    *int
	Latitude     *float64
	Longitude    *float64
	Attack       *int
	Defense      *int
	Stamina      *int
	SpawnpointID string
	// DisappearTime is the despawn instant when known.
	DisappearTime *time.Time

	// Rendering only.
	Form   int
	CP     int
	Level  int
	Gender int
}

// HasStats reports whether the sighting carries all three individual stats.
func (s Sighting) HasStats() bool {
	return s.Attack != nil && s.Defense != nil && s.Stamina != nil
}

// IV returns the IV percentage when stats are present.
func (s Sighting) IV() (float64, bool) {
	if !s.HasStats() {
		return 0, false
	}
	return geo.CalculateIV(*s.Attack, *s.Defense, *s.Stamina), true
}

func (s Sighting) Point() *geo.Point { return geo.PointFrom(s.Latitude, s.Longitude) }

// RaidBoss is either an egg (boss not yet known) or a concrete boss species.
// The zero value is an egg.
type RaidBoss struct {
	species int
	known   bool
}

func Egg() RaidBoss { return RaidBoss{} }

func Boss(speciesID int) RaidBoss { return RaidBoss{species: speciesID, known: true} }

// BossFromWire maps the wire encoding used by scanners, where a missing
// species or -1 (and 0) means the egg has not hatched yet.
func BossFromWire(speciesID *int) RaidBoss {
	if speciesID == nil || *speciesID <= 0 {
		return Egg()
	}
	return Boss(*speciesID)
}

func (b RaidBoss) IsEgg() bool { return !b.known }

// SpeciesID returns the boss species, ok=false for eggs.
func (b RaidBoss) SpeciesID() (int, bool) { return b.species, b.known }

func (b RaidBoss) String() string {
	if !b.known {
		return "egg"
	}
	return fmt.Sprintf("boss(%d)", b.species)
}

// RaidEvent is a timed boss encounter at a gym.
type RaidEvent struct {
	GymID     string
	GymName   string
	Boss      RaidBoss
	Level     int
	StartTime int64
	EndTime   int64 // epoch seconds
	Latitude  *float64
	Longitude *float64

	// Rendering only.
	Move1 string
	Move2 string
	CP    int
}

func (e RaidEvent) Point() *geo.Point { return geo.PointFrom(e.Latitude, e.Longitude) }

// CycleKey identifies one raid cycle at one gym.
func (e RaidEvent) CycleKey() string {
	return fmt.Sprintf("%s@%d", strings.TrimSpace(e.GymID), e.EndTime)
}

func (e RaidEvent) End() time.Time { return time.Unix(e.EndTime, 0) }
