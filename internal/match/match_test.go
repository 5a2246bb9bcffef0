package match

import (
	"testing"

	"pogobot/internal/geo"
	"pogobot/internal/model"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

// ~111 m per 0.001 degree of latitude.
const (
	baseLat = 52.0
	baseLon = 13.0
)

func sightingAt(species int, dLat float64) model.Sighting {
	return model.Sighting{
		EncounterID: "e1",
		SpeciesID:   iptr(species),
		Latitude:    fptr(baseLat + dLat),
		Longitude:   fptr(baseLon),
	}
}

func withStats(s model.Sighting, a, d, st int) model.Sighting {
	s.Attack, s.Defense, s.Stamina = iptr(a), iptr(d), iptr(st)
	return s
}

func baseFilter() model.Filter {
	return model.Filter{
		ID:            1,
		Species:       model.NewIDSet(25),
		RadiusPokemon: fptr(500),
		Latitude:      fptr(baseLat),
		Longitude:     fptr(baseLon),
	}
}

func TestSightingSpeciesPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		s    model.Sighting
		f    func() model.Filter
		want Decision
	}{
		{"nearby allowed species", sightingAt(25, 0.001), baseFilter, Decision{true, CategorySpecies}},
		{"outside radius", sightingAt(25, 0.01), baseFilter, noFire},
		{"species not listed", sightingAt(1, 0.001), baseFilter, noFire},
		{"only with iv", sightingAt(25, 0.001), func() model.Filter {
			f := baseFilter()
			f.OnlyWithIV = true
			return f
		}, noFire},
		{"no radius", sightingAt(25, 0.001), func() model.Filter {
			f := baseFilter()
			f.RadiusPokemon = nil
			return f
		}, noFire},
		{"missing sighting coords", model.Sighting{EncounterID: "x", SpeciesID: iptr(25)}, baseFilter, noFire},
		{"pokemon geofence", sightingAt(25, 0.05), func() model.Filter {
			f := baseFilter()
			f.Geofences = []model.Geofence{{Name: "park", Category: model.GeofencePokemon, Polygon: square(baseLat+0.04, baseLon-0.01, 0.02)}}
			return f
		}, Decision{true, CategorySpecies}},
		{"raid geofence ignored", sightingAt(25, 0.05), func() model.Filter {
			f := baseFilter()
			f.Geofences = []model.Geofence{{Name: "gymzone", Category: model.GeofenceRaid, Polygon: square(baseLat+0.04, baseLon-0.01, 0.02)}}
			return f
		}, noFire},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Sighting(tc.s, tc.f(), false)
			if got != tc.want {
				t.Fatalf("Sighting() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSightingIVPath(t *testing.T) {
	t.Parallel()

	ivFilter := func() model.Filter {
		f := baseFilter()
		f.Species = model.NewIDSet()
		f.MinIV = fptr(90)
		f.RadiusIV = fptr(2000)
		return f
	}

	// 15/15/15 = 100, 10/10/10 = 66.7
	perfectFar := withStats(sightingAt(1, 0.01), 15, 15, 15)
	if got := Sighting(perfectFar, ivFilter(), false); got != (Decision{true, CategoryIV}) {
		t.Fatalf("perfect within iv radius: %+v", got)
	}
	if got := Sighting(perfectFar, ivFilter(), true); got != (Decision{true, CategoryIV}) {
		t.Fatalf("iv path must be allowed on deep scan: %+v", got)
	}

	low := withStats(sightingAt(1, 0.001), 10, 10, 10)
	if got := Sighting(low, ivFilter(), false); got.Fire {
		t.Fatalf("low iv fired: %+v", got)
	}

	f := ivFilter()
	f.MaxIV = fptr(95)
	if got := Sighting(perfectFar, f, false); got.Fire {
		t.Fatalf("above max iv fired: %+v", got)
	}

	tooFar := withStats(sightingAt(1, 0.05), 15, 15, 15)
	if got := Sighting(tooFar, ivFilter(), false); got.Fire {
		t.Fatalf("outside iv radius fired: %+v", got)
	}
	f = ivFilter()
	f.Geofences = []model.Geofence{{Category: model.GeofenceIV, Polygon: square(baseLat+0.04, baseLon-0.01, 0.02)}}
	if got := Sighting(tooFar, f, false); got != (Decision{true, CategoryIV}) {
		t.Fatalf("iv geofence: %+v", got)
	}
}

func TestSightingIVFallsThroughToSpecies(t *testing.T) {
	t.Parallel()

	f := baseFilter()
	f.MinIV = fptr(90)
	s := withStats(sightingAt(25, 0.001), 1, 1, 1)

	if got := Sighting(s, f, false); got != (Decision{true, CategorySpecies}) {
		t.Fatalf("expected species fallback, got %+v", got)
	}
	if got := Sighting(s, f, true); got.Fire {
		t.Fatalf("deep scan only must not use species path, got %+v", got)
	}
}

func TestSightingDeepScanOnlyWithoutMinIV(t *testing.T) {
	t.Parallel()
	s := withStats(sightingAt(25, 0.001), 15, 15, 15)
	if got := Sighting(s, baseFilter(), true); got.Fire {
		t.Fatalf("no MinIV and deep scan only must not fire: %+v", got)
	}
}

func TestIVRadius(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		pokemon *float64
		iv      *float64
		want    *float64
	}{
		{"both unset", nil, nil, nil},
		{"fallback to pokemon", fptr(300), nil, fptr(300)},
		{"iv only", nil, fptr(800), fptr(800)},
		{"iv larger", fptr(300), fptr(800), fptr(800)},
		{"iv smaller clamps up", fptr(300), fptr(100), fptr(300)},
	}
	for _, tc := range cases {
		got := IVRadius(model.Filter{RadiusPokemon: tc.pokemon, RadiusIV: tc.iv})
		switch {
		case tc.want == nil && got != nil:
			t.Fatalf("%s: got %v, want nil", tc.name, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Fatalf("%s: got %v, want %v", tc.name, got, *tc.want)
		}
	}
}

func raidAt(boss model.RaidBoss, level int, dLat float64) model.RaidEvent {
	return model.RaidEvent{
		GymID:     "gym-1",
		Boss:      boss,
		Level:     level,
		EndTime:   1_700_000_000,
		Latitude:  fptr(baseLat + dLat),
		Longitude: fptr(baseLon),
	}
}

func TestRaid(t *testing.T) {
	t.Parallel()

	f := model.Filter{
		RaidSpecies: model.NewIDSet(150),
		RaidLevel:   iptr(5),
		RadiusRaids: fptr(1000),
		Latitude:    fptr(baseLat),
		Longitude:   fptr(baseLon),
	}

	cases := []struct {
		name string
		e    model.RaidEvent
		f    model.Filter
		want bool
	}{
		{"level reached", raidAt(model.Egg(), 5, 0.001), f, true},
		{"level too low", raidAt(model.Egg(), 3, 0.001), f, false},
		{"boss listed", raidAt(model.Boss(150), 1, 0.001), f, true},
		{"boss not listed", raidAt(model.Boss(3), 1, 0.001), f, false},
		{"too far", raidAt(model.Boss(150), 5, 0.05), f, false},
		{"no gym coords", model.RaidEvent{GymID: "g", Boss: model.Boss(150), Level: 5}, f, false},
		{"no raid radius", raidAt(model.Boss(150), 5, 0.001), func() model.Filter {
			g := f
			g.RadiusRaids = nil
			return g
		}(), false},
		{"raid geofence without radius", raidAt(model.Boss(150), 5, 0.05), func() model.Filter {
			g := f
			g.RadiusRaids = nil
			g.Geofences = []model.Geofence{{Category: model.GeofenceRaid, Polygon: square(baseLat+0.04, baseLon-0.01, 0.02)}}
			return g
		}(), true},
	}
	for _, tc := range cases {
		if got := Raid(tc.e, tc.f); got != tc.want {
			t.Fatalf("%s: Raid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func square(lat, lon, size float64) geo.Polygon {
	return geo.Polygon{
		{Lat: lat, Lon: lon},
		{Lat: lat + size, Lon: lon},
		{Lat: lat + size, Lon: lon + size},
		{Lat: lat, Lon: lon + size},
	}
}
