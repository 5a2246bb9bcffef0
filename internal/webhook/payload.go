package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"pogobot/internal/model"
)

// flexString accepts a JSON string or number; scanners disagree on
// encounter and gym id encodings.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	// Keep the literal: 64-bit ids do not survive a float round trip.
	if strings.Trim(string(b), "0123456789-") != "" {
		return fmt.Errorf("id must be string or integer, got %s", b)
	}
	*f = flexString(b)
	return nil
}

type envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

type pokemonMessage struct {
	EncounterID   flexString `json:"encounter_id"`
	PokemonID     *int       `json:"pokemon_id"`
	Latitude      *float64   `json:"latitude"`
	Longitude     *float64   `json:"longitude"`
	Attack        *int       `json:"individual_attack"`
	Defense       *int       `json:"individual_defense"`
	Stamina       *int       `json:"individual_stamina"`
	SpawnpointID  flexString `json:"spawnpoint_id"`
	DisappearTime *int64     `json:"disappear_time"`
	Form          int        `json:"form"`
	CP            int        `json:"cp"`
	Level         int        `json:"pokemon_level"`
	Gender        int        `json:"gender"`
}

func (m pokemonMessage) sighting() model.Sighting {
	s := model.Sighting{
		EncounterID:  strings.TrimSpace(string(m.EncounterID)),
		SpeciesID:    m.PokemonID,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
		SpawnpointID: string(m.SpawnpointID),
		Form:         m.Form,
		CP:           m.CP,
		Level:        m.Level,
		Gender:       m.Gender,
	}
	if s.SpeciesID != nil && *s.SpeciesID <= 0 {
		s.SpeciesID = nil
	}
	// Stats come as a triple or not at all.
	if m.Attack != nil && m.Defense != nil && m.Stamina != nil {
		s.Attack, s.Defense, s.Stamina = m.Attack, m.Defense, m.Stamina
	}
	if m.DisappearTime != nil && *m.DisappearTime > 0 {
		t := time.Unix(*m.DisappearTime, 0)
		s.DisappearTime = &t
	}
	return s
}

type raidMessage struct {
	GymID     flexString `json:"gym_id"`
	GymName   string     `json:"gym_name"`
	Name      string     `json:"name"`
	Level     int        `json:"level"`
	PokemonID *int       `json:"pokemon_id"`
	Start     int64      `json:"start"`
	End       int64      `json:"end"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Move1     flexString `json:"move_1"`
	Move2     flexString `json:"move_2"`
	CP        int        `json:"cp"`
}

func (m raidMessage) event() model.RaidEvent {
	name := m.GymName
	if name == "" {
		name = m.Name
	}
	return model.RaidEvent{
		GymID:     strings.TrimSpace(string(m.GymID)),
		GymName:   name,
		Boss:      model.BossFromWire(m.PokemonID),
		Level:     m.Level,
		StartTime: m.Start,
		EndTime:   m.End,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Move1:     string(m.Move1),
		Move2:     string(m.Move2),
		CP:        m.CP,
	}
}

// Batch is the decoded form of one webhook body.
type Batch struct {
	Sightings []model.Sighting
	Raids     []model.RaidEvent
	// Ignored counts messages of unsupported types.
	Ignored int
}

var ErrEmptyBody = errors.New("webhook: empty body")

// Decode parses a scanner webhook body: a JSON array of {type, message}
// envelopes, or a single envelope. "pokemon" and "raid" are understood;
// "egg" is treated as a raid without boss.
func Decode(body []byte) (Batch, error) {
	var b Batch
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return b, ErrEmptyBody
	}
	var envs []envelope
	if body[0] == '{' {
		var one envelope
		if err := sonic.Unmarshal(body, &one); err != nil {
			return b, fmt.Errorf("decode webhook: %w", err)
		}
		envs = []envelope{one}
	} else if err := sonic.Unmarshal(body, &envs); err != nil {
		return b, fmt.Errorf("decode webhook: %w", err)
	}

	for i, env := range envs {
		switch strings.ToLower(strings.TrimSpace(env.Type)) {
		case "pokemon":
			var m pokemonMessage
			if err := sonic.Unmarshal(env.Message, &m); err != nil {
				return b, fmt.Errorf("decode message %d (pokemon): %w", i, err)
			}
			b.Sightings = append(b.Sightings, m.sighting())
		case "raid", "egg":
			var m raidMessage
			if err := sonic.Unmarshal(env.Message, &m); err != nil {
				return b, fmt.Errorf("decode message %d (raid): %w", i, err)
			}
			b.Raids = append(b.Raids, m.event())
		default:
			b.Ignored++
		}
	}
	return b, nil
}
