package model

import (
	"time"

	kit "pogobot/internal/transport"
)

// ProcessedSighting is the dedup record of one encounter.
type ProcessedSighting struct {
	EncounterID string    `json:"encounter_id"`
	Seen        bool      `json:"seen"`
	DeepScanned bool      `json:"deep_scanned"`
	FirstSeen   time.Time `json:"first_seen"`
}

// PostedMessage ties one recipient to the messages it received for a raid.
type PostedMessage struct {
	Recipient kit.ChatTarget  `json:"recipient"`
	Main      kit.MessageRef  `json:"main"`
	Sticker   *kit.MessageRef `json:"sticker,omitempty"`
	Location  *kit.MessageRef `json:"location,omitempty"`
}

// PostedFromSent builds a PostedMessage from a delivery result.
func PostedFromSent(to kit.ChatTarget, s kit.Sent) PostedMessage {
	return PostedMessage{Recipient: to, Main: s.Main, Sticker: s.Sticker, Location: s.Location}
}

// Merge overlays the non-empty refs of other onto p.
func (p PostedMessage) Merge(other PostedMessage) PostedMessage {
	if other.Main.MessageID != 0 {
		p.Main = other.Main
	}
	if other.Sticker != nil {
		p.Sticker = other.Sticker
	}
	if other.Location != nil {
		p.Location = other.Location
	}
	return p
}

// ProcessedRaid is the open dispatch record of one raid cycle at a gym.
type ProcessedRaid struct {
	GymID     string          `json:"gym_id"`
	EndTime   int64           `json:"end_time"`
	CreatedAt time.Time       `json:"created_at"`
	Posted    []PostedMessage `json:"posted"`
}

// Upsert merges m into the posted set, keyed by recipient chat.
// It reports whether a new recipient was added.
func (r *ProcessedRaid) Upsert(m PostedMessage) bool {
	for i := range r.Posted {
		if r.Posted[i].Recipient.ChatID == m.Recipient.ChatID {
			r.Posted[i] = r.Posted[i].Merge(m)
			return false
		}
	}
	r.Posted = append(r.Posted, m)
	return true
}

// Clone returns a deep copy safe to hand out of a store.
func (r *ProcessedRaid) Clone() *ProcessedRaid {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Posted = make([]PostedMessage, len(r.Posted))
	for i, p := range r.Posted {
		if p.Sticker != nil {
			s := *p.Sticker
			p.Sticker = &s
		}
		if p.Location != nil {
			l := *p.Location
			p.Location = &l
		}
		cp.Posted[i] = p
	}
	return &cp
}
