package tracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"pogobot/internal/model"
)

// Memory is the in-process tracker. State is lost on restart.
type Memory struct {
	mu        sync.Mutex
	sightings map[string]*model.ProcessedSighting
	raids     map[string]*model.ProcessedRaid

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sightings: map[string]*model.ProcessedSighting{},
		raids:     map[string]*model.ProcessedRaid{},
		now:       time.Now,
	}
}

func (m *Memory) RecordSightingFirstSeen(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sightings[id]; ok {
		return false, nil
	}
	m.sightings[id] = &model.ProcessedSighting{EncounterID: id, Seen: true, FirstSeen: m.now()}
	return true, nil
}

func (m *Memory) MarkSightingDeepScanned(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.sightings[id]
	if !ok {
		ps = &model.ProcessedSighting{EncounterID: id, Seen: true, FirstSeen: m.now()}
		m.sightings[id] = ps
	}
	if ps.DeepScanned {
		return false, nil
	}
	ps.DeepScanned = true
	return true, nil
}

func (m *Memory) OpenRaid(ctx context.Context, gymID string) (*model.ProcessedRaid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raids[strings.TrimSpace(gymID)].Clone(), nil
}

func (m *Memory) CreateRaid(ctx context.Context, gymID string, endTime int64) (*model.ProcessedRaid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gymID = strings.TrimSpace(gymID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.raids[gymID]; ok && cur.EndTime == endTime {
		return cur.Clone(), nil
	}
	rec := &model.ProcessedRaid{GymID: gymID, EndTime: endTime, CreatedAt: m.now()}
	m.raids[gymID] = rec
	return rec.Clone(), nil
}

func (m *Memory) AppendRecipient(ctx context.Context, rec *model.ProcessedRaid, pm model.PostedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return ErrRaidNotOpen
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.raids[rec.GymID]
	if !ok || cur.EndTime != rec.EndTime {
		return ErrRaidNotOpen
	}
	cur.Upsert(pm)
	rec.Upsert(pm)
	return nil
}

func (m *Memory) Prune(ctx context.Context, opt PruneOptions) (PruneStats, error) {
	if err := ctx.Err(); err != nil {
		return PruneStats{}, err
	}
	var st PruneStats
	m.mu.Lock()
	defer m.mu.Unlock()
	if !opt.SightingsSeenBefore.IsZero() {
		for id, ps := range m.sightings {
			if ps.FirstSeen.Before(opt.SightingsSeenBefore) {
				delete(m.sightings, id)
				st.Sightings++
			}
		}
	}
	if !opt.RaidsEndedBefore.IsZero() {
		cut := opt.RaidsEndedBefore.Unix()
		for gym, r := range m.raids {
			if r.EndTime < cut {
				delete(m.raids, gym)
				st.Raids++
			}
		}
	}
	return st, nil
}
