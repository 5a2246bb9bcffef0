package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"pogobot/internal/model"
	"pogobot/internal/subscriber"
	"pogobot/internal/tracker"
	logx "pogobot/pkg/logx"
)

// fileStore is a dependency-light tracker persistence backend.
//
// Files:
//   - <prefix>.tracker.snapshot.json (periodic snapshot)
//   - <prefix>.tracker.journal.jsonl (append-only journal)
//
// Every mutation is appended to the journal; the journal is periodically
// compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	state        fileState

	writes       int
	compactEvery int

	now func() time.Time
}

type fileState struct {
	Sightings map[string]model.ProcessedSighting `json:"sightings"`
	Raids     map[string]*model.ProcessedRaid    `json:"raids"`
}

// journalRecord is one upsert. Exactly one of the fields is set.
type journalRecord struct {
	Sighting *model.ProcessedSighting `json:"sighting,omitempty"`
	Raid     *model.ProcessedRaid     `json:"raid,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tracker.snapshot.json"
	journalPath := prefix + ".tracker.journal.jsonl"

	state := fileState{Sightings: map[string]model.ProcessedSighting{}, Raids: map[string]*model.ProcessedRaid{}}
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("tracker snapshot unreadable, starting empty", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("tracker journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        state,
		compactEvery: 1000,
		now:          time.Now,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journalFile.Close()
	s.journalFile = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) Subscribers() (subscriber.Repositories, bool) {
	return subscriber.Repositories{}, false
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return tracker.ErrClosed
	}
	b, err := sonic.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journalFile.Write(b); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("tracker compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecordSightingFirstSeen(ctx context.Context, id string) (bool, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Sightings[id]; ok {
		return false, nil
	}
	ps := model.ProcessedSighting{EncounterID: id, Seen: true, FirstSeen: s.now()}
	if err := s.appendLocked(journalRecord{Sighting: &ps}); err != nil {
		return false, err
	}
	s.state.Sightings[id] = ps
	return true, nil
}

func (s *fileStore) MarkSightingDeepScanned(ctx context.Context, id string) (bool, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.state.Sightings[id]
	if !ok {
		ps = model.ProcessedSighting{EncounterID: id, Seen: true, FirstSeen: s.now()}
	}
	if ps.DeepScanned {
		return false, nil
	}
	ps.DeepScanned = true
	if err := s.appendLocked(journalRecord{Sighting: &ps}); err != nil {
		return false, err
	}
	s.state.Sightings[id] = ps
	return true, nil
}

func (s *fileStore) OpenRaid(ctx context.Context, gymID string) (*model.ProcessedRaid, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Raids[strings.TrimSpace(gymID)].Clone(), nil
}

func (s *fileStore) CreateRaid(ctx context.Context, gymID string, endTime int64) (*model.ProcessedRaid, error) {
	_ = ctx
	gymID = strings.TrimSpace(gymID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.state.Raids[gymID]; ok && cur.EndTime == endTime {
		return cur.Clone(), nil
	}
	rec := &model.ProcessedRaid{GymID: gymID, EndTime: endTime, CreatedAt: s.now()}
	if err := s.appendLocked(journalRecord{Raid: rec}); err != nil {
		return nil, err
	}
	s.state.Raids[gymID] = rec
	return rec.Clone(), nil
}

func (s *fileStore) AppendRecipient(ctx context.Context, rec *model.ProcessedRaid, m model.PostedMessage) error {
	_ = ctx
	if rec == nil {
		return tracker.ErrRaidNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Raids[rec.GymID]
	if !ok || cur.EndTime != rec.EndTime {
		return tracker.ErrRaidNotOpen
	}
	next := cur.Clone()
	next.Upsert(m)
	if err := s.appendLocked(journalRecord{Raid: next}); err != nil {
		return err
	}
	s.state.Raids[rec.GymID] = next
	rec.Upsert(m)
	return nil
}

func (s *fileStore) Prune(ctx context.Context, opt tracker.PruneOptions) (tracker.PruneStats, error) {
	_ = ctx
	var st tracker.PruneStats
	s.mu.Lock()
	defer s.mu.Unlock()
	if !opt.SightingsSeenBefore.IsZero() {
		for id, ps := range s.state.Sightings {
			if ps.FirstSeen.Before(opt.SightingsSeenBefore) {
				delete(s.state.Sightings, id)
				st.Sightings++
			}
		}
	}
	if !opt.RaidsEndedBefore.IsZero() {
		cut := opt.RaidsEndedBefore.Unix()
		for gym, r := range s.state.Raids {
			if r.EndTime < cut {
				delete(s.state.Raids, gym)
				st.Raids++
			}
		}
	}
	if st.Sightings+st.Raids == 0 {
		return st, nil
	}
	// Deletions are only made durable by the snapshot.
	return st, s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	if s.journalFile == nil {
		return tracker.ErrClosed
	}
	b, err := sonic.Marshal(s.state)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var st fileState
	if err := sonic.Unmarshal(b, &st); err != nil {
		return err
	}
	for k, v := range st.Sightings {
		out.Sightings[k] = v
	}
	for k, v := range st.Raids {
		out.Raids[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := sonic.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch {
		case r.Sighting != nil && r.Sighting.EncounterID != "":
			out.Sightings[r.Sighting.EncounterID] = *r.Sighting
		case r.Raid != nil && r.Raid.GymID != "":
			out.Raids[r.Raid.GymID] = r.Raid
		}
	}
	return sc.Err()
}
