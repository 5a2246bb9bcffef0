package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"pogobot/internal/model"
	"pogobot/internal/subscriber"
	"pogobot/internal/tracker"
	logx "pogobot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also makes the check-and-create
	// statements below race free within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Subscribers() (subscriber.Repositories, bool) {
	return subscriber.Repositories{
		Users:   sqliteUsers{s},
		Groups:  sqliteGroups{s},
		Filters: sqliteFilters{s},
	}, true
}

// --- tracker ---

func (s *sqliteStore) RecordSightingFirstSeen(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_sightings(encounter_id, deep_scanned, first_seen) VALUES(?, 0, ?)
		 ON CONFLICT(encounter_id) DO NOTHING`,
		strings.TrimSpace(id), s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record sighting %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) MarkSightingDeepScanned(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_sightings(encounter_id, deep_scanned, first_seen) VALUES(?, 1, ?)
		 ON CONFLICT(encounter_id) DO UPDATE SET deep_scanned = 1 WHERE deep_scanned = 0`,
		strings.TrimSpace(id), s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark deep scan %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRaid(row rowScanner) (*model.ProcessedRaid, error) {
	var (
		rec     model.ProcessedRaid
		created int64
		posted  string
	)
	if err := row.Scan(&rec.GymID, &rec.EndTime, &created, &posted); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	if err := sonic.UnmarshalString(posted, &rec.Posted); err != nil {
		return nil, fmt.Errorf("decode posted messages of %q: %w", rec.GymID, err)
	}
	return &rec, nil
}

func (s *sqliteStore) OpenRaid(ctx context.Context, gymID string) (*model.ProcessedRaid, error) {
	rec, err := scanRaid(s.db.QueryRowContext(ctx,
		`SELECT gym_id, end_time, created_at, posted FROM processed_raids WHERE gym_id = ?`,
		strings.TrimSpace(gymID),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) CreateRaid(ctx context.Context, gymID string, endTime int64) (*model.ProcessedRaid, error) {
	gymID = strings.TrimSpace(gymID)
	now := s.now()
	// A row with the same end time is left untouched and returned as is.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_raids(gym_id, end_time, created_at, posted) VALUES(?, ?, ?, '[]')
		 ON CONFLICT(gym_id) DO UPDATE SET end_time = excluded.end_time, created_at = excluded.created_at, posted = '[]'
		 WHERE processed_raids.end_time <> excluded.end_time`,
		gymID, endTime, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create raid %q: %w", gymID, err)
	}
	rec, err := s.OpenRaid(ctx, gymID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("create raid %q: record vanished", gymID)
	}
	return rec, nil
}

func (s *sqliteStore) AppendRecipient(ctx context.Context, rec *model.ProcessedRaid, m model.PostedMessage) error {
	if rec == nil {
		return tracker.ErrRaidNotOpen
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRaid(tx.QueryRowContext(ctx,
		`SELECT gym_id, end_time, created_at, posted FROM processed_raids WHERE gym_id = ?`, rec.GymID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.ErrRaidNotOpen
	}
	if err != nil {
		return err
	}
	if cur.EndTime != rec.EndTime {
		return tracker.ErrRaidNotOpen
	}
	cur.Upsert(m)
	posted, err := sonic.MarshalString(cur.Posted)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE processed_raids SET posted = ? WHERE gym_id = ?`, posted, rec.GymID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rec.Upsert(m)
	return nil
}

func (s *sqliteStore) Prune(ctx context.Context, opt tracker.PruneOptions) (tracker.PruneStats, error) {
	var st tracker.PruneStats
	if !opt.SightingsSeenBefore.IsZero() {
		res, err := s.db.ExecContext(ctx, `DELETE FROM processed_sightings WHERE first_seen < ?`, opt.SightingsSeenBefore.UnixMilli())
		if err != nil {
			return st, err
		}
		n, _ := res.RowsAffected()
		st.Sightings = int(n)
	}
	if !opt.RaidsEndedBefore.IsZero() {
		res, err := s.db.ExecContext(ctx, `DELETE FROM processed_raids WHERE end_time < ?`, opt.RaidsEndedBefore.Unix())
		if err != nil {
			return st, err
		}
		n, _ := res.RowsAffected()
		st.Raids = int(n)
	}
	return st, nil
}

// --- subscribers ---

type sqliteUsers struct{ s *sqliteStore }

const userColumns = `telegram_id, chat_id, name, show_pokemon, show_raids, filter_id`

func scanUser(row rowScanner) (model.User, error) {
	var (
		u      model.User
		chatID sql.NullInt64
	)
	if err := row.Scan(&u.TelegramID, &chatID, &u.Name, &u.ShowPokemonMessages, &u.ShowRaidMessages, &u.FilterID); err != nil {
		return model.User{}, err
	}
	if chatID.Valid {
		v := chatID.Int64
		u.ChatID = &v
	}
	return u, nil
}

func (r sqliteUsers) Find(ctx context.Context, telegramID int64) (model.User, error) {
	u, err := scanUser(r.s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, subscriber.ErrNotFound
	}
	return u, err
}

func (r sqliteUsers) Save(ctx context.Context, u model.User) error {
	var chatID any
	if u.ChatID != nil {
		chatID = *u.ChatID
	}
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET chat_id=excluded.chat_id, name=excluded.name,
		   show_pokemon=excluded.show_pokemon, show_raids=excluded.show_raids, filter_id=excluded.filter_id`,
		u.TelegramID, chatID, u.Name, u.ShowPokemonMessages, u.ShowRaidMessages, u.FilterID,
	)
	return err
}

func (r sqliteUsers) FindAll(ctx context.Context) ([]model.User, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY telegram_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type sqliteGroups struct{ s *sqliteStore }

func (r sqliteGroups) Find(ctx context.Context, chatID int64) (model.Group, error) {
	var g model.Group
	err := r.s.db.QueryRowContext(ctx, `SELECT chat_id, name, filter_id FROM chat_groups WHERE chat_id = ?`, chatID).
		Scan(&g.ChatID, &g.Name, &g.FilterID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, subscriber.ErrNotFound
	}
	return g, err
}

func (r sqliteGroups) Save(ctx context.Context, g model.Group) error {
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO chat_groups(chat_id, name, filter_id) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET name=excluded.name, filter_id=excluded.filter_id`,
		g.ChatID, g.Name, g.FilterID,
	)
	return err
}

func (r sqliteGroups) FindAll(ctx context.Context) ([]model.Group, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT chat_id, name, filter_id FROM chat_groups ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ChatID, &g.Name, &g.FilterID); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type sqliteFilters struct{ s *sqliteStore }

func scanFilter(row rowScanner) (model.Filter, error) {
	var (
		kind string
		id   int64
		body string
	)
	if err := row.Scan(&kind, &id, &body); err != nil {
		return model.Filter{}, err
	}
	var rec subscriber.FilterRecord
	if err := sonic.UnmarshalString(body, &rec); err != nil {
		return model.Filter{}, fmt.Errorf("decode filter: %w", err)
	}
	f, err := rec.Filter()
	if err != nil {
		return model.Filter{}, err
	}
	f.Owner = model.Owner{Kind: model.OwnerKind(kind), ID: id}
	return f, nil
}

func (r sqliteFilters) Find(ctx context.Context, id int64) (model.Filter, error) {
	f, err := scanFilter(r.s.db.QueryRowContext(ctx, `SELECT owner_kind, owner_id, body FROM filters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Filter{}, subscriber.ErrNotFound
	}
	return f, err
}

func (r sqliteFilters) Save(ctx context.Context, f model.Filter) error {
	body, err := sonic.MarshalString(subscriber.FilterToRecord(f))
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO filters(id, owner_kind, owner_id, body) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET owner_kind=excluded.owner_kind, owner_id=excluded.owner_id, body=excluded.body`,
		f.ID, string(f.Owner.Kind), f.Owner.ID, body,
	)
	return err
}

func (r sqliteFilters) FindAll(ctx context.Context) ([]model.Filter, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT owner_kind, owner_id, body FROM filters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
