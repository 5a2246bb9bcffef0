package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"

	"pogobot/internal/model"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key; default "pogobot".
	KeyPrefix string
	// SightingTTL bounds how long encounter markers are kept.
	SightingTTL time.Duration
	// RaidGrace keeps a raid record alive past its end time.
	RaidGrace time.Duration
}

// Redis keeps tracker state in Redis. Encounter markers use SET NX so that
// several processes sharing one Redis agree on the first sighting. Raid
// records are JSON values updated read-modify-write; callers serialise raid
// handling per process.
//
// Expiry is delegated to key TTLs, so Prune has nothing to do.
type Redis struct {
	client rueidis.Client
	owned  bool
	opt    RedisOptions
	now    func() time.Time
}

// DialRedis connects to opt.Addr. The returned tracker owns the client.
func DialRedis(opt RedisOptions) (*Redis, error) {
	if strings.TrimSpace(opt.Addr) == "" {
		return nil, fmt.Errorf("tracker: redis addr is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{opt.Addr},
		Password:     opt.Password,
		SelectDB:     opt.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: redis connect: %w", err)
	}
	r := NewRedis(client, opt)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client; Close leaves it open.
func NewRedis(client rueidis.Client, opt RedisOptions) *Redis {
	if strings.TrimSpace(opt.KeyPrefix) == "" {
		opt.KeyPrefix = "pogobot"
	}
	if opt.SightingTTL <= 0 {
		opt.SightingTTL = 24 * time.Hour
	}
	if opt.RaidGrace <= 0 {
		opt.RaidGrace = 15 * time.Minute
	}
	return &Redis{client: client, opt: opt, now: time.Now}
}

func (r *Redis) Close() error {
	if r.owned && r.client != nil {
		r.client.Close()
	}
	return nil
}

func (r *Redis) sightingKey(id string) string {
	return r.opt.KeyPrefix + ":sighting:" + strings.TrimSpace(id)
}

func (r *Redis) deepKey(id string) string {
	return r.opt.KeyPrefix + ":sighting:" + strings.TrimSpace(id) + ":deep"
}

func (r *Redis) raidKey(gymID string) string {
	return r.opt.KeyPrefix + ":raid:" + strings.TrimSpace(gymID)
}

// setNX reports whether the key was created.
func (r *Redis) setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	err := r.client.Do(ctx, r.client.B().Set().Key(key).Value(value).Nx().ExSeconds(secs).Build()).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Redis) RecordSightingFirstSeen(ctx context.Context, id string) (bool, error) {
	ts := fmt.Sprintf("%d", r.now().UnixMilli())
	ok, err := r.setNX(ctx, r.sightingKey(id), ts, r.opt.SightingTTL)
	if err != nil {
		return false, fmt.Errorf("tracker: record sighting %q: %w", id, err)
	}
	return ok, nil
}

func (r *Redis) MarkSightingDeepScanned(ctx context.Context, id string) (bool, error) {
	ok, err := r.setNX(ctx, r.deepKey(id), "1", r.opt.SightingTTL)
	if err != nil {
		return false, fmt.Errorf("tracker: mark deep scan %q: %w", id, err)
	}
	return ok, nil
}

func (r *Redis) OpenRaid(ctx context.Context, gymID string) (*model.ProcessedRaid, error) {
	raw, err := r.client.Do(ctx, r.client.B().Get().Key(r.raidKey(gymID)).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: load raid %q: %w", gymID, err)
	}
	var rec model.ProcessedRaid
	if err := sonic.UnmarshalString(raw, &rec); err != nil {
		return nil, fmt.Errorf("tracker: decode raid %q: %w", gymID, err)
	}
	return &rec, nil
}

func (r *Redis) CreateRaid(ctx context.Context, gymID string, endTime int64) (*model.ProcessedRaid, error) {
	cur, err := r.OpenRaid(ctx, gymID)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.EndTime == endTime {
		return cur, nil
	}
	rec := &model.ProcessedRaid{GymID: strings.TrimSpace(gymID), EndTime: endTime, CreatedAt: r.now().UTC()}
	if err := r.saveRaid(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (r *Redis) AppendRecipient(ctx context.Context, rec *model.ProcessedRaid, m model.PostedMessage) error {
	if rec == nil {
		return ErrRaidNotOpen
	}
	cur, err := r.OpenRaid(ctx, rec.GymID)
	if err != nil {
		return err
	}
	if cur == nil || cur.EndTime != rec.EndTime {
		return ErrRaidNotOpen
	}
	cur.Upsert(m)
	if err := r.saveRaid(ctx, cur); err != nil {
		return err
	}
	rec.Upsert(m)
	return nil
}

func (r *Redis) saveRaid(ctx context.Context, rec *model.ProcessedRaid) error {
	raw, err := sonic.MarshalString(rec)
	if err != nil {
		return fmt.Errorf("tracker: encode raid %q: %w", rec.GymID, err)
	}
	ttl := time.Unix(rec.EndTime, 0).Add(r.opt.RaidGrace).Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	err = r.client.Do(ctx, r.client.B().Set().Key(r.raidKey(rec.GymID)).Value(raw).ExSeconds(int64(ttl/time.Second)).Build()).Error()
	if err != nil {
		return fmt.Errorf("tracker: store raid %q: %w", rec.GymID, err)
	}
	return nil
}

func (r *Redis) Prune(ctx context.Context, opt PruneOptions) (PruneStats, error) {
	return PruneStats{}, ctx.Err()
}
