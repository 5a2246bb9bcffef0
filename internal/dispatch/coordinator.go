package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pogobot/internal/delivery"
	"pogobot/internal/eventbus"
	"pogobot/internal/match"
	"pogobot/internal/model"
	"pogobot/internal/subscriber"
	"pogobot/internal/tracker"
	kit "pogobot/internal/transport"
	logx "pogobot/pkg/logx"
)

// Sender is the part of the delivery scheduler the coordinator uses.
type Sender interface {
	Submit(ctx context.Context, r delivery.Request) (*delivery.Pending, error)
}

type Renderer interface {
	Sighting(s model.Sighting, cat match.Category) kit.Content
	Raid(e model.RaidEvent) kit.Content
}

type Kind string

const (
	KindSighting Kind = "sighting"
	KindRaid     Kind = "raid"
)

// Report summarises one dispatch pass. It is published as "dispatch.report".
type Report struct {
	Kind      Kind          `json:"kind"`
	Key       string        `json:"key"`
	Evaluated int           `json:"evaluated"`
	Matched   int           `json:"matched"`
	Sent      int           `json:"sent"`
	Edited    int           `json:"edited"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Took      time.Duration `json:"took"`
}

// Totals accumulates every report since start.
type Totals struct {
	Sightings uint64 `json:"sightings"`
	Raids     uint64 `json:"raids"`
	Evaluated uint64 `json:"evaluated"`
	Matched   uint64 `json:"matched"`
	Sent      uint64 `json:"sent"`
	Edited    uint64 `json:"edited"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

type Options struct {
	Tracker     tracker.Tracker
	Subscribers subscriber.Repositories
	Sender      Sender
	Renderer    Renderer
	Log         logx.Logger
	Bus         eventbus.Bus
	// WaitTimeout bounds each result wait; 0 waits until ctx ends.
	WaitTimeout time.Duration
}

// Coordinator turns events into delivery requests: it consults the tracker
// for dedup, matches every subscriber filter and records raid message refs
// so later updates of the same cycle become edits.
type Coordinator struct {
	tracker tracker.Tracker
	subs    subscriber.Repositories
	sender  Sender
	render  Renderer
	log     logx.Logger
	bus     eventbus.Bus

	// One event type at a time; guards tracker check-then-create.
	raidMu     sync.Mutex
	sightingMu sync.Mutex
	// recordMu serialises raid ref writes coming from delivery workers and
	// guards unposted.
	recordMu sync.Mutex
	// unposted holds, per raid cycle, the chats whose create is still queued.
	unposted map[string]map[int64]struct{}

	waitTimeout atomic.Int64

	totals struct {
		sightings, raids                 atomic.Uint64
		evaluated, matched, sent, edited atomic.Uint64
		failed, skipped                  atomic.Uint64
	}
}

func NewCoordinator(o Options) *Coordinator {
	log := o.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		tracker: o.Tracker,
		subs:    o.Subscribers,
		sender:  o.Sender,
		render:  o.Renderer,
		log:     log,
		bus:     o.Bus,

		unposted: map[string]map[int64]struct{}{},
	}
	c.SetWaitTimeout(o.WaitTimeout)
	return c
}

func (c *Coordinator) SetWaitTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.waitTimeout.Store(int64(d))
}

// await waits for one result. A wait cut short by ctx or the wait timeout
// returns ErrInterrupted; the request itself stays queued.
func (c *Coordinator) await(ctx context.Context, p *delivery.Pending) (delivery.Result, error) {
	if d := time.Duration(c.waitTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	res, err := p.Wait(ctx)
	return res, classify(err)
}

func (c *Coordinator) Totals() Totals {
	t := &c.totals
	return Totals{
		Sightings: t.sightings.Load(),
		Raids:     t.raids.Load(),
		Evaluated: t.evaluated.Load(),
		Matched:   t.matched.Load(),
		Sent:      t.sent.Load(),
		Edited:    t.edited.Load(),
		Failed:    t.failed.Load(),
		Skipped:   t.skipped.Load(),
	}
}

func (c *Coordinator) finish(r *Report, started time.Time) {
	r.Took = time.Since(started)
	t := &c.totals
	if r.Kind == KindRaid {
		t.raids.Add(1)
	} else {
		t.sightings.Add(1)
	}
	t.evaluated.Add(uint64(r.Evaluated))
	t.matched.Add(uint64(r.Matched))
	t.sent.Add(uint64(r.Sent))
	t.edited.Add(uint64(r.Edited))
	t.failed.Add(uint64(r.Failed))
	t.skipped.Add(uint64(r.Skipped))

	if r.Matched > 0 || r.Edited > 0 || r.Failed > 0 {
		c.log.Info("dispatched", logx.String("kind", string(r.Kind)), logx.String("key", r.Key),
			logx.Int("matched", r.Matched), logx.Int("sent", r.Sent), logx.Int("edited", r.Edited), logx.Int("failed", r.Failed))
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: "dispatch.report", Data: *r})
	}
}

const recordTimeout = 5 * time.Second

// recipient is one enumerated user or group with its filter reference.
type recipient struct {
	target   kit.ChatTarget
	filterID int64
	owner    string
}

func (c *Coordinator) users(ctx context.Context, enabled func(model.User) bool) ([]recipient, error) {
	us, err := c.subs.Users.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]recipient, 0, len(us))
	for _, u := range us {
		if !enabled(u) {
			continue
		}
		out = append(out, recipient{target: u.Target(), filterID: u.FilterID, owner: "user:" + strconv.FormatInt(u.TelegramID, 10)})
	}
	return out, nil
}

func (c *Coordinator) groups(ctx context.Context) ([]recipient, error) {
	gs, err := c.subs.Groups.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]recipient, 0, len(gs))
	for _, g := range gs {
		out = append(out, recipient{target: g.Target(), filterID: g.FilterID, owner: "group:" + strconv.FormatInt(g.ChatID, 10)})
	}
	return out, nil
}

func (c *Coordinator) filter(ctx context.Context, rc recipient) (model.Filter, error) {
	f, err := c.subs.Filters.Find(ctx, rc.filterID)
	if errors.Is(err, subscriber.ErrNotFound) {
		return f, fmt.Errorf("%w: filter %d of %s", ErrLookupMiss, rc.filterID, rc.owner)
	}
	return f, err
}

// HandleSighting dispatches one sighting. Sends are submitted for every
// match first and awaited afterwards; sightings are never edited.
func (c *Coordinator) HandleSighting(ctx context.Context, s model.Sighting) (Report, error) {
	started := time.Now()
	rep := Report{Kind: KindSighting, Key: s.EncounterID}
	if s.EncounterID == "" || s.SpeciesID == nil {
		return rep, fmt.Errorf("%w: sighting %q without encounter or species id", ErrValidationSkip, s.EncounterID)
	}
	log := c.log.With(logx.String("encounter", s.EncounterID))

	pending, dup, err := c.fanOutSighting(ctx, s, &rep, log)
	if err != nil {
		return rep, err
	}
	if dup {
		log.Debug("sighting already dispatched")
		return rep, nil
	}

	for _, p := range pending {
		if _, err := c.await(ctx, p.pending); err != nil {
			rep.Failed++
			logRecipientError(log, "sighting delivery failed", err, logx.Int64("chat_id", p.target.ChatID))
			continue
		}
		rep.Sent++
	}
	c.finish(&rep, started)
	return rep, nil
}

type submitted struct {
	target  kit.ChatTarget
	pending *delivery.Pending
}

// fanOutSighting runs under the sighting lock: tracker classification,
// matching and submission. Waiting happens outside the lock. dup reports a
// sighting that brings nothing new.
func (c *Coordinator) fanOutSighting(ctx context.Context, s model.Sighting, rep *Report, log logx.Logger) (out []submitted, dup bool, err error) {
	c.sightingMu.Lock()
	defer c.sightingMu.Unlock()

	isNew, err := c.tracker.RecordSightingFirstSeen(ctx, s.EncounterID)
	if err != nil {
		return nil, false, fmt.Errorf("record sighting: %w", err)
	}
	deepScanOnly := false
	switch {
	case isNew && s.HasStats():
		if _, err := c.tracker.MarkSightingDeepScanned(ctx, s.EncounterID); err != nil {
			return nil, false, fmt.Errorf("mark deep scan: %w", err)
		}
	case !isNew && !s.HasStats():
		return nil, true, nil
	case !isNew:
		newly, err := c.tracker.MarkSightingDeepScanned(ctx, s.EncounterID)
		if err != nil {
			return nil, false, fmt.Errorf("mark deep scan: %w", err)
		}
		if !newly {
			return nil, true, nil
		}
		deepScanOnly = true
	}

	users, err := c.users(ctx, func(u model.User) bool { return u.ShowPokemonMessages })
	if err != nil {
		return nil, false, err
	}
	groups, err := c.groups(ctx)
	if err != nil {
		return nil, false, err
	}

	seen := map[int64]bool{}
	for _, rc := range append(users, groups...) {
		f, err := c.filter(ctx, rc)
		if err != nil {
			rep.Skipped++
			logRecipientError(log, "sighting recipient skipped", err)
			continue
		}
		rep.Evaluated++
		d := match.Sighting(s, f, deepScanOnly)
		if !d.Fire {
			continue
		}
		rep.Matched++
		if seen[rc.target.ChatID] {
			continue
		}
		seen[rc.target.ChatID] = true

		p, err := c.sender.Submit(ctx, delivery.Request{
			Target:  rc.target,
			Kind:    delivery.KindSend,
			Content: c.render.Sighting(s, d.Category),
		})
		if err != nil {
			rep.Failed++
			logRecipientError(log, "sighting submit failed", classify(err), logx.Int64("chat_id", rc.target.ChatID))
			continue
		}
		log.Debug("sighting matched", logx.String("owner", rc.owner), logx.String("category", d.Category.String()))
		out = append(out, submitted{target: rc.target, pending: p})
	}
	return out, false, nil
}

// HandleRaid dispatches one raid trigger. A cycle that already reached
// recipients is refreshed by editing every posted message; otherwise every
// group and every raid-enabled user is evaluated and each match is sent,
// awaited and recorded.
func (c *Coordinator) HandleRaid(ctx context.Context, e model.RaidEvent) (Report, error) {
	started := time.Now()
	cycle := e.CycleKey()
	rep := Report{Kind: KindRaid, Key: cycle}
	if e.GymID == "" || e.EndTime <= 0 {
		return rep, fmt.Errorf("%w: raid %q without gym id or end time", ErrValidationSkip, e.GymID)
	}
	log := c.log.With(logx.String("gym", e.GymID), logx.String("boss", e.Boss.String()))

	c.raidMu.Lock()
	defer c.raidMu.Unlock()

	rec, err := c.tracker.OpenRaid(ctx, e.GymID)
	if err != nil {
		return rep, fmt.Errorf("open raid: %w", err)
	}
	if rec != nil && rec.EndTime == e.EndTime && len(rec.Posted) > 0 {
		c.editRaid(ctx, e, rec, &rep, log)
		c.finish(&rep, started)
		return rep, nil
	}

	rec, err = c.tracker.CreateRaid(ctx, e.GymID, e.EndTime)
	if err != nil {
		return rep, fmt.Errorf("create raid: %w", err)
	}
	groups, err := c.groups(ctx)
	if err != nil {
		return rep, err
	}
	users, err := c.users(ctx, func(u model.User) bool { return u.ShowRaidMessages })
	if err != nil {
		return rep, err
	}

	posted := map[int64]bool{}
	for _, p := range rec.Posted {
		posted[p.Recipient.ChatID] = true
	}
	content := c.render.Raid(e)
	for _, rc := range append(groups, users...) {
		f, err := c.filter(ctx, rc)
		if err != nil {
			rep.Skipped++
			logRecipientError(log, "raid recipient skipped", err)
			continue
		}
		rep.Evaluated++
		if !match.Raid(e, f) {
			continue
		}
		rep.Matched++
		if posted[rc.target.ChatID] || !c.claimPost(cycle, rc.target.ChatID) {
			continue
		}
		posted[rc.target.ChatID] = true

		// The worker records the refs, so a send whose wait is interrupted
		// still lands in the raid record and is edited, not re-sent, later.
		p, err := c.sender.Submit(ctx, delivery.Request{
			Target:  rc.target,
			Kind:    delivery.KindSend,
			Content: content,
			OnDone:  c.recordPost(cycle, rec.GymID, rec.EndTime, rc.target, log),
		})
		if err != nil {
			c.releasePost(cycle, rc.target.ChatID)
			rep.Failed++
			logRecipientError(log, "raid submit failed", classify(err), logx.Int64("chat_id", rc.target.ChatID))
			continue
		}
		if _, err := c.await(ctx, p); err != nil {
			rep.Failed++
			logRecipientError(log, "raid delivery failed", err, logx.Int64("chat_id", rc.target.ChatID))
			continue
		}
		rep.Sent++
	}
	c.finish(&rep, started)
	return rep, nil
}

func (c *Coordinator) editRaid(ctx context.Context, e model.RaidEvent, rec *model.ProcessedRaid, rep *Report, log logx.Logger) {
	content := c.render.Raid(e)
	type edit struct {
		post    model.PostedMessage
		pending *delivery.Pending
	}
	edits := make([]edit, 0, len(rec.Posted))
	for _, post := range rec.Posted {
		p, err := c.sender.Submit(ctx, delivery.Request{
			Target:  post.Recipient,
			Kind:    delivery.KindEdit,
			Ref:     post.Main,
			Content: content,
		})
		if err != nil {
			rep.Failed++
			logRecipientError(log, "raid edit submit failed", classify(err), logx.Int64("chat_id", post.Recipient.ChatID))
			continue
		}
		edits = append(edits, edit{post: post, pending: p})
	}
	for _, ed := range edits {
		res, err := c.await(ctx, ed.pending)
		if err != nil {
			rep.Failed++
			logRecipientError(log, "raid edit failed", err, logx.Int64("chat_id", ed.post.Recipient.ChatID))
			continue
		}
		rep.Edited++
		if err := c.tracker.AppendRecipient(ctx, rec, model.PostedFromSent(ed.post.Recipient, res.Sent)); err != nil && !errors.Is(err, tracker.ErrRaidNotOpen) {
			log.Error("record raid edit failed", logx.Int64("chat_id", ed.post.Recipient.ChatID), logx.Err(err))
		}
	}
}

// claimPost marks chat as having a create in flight for cycle. It reports
// false when one is already queued.
func (c *Coordinator) claimPost(cycle string, chat int64) bool {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()
	chats := c.unposted[cycle]
	if chats == nil {
		chats = map[int64]struct{}{}
		c.unposted[cycle] = chats
	}
	if _, ok := chats[chat]; ok {
		return false
	}
	chats[chat] = struct{}{}
	return true
}

func (c *Coordinator) releasePost(cycle string, chat int64) {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()
	c.releasePostLocked(cycle, chat)
}

func (c *Coordinator) releasePostLocked(cycle string, chat int64) {
	chats := c.unposted[cycle]
	delete(chats, chat)
	if len(chats) == 0 {
		delete(c.unposted, cycle)
	}
}

// recordPost returns the completion hook that stores a delivered raid
// message under its cycle.
func (c *Coordinator) recordPost(cycle, gymID string, endTime int64, to kit.ChatTarget, log logx.Logger) func(delivery.Result) {
	return func(res delivery.Result) {
		c.recordMu.Lock()
		defer c.recordMu.Unlock()
		defer c.releasePostLocked(cycle, to.ChatID)
		if res.Err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		rec := &model.ProcessedRaid{GymID: gymID, EndTime: endTime}
		err := c.tracker.AppendRecipient(ctx, rec, model.PostedFromSent(to, res.Sent))
		switch {
		case errors.Is(err, tracker.ErrRaidNotOpen):
			log.Debug("raid cycle closed before recording", logx.Int64("chat_id", to.ChatID))
		case err != nil:
			log.Error("record raid recipient failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		}
	}
}
