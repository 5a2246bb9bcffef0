// Package tracker records which encounters and raid cycles have already been
// dispatched, so every event produces at most one initial message and later
// updates become edits.
package tracker

import (
	"context"
	"errors"
	"time"

	"pogobot/internal/model"
)

var (
	// ErrRaidNotOpen is returned by AppendRecipient when the record it was
	// given has been replaced by a newer cycle or pruned meanwhile.
	ErrRaidNotOpen = errors.New("tracker: raid record is no longer open")
	ErrClosed      = errors.New("tracker: closed")
)

// Tracker is the dedup store consulted by the dispatch coordinator.
// Implementations must be safe for concurrent use.
type Tracker interface {
	// RecordSightingFirstSeen atomically creates the record for id and reports
	// whether it did not exist before.
	RecordSightingFirstSeen(ctx context.Context, id string) (isNew bool, err error)
	// MarkSightingDeepScanned sets the deep-scan marker. It reports true only
	// for the call that actually set it.
	MarkSightingDeepScanned(ctx context.Context, id string) (newly bool, err error)

	// OpenRaid returns the open record for a gym, or nil when there is none.
	OpenRaid(ctx context.Context, gymID string) (*model.ProcessedRaid, error)
	// CreateRaid returns the record for (gymID, endTime), creating it when
	// missing. A record with a different end time is replaced.
	CreateRaid(ctx context.Context, gymID string, endTime int64) (*model.ProcessedRaid, error)
	// AppendRecipient merges m into the stored record and into rec.
	AppendRecipient(ctx context.Context, rec *model.ProcessedRaid, m model.PostedMessage) error

	Prune(ctx context.Context, opt PruneOptions) (PruneStats, error)
}

// PruneOptions selects records eligible for deletion. Zero times disable
// the corresponding pass.
type PruneOptions struct {
	SightingsSeenBefore time.Time
	RaidsEndedBefore    time.Time
}

type PruneStats struct {
	Sightings int `json:"sightings"`
	Raids     int `json:"raids"`
}
