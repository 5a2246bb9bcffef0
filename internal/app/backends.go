package app

import (
	"errors"
	"fmt"

	"pogobot/internal/storage"
	"pogobot/internal/subscriber"
	"pogobot/internal/tracker"
	logx "pogobot/pkg/logx"
)

// backends holds the stateful collaborators opened from config. They are
// fixed for the process lifetime; changes need a restart.
type backends struct {
	store   storage.Store
	tracker tracker.Tracker
	subs    subscriber.Repositories
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackends(cfg *Config, log logx.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		b.store = st
		b.closers = append(b.closers, st.Close)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	driver, ropt, err := mapTrackerConfig(cfg)
	if err != nil {
		return nil, err
	}
	switch driver {
	case trackerStorage:
		b.tracker = b.store
	case trackerRedis:
		r, err := tracker.DialRedis(ropt)
		if err != nil {
			return nil, err
		}
		b.tracker = r
		b.closers = append(b.closers, r.Close)
	default:
		b.tracker = tracker.NewMemory()
	}
	log.Info("tracker ready", logx.String("driver", driver))

	src, path, err := mapSubscribersConfig(cfg)
	if err != nil {
		return nil, err
	}
	switch src {
	case subscribersStorage:
		repos, ok := b.store.Subscribers()
		if !ok {
			return nil, fmt.Errorf("storage driver does not keep subscribers")
		}
		b.subs = repos
	default:
		repos, err := subscriber.OpenFile(path)
		if err != nil {
			return nil, err
		}
		b.subs = repos
	}
	log.Info("subscribers loaded", logx.String("source", src))
	return b, nil
}
