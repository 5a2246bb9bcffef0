package app

import (
	"context"
	"fmt"

	"pogobot/internal/storage"
	"pogobot/internal/subscriber"
	logx "pogobot/pkg/logx"
)

// ImportStats counts what ImportSubscribers wrote.
type ImportStats struct {
	Filters int
	Users   int
	Groups  int
}

// ImportSubscribers copies a subscribers YAML document into the storage
// backend configured in cfg.
func ImportSubscribers(ctx context.Context, cfg *Config, path string, log logx.Logger) (ImportStats, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return ImportStats{}, err
	}
	if !enabled {
		return ImportStats{}, fmt.Errorf("import needs a storage section")
	}
	doc, err := subscriber.LoadFile(path)
	if err != nil {
		return ImportStats{}, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return ImportStats{}, err
	}
	defer st.Close()

	repos, ok := st.Subscribers()
	if !ok {
		return ImportStats{}, fmt.Errorf("storage driver %s does not keep subscribers", sc.Driver)
	}
	if err := subscriber.Import(ctx, doc, repos); err != nil {
		return ImportStats{}, err
	}
	return ImportStats{Filters: len(doc.Filters), Users: len(doc.Users), Groups: len(doc.Groups)}, nil
}
