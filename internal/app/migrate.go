package app

import (
	"context"
	"fmt"

	"cryptkeeper/internal/config"
	"cryptkeeper/internal/entry"
	"cryptkeeper/internal/storage"
	logx "cryptkeeper/pkg/logx"
)

// Migrate opens the configured store, which creates any missing tables, and
// reports the row count of each entry table. Only the storage and logging
// sections of the config are consulted.
func Migrate(ctx context.Context, cfgPath string, log logx.Logger) (map[entry.Kind]int, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	counts := make(map[entry.Kind]int, len(entry.Kinds))
	for _, kind := range entry.Kinds {
		n, err := store.Count(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", kind, err)
		}
		counts[kind] = n
	}
	log.Info("storage migrated",
		logx.String("driver", sc.Driver),
		logx.Int("news", counts[entry.KindNews]),
		logx.Int("releases", counts[entry.KindRelease]),
	)
	return counts, nil
}
