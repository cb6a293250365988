package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/dictionary"
)

// reloadDictionary re-reads the dictionary file each time sig fires until
// ctx is done. A file that fails to load leaves the served content as is.
func reloadDictionary(ctx context.Context, dict *dictionary.Dictionary, path string, sig <-chan os.Signal, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := dict.Reload(path); err != nil {
				logger.Error("dictionary reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("dictionary reloaded",
				zap.String("path", path),
				zap.Int("tags", len(dict.Tags())))
		}
	}
}
