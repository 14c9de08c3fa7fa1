package jobs

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Cleaner はTTLを過ぎた作業領域と変換成果物を削除します。
// ジョブレコード自体は Redis のTTLで失効するため、ここではファイルのみを扱います。
type Cleaner struct {
	spoolDir   string
	resultsDir string
	maxAge     time.Duration
	logger     *log.Logger
}

// NewCleaner は Cleaner を作成します。
func NewCleaner(spoolDir, resultsDir string, maxAge time.Duration, logger *log.Logger) *Cleaner {
	if logger == nil {
		logger = log.Default()
	}
	return &Cleaner{
		spoolDir:   spoolDir,
		resultsDir: resultsDir,
		maxAge:     maxAge,
		logger:     logger,
	}
}

// Run は期限切れのエントリーを削除します。エントリー単位の失敗はログに記録して
// 続行し、他のエントリーの削除を妨げません。
func (c *Cleaner) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-c.maxAge)
	removed := 0
	for _, dir := range []string{c.spoolDir, c.resultsDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				c.logger.Printf("cleanup: failed to remove %s: %v", path, err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		c.logger.Printf("cleanup: removed %d expired entries", removed)
	}
	return nil
}
