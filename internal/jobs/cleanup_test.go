package jobs

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCleanerRemovesExpiredEntries(t *testing.T) {
	spool := t.TempDir()
	results := t.TempDir()

	oldDir := filepath.Join(spool, "old-job")
	if err := os.MkdirAll(oldDir, 0o750); err != nil {
		t.Fatalf("failed to create old dir: %v", err)
	}
	oldFile := filepath.Join(results, "old-job.png")
	if err := os.WriteFile(oldFile, []byte("x"), 0o640); err != nil {
		t.Fatalf("failed to create old file: %v", err)
	}
	past := time.Now().Add(-2 * time.Hour)
	for _, path := range []string{oldDir, oldFile} {
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("failed to backdate %s: %v", path, err)
		}
	}

	freshDir := filepath.Join(spool, "fresh-job")
	if err := os.MkdirAll(freshDir, 0o750); err != nil {
		t.Fatalf("failed to create fresh dir: %v", err)
	}

	cleaner := NewCleaner(spool, results, time.Hour, log.New(io.Discard, "", 0))
	if err := cleaner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("expired workspace should be removed, stat err=%v", err)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatalf("expired result should be removed, stat err=%v", err)
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Fatalf("fresh workspace should survive: %v", err)
	}
}

func TestCleanerMissingDirs(t *testing.T) {
	cleaner := NewCleaner(filepath.Join(t.TempDir(), "absent"), "", time.Hour, log.New(io.Discard, "", 0))
	if err := cleaner.Run(context.Background()); err != nil {
		t.Fatalf("missing dirs should not fail: %v", err)
	}
}
