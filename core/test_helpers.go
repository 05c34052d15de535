package core

import (
	"os"
	"testing"
)

// setupTempDB opens a fresh Database in a new temp directory, registering
// both Close and directory removal on tb.Cleanup.
func setupTempDB(tb testing.TB, opts ...Option) (db *Database, path string) {
	path, err := os.MkdirTemp("", "bitcask_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	db, err = Open(path, opts...)
	if err != nil {
		_ = os.RemoveAll(path)
		tb.Fatalf("Open(%q) failed: %v", path, err)
	}

	tb.Cleanup(func() {
		_ = db.Close()
		_ = os.RemoveAll(path)
	})

	return db, path
}
