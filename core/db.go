package core

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Database is an embedded, single-process, log-structured key-value store.
// Exactly one writer is expected at a time (Write, Delete, and Merge all
// take an internal write lock so misuse is serialized rather than racy, but
// the contract still assumes a single logical writer); reads may proceed
// concurrently from any number of goroutines.
type Database struct {
	root    string
	dataDir string

	writeMu sync.Mutex

	dir *directory
	idx *index
	o   *options

	logger *zap.SugaredLogger
}

// Open opens (or creates) a database rooted at dir. It first runs the
// crash-safe merge handoff, then opens the data directory, then rebuilds
// the in-memory index either from a hint file (fast path, present only
// when a prior merge completed) or by replaying every live segment.
func Open(dir string, opts ...Option) (*Database, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := tryLoadMerged(dir, o.logger); err != nil {
		return nil, fmt.Errorf("merge handoff: %w", err)
	}

	dataDir := dataSubdir(dir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	d, loaded, err := openDirectory(dataDir, o)
	if err != nil {
		return nil, fmt.Errorf("open data directory: %w", err)
	}

	idx, err := rebuildIndex(dataDir, loaded, o)
	if err != nil {
		_ = d.close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	o.logger.Infow("database open", "dir", dir, "keys", idx.len())

	return &Database{
		root:    dir,
		dataDir: dataDir,
		dir:     d,
		idx:     idx,
		o:       o,
		logger:  o.logger,
	}, nil
}

// rebuildIndex implements the two-path rebuild protocol: if data/merge-finish
// is present, a prior merge completed and data/1.hint carries every locator
// for the segments at or below the recorded index — those segments are
// skipped on the slow path entirely. Everything above maxMergedIndex (and
// everything, if no merge ever completed) is replayed segment by segment in
// ascending index order, inserting live records and removing tombstoned
// keys as they're encountered.
func rebuildIndex(dataDir string, loaded []loadedSegment, o *options) (*index, error) {
	idx := newIndex()

	maxMergedIndex, present, err := readMergeFinish(dataDir)
	if err != nil {
		return nil, err
	}

	if present {
		if err := rebuildFromHint(dataDir, idx, o); err != nil {
			return nil, fmt.Errorf("rebuild from hint file: %w", err)
		}
	}

	for _, seg := range loaded {
		if present && seg.index <= maxMergedIndex {
			continue
		}
		for _, rec := range seg.records {
			if rec.IsDeleted() {
				idx.delete(rec.Key)
				continue
			}
			idx.set(rec)
		}
	}

	return idx, nil
}

// rebuildFromHint replays data/1.hint, whose records are keyed the same way
// as a live segment but whose value is an encoded (segment, offset) locator
// rather than the user's value bytes.
func rebuildFromHint(dataDir string, idx *index, o *options) error {
	path := hintPath(dataDir)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat hint file: %w", err)
	}

	seg, err := openImmutableSegment(path, hintSegmentIndex, info.Size(), o.blockSize, o.useMmap)
	if err != nil {
		return err
	}
	defer seg.close() // nolint:errcheck

	it := newSegmentIterator(seg, true)
	for it.next() {
		loc := it.record()
		segmentName, offset, err := decodeHintValue(it.materializedValue())
		if err != nil {
			return err
		}
		idx.set(RecordIndex{Key: loc.Key, Segment: segmentName, Offset: offset})
	}
	if err := it.err(); err != nil {
		return fmt.Errorf("corrupt hint file: %w", err)
	}
	return nil
}

// Write appends a record for key/value and makes it visible to subsequent
// reads.
func (db *Database) Write(key, value []byte) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	loc, err := db.dir.write(Record{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	db.idx.set(loc)
	return nil
}

// Delete appends a tombstone record for key and removes it from the index.
// It succeeds even if key was never present.
func (db *Database) Delete(key []byte) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.dir.write(Record{Key: key, Flag: flagDeleted})
	if err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	db.idx.delete(key)
	return nil
}

// Read returns the value currently associated with key, or ErrKeyNotFound.
func (db *Database) Read(key []byte) ([]byte, error) {
	loc, ok := db.idx.get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	rec, err := db.dir.readAt(loc, false)
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", key, err)
	}
	return rec.Value, nil
}

// Merge compacts every immutable segment at the time it's called into a
// fresh staging directory, keeping only the latest live value per key and
// dropping tombstones. The result only takes effect on the next Open, via
// the crash-safe handoff; Merge itself never mutates the live data
// directory.
func (db *Database) Merge() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	names, err := db.dir.prepareMerge()
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	toMerge := make([]loadedSegment, 0, len(names))
	for _, name := range names {
		seg, ok := db.dir.oldSegmentByName(name)
		if !ok {
			return fmt.Errorf("%w: segment %s vanished during merge", ErrInvariant, name)
		}

		it := newSegmentIterator(seg, false)
		var records []RecordIndex
		for it.next() {
			records = append(records, it.record())
		}
		if err := it.err(); err != nil {
			return fmt.Errorf("scan segment %s for merge: %w", name, err)
		}

		toMerge = append(toMerge, loadedSegment{name: seg.name, index: seg.index, records: records})
	}

	if err := mergeInto(mergedSubdir(db.root), toMerge, db.dir.readAt, db.o); err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	db.logger.Infow("merge staged", "segments", names)
	return nil
}

// DiskSize returns the total number of bytes occupied by live segment
// files.
func (db *Database) DiskSize() int64 {
	return db.dir.diskSize()
}

// Close releases the database's open file handles and memory maps.
func (db *Database) Close() error {
	return db.dir.close()
}
