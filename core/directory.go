package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// loadedSegment is what Directory.openDirectory hands back for each
// immutable segment it found on disk, so the index rebuild step (owned by
// the Database facade, not the directory) doesn't need to re-scan the
// segment files a second time.
type loadedSegment struct {
	name    string
	index   uint64
	records []RecordIndex // ascending offset order, values not materialized
}

// directory owns the set of segment files inside one data directory:
// exactly one mutable active segment, and an immutable set keyed by
// segment name. It serializes rotation and dispatches reads by locator.
type directory struct {
	mu sync.RWMutex

	dirPath        string
	active         *segment
	oldSegments    map[string]*segment
	useMmap        bool
	blockSize      int64
	segmentSizeMax int64
	logger         *zap.SugaredLogger
}

var segFileRe = func() func(string) (uint64, bool) {
	return func(name string) (uint64, bool) {
		stem, ok := strings.CutSuffix(name, "."+segExt)
		if !ok {
			return 0, false
		}
		idx, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			return 0, false
		}
		return idx, true
	}
}()

// openDirectory enumerates dirPath's segment files, opens each as
// immutable (validating and truncating a partially-written tail first),
// and creates a fresh active segment at the next index.
func openDirectory(dirPath string, o *options) (rd *directory, rloaded []loadedSegment, rerr error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read data directory %q: %w", dirPath, err)
	}

	var indices []uint64
	knownNames := mapset.NewSet[string]()
	actualNames := mapset.NewSet[string]()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		actualNames.Add(e.Name())
		if idx, ok := segFileRe(e.Name()); ok {
			indices = append(indices, idx)
			knownNames.Add(e.Name())
		}
	}
	knownNames.Add("1." + hintExt)
	knownNames.Add(mergeFinishFilename)

	if orphans := actualNames.Difference(knownNames); orphans.Cardinality() != 0 {
		o.logger.Warnw("unexpected files in data directory", "files", orphans.ToSlice())
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	d := &directory{
		dirPath:        dirPath,
		oldSegments:    make(map[string]*segment),
		useMmap:        o.useMmap,
		blockSize:      o.blockSize,
		segmentSizeMax: o.segmentSizeMax,
		logger:         o.logger,
	}

	defer func() {
		if rerr != nil {
			d.closeAllBestEffort()
		}
	}()

	var loaded []loadedSegment
	for _, idx := range indices {
		seg, records, err := loadAndValidateSegment(dirPath, idx, o)
		if err != nil {
			return nil, nil, fmt.Errorf("load segment %d: %w", idx, err)
		}
		d.oldSegments[seg.name] = seg
		loaded = append(loaded, loadedSegment{name: seg.name, index: idx, records: records})
	}

	nextIndex := uint64(1)
	if len(indices) > 0 {
		nextIndex = indices[len(indices)-1] + 1
	}

	active, err := newMutableSegment(dirPath, nextIndex, o.blockSize, o.segmentSizeMax)
	if err != nil {
		return nil, nil, fmt.Errorf("create active segment %d: %w", nextIndex, err)
	}
	d.active = active

	return d, loaded, nil
}

// loadAndValidateSegment opens segment <idx>.seg, scans it with checksum
// verification to find the last well-formed record, truncates away any
// partially-written trailing record (logging a warning), and reopens the
// validated prefix as an immutable segment.
func loadAndValidateSegment(dirPath string, idx uint64, o *options) (*segment, []RecordIndex, error) {
	path := segmentPath(dirPath, idx)

	scratch := &segment{
		name:      strconv.FormatUint(idx, 10),
		index:     idx,
		path:      path,
		blockSize: o.blockSize,
		mutable:   false,
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open segment file %q: %w", path, err)
	}
	scratch.file = f

	it := newSegmentIterator(scratch, true)
	var records []RecordIndex
	for it.next() {
		records = append(records, it.record())
	}
	if err := it.err(); err != nil {
		_ = f.Close()
		o.logger.Errorw("corrupt record found during rebuild", "segment", idx, "error", err)
		return nil, nil, fmt.Errorf("segment %d: %w", idx, err)
	}

	validSize, truncated := it.truncatedAt()
	if truncated {
		o.logger.Warnw("truncating partially written tail record", "segment", idx, "valid_size", validSize)
		if err := f.Truncate(validSize); err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("truncate segment %d: %w", idx, err)
		}
	} else {
		// no truncation occurred; the well-formed size is the file's own size
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("stat segment %d: %w", idx, err)
		}
		validSize = info.Size()
	}

	if err := f.Close(); err != nil {
		return nil, nil, fmt.Errorf("close segment %d after validation: %w", idx, err)
	}

	seg, err := openImmutableSegment(path, idx, validSize, o.blockSize, o.useMmap)
	if err != nil {
		return nil, nil, err
	}

	return seg, records, nil
}

func (d *directory) closeAllBestEffort() {
	if d.active != nil {
		_ = d.active.close()
	}
	for _, seg := range d.oldSegments {
		_ = seg.close()
	}
}

func (d *directory) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if err := d.active.close(); err != nil {
		firstErr = err
	}
	for _, seg := range d.oldSegments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// write appends rec to the active segment under a shared lock, then
// escalates to an exclusive lock to rotate if (and only if) the segment
// that just filled is still the active one — the check-lock-check pattern
// tolerates concurrent writers even though the reference design is
// single-writer.
func (d *directory) write(rec Record) (RecordIndex, error) {
	d.mu.RLock()
	seg := d.active
	off, full, err := seg.write(rec)
	d.mu.RUnlock()
	if err != nil {
		return RecordIndex{}, err
	}

	loc := RecordIndex{Key: rec.Key, Segment: seg.name, Offset: off, Flag: rec.Flag}

	if full {
		d.mu.Lock()
		if d.active == seg {
			if err := d.rotateLocked(); err != nil {
				d.mu.Unlock()
				return loc, fmt.Errorf("rotate after fill: %w", err)
			}
		}
		d.mu.Unlock()
	}

	return loc, nil
}

// rotateLocked demotes the active segment to immutable and opens a fresh
// active segment at the next index. Callers must hold d.mu exclusively.
func (d *directory) rotateLocked() error {
	old := d.active
	old.mutable = false

	if d.useMmap && old.size > 0 {
		m, err := mmapRegion(old.file, old.size)
		if err != nil {
			return fmt.Errorf("mmap rotated segment %s: %w", old.name, err)
		}
		old.mm = m
	}
	d.oldSegments[old.name] = old

	next, err := newMutableSegment(d.dirPath, old.index+1, d.blockSize, d.segmentSizeMax)
	if err != nil {
		return err
	}
	d.active = next
	d.logger.Infow("rotated segment", "filled", old.name, "new_active", next.name)
	return nil
}

// prepareMerge forces a rotation of the active segment, even if it is not
// full, so that the entire workload to compact is immutable. It returns
// the immutable segment names in ascending index order at that moment.
// Writes submitted after prepareMerge returns land in the fresh active
// segment and are never included in, nor lost by, the compaction.
func (d *directory) prepareMerge() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rotateLocked(); err != nil {
		return nil, fmt.Errorf("prepare merge: %w", err)
	}

	names := make([]string, 0, len(d.oldSegments))
	for name := range d.oldSegments {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return d.oldSegments[names[i]].index < d.oldSegments[names[j]].index
	})
	return names, nil
}

// readAt resolves loc against either the active or an immutable segment
// and reads the record there.
func (d *directory) readAt(loc RecordIndex, verifyChecksum bool) (Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.active.name == loc.Segment {
		return d.active.readAt(loc.Offset, verifyChecksum)
	}
	seg, ok := d.oldSegments[loc.Segment]
	if !ok {
		return Record{}, fmt.Errorf("%w: segment %s for key %q", ErrNotFound, loc.Segment, loc.Key)
	}
	return seg.readAt(loc.Offset, verifyChecksum)
}

// diskSize returns the sum of all on-disk segment bytes, active and
// immutable.
func (d *directory) diskSize() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := d.active.size
	for _, seg := range d.oldSegments {
		total += seg.size
	}
	return total
}

// oldSegmentByName looks up an immutable segment by name, used by merge to
// re-scan the segments it was told to compact.
func (d *directory) oldSegmentByName(name string) (*segment, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seg, ok := d.oldSegments[name]
	return seg, ok
}

func dataSubdir(root string) string   { return filepath.Join(root, "data") }
func mergedSubdir(root string) string { return filepath.Join(root, "merged") }
