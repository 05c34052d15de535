package core

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	hintExt             = "hint"
	hintSegmentIndex    = 1
	mergeFinishFilename = "merge-finish"
)

func hintPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s", hintSegmentIndex, hintExt))
}

// newHintSegment creates the hint file "1.hint", reusing the segment
// type's block/record framing (the same layout as a .seg file) even
// though the name doesn't end in ".seg" and it never rotates.
func newHintSegment(dir string, blockSize, segmentSizeMax int64) (*segment, error) {
	path := hintPath(dir)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("create hint file %s: %w", path, err)
	}
	return &segment{
		name:           "1",
		index:          hintSegmentIndex,
		path:           path,
		blockSize:      blockSize,
		segmentSizeMax: segmentSizeMax,
		mutable:        true,
		file:           f,
	}, nil
}

// encodeHintValue renders loc as a hint-file record value:
// segmentName bytes, a single 0x00 separator (segment names are decimal
// digits so they never contain a zero byte), then the offset as eight
// little-endian bytes.
func encodeHintValue(loc RecordIndex) []byte {
	buf := make([]byte, 0, len(loc.Segment)+1+8)
	buf = append(buf, loc.Segment...)
	buf = append(buf, 0x00)
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], uint64(loc.Offset))
	return append(buf, off[:]...)
}

// decodeHintValue parses a hint-file record value back into a segment
// name and offset.
func decodeHintValue(value []byte) (segmentName string, offset int64, err error) {
	sep := -1
	for i, b := range value {
		if b == 0x00 {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", 0, fmt.Errorf("%w: hint value missing separator", ErrCorrupt)
	}
	if len(value) != sep+1+8 {
		return "", 0, fmt.Errorf("%w: hint value has wrong length", ErrCorrupt)
	}
	segmentName = string(value[:sep])
	offset = int64(binary.LittleEndian.Uint64(value[sep+1:]))
	return segmentName, offset, nil
}

// mergeInto runs the merge protocol against toMerge, reading live
// records through readAt, and writes the compacted output to destDir (the
// "merged/" staging directory). Any existing destDir is removed and
// recreated empty first.
//
// The merge never touches the live data directory: its output only takes
// effect on the next Open, via tryLoadMerged.
func mergeInto(destDir string, toMerge []loadedSegment, readAt func(RecordIndex, bool) (Record, error), o *options) error {
	if len(toMerge) == 0 {
		return nil // nothing to compact; succeed trivially
	}

	latest := newIndex()
	var maxMergedIndex uint64
	for _, seg := range toMerge {
		if seg.index > maxMergedIndex {
			maxMergedIndex = seg.index
		}
		for _, rec := range seg.records {
			if rec.IsDeleted() {
				latest.delete(rec.Key)
				continue
			}
			latest.set(rec)
		}
	}

	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("remove stale merge staging dir: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create merge staging dir: %w", err)
	}

	stagingIndex := uint64(1)
	staging, err := newMutableSegment(destDir, stagingIndex, o.blockSize, o.segmentSizeMax)
	if err != nil {
		return fmt.Errorf("create staging segment: %w", err)
	}
	hint, err := newHintSegment(destDir, o.blockSize, o.segmentSizeMax)
	if err != nil {
		return fmt.Errorf("create hint segment: %w", err)
	}

	var mergeErr error
	latest.ascend(func(loc RecordIndex) bool {
		rec, err := readAt(loc, false)
		if err != nil {
			mergeErr = fmt.Errorf("read live record for merge key: %w", err)
			return false
		}

		if staging.size >= o.segmentSizeMax {
			stagingIndex++
			staging, err = newMutableSegment(destDir, stagingIndex, o.blockSize, o.segmentSizeMax)
			if err != nil {
				mergeErr = fmt.Errorf("rotate staging segment: %w", err)
				return false
			}
		}

		off, _, err := staging.write(rec)
		if err != nil {
			mergeErr = fmt.Errorf("write staging record: %w", err)
			return false
		}

		hintVal := encodeHintValue(RecordIndex{Segment: staging.name, Offset: off})
		if _, _, err := hint.write(Record{Key: loc.Key, Value: hintVal}); err != nil {
			mergeErr = fmt.Errorf("write hint record: %w", err)
			return false
		}
		return true
	})
	if mergeErr != nil {
		return mergeErr
	}

	if err := staging.file.Sync(); err != nil {
		return fmt.Errorf("sync staging segment: %w", err)
	}
	if err := hint.file.Sync(); err != nil {
		return fmt.Errorf("sync hint file: %w", err)
	}

	if err := writeFileDurable(destDir, mergeFinishFilename, []byte(strconv.FormatUint(maxMergedIndex, 10))); err != nil {
		return fmt.Errorf("write merge-finish: %w", err)
	}

	return nil
}

// tryLoadMerged runs the crash-safe handoff state machine described for
// merge artifacts: S0 (no merged/, no-op), S1 (merged/ without
// merge-finish, interrupted — delete it), S2 (merged/ with merge-finish —
// fold it into dataDir), transitioning to S3 (absorbed: dataDir carries
// 1.hint + merge-finish, merged/ is gone). It must run before dataDir is
// opened, since it may delete and replace segment files dataDir would
// otherwise see.
func tryLoadMerged(root string, logger *zap.SugaredLogger) error {
	dataDir := dataSubdir(root)
	mergedDir := mergedSubdir(root)

	if _, err := os.Stat(mergedDir); err != nil {
		if os.IsNotExist(err) {
			return nil // S0: nothing to do
		}
		return fmt.Errorf("stat merged dir: %w", err)
	}

	finishPath := filepath.Join(mergedDir, mergeFinishFilename)
	finishBytes, err := os.ReadFile(finishPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnw("interrupted merge found on open, discarding", "dir", mergedDir)
			return os.RemoveAll(mergedDir) // S1 -> S0
		}
		return fmt.Errorf("read merge-finish: %w", err)
	}

	maxMergedIndex, err := strconv.ParseUint(strings.TrimSpace(string(finishBytes)), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: parse merge-finish: %v", ErrCorrupt, err)
	}

	logger.Infow("replaying merge handoff", "max_merged_index", maxMergedIndex)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	for i := uint64(1); i <= maxMergedIndex; i++ {
		if err := os.Remove(segmentPath(dataDir, i)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove superseded segment %d: %w", i, err)
		}
	}

	entries, err := os.ReadDir(mergedDir)
	if err != nil {
		return fmt.Errorf("read merged dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "."+segExt) {
			continue
		}
		if err := copyFileAtomic(filepath.Join(mergedDir, e.Name()), filepath.Join(dataDir, e.Name())); err != nil {
			return fmt.Errorf("copy merged segment %s: %w", e.Name(), err)
		}
	}

	if _, err := os.Stat(hintPath(mergedDir)); err == nil {
		if err := copyFileAtomic(hintPath(mergedDir), hintPath(dataDir)); err != nil {
			return fmt.Errorf("copy hint file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat merged hint file: %w", err)
	}

	if err := copyFileAtomic(finishPath, filepath.Join(dataDir, mergeFinishFilename)); err != nil {
		return fmt.Errorf("copy merge-finish: %w", err)
	}

	if err := os.RemoveAll(mergedDir); err != nil {
		return fmt.Errorf("remove merged dir after handoff: %w", err)
	}

	return nil // S2 -> S3
}

// readMergeFinish reads data/merge-finish if present, returning the max
// merged segment index and whether the file existed (S3: hint file should
// be consulted during index rebuild).
func readMergeFinish(dataDir string) (maxMergedIndex uint64, present bool, err error) {
	b, err := os.ReadFile(filepath.Join(dataDir, mergeFinishFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read merge-finish: %w", err)
	}
	idx, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: parse merge-finish: %v", ErrCorrupt, err)
	}
	return idx, true, nil
}
