package core

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestSegment(t *testing.T, blockSize, segmentSizeMax int64) (*segment, string) {
	t.Helper()
	dir := t.TempDir()
	seg, err := newMutableSegment(dir, 1, blockSize, segmentSizeMax)
	if err != nil {
		t.Fatalf("newMutableSegment failed: %v", err)
	}
	t.Cleanup(func() { _ = seg.close() })
	return seg, dir
}

func TestSegmentWriteAndReadAt(t *testing.T) {
	seg, _ := newTestSegment(t, defaultBlockSize, defaultSegmentSizeMax)

	off, full, err := seg.write(Record{Key: []byte("k"), Value: []byte("v")})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if full {
		t.Errorf("did not expect segment to report full")
	}

	rec, err := seg.readAt(off, true)
	if err != nil {
		t.Fatalf("readAt failed: %v", err)
	}
	if string(rec.Key) != "k" || string(rec.Value) != "v" {
		t.Errorf("expected k/v, got %q/%q", rec.Key, rec.Value)
	}
}

func TestSegmentPaddingAcrossBlockBoundary(t *testing.T) {
	// A tiny block size forces the very next record's header to straddle
	// a block boundary, which must be padded rather than split.
	seg, _ := newTestSegment(t, 16, defaultSegmentSizeMax)

	off1, _, err := seg.write(Record{Key: []byte("aaaaaaa"), Value: nil})
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	off2, _, err := seg.write(Record{Key: []byte("b"), Value: []byte("c")})
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if off2%16 != 0 {
		t.Errorf("expected second record to start on a block boundary, offset=%d", off2)
	}

	rec1, err := seg.readAt(off1, true)
	if err != nil || string(rec1.Key) != "aaaaaaa" {
		t.Errorf("first record mismatch: %q, %v", rec1.Key, err)
	}
	rec2, err := seg.readAt(off2, true)
	if err != nil || string(rec2.Key) != "b" || string(rec2.Value) != "c" {
		t.Errorf("second record mismatch: %q/%q, %v", rec2.Key, rec2.Value, err)
	}
}

func TestSegmentIteratorStopsCleanlyAtEOF(t *testing.T) {
	seg, _ := newTestSegment(t, defaultBlockSize, defaultSegmentSizeMax)

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if _, _, err := seg.write(Record{Key: []byte(kv[0]), Value: []byte(kv[1])}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	it := newSegmentIterator(seg, true)
	var keys []string
	for it.next() {
		keys = append(keys, string(it.record().Key))
	}
	if err := it.err(); err != nil {
		t.Fatalf("unexpected iteration error: %v", err)
	}
	if _, truncated := it.truncatedAt(); truncated {
		t.Errorf("did not expect truncation on a clean segment")
	}
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestSegmentIteratorToleratesTruncatedTailRecord(t *testing.T) {
	seg, dir := newTestSegment(t, defaultBlockSize, defaultSegmentSizeMax)

	if _, _, err := seg.write(Record{Key: []byte("whole"), Value: []byte("record")}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	validSize := seg.size

	// Simulate a crash mid-write: append a few header bytes of a record
	// that never finished.
	if _, err := seg.file.WriteAt([]byte{0x00, 0x05}, seg.size); err != nil {
		t.Fatalf("append partial tail failed: %v", err)
	}

	reopened, err := openImmutableSegment(filepath.Join(dir, "1.seg"), 1, validSize+2, defaultBlockSize, false)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.close() // nolint:errcheck

	it := newSegmentIterator(reopened, true)
	var n int
	for it.next() {
		n++
	}
	if err := it.err(); err != nil {
		t.Fatalf("expected truncation to be tolerated, got hard error: %v", err)
	}
	pos, truncated := it.truncatedAt()
	if !truncated {
		t.Fatalf("expected iteration to detect a truncated tail record")
	}
	if pos != validSize {
		t.Errorf("expected truncation point %d, got %d", validSize, pos)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 well-formed record, got %d", n)
	}
}

func TestSegmentIteratorReportsCorruptionAsError(t *testing.T) {
	seg, dir := newTestSegment(t, defaultBlockSize, defaultSegmentSizeMax)

	off, _, err := seg.write(Record{Key: []byte("k"), Value: []byte("v")})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Flip a byte inside the already-written, fully-framed record: this
	// must be reported as a hard error, never silently tolerated as
	// truncation, since the record's own length fields still parse fine.
	path := filepath.Join(dir, "1.seg")
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open for corruption failed: %v", err)
	}
	if _, err := f.WriteAt([]byte{'X'}, off+3); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}
	_ = f.Close()

	reopened, err := openImmutableSegment(path, 1, seg.size, defaultBlockSize, false)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.close() // nolint:errcheck

	it := newSegmentIterator(reopened, true)
	for it.next() {
	}
	if err := it.err(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestSegmentWriteOnImmutableFails(t *testing.T) {
	_, dir := newTestSegment(t, defaultBlockSize, defaultSegmentSizeMax)

	seg, err := openImmutableSegment(filepath.Join(dir, "1.seg"), 1, 0, defaultBlockSize, false)
	if err != nil {
		t.Fatalf("openImmutableSegment failed: %v", err)
	}
	defer seg.close() // nolint:errcheck

	if _, _, err := seg.write(Record{Key: []byte("k")}); !errors.Is(err, ErrImmutable) {
		t.Errorf("expected ErrImmutable, got %v", err)
	}
}

func TestSegmentReadAtEndOfSegmentIsCleanEOF(t *testing.T) {
	seg, _ := newTestSegment(t, defaultBlockSize, defaultSegmentSizeMax)

	if _, err := seg.readAt(0, true); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF reading an empty segment, got %v", err)
	}
}
