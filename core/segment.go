package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/epokhe/bitcask/internal/varint"
)

const (
	flagPadding byte = 0x01
	flagDeleted byte = 0x02

	// maxHeaderLen is flag(1) + two varints at their longest (10 bytes each).
	maxHeaderLen = 1 + varint.MaxLen + varint.MaxLen

	// crcLen is the on-disk footprint of the checksum: 4 bytes, with the
	// 16-bit digest stored in the low two bytes, high two bytes zeroed, to
	// leave room for a future widening to CRC-32.
	crcLen = 4

	segExt = "seg"
)

// Record is the logical unit a caller reads or writes: a key, a value, and
// the flag bits that mark it as a tombstone or as block padding.
type Record struct {
	Key   []byte
	Value []byte
	Flag  byte
}

func (r Record) IsDeleted() bool { return r.Flag&flagDeleted != 0 }
func (r Record) IsPadding() bool { return r.Flag&flagPadding != 0 }

// RecordIndex is the in-memory (or hint-file) locator for a record: which
// segment it lives in, at what offset, and its flag. Value is populated
// only when an iterator is asked to materialize it (the hint-rebuild path);
// it is otherwise absent.
type RecordIndex struct {
	Key     []byte
	Segment string
	Offset  int64
	Flag    byte
	Value   []byte
}

func (ri RecordIndex) IsDeleted() bool { return ri.Flag&flagDeleted != 0 }

// segment is a single append-only record file, either the directory's
// unique mutable tail or one of its immutable old segments.
type segment struct {
	name  string // decimal index as it appears in the filename, e.g. "7"
	index uint64
	path  string

	blockSize      int64
	segmentSizeMax int64

	mu      sync.Mutex // guards mutable tail state: fd writes, size, block cursor
	mutable bool
	file    *os.File
	size    int64

	// immutable read state: at most one of these is non-nil once opened.
	mm mmap.MMap
}

func segmentPath(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s", index, segExt))
}

// parseSegmentStem parses a bare segment filename stem ("7") into its
// decimal index. A stem that isn't all-decimal is Corrupt: it means the
// directory contains a file its enumeration can't account for.
func parseSegmentStem(stem string) (uint64, error) {
	idx, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unparseable segment stem %q: %v", ErrCorrupt, stem, err)
	}
	return idx, nil
}

// newMutableSegment creates a fresh active segment at the given index. It
// fails with ErrAlreadyExists if the file is already present, which is how
// a racing rotation is detected.
func newMutableSegment(dir string, index uint64, blockSize, segmentSizeMax int64) (*segment, error) {
	path := segmentPath(dir, index)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	return &segment{
		name:           strconv.FormatUint(index, 10),
		index:          index,
		path:           path,
		blockSize:      blockSize,
		segmentSizeMax: segmentSizeMax,
		mutable:        true,
		file:           f,
	}, nil
}

// openImmutableSegment opens an existing segment file read-only. size is
// the number of well-formed bytes the caller has already validated (it may
// be less than the file's length, if a trailing partial record is present
// and the caller chooses not to truncate). When useMmap is true and the
// segment is non-empty, reads are served from a memory map; empty files
// degrade to the positional path regardless of useMmap.
func openImmutableSegment(path string, index uint64, size, blockSize int64, useMmap bool) (rseg *segment, rerr error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer func() {
		if rerr != nil {
			_ = f.Close()
		}
	}()

	seg := &segment{
		name:      strconv.FormatUint(index, 10),
		index:     index,
		path:      path,
		blockSize: blockSize,
		mutable:   false,
		file:      f,
		size:      size,
	}

	if useMmap && size > 0 {
		m, err := mmap.MapRegion(f, int(size), mmap.RDONLY, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("mmap segment %s: %w", path, err)
		}
		seg.mm = m
	}

	return seg, nil
}

// mmapRegion maps the first size bytes of f read-only.
func mmapRegion(f *os.File, size int64) (mmap.MMap, error) {
	return mmap.MapRegion(f, int(size), mmap.RDONLY, 0, 0)
}

func (s *segment) close() error {
	if s.mm != nil {
		if err := s.mm.Unmap(); err != nil {
			return fmt.Errorf("unmap segment %s: %w", s.path, err)
		}
	}
	return s.file.Close()
}

// encodeRecord renders rec's on-disk bytes (header + key + value + crc),
// not including any leading padding.
func encodeRecord(rec Record) []byte {
	buf := make([]byte, 1, 1+2*varint.MaxLen+len(rec.Key)+len(rec.Value)+crcLen)
	buf[0] = rec.Flag
	buf = varint.Encode(buf, uint64(len(rec.Key)))
	buf = varint.Encode(buf, uint64(len(rec.Value)))
	buf = append(buf, rec.Key...)
	buf = append(buf, rec.Value...)

	sum := crc16Checksum(buf[len(buf)-len(rec.Value)-len(rec.Key):])
	var crc [crcLen]byte
	binary.LittleEndian.PutUint16(crc[:2], sum)
	return append(buf, crc[:]...)
}

// write appends rec to the segment's tail, padding the current block first
// if rec's header would otherwise straddle a block boundary. It returns
// the offset of rec's flag byte (the locator stored in the index) and
// whether this write has brought the segment to or past its size cap.
func (s *segment) write(rec Record) (beginOffset int64, full bool, err error) {
	if !s.mutable {
		return 0, false, fmt.Errorf("write segment %s: %w", s.name, ErrImmutable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := encodeRecord(rec)
	headerLen := int64(1 + varintLen(uint64(len(rec.Key))) + varintLen(uint64(len(rec.Value))))

	blockOff := s.size % s.blockSize
	remaining := s.blockSize - blockOff
	if headerLen > remaining {
		pad := make([]byte, remaining)
		pad[0] = flagPadding
		if _, err := s.file.WriteAt(pad, s.size); err != nil {
			return 0, false, fmt.Errorf("write padding to segment %s: %w", s.name, err)
		}
		s.size += remaining
	}

	begin := s.size
	if _, err := s.file.WriteAt(encoded, begin); err != nil {
		return 0, false, fmt.Errorf("write record to segment %s: %w", s.name, err)
	}
	s.size += int64(len(encoded))

	return begin, s.size >= s.segmentSizeMax, nil
}

func varintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// readAt reads a single record at offset, dispatching to the mmap or
// positional path. CRC verification is optional: the hot Read() path skips
// it, while rebuild paths request it.
func (s *segment) readAt(offset int64, verifyChecksum bool) (Record, error) {
	if s.mm != nil {
		return readRecordFromBytes(s.mm, offset, verifyChecksum)
	}
	return readRecordAt(s.file, offset, verifyChecksum)
}

// readRecordAt reads one record from r at offset using positional I/O.
func readRecordAt(r io.ReaderAt, offset int64, verifyChecksum bool) (Record, error) {
	rec, _, err := decodeRecordAt(&readerAtByteReader{r: r, pos: offset}, r, offset, verifyChecksum)
	return rec, err
}

// readRecordFromBytes reads one record directly out of a memory-mapped
// byte slice.
func readRecordFromBytes(data []byte, offset int64, verifyChecksum bool) (Record, error) {
	if int(offset) == len(data) {
		return Record{}, io.EOF // clean end of segment
	}
	if offset < 0 || int(offset) > len(data) {
		return Record{}, fmt.Errorf("%w: offset %d out of range", ErrCorrupt, offset)
	}
	flag := data[offset]
	if flag&flagPadding != 0 {
		return Record{Flag: flag}, nil
	}

	pos := int(offset) + 1
	keyLen, err := varint.DecodeBytes(data, &pos)
	if err != nil {
		return Record{}, truncationAware(err)
	}
	valLen, err := varint.DecodeBytes(data, &pos)
	if err != nil {
		return Record{}, truncationAware(err)
	}

	end := pos + int(keyLen) + int(valLen) + crcLen
	if end > len(data) {
		return Record{}, io.ErrUnexpectedEOF
	}

	key := append([]byte(nil), data[pos:pos+int(keyLen)]...)
	val := append([]byte(nil), data[pos+int(keyLen):pos+int(keyLen)+int(valLen)]...)

	if verifyChecksum {
		if err := verifyRecordCRC(data[pos+int(keyLen)+int(valLen):end], key, val); err != nil {
			return Record{}, err
		}
	}

	return Record{Key: key, Value: val, Flag: flag}, nil
}

func verifyRecordCRC(crcBytes, key, val []byte) error {
	stored := binary.LittleEndian.Uint16(crcBytes[:2])
	high := binary.LittleEndian.Uint16(crcBytes[2:])
	if high != 0 {
		return fmt.Errorf("%w: nonzero high CRC bytes", ErrCorrupt)
	}
	buf := make([]byte, 0, len(key)+len(val))
	buf = append(buf, key...)
	buf = append(buf, val...)
	if computed := crc16Checksum(buf); computed != stored {
		return fmt.Errorf("%w: crc mismatch: expected %#04x, got %#04x", ErrCorrupt, stored, computed)
	}
	return nil
}

// readerAtByteReader adapts an io.ReaderAt to io.ByteReader for the varint
// decoder, one byte at a time. Only used off the hot path (iteration and
// positional random reads of non-mmapped, typically small, segments).
type readerAtByteReader struct {
	r   io.ReaderAt
	pos int64
}

func (b *readerAtByteReader) ReadByte() (byte, error) {
	var buf [1]byte
	n, err := b.r.ReadAt(buf[:], b.pos)
	if n == 1 {
		b.pos++
		return buf[0], nil
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}

// decodeRecordAt decodes one record starting at offset, advancing br/r in
// lockstep, and returns the record plus the total number of bytes the
// on-disk encoding occupied (header + key + value + crc).
func decodeRecordAt(br *readerAtByteReader, r io.ReaderAt, offset int64, verifyChecksum bool) (Record, int64, error) {
	flag, err := br.ReadByte()
	if err != nil {
		return Record{}, 0, err // clean EOF propagates unchanged: no more records
	}
	if flag&flagPadding != 0 {
		return Record{Flag: flag}, 1, nil
	}

	keyLen, _, err := varint.Decode(br)
	if err != nil {
		return Record{}, 0, truncationAware(err)
	}
	valLen, _, err := varint.Decode(br)
	if err != nil {
		return Record{}, 0, truncationAware(err)
	}

	headerLen := br.pos - offset
	key := make([]byte, keyLen)
	if keyLen > 0 {
		if err := readFullAt(r, key, br.pos); err != nil {
			return Record{}, 0, truncationAware(err)
		}
		br.pos += int64(keyLen)
	}

	val := make([]byte, valLen)
	if valLen > 0 {
		if err := readFullAt(r, val, br.pos); err != nil {
			return Record{}, 0, truncationAware(err)
		}
		br.pos += int64(valLen)
	}

	var crcBuf [crcLen]byte
	if err := readFullAt(r, crcBuf[:], br.pos); err != nil {
		return Record{}, 0, truncationAware(err)
	}
	br.pos += crcLen

	if verifyChecksum {
		if err := verifyRecordCRC(crcBuf[:], key, val); err != nil {
			return Record{}, 0, err
		}
	}

	total := headerLen + int64(keyLen) + int64(valLen) + crcLen
	return Record{Key: key, Value: val, Flag: flag}, total, nil
}

// readFullAt reads exactly len(buf) bytes at offset, mapping a short read
// at end-of-file to io.ErrUnexpectedEOF.
func readFullAt(r io.ReaderAt, buf []byte, offset int64) error {
	n, err := r.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// truncationAware leaves a genuine ErrCorrupt alone but maps a bare EOF
// (the reader ran out before the record finished) to io.ErrUnexpectedEOF,
// the signal callers use to distinguish "this is a partially written tail
// record" from "this record's bytes are internally inconsistent".
func truncationAware(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// segmentIterator walks a segment forward from offset 0, stopping cleanly
// at end-of-file or at the first truncated/partially-written trailing
// record. A checksum mismatch of an otherwise complete record is not a
// clean stop: iteration ends and the mismatch is reported as an error,
// since it can only mean a previously committed record has been corrupted
// in place.
type segmentIterator struct {
	seg            *segment
	verifyChecksum bool

	pos        int64
	rec        RecordIndex
	value      []byte
	err        error
	truncated  bool
}

func newSegmentIterator(seg *segment, verifyChecksum bool) *segmentIterator {
	return &segmentIterator{seg: seg, verifyChecksum: verifyChecksum}
}

// next advances the iterator. It returns false when iteration is over,
// either because it reached the end of well-formed data or because an
// error occurred (check err()).
func (it *segmentIterator) next() bool {
	if it.err != nil || it.truncated {
		return false
	}

	for {
		start := it.pos
		var rec Record
		var n int64
		var err error

		if it.seg.mm != nil {
			rec, err = readRecordFromBytes(it.seg.mm, start, it.verifyChecksum)
			if err == nil {
				n = recordEncodedLen(rec)
			}
		} else {
			br := &readerAtByteReader{r: it.seg.file, pos: start}
			rec, n, err = decodeRecordAt(br, it.seg.file, start, it.verifyChecksum)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return false // clean end of segment
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				it.truncated = true
				it.pos = start // truncate back to the last good offset
				return false
			}
			it.err = err
			return false
		}

		if rec.IsPadding() {
			it.pos = nextBlockOffset(start, it.seg.blockSize)
			continue
		}

		it.rec = RecordIndex{Key: rec.Key, Segment: it.seg.name, Offset: start, Flag: rec.Flag}
		it.value = rec.Value
		it.pos = start + n
		return true
	}
}

func recordEncodedLen(rec Record) int64 {
	return int64(1+varintLen(uint64(len(rec.Key)))+varintLen(uint64(len(rec.Value)))) + int64(len(rec.Key)) + int64(len(rec.Value)) + crcLen
}

func nextBlockOffset(offset, blockSize int64) int64 {
	if offset%blockSize == 0 {
		return offset + blockSize
	}
	return (offset/blockSize + 1) * blockSize
}

// record returns the locator most recently yielded by next().
func (it *segmentIterator) record() RecordIndex { return it.rec }

// materializedValue returns the value bytes of the record most recently
// yielded by next(). Iteration always reads the value off disk; callers
// that don't need it (most index rebuild paths) simply ignore it.
func (it *segmentIterator) materializedValue() []byte { return it.value }

// err reports a hard iteration error (not a clean or truncated end).
func (it *segmentIterator) err() error { return it.err }

// truncatedAt reports whether iteration stopped because of a partially
// written trailing record, and if so, the offset at which the segment
// should be truncated to discard it.
func (it *segmentIterator) truncatedAt() (int64, bool) {
	return it.pos, it.truncated
}

