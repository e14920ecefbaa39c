// Package eventlog implements the append-only per-session event log.
// Each session owns one log of framed JSON records plus a fixed-width
// offset index for O(1) lookup by sequence number. The log file is the
// source of truth; the index is rebuilt from it whenever it is missing
// or does not describe the log.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
)

const (
	logFileName   = "events"
	indexFileName = logFileName + ".idx"

	// headerSize is the framed record header: uint32 payload length
	// followed by uint32 CRC32 (IEEE) of the payload, both big-endian.
	headerSize = 8

	// maxRecordSize bounds a single record body. A length header beyond
	// this is treated as corruption instead of an allocation attempt.
	maxRecordSize = 16 << 20
)

var (
	// ErrCorruptRecord reports a record whose checksum or encoding does not
	// match its frame.
	ErrCorruptRecord = errors.New("eventlog: corrupt record")

	// ErrClosed reports use of a closed log.
	ErrClosed = errors.New("eventlog: closed")
)

// Record is a single entry in a session's event log. Seq starts at 1 and
// increases without gaps. The payload is opaque to the log.
type Record struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Log is an append-only, crash-tolerant event log. Appends are serialized;
// reads may run concurrently with appends. A torn tail left by a crash is
// discarded on open, so the visible records always form a contiguous
// sequence starting at 1.
type Log struct {
	mu      sync.RWMutex
	dir     string
	name    string
	f       *os.File // framed records, opened O_APPEND
	idx     *os.File // big-endian uint64 offsets, entry i = offset of seq i+1
	offsets []uint64
	size    uint64 // committed log size in bytes
	logger  *logger.Logger
	closed  bool
}

// Open opens (or creates) the event log stored in dir, recovering the offset
// index from the log file when the sidecar index is missing or stale.
func Open(dir string, log *logger.Logger) (*Log, error) {
	return OpenNamed(dir, logFileName, log)
}

// OpenNamed is Open with an explicit base file name. The index file uses the
// same name with an ".idx" suffix. Legion comm logs use this to live beside
// other per-legion files.
func OpenNamed(dir, name string, log *logger.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	l := &Log{
		dir:    dir,
		name:   name,
		f:      f,
		logger: log.WithFields(zap.String("component", "eventlog"), zap.String("path", filepath.Join(dir, name))),
	}

	if err := l.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}

	// The index handle is opened after recovery so it points at the
	// rewritten file, not at an unlinked inode replaced by the rename.
	idx, err := os.OpenFile(l.indexPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to open event log index: %w", err)
	}
	l.idx = idx

	return l, nil
}

func (l *Log) indexPath() string {
	return filepath.Join(l.dir, l.name+".idx")
}

// Append marshals payload, assigns the next sequence number and appends the
// framed record. The log file is synced before Append returns; the index
// entry is written without sync because the index rebuilds from the log.
func (l *Log) Append(kind string, payload interface{}) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, ErrClosed
	}

	rec := Record{
		Seq:       uint64(len(l.offsets)) + 1,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Record{}, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		rec.Payload = data
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal event record: %w", err)
	}

	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[headerSize:], body)

	offset := l.size
	if _, err := l.f.Write(frame); err != nil {
		// A torn frame would shadow every later append; restore the old size.
		if terr := l.f.Truncate(int64(offset)); terr != nil {
			l.logger.Error("failed to truncate after partial append", zap.Error(terr))
		}
		return Record{}, fmt.Errorf("failed to append event record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Record{}, fmt.Errorf("failed to sync event log: %w", err)
	}

	var entry [8]byte
	binary.BigEndian.PutUint64(entry[:], offset)
	if _, err := l.idx.Write(entry[:]); err != nil {
		// The record is durable; the index rebuilds from the log on next open.
		l.logger.Warn("failed to append index entry", zap.Error(err))
	}

	l.offsets = append(l.offsets, offset)
	l.size += uint64(len(frame))

	return rec, nil
}

// Read returns up to limit records starting at sequence from (inclusive).
// A from of 0 or 1 reads from the start. A limit <= 0 means no limit.
// Requests past the end return an empty slice.
func (l *Log) Read(from uint64, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}
	if from == 0 {
		from = 1
	}
	last := uint64(len(l.offsets))
	if from > last {
		return nil, nil
	}
	end := last
	if limit > 0 && from+uint64(limit)-1 < end {
		end = from + uint64(limit) - 1
	}

	records := make([]Record, 0, end-from+1)
	for seq := from; seq <= end; seq++ {
		rec, err := l.readAt(l.offsets[seq-1], seq)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadAll returns every record in the log.
func (l *Log) ReadAll() ([]Record, error) {
	return l.Read(1, 0)
}

// LastSeq returns the sequence number of the newest record, or 0 for an
// empty log.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.offsets))
}

// Len returns the number of records in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.offsets)
}

// Reset discards every record, restarting the sequence at 1. Used when a
// session's conversation is reset rather than restarted.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to reset event log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync reset event log: %w", err)
	}
	if err := l.idx.Truncate(0); err != nil {
		return fmt.Errorf("failed to reset event log index: %w", err)
	}
	l.offsets = nil
	l.size = 0
	return nil
}

// Close syncs and closes the underlying files. Further calls fail with
// ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	if err := l.f.Sync(); err != nil {
		firstErr = err
	}
	if err := l.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// readAt decodes and verifies the framed record at offset.
func (l *Log) readAt(offset, seq uint64) (Record, error) {
	var header [headerSize]byte
	if _, err := l.f.ReadAt(header[:], int64(offset)); err != nil {
		return Record{}, fmt.Errorf("failed to read record %d header: %w", seq, err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length == 0 || length > maxRecordSize {
		return Record{}, fmt.Errorf("record %d: %w", seq, ErrCorruptRecord)
	}

	body := make([]byte, length)
	if _, err := l.f.ReadAt(body, int64(offset)+headerSize); err != nil {
		return Record{}, fmt.Errorf("failed to read record %d: %w", seq, err)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return Record{}, fmt.Errorf("record %d: %w", seq, ErrCorruptRecord)
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, fmt.Errorf("record %d: %w", seq, ErrCorruptRecord)
	}
	return rec, nil
}

// verifyAt checks the frame at offset and returns the offset one past its end.
func (l *Log) verifyAt(offset, size uint64) (uint64, error) {
	if offset+headerSize > size {
		return 0, ErrCorruptRecord
	}

	var header [headerSize]byte
	if _, err := l.f.ReadAt(header[:], int64(offset)); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length == 0 || length > maxRecordSize {
		return 0, ErrCorruptRecord
	}
	end := offset + headerSize + uint64(length)
	if end > size {
		return 0, ErrCorruptRecord
	}

	body := make([]byte, length)
	if _, err := l.f.ReadAt(body, int64(offset)+headerSize); err != nil {
		return 0, err
	}
	if crc32.ChecksumIEEE(body) != sum {
		return 0, ErrCorruptRecord
	}
	return end, nil
}

// recover restores the in-memory offsets from the index file, falling back
// to a scan of the log. Records past the last verifiable frame are dropped,
// which covers a tail torn by a crash mid-append.
func (l *Log) recover() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat event log: %w", err)
	}
	size := uint64(info.Size())

	offsets, indexOK := l.loadIndex(size)
	scanFrom := uint64(0)
	if indexOK && len(offsets) > 0 {
		// Verify the newest indexed record. If it does not check out the
		// index does not describe this log and is rebuilt from scratch.
		end, err := l.verifyAt(offsets[len(offsets)-1], size)
		if err != nil {
			offsets = nil
			indexOK = false
		} else {
			scanFrom = end
		}
	}

	// Scan forward for records the index does not cover yet (a crash can
	// land between the record write and the index write).
	pos := scanFrom
	scanned := 0
	for pos < size {
		end, err := l.verifyAt(pos, size)
		if err != nil {
			break
		}
		offsets = append(offsets, pos)
		scanned++
		pos = end
	}

	truncated := pos < size
	if truncated {
		l.logger.Warn("discarding torn event log tail",
			zap.Uint64("offset", pos),
			zap.Uint64("dropped_bytes", size-pos))
		if err := l.f.Truncate(int64(pos)); err != nil {
			return fmt.Errorf("failed to truncate torn event log tail: %w", err)
		}
		size = pos
	}

	if !indexOK || scanned > 0 || truncated {
		if err := l.rewriteIndex(offsets); err != nil {
			return err
		}
		if scanned > 0 || !indexOK {
			l.logger.Info("rebuilt event log index",
				zap.Int("records", len(offsets)),
				zap.Int("scanned", scanned))
		}
	}

	l.offsets = offsets
	l.size = size
	return nil
}

// loadIndex reads the sidecar index and validates its shape against the log
// size. Any structural violation discards the index entirely.
func (l *Log) loadIndex(size uint64) ([]uint64, bool) {
	data, err := os.ReadFile(l.indexPath())
	if err != nil || len(data) == 0 || len(data)%8 != 0 {
		return nil, false
	}

	offsets := make([]uint64, len(data)/8)
	var prev uint64
	for i := range offsets {
		off := binary.BigEndian.Uint64(data[i*8:])
		if off >= size || (i == 0 && off != 0) || (i > 0 && off <= prev) {
			return nil, false
		}
		offsets[i] = off
		prev = off
	}
	return offsets, true
}

// rewriteIndex atomically replaces the index file with the given offsets.
func (l *Log) rewriteIndex(offsets []uint64) error {
	path := l.indexPath()
	tmp := path + ".tmp"

	buf := make([]byte, len(offsets)*8)
	for i, off := range offsets {
		binary.BigEndian.PutUint64(buf[i*8:], off)
	}
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("failed to write event log index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace event log index: %w", err)
	}
	return nil
}
