// Package journal implements an append-only, CRC-framed audit log of the
// rotator/recorder's significant decisions (rewrites, rotations, deletions,
// non-monotonic counter observations, persistence, uid removal, legacy
// imports). Unlike a write-ahead log meant to replay writes on recovery,
// crash recovery of the rotator/recorder's actual state is handled entirely
// by FileRotator's sidecar protocol — the journal exists purely so an
// operator can reconstruct what happened leading up to a crash.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

// EventType identifies the kind of decision being recorded.
type EventType uint8

const (
	EventRewriteBegin EventType = iota + 1
	EventRewriteCommit
	EventRewriteAbortRecovered
	EventRotate
	EventDelete
	EventNonMonotonic
	EventPersist
	EventRemoveUID
	EventImport
	EventRecordSnapshot
)

func (t EventType) String() string {
	switch t {
	case EventRewriteBegin:
		return "rewrite_begin"
	case EventRewriteCommit:
		return "rewrite_commit"
	case EventRewriteAbortRecovered:
		return "rewrite_abort_recovered"
	case EventRotate:
		return "rotate"
	case EventDelete:
		return "delete"
	case EventNonMonotonic:
		return "non_monotonic"
	case EventPersist:
		return "persist"
	case EventRemoveUID:
		return "remove_uid"
	case EventImport:
		return "import"
	case EventRecordSnapshot:
		return "record_snapshot"
	default:
		return "unknown"
	}
}

// Event is one journal entry.
type Event struct {
	Type      EventType
	Timestamp int64 // unix nanoseconds
	Name      string
	Detail    string
}

// header layout: crc32(4) + length uint16(2).
const headerSize = 6

// maxRecordSize bounds a single event's encoded payload; journal events are
// small fixed-shape records, so unlike a WAL there is no fragmentation path.
const maxRecordSize = 8 * 1024

var ErrCorruptRecord = errors.New("journal: corrupt record")
var ErrRecordTooLarge = errors.New("journal: record too large")

// Journal is an append-only audit log backed by a single file. Safe for
// concurrent Append calls.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// Open creates or appends to the journal file at path.
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Append writes event to the journal, flushing user-space buffers and
// fsyncing the descriptor before returning — an audit record that outlives
// the process it describes is the entire point.
func (j *Journal) Append(event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	payload := encodeEvent(event)
	if len(payload) > maxRecordSize {
		return ErrRecordTooLarge
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(payload)))

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.writer.Write(header); err != nil {
		return fmt.Errorf("journal: write header: %w", err)
	}
	if _, err := j.writer.Write(payload); err != nil {
		return fmt.Errorf("journal: write payload: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush on close: %w", err)
	}
	return j.file.Close()
}

// Replay reads every event from the beginning of the journal file at path,
// skipping corrupt trailing records (a crash mid-append truncates cleanly
// since each record's CRC covers only itself).
func Replay(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open %s for replay: %w", path, err)
	}
	defer file.Close()

	var events []Event
	reader := bufio.NewReader(file)
	for {
		event, err := readEvent(reader)
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, ErrCorruptRecord) {
				break
			}
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

func encodeEvent(e Event) []byte {
	nameBytes := []byte(e.Name)
	detailBytes := []byte(e.Detail)

	buf := make([]byte, 1+8+2+len(nameBytes)+2+len(detailBytes))
	offset := 0

	buf[offset] = byte(e.Type)
	offset++

	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(e.Timestamp))
	offset += 8

	binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(nameBytes)))
	offset += 2
	copy(buf[offset:], nameBytes)
	offset += len(nameBytes)

	binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(detailBytes)))
	offset += 2
	copy(buf[offset:], detailBytes)

	return buf
}

func decodeEvent(data []byte) (Event, error) {
	if len(data) < 1+8+2 {
		return Event{}, ErrCorruptRecord
	}
	offset := 0

	typ := EventType(data[offset])
	offset++

	timestamp := int64(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8

	nameLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+nameLen+2 > len(data) {
		return Event{}, ErrCorruptRecord
	}
	name := string(data[offset : offset+nameLen])
	offset += nameLen

	detailLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+detailLen > len(data) {
		return Event{}, ErrCorruptRecord
	}
	detail := string(data[offset : offset+detailLen])

	return Event{Type: typ, Timestamp: timestamp, Name: name, Detail: detail}, nil
}

func readEvent(r *bufio.Reader) (Event, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Event{}, ErrCorruptRecord
		}
		return Event{}, err
	}

	wantCRC := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint16(header[4:6])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Event{}, ErrCorruptRecord
		}
		return Event{}, err
	}

	if crc32.ChecksumIEEE(payload) != wantCRC {
		return Event{}, ErrCorruptRecord
	}

	return decodeEvent(payload)
}
