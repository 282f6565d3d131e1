// Package output records the frames exchanged with the backend to a raw log file and
// reads them back.
//
// A log starts with an 8-byte magic. Every record follows as a 12-byte little-endian
// header (unix nanoseconds, payload length) and a CBOR payload. The first record is the
// session header.
package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const rawLogMagic = "FCAMRAW1"

const maxRecordSize = 64 << 20

var ErrBadMagic = errors.New("not a facecam raw log")

// Header opens every log.
type Header struct {
	Session string `cbor:"session"`
	Backend string `cbor:"backend"`
	Started int64  `cbor:"started"`
}

// Entry is one recorded socket frame.
type Entry struct {
	Dir   string `cbor:"dir"`
	Frame string `cbor:"frame"`
}

type RawLogWriter struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	path    string
	session string
	now     func() time.Time
}

func NewRawLogWriter(outputDir string, prefix string, backend string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	now := time.Now()
	session := uuid.NewString()
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%s.bin", now.Format("20060102_150405"), prefix, session[:8]))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &RawLogWriter{
		f:       f,
		w:       w,
		path:    filename,
		session: session,
		now:     time.Now,
	}
	header, err := cbor.Marshal(Header{Session: session, Backend: backend, Started: now.UnixNano()})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.write(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the log file name.
func (r *RawLogWriter) Path() string {
	return r.path
}

// Session returns the session id written to the header.
func (r *RawLogWriter) Session() string {
	return r.session
}

// Record appends one frame tagged with its direction.
func (r *RawLogWriter) Record(direction string, frame []byte) error {
	payload, err := cbor.Marshal(Entry{Dir: direction, Frame: string(frame)})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	return r.write(payload)
}

func (r *RawLogWriter) write(payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(r.now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// Record is one entry read back from a log.
type Record struct {
	Time    time.Time
	Size    int
	Payload []byte
}

type RawLogReader struct {
	r io.Reader
}

// NewRawLogReader checks the magic and decodes the session header.
func NewRawLogReader(r io.Reader) (*RawLogReader, Header, error) {
	var header Header
	magic := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, header, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != rawLogMagic {
		return nil, header, fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
	}
	rr := &RawLogReader{r: r}
	rec, err := rr.Next()
	if err != nil {
		return nil, header, fmt.Errorf("read session header: %w", err)
	}
	if err := cbor.Unmarshal(rec.Payload, &header); err != nil {
		return nil, header, fmt.Errorf("decode session header: %w", err)
	}
	return rr, header, nil
}

// Next returns the next raw record, or io.EOF at a clean end of file.
func (rr *RawLogReader) Next() (Record, error) {
	var meta [12]byte
	if _, err := io.ReadFull(rr.r, meta[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	if size > maxRecordSize {
		return Record{}, fmt.Errorf("record of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(rr.r, payload); err != nil {
		return Record{}, fmt.Errorf("read payload: %w", err)
	}
	return Record{Time: time.Unix(0, ts), Size: int(size), Payload: payload}, nil
}

// Entry decodes a record written by Record.
func (rec Record) Entry() (Entry, error) {
	var e Entry
	err := cbor.Unmarshal(rec.Payload, &e)
	return e, err
}
