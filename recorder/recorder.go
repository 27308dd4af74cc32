// Package recorder writes the raw access units of a session to a simple
// length-prefixed container.
//
// Layout (big-endian):
//
//	header  "SLREC001" codec(8, NUL padded) width(2) height(2)
//	unit    pts(8) duration(8) flags(1) length(4) data(length)
//	trailer "SLRECEND" count(4)
//
// Durations are only known once the next unit arrives, so each unit is
// held back until then; the last one gets FinalDuration.
package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"screenlink/scrcpy"
	"screenlink/stream"
)

const (
	Magic   = "SLREC001"
	Trailer = "SLRECEND"

	// FinalDuration is written for the last unit, whose real duration is
	// unknown. PTS are in microseconds.
	FinalDuration = uint64(100 * time.Millisecond / time.Microsecond)

	flagConfig = 1 << 0
)

var (
	ErrNotOpen   = errors.New("recorder: not open")
	ErrBadFormat = errors.New("recorder: not a recording")
)

var be = binary.BigEndian

// Recorder is a stream.RecordSink.
type Recorder struct {
	path  string
	codec string
	size  scrcpy.Size
	open  func() (io.WriteCloser, error)
	log   *slog.Logger

	mu    sync.Mutex
	file  io.WriteCloser
	w     *bufio.Writer
	prev  *stream.Unit
	count uint32
}

// New records to a file created at path on Open.
func New(path, codec string, size scrcpy.Size) *Recorder {
	r := newRecorder(codec, size, func() (io.WriteCloser, error) { return os.Create(path) })
	r.path = path
	return r
}

// NewWriter records to w; w is closed by Close.
func NewWriter(w io.WriteCloser, codec string, size scrcpy.Size) *Recorder {
	return newRecorder(codec, size, func() (io.WriteCloser, error) { return w, nil })
}

func newRecorder(codec string, size scrcpy.Size, open func() (io.WriteCloser, error)) *Recorder {
	return &Recorder{
		codec: codec,
		size:  size,
		open:  open,
		log:   slog.With("component", "recorder"),
	}
}

// Open creates the container and writes its header.
func (r *Recorder) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.open()
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	r.file = f
	r.w = bufio.NewWriter(f)

	hdr := make([]byte, 0, 20)
	hdr = append(hdr, Magic...)
	var codec [8]byte
	copy(codec[:], r.codec)
	hdr = append(hdr, codec[:]...)
	hdr = be.AppendUint16(hdr, r.size.Width)
	hdr = be.AppendUint16(hdr, r.size.Height)
	if _, err := r.w.Write(hdr); err != nil {
		return err
	}
	r.log.Info("recording started", "path", r.path, "codec", r.codec)
	return nil
}

// Push writes the previously held unit, now that its duration is known,
// and holds u.
func (r *Recorder) Push(u stream.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return ErrNotOpen
	}

	var err error
	if r.prev != nil {
		var d uint64
		if u.PTS > r.prev.PTS {
			d = u.PTS - r.prev.PTS
		}
		err = r.writeUnit(*r.prev, d)
	}
	held := u
	r.prev = &held
	return err
}

func (r *Recorder) writeUnit(u stream.Unit, duration uint64) error {
	var hdr [21]byte
	be.PutUint64(hdr[0:], u.PTS)
	be.PutUint64(hdr[8:], duration)
	if u.Config {
		hdr[16] = flagConfig
	}
	be.PutUint32(hdr[17:], uint32(len(u.Data)))
	if _, err := r.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(u.Data); err != nil {
		return err
	}
	r.count++
	return nil
}

// Close flushes the held unit with FinalDuration, writes the trailer and
// closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return ErrNotOpen
	}

	var errs []error
	if r.prev != nil {
		errs = append(errs, r.writeUnit(*r.prev, FinalDuration))
		r.prev = nil
	}
	var trailer [12]byte
	copy(trailer[:], Trailer)
	be.PutUint32(trailer[8:], r.count)
	_, err := r.w.Write(trailer[:])
	errs = append(errs, err, r.w.Flush(), r.file.Close())
	r.w = nil

	r.log.Info("recording finished", "path", r.path, "units", r.count)
	return errors.Join(errs...)
}

// Entry is one unit read back from a recording.
type Entry struct {
	PTS      uint64
	Duration uint64
	Config   bool
	Data     []byte
}

// Recording is the decoded container.
type Recording struct {
	Codec   string
	Size    scrcpy.Size
	Entries []Entry
}

// Read parses a whole recording.
func Read(rd io.Reader) (*Recording, error) {
	br := bufio.NewReader(rd)
	var hdr [20]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if string(hdr[:8]) != Magic {
		return nil, ErrBadFormat
	}
	codec := hdr[8:16]
	for len(codec) > 0 && codec[len(codec)-1] == 0 {
		codec = codec[:len(codec)-1]
	}
	rec := &Recording{
		Codec: string(codec),
		Size:  scrcpy.Size{Width: be.Uint16(hdr[16:]), Height: be.Uint16(hdr[18:])},
	}

	for {
		var magic [8]byte
		if _, err := io.ReadFull(br, magic[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated: %v", ErrBadFormat, err)
		}
		if string(magic[:]) == Trailer {
			var cnt [4]byte
			if _, err := io.ReadFull(br, cnt[:]); err != nil {
				return nil, fmt.Errorf("%w: truncated trailer", ErrBadFormat)
			}
			if n := be.Uint32(cnt[:]); int(n) != len(rec.Entries) {
				return nil, fmt.Errorf("%w: trailer says %d units, read %d", ErrBadFormat, n, len(rec.Entries))
			}
			return rec, nil
		}

		var rest [13]byte
		if _, err := io.ReadFull(br, rest[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated unit", ErrBadFormat)
		}
		e := Entry{
			PTS:      be.Uint64(magic[:]),
			Duration: be.Uint64(rest[0:]),
			Config:   rest[8]&flagConfig != 0,
		}
		n := be.Uint32(rest[9:])
		if n > scrcpy.MaxPacketSize*2 {
			return nil, fmt.Errorf("%w: unit of %d bytes", ErrBadFormat, n)
		}
		e.Data = make([]byte, n)
		if _, err := io.ReadFull(br, e.Data); err != nil {
			return nil, fmt.Errorf("%w: truncated unit data", ErrBadFormat)
		}
		rec.Entries = append(rec.Entries, e)
	}
}
