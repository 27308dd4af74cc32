// Package stream reads framed video packets from the video socket, merges
// config packets into the following data packet and hands the resulting
// access units to the decoder and the recorder.
package stream

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"screenlink/actor"
	"screenlink/scrcpy"
)

// Unit is one access unit ready for decoding or recording.
type Unit struct {
	PTS  uint64
	Data []byte
	// Config is set when codec parameters were merged in front of the data.
	Config bool
}

// DecodeSink consumes units for display. A Push error ends the stream.
type DecodeSink interface {
	Push(u Unit) error
	Close() error
}

// RecordSink writes units to a container. Errors are logged and the stream
// keeps going.
type RecordSink interface {
	Open() error
	Push(u Unit) error
	Close() error
}

// pending holds the config bytes waiting for the next data packet. It is
// replaced on every change, never mutated.
type pending struct {
	data []byte
}

func (p *pending) with(data []byte) *pending {
	if p == nil {
		return &pending{data: append([]byte(nil), data...)}
	}
	merged := make([]byte, 0, len(p.data)+len(data))
	merged = append(merged, p.data...)
	return &pending{data: append(merged, data...)}
}

// Stream is the video socket reader.
type Stream struct {
	*actor.Worker
	conn     io.Reader
	decoder  DecodeSink
	recorder RecordSink
	onStop   func(err error)
	log      *slog.Logger

	stopped chan struct{}
}

type Option func(*Stream)

// WithDecoder enables display.
func WithDecoder(d DecodeSink) Option { return func(s *Stream) { s.decoder = d } }

// WithRecorder enables recording.
func WithRecorder(r RecordSink) Option { return func(s *Stream) { s.recorder = r } }

// OnStopped registers a callback run when the stream ends, before the
// sinks are closed.
func OnStopped(fn func(err error)) Option { return func(s *Stream) { s.onStop = fn } }

// New creates a stream reading packets from conn.
func New(conn io.Reader, opts ...Option) *Stream {
	s := &Stream{
		conn:    conn,
		log:     slog.With("component", "stream"),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Worker = actor.NewWorker("stream", s.run)
	return s
}

// Stopped is closed once the stream has ended.
func (s *Stream) Stopped() <-chan struct{} { return s.stopped }

func (s *Stream) run(w *actor.Worker) error {
	if s.recorder != nil {
		if err := s.recorder.Open(); err != nil {
			s.log.Error("open recorder, recording disabled", "error", err)
			s.recorder = nil
		}
	}

	err := s.loop(w)

	close(s.stopped)
	if s.onStop != nil {
		s.onStop(err)
	}
	if s.recorder != nil {
		if cerr := s.recorder.Close(); cerr != nil {
			s.log.Error("close recorder", "error", cerr)
		}
	}
	if s.decoder != nil {
		if cerr := s.decoder.Close(); cerr != nil {
			s.log.Warn("close decoder", "error", cerr)
		}
	}
	return err
}

func (s *Stream) loop(w *actor.Worker) error {
	var cfg *pending
	for {
		p, err := scrcpy.ReadPacket(s.conn)
		if err != nil {
			if w.Stopping() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.log.Info("end of video stream")
				return nil
			}
			return err
		}

		if p.IsConfig() {
			cfg = cfg.with(p.Data)
			continue
		}

		u := Unit{PTS: p.PTS, Data: p.Data}
		if cfg != nil {
			u.Data = cfg.with(p.Data).data
			u.Config = true
		}
		if err := s.dispatch(u); err != nil {
			return err
		}
		cfg = nil
	}
}

func (s *Stream) dispatch(u Unit) error {
	if s.recorder != nil {
		if err := s.recorder.Push(u); err != nil {
			s.log.Error("record unit", "pts", u.PTS, "error", err)
		}
	}
	if s.decoder != nil {
		if err := s.decoder.Push(u); err != nil {
			return err
		}
	}
	return nil
}
