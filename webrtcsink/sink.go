// Package webrtcsink forwards the access units of a session to WebRTC
// peers over one shared video track.
package webrtcsink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"screenlink/nal"
	"screenlink/stream"
)

const (
	defaultFrameDuration = 16 * time.Millisecond
	// PLIs closer together than this are answered once
	pliInterval = 2 * time.Second
)

var ErrUnsupportedCodec = errors.New("webrtcsink: unsupported codec")

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// Sink is a stream.DecodeSink writing to a TrackLocalStaticSample. Write
// failures are logged and never end the stream: peers come and go.
type Sink struct {
	codec nal.Codec
	track *webrtc.TrackLocalStaticSample
	out   sampleWriter
	opts  Options
	log   *slog.Logger

	mu        sync.Mutex
	lastPTS   uint64
	havePTS   bool
	params    []byte
	lastPLI   time.Time
	peers     map[*webrtc.PeerConnection]struct{}
	closed    bool
	sent      uint64
	resendCnt uint64
}

var _ stream.DecodeSink = (*Sink)(nil)

// Options configure the peer connections created by Answer.
type Options struct {
	ICEServers []string
	UDPPortMin uint16
	UDPPortMax uint16
}

func mimeType(codec nal.Codec) (string, error) {
	switch codec {
	case nal.H264:
		return webrtc.MimeTypeH264, nil
	case nal.H265:
		return webrtc.MimeTypeH265, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
}

// New creates the track for codec.
func New(codec nal.Codec, opts Options) (*Sink, error) {
	mime, err := mimeType(codec)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		"video",
		"screenlink",
	)
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	return &Sink{
		codec: codec,
		track: track,
		out:   track,
		opts:  opts,
		log:   slog.With("component", "webrtc"),
		peers: make(map[*webrtc.PeerConnection]struct{}),
	}, nil
}

// Push implements stream.DecodeSink.
func (s *Sink) Push(u stream.Unit) error {
	// Prune works in place and the unit is shared with other sinks
	data := nal.Prune(append([]byte(nil), u.Data...), s.codec)
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if u.Config {
		if p := parameterSets(s.codec, data); len(p) > 0 {
			s.params = p
		}
	}
	duration := s.duration(u.PTS)
	s.sent++
	s.mu.Unlock()

	if err := s.out.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
		s.log.Debug("write sample", "pts", u.PTS, "error", err)
	}
	return nil
}

// duration is the gap to the previous unit, used to advance the RTP
// timestamp. Must hold s.mu.
func (s *Sink) duration(pts uint64) time.Duration {
	d := defaultFrameDuration
	if s.havePTS && pts > s.lastPTS {
		d = time.Duration(pts-s.lastPTS) * time.Microsecond
		if d > time.Second {
			// a pause on the device, not a frame duration
			d = defaultFrameDuration
		}
	}
	s.lastPTS, s.havePTS = pts, true
	return d
}

func parameterSets(codec nal.Codec, au []byte) []byte {
	var sets [][]byte
	for _, u := range nal.Split(au) {
		if nal.IsParameterSet(codec, u) {
			sets = append(sets, u)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	return nal.Join(sets...)
}

// requestKeyframe answers a PLI. The device cannot be asked for an IDR, so
// the cached parameter sets are sent again; the decoder then resyncs at
// the next keyframe the encoder produces.
func (s *Sink) requestKeyframe() bool {
	s.mu.Lock()
	now := time.Now()
	if s.closed || len(s.params) == 0 || now.Sub(s.lastPLI) < pliInterval {
		s.mu.Unlock()
		return false
	}
	s.lastPLI = now
	params := s.params
	s.resendCnt++
	s.mu.Unlock()

	if err := s.out.WriteSample(media.Sample{Data: params, Duration: 0}); err != nil {
		s.log.Debug("resend parameter sets", "error", err)
	}
	return true
}

// Stats returns the number of samples sent and parameter set resends.
func (s *Sink) Stats() (sent, resends uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.resendCnt
}

// Peers returns the number of open peer connections.
func (s *Sink) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close implements stream.DecodeSink. It closes every peer connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	peers := s.peers
	s.peers = make(map[*webrtc.PeerConnection]struct{})
	s.mu.Unlock()

	var errs []error
	for pc := range peers {
		errs = append(errs, pc.Close())
	}
	return errors.Join(errs...)
}
