package webrtcsink

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	pionSDP "github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenlink/nal"
	"screenlink/stream"
)

type captureWriter struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (w *captureWriter) WriteSample(s media.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	return nil
}

func newTestSink(t *testing.T) (*Sink, *captureWriter) {
	t.Helper()
	s, err := New(nal.H264, Options{})
	require.NoError(t, err)
	w := &captureWriter{}
	s.out = w
	return s, w
}

var (
	sps = nal.BuildH264SPS(720, 1280)
	pps = []byte{0x68, 0xce, 0x38, 0x80}
)

func TestPushPrunesAndTimes(t *testing.T) {
	s, w := newTestSink(t)

	unit := nal.Join([]byte{0x09, 0xf0}, sps, pps, []byte{0x06, 1, 2}, []byte{0x65, 0x88})
	original := append([]byte(nil), unit...)
	require.NoError(t, s.Push(stream.Unit{PTS: 1000, Data: unit, Config: true}))
	require.NoError(t, s.Push(stream.Unit{PTS: 34333, Data: nal.Join([]byte{0x41, 1})}))
	require.NoError(t, s.Push(stream.Unit{PTS: 5034333, Data: nal.Join([]byte{0x41, 2})}))

	assert.Equal(t, original, unit, "shared unit left untouched")
	require.Len(t, w.samples, 3)
	assert.Equal(t, nal.Join(sps, pps, []byte{0x65, 0x88}), w.samples[0].Data)
	assert.Equal(t, defaultFrameDuration, w.samples[0].Duration)
	assert.Equal(t, 33333*time.Microsecond, w.samples[1].Duration)
	assert.Equal(t, defaultFrameDuration, w.samples[2].Duration, "pause clamps")

	sent, _ := s.Stats()
	assert.Equal(t, uint64(3), sent)
}

func TestPushDropsEmptyAfterPrune(t *testing.T) {
	s, w := newTestSink(t)
	require.NoError(t, s.Push(stream.Unit{PTS: 1, Data: nal.Join([]byte{0x09, 0xf0})}))
	assert.Empty(t, w.samples)
}

func TestPLIResendsParameterSets(t *testing.T) {
	s, w := newTestSink(t)

	s.handleRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{}})
	assert.Empty(t, w.samples, "nothing cached yet")

	require.NoError(t, s.Push(stream.Unit{PTS: 1, Data: nal.Join(sps, pps, []byte{0x65, 1}), Config: true}))
	s.handleRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{}})
	s.handleRTCP([]rtcp.Packet{&rtcp.FullIntraRequest{}})

	require.Len(t, w.samples, 2, "second request throttled")
	assert.Equal(t, nal.Join(sps, pps), w.samples[1].Data)
	_, resends := s.Stats()
	assert.Equal(t, uint64(1), resends)
}

func TestClosedSinkIgnoresUnits(t *testing.T) {
	s, w := newTestSink(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Push(stream.Unit{PTS: 1, Data: nal.Join([]byte{0x41, 1})}))
	assert.Empty(t, w.samples)

	_, err := s.Answer(context.Background(), "v=0")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnsupportedCodec(t *testing.T) {
	_, err := New(nal.Codec("vp8"), Options{})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestAnswerNegotiatesH264(t *testing.T) {
	s, err := New(nal.H264, Options{})
	require.NoError(t, err)
	defer s.Close()

	viewer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer viewer.Close()
	_, err = viewer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)

	offer, err := viewer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(viewer)
	require.NoError(t, viewer.SetLocalDescription(offer))
	<-gathered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := s.Answer(ctx, viewer.LocalDescription().SDP)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Peers())

	var parsed pionSDP.SessionDescription
	require.NoError(t, parsed.Unmarshal([]byte(answer)))
	require.Len(t, parsed.MediaDescriptions, 1)
	md := parsed.MediaDescriptions[0]
	assert.Equal(t, "video", md.MediaName.Media)

	var h264 bool
	for _, a := range md.Attributes {
		if a.Key == "rtpmap" && strings.Contains(a.Value, "H264/90000") {
			h264 = true
		}
	}
	assert.True(t, h264, "answer carries H264")

	require.NoError(t, viewer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}))
	require.NoError(t, s.Close())
	assert.Zero(t, s.Peers())
}
