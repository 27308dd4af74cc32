package webrtcsink

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	pionSDP "github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"screenlink/nal"
)

var ErrClosed = errors.New("webrtcsink: closed")

// payload types offered in the answer
const (
	payloadTypeH264High     = 102
	payloadTypeH264High0C   = 104
	payloadTypeH264Baseline = 106
	payloadTypeH265Main51   = 116
	payloadTypeH265Main41   = 117
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "transport-cc"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

func registerCodecs(m *webrtc.MediaEngine, codec nal.Codec) error {
	var params []webrtc.RTPCodecParameters
	switch codec {
	case nal.H264:
		for pt, fmtp := range map[webrtc.PayloadType]string{
			payloadTypeH264High:     "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640033",
			payloadTypeH264High0C:   "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640c33",
			payloadTypeH264Baseline: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		} {
			params = append(params, webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeH264,
					ClockRate:    90000,
					SDPFmtpLine:  fmtp,
					RTCPFeedback: videoFeedback,
				},
				PayloadType: pt,
			})
		}
	case nal.H265:
		for pt, fmtp := range map[webrtc.PayloadType]string{
			payloadTypeH265Main51: "profile-id=1;tier-flag=0;level-id=153",
			payloadTypeH265Main41: "profile-id=1;tier-flag=0;level-id=123",
		} {
			params = append(params, webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeH265,
					ClockRate:    90000,
					SDPFmtpLine:  fmtp,
					RTCPFeedback: videoFeedback,
				},
				PayloadType: pt,
			})
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}
	for _, p := range params {
		if err := m.RegisterCodec(p, webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("register %s: %w", p.MimeType, err)
		}
	}
	return nil
}

func (s *Sink) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m, s.codec); err != nil {
		return nil, err
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: pionSDP.TransportCCURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if s.opts.UDPPortMin != 0 {
		if err := se.SetEphemeralUDPPortRange(s.opts.UDPPortMin, s.opts.UDPPortMax); err != nil {
			return nil, err
		}
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// Answer accepts an SDP offer, attaches the video track and returns the
// answer once ICE gathering is complete, so no trickle signalling is
// needed.
func (s *Sink) Answer(ctx context.Context, offerSDP string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	api, err := s.newAPI()
	if err != nil {
		return "", err
	}
	cfg := webrtc.Configuration{}
	if len(s.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: s.opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	answer, err := s.negotiate(ctx, pc, offerSDP)
	if err != nil {
		pc.Close()
		return "", err
	}
	return answer, nil
}

func (s *Sink) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	sender, err := pc.AddTrack(s.track)
	if err != nil {
		return "", fmt.Errorf("add track: %w", err)
	}
	go s.readRTCP(sender)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			// a fresh viewer needs the parameter sets before any slice
			s.requestKeyframe()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.mu.Lock()
			delete(s.peers, pc)
			s.mu.Unlock()
			pc.Close()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.peers[pc] = struct{}{}
	s.mu.Unlock()
	return pc.LocalDescription().SDP, nil
}

// readRTCP drains the sender's RTCP, which also keeps the interceptors
// running, and answers picture loss reports.
func (s *Sink) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		s.handleRTCP(packets)
	}
}

func (s *Sink) handleRTCP(packets []rtcp.Packet) {
	for _, p := range packets {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			if s.requestKeyframe() {
				s.log.Debug("keyframe requested by peer, parameter sets resent")
			}
		}
	}
}
