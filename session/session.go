// Package session runs one mirroring session end to end: it starts the
// server on the device, reads the device info and wires the video stream,
// the frame consumers and the control channel together.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"screenlink/config"
	"screenlink/controller"
	"screenlink/decoder"
	"screenlink/nal"
	"screenlink/notify"
	"screenlink/recorder"
	"screenlink/scrcpy"
	"screenlink/screen"
	"screenlink/stream"
	"screenlink/tunnel"
	"screenlink/videobuffer"
	"screenlink/webrtcsink"
)

const deviceInfoTimeout = 5 * time.Second

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrControlClosed  = errors.New("session: control connection lost")
	ErrStreamEnded    = errors.New("session: video stream ended")
)

// Options are the collaborators a session does not build itself.
type Options struct {
	// Codec of the video stream. Defaults to H.264.
	Codec nal.Codec
	// Publisher receives session events. May be nil.
	Publisher notify.Publisher
}

// Status is a snapshot for the web API.
type Status struct {
	ID        string            `json:"id"`
	Device    scrcpy.DeviceInfo `json:"device"`
	Codec     string            `json:"codec"`
	Server    string            `json:"server_state"`
	Tunnel    tunnel.Tunnel     `json:"tunnel"`
	Control   bool              `json:"control"`
	Display   bool              `json:"display"`
	Rendered  uint64            `json:"frames_rendered"`
	Skipped   uint64            `json:"frames_skipped"`
	FPS       float64           `json:"fps"`
	Viewers   int               `json:"viewers"`
	Peers     int               `json:"webrtc_peers"`
	Recording string            `json:"recording,omitempty"`
	Running   bool              `json:"running"`
}

// Session owns the server manager and every actor of one connection.
type Session struct {
	id     string
	cfg    *config.Config
	codec  nal.Codec
	pub    notify.Publisher
	server *tunnel.Server
	log    *slog.Logger

	mu        sync.Mutex
	started   bool
	conns     tunnel.Conns
	info      scrcpy.DeviceInfo
	clipboard string
	subs      map[int]func(text string)
	nextSub   int

	buffer     *videobuffer.Buffer
	screen     *screen.Screen
	hub        *screen.Hub
	rtc        *webrtcsink.Sink
	fps        *videobuffer.FPSCounter
	controller *controller.Controller
	receiver   *controller.Receiver
	stream     *stream.Stream

	endOnce  sync.Once
	endErr   error
	done     chan struct{}
	stopping atomic.Bool
	stopOnce sync.Once
}

// New creates a session for cfg. bridge reaches the device, either the adb
// CLI or the in-process dummy.
func New(cfg *config.Config, bridge tunnel.Bridge, opts Options) *Session {
	if opts.Codec == "" {
		opts.Codec = nal.H264
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		cfg:    cfg,
		codec:  opts.Codec,
		pub:    opts.Publisher,
		server: tunnel.New(cfg.Tunnel(), bridge),
		log:    slog.With("component", "session", "session_id", id),
		subs:   make(map[int]func(string)),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed when the video stream or the control connection ends, or
// when Stop is called.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. It is nil while running and after a
// clean Stop.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.endErr
	default:
		return nil
	}
}

// DeviceInfo returns what the device announced on connection.
func (s *Session) DeviceInfo() scrcpy.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Hub serves the raw video fan-out to websocket viewers.
func (s *Session) Hub() *screen.Hub { return s.hub }

// WebRTC returns the WebRTC sink, or nil when disabled.
func (s *Session) WebRTC() *webrtcsink.Sink { return s.rtc }

// Start brings the device server up, connects both sockets and starts every
// actor. A failed Start leaves nothing running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	conns, err := s.server.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect server: %w", err)
	}

	conns.Video.SetReadDeadline(time.Now().Add(deviceInfoTimeout))
	info, err := scrcpy.ReadDeviceInfo(conns.Video)
	conns.Video.SetReadDeadline(time.Time{})
	if err != nil {
		closeConns(conns.Video, conns.Control)
		s.server.Stop()
		return err
	}

	s.mu.Lock()
	s.conns = conns
	s.info = info
	s.mu.Unlock()
	s.log.Info("device connected", "device", info.Name, "width", info.Size.Width, "height", info.Size.Height)

	if err := s.build(conns, info); err != nil {
		closeConns(conns.Video, conns.Control)
		s.server.Stop()
		return err
	}
	s.startActors()

	ev := notify.NewEvent(notify.KindSessionStarted, s.id)
	ev.Device = info.Name
	ev.Width, ev.Height = info.Size.Width, info.Size.Height
	s.publish(ev)
	return nil
}

func (s *Session) build(conns tunnel.Conns, info scrcpy.DeviceInfo) error {
	opts := []stream.Option{stream.OnStopped(s.onStreamStopped)}

	if s.displayEnabled() {
		s.buffer = videobuffer.New(s.renderExpiredFrames())
		s.hub = screen.NewHub(s.codec)
		s.screen = screen.New(s.buffer, s.hub)
		if s.cfg.Display.FPSCounter {
			s.fps = videobuffer.NewFPSCounter(s.buffer, time.Second)
		}

		var sink stream.DecodeSink = decoder.New(decoder.NewPassthrough(s.codec, info.Size), s.buffer, s.screen.NotifyNewFrame)
		if s.cfg.WebRTC.Enabled {
			rtc, err := webrtcsink.New(s.codec, webrtcsink.Options{
				ICEServers: s.cfg.WebRTC.ICEServers,
				UDPPortMin: s.cfg.WebRTC.UDPPortMin,
				UDPPortMax: s.cfg.WebRTC.UDPPortMax,
			})
			if err != nil {
				return err
			}
			s.rtc = rtc
			sink = stream.Tee(sink, rtc)
		}
		opts = append(opts, stream.WithDecoder(sink))
	}

	if path := s.cfg.Record.Path; path != "" {
		opts = append(opts, stream.WithRecorder(recorder.New(path, string(s.codec), info.Size)))
	}
	s.stream = stream.New(conns.Video, opts...)

	if s.controlEnabled() {
		s.controller = controller.New(conns.Control)
		s.receiver = controller.NewReceiver(conns.Control, controller.ClipboardFunc(s.onDeviceClipboard))
	}
	return nil
}

func (s *Session) displayEnabled() bool {
	return s.cfg.Display.Enabled == nil || *s.cfg.Display.Enabled
}

func (s *Session) renderExpiredFrames() bool {
	return s.cfg.Display.RenderExpiredFrames == nil || *s.cfg.Display.RenderExpiredFrames
}

func (s *Session) controlEnabled() bool {
	return s.cfg.Server.Control == nil || *s.cfg.Server.Control
}

func (s *Session) startActors() {
	if s.screen != nil {
		s.screen.Start()
	}
	if s.fps != nil {
		s.fps.Start()
	}
	if s.controller != nil {
		s.controller.Start()
		s.receiver.Start()
		go s.watchReceiver()
	}
	s.stream.Start()
}

func (s *Session) watchReceiver() {
	select {
	case <-s.receiver.Done():
		err := s.receiver.Err()
		if err == nil {
			err = ErrControlClosed
		}
		s.end(err)
	case <-s.done:
	}
}

func (s *Session) onStreamStopped(err error) {
	s.log.Info("video stream stopped", "error", err)
	ev := notify.NewEvent(notify.KindStreamStopped, s.id)
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(ev)
	if err == nil {
		err = ErrStreamEnded
	}
	s.end(err)
}

// end records the first reason the session ended and fires Done. Endings
// caused by Stop are clean.
func (s *Session) end(err error) {
	if s.stopping.Load() {
		err = nil
	}
	s.endOnce.Do(func() {
		s.endErr = err
		close(s.done)
	})
}

func (s *Session) onDeviceClipboard(text string) {
	s.mu.Lock()
	s.clipboard = text
	subs := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(text)
	}
	ev := notify.NewEvent(notify.KindClipboard, s.id)
	ev.Text = text
	s.publish(ev)
}

// Clipboard returns the last clipboard text the device reported.
func (s *Session) Clipboard() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clipboard
}

// SubscribeClipboard calls fn with every clipboard the device reports until
// the returned cancel function is called. fn runs on the receiver goroutine
// and must not block.
func (s *Session) SubscribeClipboard(fn func(text string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// PushControl queues msg for the device. It returns false when control is
// disabled, the queue is full or the session has stopped.
func (s *Session) PushControl(msg scrcpy.ControlMessage) bool {
	if s.controller == nil {
		return false
	}
	return s.controller.PushMessage(msg)
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{
		ID:      s.id,
		Device:  s.DeviceInfo(),
		Codec:   string(s.codec),
		Server:  s.server.State().String(),
		Tunnel:  s.server.Tunnel(),
		Control: s.controller != nil,
	}
	select {
	case <-s.done:
	default:
		st.Running = s.stream != nil
	}
	if s.buffer != nil {
		st.Rendered, st.Skipped = s.buffer.Counters()
	}
	if s.fps != nil {
		st.FPS = s.fps.FPS()
	}
	if s.hub != nil {
		st.Viewers = s.hub.Count()
	}
	if s.rtc != nil {
		st.Peers = s.rtc.Peers()
	}
	if s.stream != nil {
		st.Recording = s.cfg.Record.Path
	}
	st.Display = s.screen != nil
	return st
}

// Stop tears the session down: sockets first so blocked reads return, then
// the actors and the buffer, then the device server. It is safe to call
// more than once and after a failed Start.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.mu.Lock()
		conns := s.conns
		s.mu.Unlock()
		closeConns(conns.Video, conns.Control)

		if s.stream != nil {
			s.stream.Stop()
			if s.controller != nil {
				s.controller.Stop()
				s.receiver.Stop()
			}
			if s.screen != nil {
				s.screen.Stop()
			}
			if s.fps != nil {
				s.fps.Stop()
			}
			if s.buffer != nil {
				s.buffer.Interrupt()
			}

			s.join(s.stream.Worker)
			if s.controller != nil {
				s.join(s.controller.Worker)
				s.join(s.receiver.Worker)
			}
			if s.screen != nil {
				s.join(s.screen.Worker)
			}
			if s.fps != nil {
				s.join(s.fps.Worker)
			}
			if s.hub != nil {
				s.hub.Close()
			}
		}

		s.server.Stop()
		s.end(nil)
		s.publish(notify.NewEvent(notify.KindSessionStopped, s.id))
		s.log.Info("session stopped")
	})
}

type joiner interface {
	Name() string
	Join() error
}

func (s *Session) join(w joiner) {
	if err := w.Join(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("actor ended with error", "actor", w.Name(), "error", err)
	}
}

func (s *Session) publish(ev notify.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ev); err != nil {
		s.log.Warn("publish event", "kind", ev.Kind, "error", err)
	}
}

func closeConns(conns ...net.Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}
