// Package dummy plays the device side of the mirroring protocol without a
// phone attached. It streams an Annex-B file (or a synthetic H.264 stream)
// as video packets and answers clipboard requests on the control socket.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"screenlink/nal"
	"screenlink/scrcpy"
)

const (
	DefaultName = "screenlink dummy"
	DefaultFPS  = 30
	gopLength   = 30
)

var ErrNoSource = errors.New("dummy: h265 needs an input file")

// pps for the synthetic stream: pps_id 0, sps_id 0, CAVLC, no slice groups.
var syntheticPPS = []byte{0x68, 0xce, 0x38, 0x80}

// Config describes the fake device.
type Config struct {
	Name  string
	Size  scrcpy.Size
	Codec nal.Codec
	FPS   int
	// File is an Annex-B elementary stream. Empty selects a synthetic
	// H.264 stream of Size.
	File string
	// Loop replays the source until stopped; otherwise the device idles
	// after one pass.
	Loop bool
}

// Device serves one connection pair at a time.
type Device struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	size      scrcpy.Size
	clipboard string
	received  []scrcpy.ControlMessage
	rotate    bool
}

func New(cfg Config) (*Device, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.Codec == "" {
		cfg.Codec = nal.H264
	}
	if cfg.Size.Width == 0 || cfg.Size.Height == 0 {
		cfg.Size = scrcpy.Size{Width: 720, Height: 1280}
	}
	if cfg.File == "" && cfg.Codec != nal.H264 {
		return nil, ErrNoSource
	}
	if cfg.File != "" {
		if _, err := os.Stat(cfg.File); err != nil {
			return nil, fmt.Errorf("dummy source: %w", err)
		}
	}
	return &Device{
		cfg:  cfg,
		log:  slog.With("component", "dummy"),
		size: cfg.Size,
	}, nil
}

// Info is what the device announces on the video socket.
func (d *Device) Info() scrcpy.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return scrcpy.DeviceInfo{Name: d.cfg.Name, Size: d.size}
}

// Clipboard returns the device clipboard.
func (d *Device) Clipboard() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clipboard
}

// SetClipboard changes the device clipboard as if the user copied text on
// the phone.
func (d *Device) SetClipboard(text string) {
	d.mu.Lock()
	d.clipboard = text
	d.mu.Unlock()
}

// Received returns the control messages seen so far.
func (d *Device) Received() []scrcpy.ControlMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]scrcpy.ControlMessage(nil), d.received...)
}

// WriteProbe sends the byte a forward-mode server writes once it accepted
// the video socket.
func WriteProbe(w io.Writer) error {
	_, err := w.Write([]byte{0})
	return err
}

// Serve writes the device info, then streams video on video and handles
// control messages until ctx is cancelled or the host hangs up. Both
// connections are closed on return.
func (d *Device) Serve(ctx context.Context, video, control net.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		video.Close()
		control.Close()
		return nil
	})
	g.Go(func() error {
		err := d.streamVideo(ctx, video)
		if err != nil && ctx.Err() == nil && !closed(err) {
			return fmt.Errorf("video: %w", err)
		}
		return context.Canceled
	})
	g.Go(func() error {
		err := d.serveControl(control)
		if err != nil && ctx.Err() == nil && !closed(err) {
			return fmt.Errorf("control: %w", err)
		}
		return context.Canceled
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func closed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func (d *Device) streamVideo(ctx context.Context, w io.Writer) error {
	if err := scrcpy.WriteDeviceInfo(w, d.Info()); err != nil {
		return err
	}

	frameDur := time.Second / time.Duration(d.cfg.FPS)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	var pts uint64
	for {
		units, err := d.source()
		if err != nil {
			return err
		}

		var params, prefix [][]byte
		for _, u := range units {
			if nal.IsParameterSet(d.cfg.Codec, u) {
				params = append(params, u)
				continue
			}
			if !isVCL(d.cfg.Codec, u) {
				prefix = append(prefix, u)
				continue
			}

			if d.takeRotation() {
				params = d.syntheticParams()
			}
			if len(params) > 0 {
				if err := scrcpy.WritePacket(w, scrcpy.NoPTS, nal.Join(params...)); err != nil {
					return err
				}
				params = nil
			}
			if err := scrcpy.WritePacket(w, pts, nal.Join(append(prefix, u)...)); err != nil {
				return err
			}
			prefix = nil
			pts += uint64(frameDur / time.Microsecond)

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		if !d.cfg.Loop {
			d.log.Info("source exhausted, idling")
			<-ctx.Done()
			return nil
		}
	}
}

func isVCL(codec nal.Codec, unit []byte) bool {
	t := nal.Type(codec, unit)
	if codec == nal.H265 {
		return t >= 0 && t < 32
	}
	return t >= 1 && t <= 5
}

func (d *Device) source() ([][]byte, error) {
	if d.cfg.File != "" {
		data, err := os.ReadFile(d.cfg.File)
		if err != nil {
			return nil, err
		}
		units := nal.Split(data)
		if len(units) == 0 {
			return nil, fmt.Errorf("dummy: %s holds no NAL units", d.cfg.File)
		}
		return units, nil
	}

	units := d.syntheticParams()
	for i := 0; i < gopLength; i++ {
		if i == 0 {
			units = append(units, []byte{0x65, 0x88, 0x84, byte(i)})
		} else {
			units = append(units, []byte{0x41, 0x9a, 0x02, byte(i)})
		}
	}
	return units, nil
}

func (d *Device) syntheticParams() [][]byte {
	size := d.Info().Size
	return [][]byte{nal.BuildH264SPS(int(size.Width), int(size.Height)), syntheticPPS}
}

func (d *Device) takeRotation() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.rotate {
		return false
	}
	d.rotate = false
	return true
}

func (d *Device) serveControl(rw io.ReadWriter) error {
	var (
		buf  [scrcpy.ControlMessageMaxSize]byte
		head int
	)
	for {
		n, err := rw.Read(buf[head:])
		if err != nil {
			return err
		}
		head += n

		consumed := 0
		for consumed < head {
			msg, r, err := scrcpy.DeserializeControlMessage(buf[consumed:head])
			if errors.Is(err, scrcpy.ErrNeedMoreData) {
				break
			}
			if err != nil {
				return err
			}
			consumed += r
			if err := d.handle(rw, msg); err != nil {
				return err
			}
		}
		copy(buf[:], buf[consumed:head])
		head -= consumed
	}
}

func (d *Device) handle(w io.Writer, msg scrcpy.ControlMessage) error {
	d.log.Debug("control message", "type", msg.Type())

	d.mu.Lock()
	d.received = append(d.received, msg)
	switch m := msg.(type) {
	case scrcpy.SetClipboard:
		d.clipboard = m.Text
	case scrcpy.RotateDevice:
		if d.cfg.File == "" {
			d.size.Width, d.size.Height = d.size.Height, d.size.Width
			d.rotate = true
		}
	}
	text := d.clipboard
	d.mu.Unlock()

	if _, ok := msg.(scrcpy.GetClipboard); !ok {
		return nil
	}
	out, err := scrcpy.SerializeDeviceMessage(scrcpy.Clipboard{Text: text})
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
