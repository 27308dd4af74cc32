package dummy

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenlink/nal"
	"screenlink/scrcpy"
	"screenlink/tunnel"
)

func serve(t *testing.T, d *Device) (video, control net.Conn) {
	t.Helper()
	hostVideo, devVideo := net.Pipe()
	hostControl, devControl := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, devVideo, devControl) }()
	t.Cleanup(func() {
		cancel()
		hostVideo.Close()
		hostControl.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return hostVideo, hostControl
}

func TestSyntheticStream(t *testing.T) {
	d, err := New(Config{Name: "Pixel", Size: scrcpy.Size{Width: 1080, Height: 1920}, FPS: 1000})
	require.NoError(t, err)
	video, _ := serve(t, d)

	info, err := scrcpy.ReadDeviceInfo(video)
	require.NoError(t, err)
	assert.Equal(t, scrcpy.DeviceInfo{Name: "Pixel", Size: scrcpy.Size{Width: 1080, Height: 1920}}, info)

	cfg, err := scrcpy.ReadPacket(video)
	require.NoError(t, err)
	assert.True(t, cfg.IsConfig())
	sps, err := nal.ParseSPS(nal.H264, nal.FindSPS(nal.H264, cfg.Data))
	require.NoError(t, err)
	assert.Equal(t, uint32(1080), sps.Width)
	assert.Equal(t, uint32(1920), sps.Height)

	idr, err := scrcpy.ReadPacket(video)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idr.PTS)
	assert.True(t, nal.ContainsKeyframe(nal.H264, idr.Data))

	p, err := scrcpy.ReadPacket(video)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), p.PTS)
	assert.False(t, nal.ContainsKeyframe(nal.H264, p.Data))
}

func TestFileSource(t *testing.T) {
	sps := nal.BuildH264SPS(640, 480)
	path := filepath.Join(t.TempDir(), "clip.h264")
	require.NoError(t, os.WriteFile(path, nal.Join(
		sps, syntheticPPS,
		[]byte{0x06, 0x05, 0x01}, // SEI
		[]byte{0x65, 0x88, 0x01},
		[]byte{0x41, 0x9a, 0x02},
	), 0o644))

	d, err := New(Config{File: path, FPS: 1000})
	require.NoError(t, err)
	video, _ := serve(t, d)

	_, err = scrcpy.ReadDeviceInfo(video)
	require.NoError(t, err)

	cfg, err := scrcpy.ReadPacket(video)
	require.NoError(t, err)
	assert.Equal(t, nal.Join(sps, syntheticPPS), cfg.Data)
	assert.True(t, cfg.IsConfig())

	idr, err := scrcpy.ReadPacket(video)
	require.NoError(t, err)
	assert.Equal(t, nal.Join([]byte{0x06, 0x05, 0x01}, []byte{0x65, 0x88, 0x01}), idr.Data)

	p, err := scrcpy.ReadPacket(video)
	require.NoError(t, err)
	assert.Equal(t, nal.Join([]byte{0x41, 0x9a, 0x02}), p.Data)
	assert.Equal(t, uint64(1000), p.PTS)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Codec: nal.H265})
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = New(Config{File: filepath.Join(t.TempDir(), "missing.h264")})
	assert.Error(t, err)

	d, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, d.Info().Name)
	assert.Equal(t, scrcpy.Size{Width: 720, Height: 1280}, d.Info().Size)
}

func TestClipboardRoundTrip(t *testing.T) {
	d, err := New(Config{FPS: 1000})
	require.NoError(t, err)
	_, control := serve(t, d)

	send := func(msg scrcpy.ControlMessage) {
		b, err := scrcpy.SerializeControlMessage(msg)
		require.NoError(t, err)
		_, err = control.Write(b)
		require.NoError(t, err)
	}

	send(scrcpy.SetClipboard{Text: "héllo"})
	send(scrcpy.GetClipboard{})

	buf := make([]byte, 64)
	var n int
	for {
		r, err := control.Read(buf[n:])
		require.NoError(t, err)
		n += r
		msg, _, err := scrcpy.DeserializeDeviceMessage(buf[:n])
		if errors.Is(err, scrcpy.ErrNeedMoreData) {
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, scrcpy.Clipboard{Text: "héllo"}, msg)
		break
	}

	assert.Equal(t, "héllo", d.Clipboard())
	assert.Equal(t, []scrcpy.ControlMessage{scrcpy.SetClipboard{Text: "héllo"}, scrcpy.GetClipboard{}}, d.Received())
}

func TestRotateResendsConfig(t *testing.T) {
	d, err := New(Config{Size: scrcpy.Size{Width: 720, Height: 1280}, FPS: 1000, Loop: true})
	require.NoError(t, err)
	video, control := serve(t, d)

	_, err = scrcpy.ReadDeviceInfo(video)
	require.NoError(t, err)

	b, err := scrcpy.SerializeControlMessage(scrcpy.RotateDevice{})
	require.NoError(t, err)
	go control.Write(b)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pkt, err := scrcpy.ReadPacket(video)
		require.NoError(t, err)
		if !pkt.IsConfig() {
			continue
		}
		info, err := nal.ParseSPS(nal.H264, nal.FindSPS(nal.H264, pkt.Data))
		require.NoError(t, err)
		if info.Width == 1280 {
			assert.Equal(t, uint32(720), info.Height)
			assert.Equal(t, scrcpy.Size{Width: 1280, Height: 720}, d.Info().Size)
			return
		}
	}
	t.Fatal("no rotated config packet")
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return uint16(n)
}

func TestBridgeDrivesServer(t *testing.T) {
	for _, forward := range []bool{false, true} {
		t.Run("forward="+strconv.FormatBool(forward), func(t *testing.T) {
			d, err := New(Config{Name: "dummy", FPS: 1000})
			require.NoError(t, err)
			bridge := NewBridge(d)
			bridge.ReverseUnsupported = forward

			srv := tunnel.New(tunnel.Config{
				ServerLocalPath:  "scrcpy-server.jar",
				ServerRemotePath: "/data/local/tmp/scrcpy-server.jar",
				LocalPort:        freePort(t),
				ConnectDelay:     10 * time.Millisecond,
			}, bridge)
			defer srv.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, srv.Start(ctx))
			conns, err := srv.Connect(ctx)
			require.NoError(t, err)
			defer conns.Video.Close()
			defer conns.Control.Close()

			assert.Equal(t, forward, srv.Tunnel().Forward)
			assert.Equal(t, tunnel.Active, srv.State())
			assert.Equal(t, "scrcpy-server.jar", bridge.Pushed()["/data/local/tmp/scrcpy-server.jar"])

			info, err := scrcpy.ReadDeviceInfo(conns.Video)
			require.NoError(t, err)
			assert.Equal(t, "dummy", info.Name)

			pkt, err := scrcpy.ReadPacket(conns.Video)
			require.NoError(t, err)
			assert.True(t, pkt.IsConfig())
		})
	}
}
