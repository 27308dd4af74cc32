package dummy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"screenlink/tunnel"
)

var ErrReverseUnsupported = errors.New("dummy: reverse not supported")

// Bridge stands in for adb with a Device on the other end. Tunnel
// mappings are emulated on the loopback interface.
type Bridge struct {
	device *Device
	log    *slog.Logger

	// ReverseUnsupported makes Reverse fail, as on Android 4 devices.
	ReverseUnsupported bool

	mu       sync.Mutex
	pushed   map[string]string
	reverse  map[string]string
	forward  map[string]net.Listener
	incoming chan net.Conn
	running  *process
}

var _ tunnel.Bridge = (*Bridge)(nil)

func NewBridge(device *Device) *Bridge {
	return &Bridge{
		device:  device,
		log:     slog.With("component", "dummy-adb"),
		pushed:  make(map[string]string),
		reverse: make(map[string]string),
		forward: make(map[string]net.Listener),
	}
}

// Pushed reports the remote path of every pushed file.
func (b *Bridge) Pushed() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.pushed))
	for k, v := range b.pushed {
		out[k] = v
	}
	return out
}

func (b *Bridge) Push(_ context.Context, local, remote string) error {
	b.mu.Lock()
	b.pushed[remote] = local
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Reverse(_ context.Context, deviceSocket, hostSocket string) error {
	if b.ReverseUnsupported {
		return ErrReverseUnsupported
	}
	if _, err := tcpAddr(hostSocket); err != nil {
		return err
	}
	b.mu.Lock()
	b.reverse[deviceSocket] = hostSocket
	b.mu.Unlock()
	return nil
}

func (b *Bridge) RemoveReverse(_ context.Context, deviceSocket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reverse[deviceSocket]; !ok {
		return fmt.Errorf("dummy: no reverse for %s", deviceSocket)
	}
	delete(b.reverse, deviceSocket)
	return nil
}

// Forward listens on hostSocket. Like adb, it accepts connections even
// when no server runs and closes them straight away.
func (b *Bridge) Forward(_ context.Context, hostSocket, _ string) error {
	addr, err := tcpAddr(hostSocket)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.forward[hostSocket] = l
	b.mu.Unlock()
	go b.acceptForward(l)
	return nil
}

func (b *Bridge) acceptForward(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		ch := b.incoming
		b.mu.Unlock()
		if ch == nil {
			c.Close()
			continue
		}
		select {
		case ch <- c:
		default:
			c.Close()
		}
	}
}

func (b *Bridge) RemoveForward(_ context.Context, hostSocket string) error {
	b.mu.Lock()
	l, ok := b.forward[hostSocket]
	delete(b.forward, hostSocket)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("dummy: no forward for %s", hostSocket)
	}
	return l.Close()
}

// Execute starts the device. The arguments are logged and otherwise
// ignored; the tunnel direction follows the enabled mapping.
func (b *Bridge) Execute(ctx context.Context, args ...string) (tunnel.Process, error) {
	b.log.Debug("execute", "args", strings.Join(args, " "))

	ctx, cancel := context.WithCancel(ctx)
	p := &process{cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	host, reverse := b.reverse["localabstract:"+tunnel.SocketName]
	if !reverse {
		if len(b.forward) == 0 {
			b.mu.Unlock()
			cancel()
			return nil, errors.New("dummy: no tunnel to serve on")
		}
		b.incoming = make(chan net.Conn, 2)
	}
	incoming := b.incoming
	b.running = p
	b.mu.Unlock()

	go func() {
		defer close(p.done)
		defer cancel()
		if reverse {
			p.err = b.serveReverse(ctx, host)
		} else {
			p.err = b.serveForward(ctx, incoming)
		}
		b.mu.Lock()
		if b.running == p {
			b.running = nil
			b.incoming = nil
		}
		b.mu.Unlock()
	}()
	return p, nil
}

func (b *Bridge) serveReverse(ctx context.Context, hostSocket string) error {
	addr, err := tcpAddr(hostSocket)
	if err != nil {
		return err
	}
	var d net.Dialer
	video, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial video: %w", err)
	}
	control, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		video.Close()
		return fmt.Errorf("dial control: %w", err)
	}
	return b.device.Serve(ctx, video, control)
}

func (b *Bridge) serveForward(ctx context.Context, incoming <-chan net.Conn) error {
	var video net.Conn
	select {
	case video = <-incoming:
	case <-ctx.Done():
		return nil
	}
	if err := WriteProbe(video); err != nil {
		video.Close()
		return err
	}
	select {
	case control := <-incoming:
		return b.device.Serve(ctx, video, control)
	case <-ctx.Done():
		video.Close()
		return nil
	}
}

func tcpAddr(socket string) (string, error) {
	port, ok := strings.CutPrefix(socket, "tcp:")
	if !ok {
		return "", fmt.Errorf("dummy: unsupported socket %q", socket)
	}
	return net.JoinHostPort("127.0.0.1", port), nil
}

type process struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *process) Terminate() error {
	p.cancel()
	return nil
}

func (p *process) Wait() error {
	<-p.done
	return p.err
}
