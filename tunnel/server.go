// Package tunnel stages the server on the device, opens the adb tunnel,
// launches the remote process and connects the video and control sockets.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"screenlink/scrcpy"
)

// SocketName is the abstract unix socket the server listens on or
// connects to on the device.
const SocketName = "scrcpy"

const (
	DefaultConnectAttempts = 100
	DefaultConnectDelay    = 100 * time.Millisecond
	DefaultProbeTimeout    = 2 * time.Second
	reapTimeout            = 5 * time.Second
)

var (
	ErrBadState      = errors.New("tunnel: operation not valid in current state")
	ErrConnectFailed = errors.New("tunnel: could not connect to server")
	ErrServerExited  = errors.New("tunnel: server process exited")
)

// State is the server manager lifecycle.
type State int

const (
	Init State = iota
	BinaryStaged
	TunnelEnabled
	RemoteLaunched
	Connected
	Active
	Stopped
)

var stateNames = [...]string{"init", "binary_staged", "tunnel_enabled", "remote_launched", "connected", "active", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Tunnel describes the adb port mapping. Forward does not change once the
// tunnel has been enabled.
type Tunnel struct {
	LocalPort          uint16 `json:"local_port"`
	Forward            bool   `json:"forward"`
	Enabled            bool   `json:"enabled"`
	SocketsEstablished bool   `json:"sockets_established"`
}

// Config parameterises one server session.
type Config struct {
	ServerLocalPath  string
	ServerRemotePath string
	LocalPort        uint16
	Params           scrcpy.ServerParams

	// ForceForward skips the reverse attempt.
	ForceForward bool
	// Host is dialed in forward mode and listened on in reverse mode.
	Host string

	ConnectAttempts int
	ConnectDelay    time.Duration
	ProbeTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = DefaultConnectDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
}

// Conns are the two sockets handed to the caller once connected. From then
// on the caller owns them.
type Conns struct {
	Video   net.Conn
	Control net.Conn
}

// Server drives the remote server through its lifecycle.
type Server struct {
	cfg    Config
	bridge Bridge
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	tunnel   Tunnel
	listener net.Listener
	process  Process
	procDone chan struct{}
	procErr  error
	conns    Conns
	owned    bool // conns not yet handed out

	// the remote process outlives Start's context
	procCtx    context.Context
	procCancel context.CancelFunc
}

// New creates a server manager in the Init state.
func New(cfg Config, bridge Bridge) *Server {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		bridge:     bridge,
		log:        slog.With("component", "server"),
		tunnel:     Tunnel{LocalPort: cfg.LocalPort},
		procCtx:    ctx,
		procCancel: cancel,
	}
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tunnel returns a snapshot of the tunnel description.
func (s *Server) Tunnel() Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnel
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("server state", "state", st)
}

func (s *Server) deviceSocket() string { return "localabstract:" + SocketName }

func (s *Server) hostSocket() string {
	return "tcp:" + strconv.Itoa(int(s.cfg.LocalPort))
}

// Start stages the server binary, enables the tunnel and launches the
// remote process. On failure every completed step is undone.
func (s *Server) Start(ctx context.Context) error {
	if s.State() != Init {
		return ErrBadState
	}

	if err := s.bridge.Push(ctx, s.cfg.ServerLocalPath, s.cfg.ServerRemotePath); err != nil {
		s.setState(Stopped)
		return fmt.Errorf("push server: %w", err)
	}
	s.setState(BinaryStaged)

	if err := s.enableTunnel(ctx); err != nil {
		s.setState(Stopped)
		return err
	}
	s.setState(TunnelEnabled)

	if !s.Tunnel().Forward {
		l, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.LocalPort))))
		if err != nil {
			s.unwind()
			return fmt.Errorf("listen on port %d: %w", s.cfg.LocalPort, err)
		}
		s.mu.Lock()
		s.listener = l
		s.mu.Unlock()
	}

	if err := s.launch(); err != nil {
		s.unwind()
		return err
	}
	s.setState(RemoteLaunched)
	return nil
}

// enableTunnel tries reverse first and falls back to forward once. The
// choice holds for the rest of the session.
func (s *Server) enableTunnel(ctx context.Context) error {
	if !s.cfg.ForceForward {
		err := s.bridge.Reverse(ctx, s.deviceSocket(), s.hostSocket())
		if err == nil {
			s.mu.Lock()
			s.tunnel.Enabled = true
			s.mu.Unlock()
			return nil
		}
		s.log.Warn("adb reverse failed, falling back to adb forward", "error", err)
	}

	if err := s.bridge.Forward(ctx, s.hostSocket(), s.deviceSocket()); err != nil {
		return fmt.Errorf("enable tunnel: %w", err)
	}
	s.mu.Lock()
	s.tunnel.Enabled = true
	s.tunnel.Forward = true
	s.mu.Unlock()
	return nil
}

func (s *Server) disableTunnel() {
	s.mu.Lock()
	t := s.tunnel
	s.tunnel.Enabled = false
	s.mu.Unlock()
	if !t.Enabled {
		return
	}

	// cleanup must not be cut short by an already cancelled caller context
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if t.Forward {
		err = s.bridge.RemoveForward(ctx, s.hostSocket())
	} else {
		err = s.bridge.RemoveReverse(ctx, s.deviceSocket())
	}
	if err != nil {
		s.log.Warn("remove tunnel", "forward", t.Forward, "error", err)
	}
}

func (s *Server) launch() error {
	params := s.cfg.Params
	params.TunnelForward = s.Tunnel().Forward

	args := append([]string{
		"shell",
		"CLASSPATH=" + s.cfg.ServerRemotePath,
		"app_process",
		"/",
		scrcpy.ServerMainClass,
	}, params.Args()...)

	s.log.Info("launching server", "args", args)
	p, err := s.bridge.Execute(s.procCtx, args...)
	if err != nil {
		return fmt.Errorf("launch server: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.process = p
	s.procDone = done
	s.mu.Unlock()

	go func() {
		err := p.Wait()
		s.mu.Lock()
		s.procErr = err
		s.mu.Unlock()
		close(done)
		s.log.Debug("server process exited", "error", err)
	}()
	return nil
}

// Connect establishes the video socket then the control socket and removes
// the tunnel. On failure the whole startup is undone.
func (s *Server) Connect(ctx context.Context) (Conns, error) {
	if s.State() != RemoteLaunched {
		return Conns{}, ErrBadState
	}

	forward := s.Tunnel().Forward
	var (
		conns Conns
		err   error
	)
	if forward {
		conns, err = s.connectForward(ctx)
	} else {
		conns, err = s.acceptReverse(ctx)
	}
	if err != nil {
		s.unwind()
		return Conns{}, err
	}

	s.mu.Lock()
	s.conns = conns
	s.owned = true
	s.tunnel.SocketsEstablished = true
	s.mu.Unlock()
	s.setState(Connected)

	// both sockets are up, the mapping is no longer needed
	s.disableTunnel()

	s.mu.Lock()
	s.owned = false
	s.mu.Unlock()
	s.setState(Active)
	s.log.Info("server connected", "forward", forward)
	return conns, nil
}

func (s *Server) acceptReverse(ctx context.Context) (Conns, error) {
	s.mu.Lock()
	l := s.listener
	procDone := s.procDone
	s.mu.Unlock()

	type result struct {
		conns [2]net.Conn
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		for i := range r.conns {
			c, err := l.Accept()
			if err != nil {
				r.err = err
				break
			}
			r.conns[i] = c
		}
		ch <- r
	}()

	var (
		r     result
		cause error
	)
	select {
	case r = <-ch:
	case <-ctx.Done():
		cause = ctx.Err()
	case <-procDone:
		cause = ErrServerExited
	}
	// the listening socket is only needed for these two connections
	l.Close()
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()

	if cause != nil {
		r = <-ch
		closeConns(r.conns[:]...)
		return Conns{}, cause
	}
	if r.err != nil {
		closeConns(r.conns[:]...)
		return Conns{}, fmt.Errorf("accept: %w", r.err)
	}
	return Conns{Video: r.conns[0], Control: r.conns[1]}, nil
}

func (s *Server) connectForward(ctx context.Context) (Conns, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.LocalPort)))

	video, err := s.dialWithProbe(ctx, addr)
	if err != nil {
		return Conns{}, err
	}

	// the video socket proved the server is accepting, one attempt is enough
	var d net.Dialer
	control, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		video.Close()
		return Conns{}, fmt.Errorf("dial control socket: %w", err)
	}
	return Conns{Video: video, Control: control}, nil
}

// dialWithProbe retries until a connection delivers its first byte. adb
// accepts a forwarded connection even when nothing listens on the device
// side, so a successful connect alone proves nothing. All attempts together
// take at most ConnectAttempts * ConnectDelay, however slow each probe is.
func (s *Server) dialWithProbe(ctx context.Context, addr string) (net.Conn, error) {
	budget := time.Duration(s.cfg.ConnectAttempts) * s.cfg.ConnectDelay
	dialCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	deadline, _ := dialCtx.Deadline()

	var d net.Dialer
	var lastErr error
	attempts := 0
	for attempts < s.cfg.ConnectAttempts {
		attempts++
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		if err == nil {
			if err = probe(conn, min(s.cfg.ProbeTimeout, time.Until(deadline))); err == nil {
				return conn, nil
			}
			conn.Close()
		}
		lastErr = err

		if attempts == s.cfg.ConnectAttempts {
			break
		}
		select {
		case <-dialCtx.Done():
		case <-time.After(s.cfg.ConnectDelay):
			continue
		}
		break
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts in %v: %v", ErrConnectFailed, attempts, budget, lastErr)
}

func probe(conn net.Conn, timeout time.Duration) error {
	var b [1]byte
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, err := io.ReadFull(conn, b[:])
	conn.SetReadDeadline(time.Time{})
	return err
}

// unwind undoes a failed startup.
func (s *Server) unwind() {
	s.teardown()
	s.setState(Stopped)
}

// Stop closes any sockets still owned here, terminates the remote process
// and removes the tunnel if it is still enabled. It is safe to call more
// than once and in any state.
func (s *Server) Stop() {
	if s.State() == Stopped {
		return
	}
	s.teardown()
	s.setState(Stopped)
}

func (s *Server) teardown() {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	var conns Conns
	if s.owned {
		conns = s.conns
		s.owned = false
	}
	p := s.process
	done := s.procDone
	s.process = nil
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	closeConns(conns.Video, conns.Control)

	if p != nil {
		if err := p.Terminate(); err != nil {
			s.log.Warn("terminate server", "error", err)
		}
		select {
		case <-done:
		case <-time.After(reapTimeout):
			s.log.Warn("server process did not exit, killing")
			s.procCancel()
			<-done
		}
	}
	s.procCancel()

	s.disableTunnel()
}

func closeConns(conns ...net.Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}
