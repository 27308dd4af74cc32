// Package adb drives the adb command line tool.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"screenlink/tunnel"
)

// Client runs adb against one device. An empty Serial lets adb pick the
// only attached device.
type Client struct {
	Path   string
	Serial string
	log    *slog.Logger
}

var _ tunnel.Bridge = (*Client)(nil)

// NewClient uses the adb binary at path, or LookPath's result when path is
// empty.
func NewClient(path, serial string) (*Client, error) {
	if path == "" {
		p, err := LookPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Client{
		Path:   path,
		Serial: serial,
		log:    slog.With("component", "adb", "serial", serial),
	}, nil
}

func (c *Client) args(args []string) []string {
	if c.Serial == "" {
		return args
	}
	return append([]string{"-s", c.Serial}, args...)
}

// Run executes one adb command and returns its combined output.
func (c *Client) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.args(args)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

func (c *Client) Push(ctx context.Context, local, remote string) error {
	if _, err := os.Stat(local); err != nil {
		return fmt.Errorf("adb push: %w", err)
	}
	_, err := c.Run(ctx, "push", local, remote)
	return err
}

func (c *Client) Reverse(ctx context.Context, deviceSocket, hostSocket string) error {
	_, err := c.Run(ctx, "reverse", deviceSocket, hostSocket)
	return err
}

func (c *Client) RemoveReverse(ctx context.Context, deviceSocket string) error {
	_, err := c.Run(ctx, "reverse", "--remove", deviceSocket)
	return err
}

func (c *Client) Forward(ctx context.Context, hostSocket, deviceSocket string) error {
	_, err := c.Run(ctx, "forward", hostSocket, deviceSocket)
	return err
}

func (c *Client) RemoveForward(ctx context.Context, hostSocket string) error {
	_, err := c.Run(ctx, "forward", "--remove", hostSocket)
	return err
}

// Execute starts a long-running adb command. Its output is logged line by
// line. Cancelling ctx sends SIGTERM, then kills after a grace period.
func (c *Client) Execute(ctx context.Context, args ...string) (tunnel.Process, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.args(args)...)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = 3 * time.Second

	out := &lineLogger{log: c.log.With("stream", "server")}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("adb %s: %w", args[0], err)
	}
	c.log.Debug("started", "pid", cmd.Process.Pid)
	return &process{cmd: cmd}, nil
}

type process struct {
	cmd *exec.Cmd
}

func (p *process) Terminate() error { return terminate(p.cmd) }

func (p *process) Wait() error { return p.cmd.Wait() }

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// no SIGTERM on windows
		return cmd.Process.Kill()
	}
	return nil
}

// lineLogger turns process output into log records.
type lineLogger struct {
	log *slog.Logger
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.buf[:i])); line != "" {
			l.log.Info(line)
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
