package controller

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"screenlink/actor"
	"screenlink/scrcpy"
)

var ErrMessageTooLarge = errors.New("controller: device message exceeds buffer")

// ClipboardSink receives the device clipboard.
type ClipboardSink interface {
	SetText(text string)
}

// ClipboardFunc adapts a function to ClipboardSink.
type ClipboardFunc func(text string)

func (f ClipboardFunc) SetText(text string) { f(text) }

// Receiver reads device messages from the control socket.
type Receiver struct {
	*actor.Worker
	conn io.Reader
	sink ClipboardSink
	log  *slog.Logger

	buf [scrcpy.DeviceMessageMaxSize]byte
}

// NewReceiver creates a receiver reading from conn. sink may be nil.
func NewReceiver(conn io.Reader, sink ClipboardSink) *Receiver {
	r := &Receiver{
		conn: conn,
		sink: sink,
		log:  slog.With("component", "receiver"),
	}
	r.Worker = actor.NewWorker("receiver", r.loop)
	return r
}

func (r *Receiver) loop(w *actor.Worker) error {
	head := 0
	for {
		if head == len(r.buf) {
			return ErrMessageTooLarge
		}
		n, err := r.conn.Read(r.buf[head:])
		if n > 0 {
			head += n
			consumed, perr := r.process(r.buf[:head])
			if perr != nil {
				return perr
			}
			// keep the partial tail for the next read
			head = copy(r.buf[:], r.buf[consumed:head])
		}
		if err != nil || n == 0 {
			if w.Stopping() || closedConn(err) {
				r.log.Debug("control connection closed")
				return nil
			}
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read device message: %w", err)
		}
	}
}

func closedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// process decodes every complete message in buf and returns how many bytes
// were consumed.
func (r *Receiver) process(buf []byte) (int, error) {
	consumed := 0
	for {
		msg, n, err := scrcpy.DeserializeDeviceMessage(buf[consumed:])
		if errors.Is(err, scrcpy.ErrNeedMoreData) {
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		r.dispatch(msg)
		consumed += n
	}
}

func (r *Receiver) dispatch(msg scrcpy.DeviceMessage) {
	switch m := msg.(type) {
	case scrcpy.Clipboard:
		r.log.Debug("device clipboard", "length", len(m.Text))
		if r.sink != nil {
			r.sink.SetText(m.Text)
		}
	}
}
