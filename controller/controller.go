// Package controller moves control messages to the device and device
// messages back. The Controller owns the write side of the control socket,
// the Receiver owns the read side.
package controller

import (
	"fmt"
	"io"
	"log/slog"

	"screenlink/actor"
	"screenlink/queue"
	"screenlink/scrcpy"
)

// Controller serializes queued control messages onto the control socket.
type Controller struct {
	*actor.Actor[scrcpy.ControlMessage]
	conn io.Writer
	log  *slog.Logger
}

// New creates a controller writing to conn. Call Start to begin sending.
func New(conn io.Writer) *Controller {
	c := &Controller{
		conn: conn,
		log:  slog.With("component", "controller"),
	}
	c.Actor = actor.New[scrcpy.ControlMessage]("controller", queue.ControlMessageCapacity, c.send)
	return c
}

// PushMessage queues msg for sending. It returns false if the queue is full
// or the controller has stopped; the message is then dropped.
func (c *Controller) PushMessage(msg scrcpy.ControlMessage) bool {
	ok := c.Push(msg)
	if !ok {
		c.log.Warn("control message dropped", "type", msg.Type())
	}
	return ok
}

func (c *Controller) send(msg scrcpy.ControlMessage) error {
	buf, err := scrcpy.SerializeControlMessage(msg)
	if err != nil {
		return err
	}
	if err := writeFull(c.conn, buf); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	c.log.Debug("control message sent", "type", msg.Type(), "size", len(buf))
	return nil
}

// writeFull retries short writes until buf is sent or the writer fails.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}
