package webservice

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"screenlink/scrcpy"
)

const (
	wsSendQueue    = 16
	wsWriteTimeout = 5 * time.Second
)

var errControlUnavailable = errors.New("control channel unavailable")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleControlWS carries control messages from the client in their device
// wire format, one or more per binary frame, and pushes every clipboard
// change back as a serialized device message.
func (wm *WebMaster) handleControlWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wm.log.Debug("websocket upgrade", "error", err)
		return
	}
	log := wm.log.With("client_id", uuid.NewString())
	log.Info("control client connected", "remote", c.ClientIP())

	send := make(chan []byte, wsSendQueue)
	done := make(chan struct{})
	unsubscribe := wm.mirror.SubscribeClipboard(func(text string) {
		msg, err := scrcpy.SerializeDeviceMessage(scrcpy.Clipboard{Text: text})
		if err != nil {
			log.Warn("serialize clipboard", "error", err)
			return
		}
		select {
		case send <- msg:
		default:
			log.Warn("clipboard update dropped, client too slow")
		}
	})
	go writeLoop(conn, send, done)

	defer func() {
		unsubscribe()
		close(done)
		conn.Close()
		log.Info("control client disconnected")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			log.Debug("ignoring non-binary message", "type", mt)
			continue
		}
		if err := wm.pushWire(data); err != nil {
			log.Warn("control message rejected", "error", err)
		}
	}
}

func writeLoop(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// pushWire decodes every control message in data and queues it.
func (wm *WebMaster) pushWire(data []byte) error {
	for off := 0; off < len(data); {
		msg, n, err := scrcpy.DeserializeControlMessage(data[off:])
		if errors.Is(err, scrcpy.ErrNeedMoreData) {
			return fmt.Errorf("truncated message at offset %d", off)
		}
		if err != nil {
			return err
		}
		if !wm.mirror.PushControl(msg) {
			return errControlUnavailable
		}
		off += n
	}
	return nil
}

// handleScreenWS streams the raw access units to a websocket viewer.
func (wm *WebMaster) handleScreenWS(c *gin.Context) {
	hub := wm.mirror.Hub()
	if hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no video"})
		return
	}
	hub.ServeHTTP(c.Writer, c.Request)
}
