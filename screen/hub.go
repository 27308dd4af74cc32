package screen

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"screenlink/nal"
	"screenlink/scrcpy"
	"screenlink/videobuffer"
)

const (
	viewerQueue  = 8
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub is a Renderer that sends frames to websocket viewers. Each message
// is a 12-byte packet header (PTS, length) followed by the Annex-B access
// unit. A viewer starts at the next keyframe, with the latest codec
// parameters prepended, and falls back to waiting for one whenever its
// queue overflows or the buffer dropped a frame before f.
type Hub struct {
	codec nal.Codec
	log   *slog.Logger

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	params  []byte
	closed  bool
}

type viewer struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	waitKey bool
}

func NewHub(codec nal.Codec) *Hub {
	return &Hub{
		codec:   codec,
		log:     slog.With("component", "hub"),
		viewers: make(map[*viewer]struct{}),
	}
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Render implements Renderer.
func (h *Hub) Render(f *videobuffer.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f.Keyframe || nal.FindSPS(h.codec, f.Data) != nil {
		if p := parameterSets(h.codec, f.Data); len(p) > 0 {
			h.params = p
		}
	}

	if f.Discontinuity && !f.Keyframe && len(h.viewers) > 0 {
		h.log.Debug("frame dropped upstream, viewers wait for next keyframe", "pts", f.PTS)
	}

	var withParams []byte
	for v := range h.viewers {
		if f.Discontinuity {
			v.waitKey = true
		}
		msg := f.Data
		if v.waitKey {
			if !f.Keyframe {
				continue
			}
			if nal.FindSPS(h.codec, f.Data) == nil && len(h.params) > 0 {
				if withParams == nil {
					withParams = append(append([]byte(nil), h.params...), f.Data...)
				}
				msg = withParams
			}
		}
		select {
		case v.send <- encode(f.PTS, msg):
			v.waitKey = false
		default:
			h.log.Debug("viewer lagging, waiting for next keyframe", "viewer", v.id)
			v.waitKey = true
		}
	}
}

func encode(pts uint64, data []byte) []byte {
	msg := make([]byte, scrcpy.PacketHeaderSize+len(data))
	scrcpy.WritePacketHeader(msg, scrcpy.PacketHeader{PTS: pts, Length: uint32(len(data))})
	copy(msg[scrcpy.PacketHeaderSize:], data)
	return msg
}

func parameterSets(codec nal.Codec, au []byte) []byte {
	var sets [][]byte
	for _, u := range nal.Split(au) {
		if nal.IsParameterSet(codec, u) {
			sets = append(sets, u)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	return nal.Join(sets...)
}

// ServeHTTP upgrades the request and streams frames until the viewer
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	v := &viewer{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, viewerQueue),
		waitKey: true,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	h.log.Info("viewer connected", "viewer", v.id, "remote", r.RemoteAddr)

	go v.writeLoop()
	// reads only to process control frames and notice the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(v)
	h.log.Info("viewer disconnected", "viewer", v.id)
}

func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; ok {
		delete(h.viewers, v)
		close(v.send)
	}
}

func (v *viewer) writeLoop() {
	defer v.conn.Close()
	for msg := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := v.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	v.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for v := range h.viewers {
		delete(h.viewers, v)
		close(v.send)
	}
}
