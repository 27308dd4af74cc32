package webservice

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"screenlink/scrcpy"
)

// push queues msgs and writes the response. A refused message means the
// control channel is disabled, full or gone.
func (wm *WebMaster) push(c *gin.Context, msgs ...scrcpy.ControlMessage) {
	for _, msg := range msgs {
		if !wm.mirror.PushControl(msg) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control channel unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (wm *WebMaster) pushSimple(msg scrcpy.ControlMessage) gin.HandlerFunc {
	return func(c *gin.Context) { wm.push(c, msg) }
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// handleKey sends a key event. Action "press", the default, sends the down
// and up events together.
func (wm *WebMaster) handleKey(c *gin.Context) {
	var req struct {
		Action    string `json:"action"`
		Keycode   uint32 `json:"keycode" binding:"required"`
		Metastate uint32 `json:"metastate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	down := scrcpy.InjectKeycode{Action: scrcpy.KeyActionDown, Keycode: req.Keycode, Metastate: req.Metastate}
	up := down
	up.Action = scrcpy.KeyActionUp

	switch req.Action {
	case "", "press":
		wm.push(c, down, up)
	case "down":
		wm.push(c, down)
	case "up":
		wm.push(c, up)
	default:
		badRequest(c, "unknown key action "+req.Action)
	}
}

func (wm *WebMaster) handleText(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if len(req.Text) > scrcpy.InjectTextMaxLength {
		badRequest(c, "text too long")
		return
	}
	wm.push(c, scrcpy.InjectText{Text: req.Text})
}

type positionRequest struct {
	X      int32  `json:"x"`
	Y      int32  `json:"y"`
	Width  uint16 `json:"width" binding:"required"`
	Height uint16 `json:"height" binding:"required"`
}

func (p positionRequest) position() scrcpy.Position {
	return scrcpy.Position{
		Screen: scrcpy.Size{Width: p.Width, Height: p.Height},
		Point:  scrcpy.Point{X: p.X, Y: p.Y},
	}
}

var motionActions = map[string]scrcpy.MotionAction{
	"down": scrcpy.MotionActionDown,
	"up":   scrcpy.MotionActionUp,
	"move": scrcpy.MotionActionMove,
}

// handleTouch injects one pointer event. Width and height are the frame
// size the coordinates refer to; the device drops events for a stale size.
func (wm *WebMaster) handleTouch(c *gin.Context) {
	var req struct {
		positionRequest
		Action    string   `json:"action" binding:"required"`
		PointerID *uint64  `json:"pointer_id"`
		Pressure  *float32 `json:"pressure"`
		Buttons   uint32   `json:"buttons"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	action, ok := motionActions[req.Action]
	if !ok {
		badRequest(c, "unknown touch action "+req.Action)
		return
	}
	ev := scrcpy.InjectTouchEvent{
		Action:    action,
		PointerID: scrcpy.PointerIDVirtualFinger,
		Position:  req.position(),
		Pressure:  1,
		Buttons:   req.Buttons,
	}
	if req.PointerID != nil {
		ev.PointerID = *req.PointerID
	}
	if req.Pressure != nil {
		ev.Pressure = *req.Pressure
	}
	if action == scrcpy.MotionActionUp && req.Pressure == nil {
		ev.Pressure = 0
	}
	wm.push(c, ev)
}

func (wm *WebMaster) handleScroll(c *gin.Context) {
	var req struct {
		positionRequest
		HScroll int32 `json:"hscroll"`
		VScroll int32 `json:"vscroll"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	wm.push(c, scrcpy.InjectScrollEvent{Position: req.position(), HScroll: req.HScroll, VScroll: req.VScroll})
}

func (wm *WebMaster) handleSetClipboard(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if len(req.Text) > scrcpy.ClipboardTextMaxLength {
		badRequest(c, "text too long")
		return
	}
	wm.push(c, scrcpy.SetClipboard{Text: req.Text})
}

func (wm *WebMaster) handlePower(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	switch req.Mode {
	case "off":
		wm.push(c, scrcpy.SetScreenPowerMode{Mode: scrcpy.ScreenPowerModeOff})
	case "normal", "on":
		wm.push(c, scrcpy.SetScreenPowerMode{Mode: scrcpy.ScreenPowerModeNormal})
	default:
		badRequest(c, "unknown power mode "+req.Mode)
	}
}

// handleGetClipboard returns the last known device clipboard. With
// ?refresh=1 it also asks the device for a fresh copy, which arrives later
// on the control websocket.
func (wm *WebMaster) handleGetClipboard(c *gin.Context) {
	resp := gin.H{"text": wm.mirror.Clipboard()}
	if c.Query("refresh") == "1" {
		resp["refresh_queued"] = wm.mirror.PushControl(scrcpy.GetClipboard{})
	}
	c.JSON(http.StatusOK, resp)
}
