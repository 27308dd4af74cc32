package webservice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"screenlink/webrtcsink"
)

const answerTimeout = 10 * time.Second

// handleWebRTCOffer answers a viewer's SDP offer. ICE candidates are
// embedded in the answer, there is no trickle endpoint.
func (wm *WebMaster) handleWebRTCOffer(c *gin.Context) {
	var req struct {
		SDP string `json:"sdp" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	sink := wm.mirror.WebRTC()
	if sink == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webrtc disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), answerTimeout)
	defer cancel()
	answer, err := sink.Answer(ctx, req.SDP)
	switch {
	case errors.Is(err, webrtcsink.ErrClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session ended"})
		return
	case err != nil:
		wm.log.Warn("webrtc offer", "client", c.ClientIP(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "answer", "sdp": answer})
}
