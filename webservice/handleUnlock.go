package webservice

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	maxUnlockAttempts = 5
	unlockLockout     = 10 * time.Minute
)

type UnlockAttemptRecord struct {
	Attempts  int
	IsLocked  bool
	LockUntil time.Time
}

// handleUnlock exchanges the PIN for a token. Each client IP gets
// maxUnlockAttempts tries before being locked out for unlockLockout.
func (wm *WebMaster) handleUnlock(c *gin.Context) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": "error", "message": "Invalid request"})
		return
	}

	ip := c.ClientIP()
	now := time.Now()

	wm.unlockMu.Lock()
	record := wm.unlockAttempts[ip]
	if record.IsLocked && now.After(record.LockUntil) {
		record = UnlockAttemptRecord{}
	}
	if !record.IsLocked && record.Attempts >= maxUnlockAttempts {
		record.IsLocked = true
		record.LockUntil = now.Add(unlockLockout)
	}
	if record.IsLocked {
		wm.unlockAttempts[ip] = record
		wm.unlockMu.Unlock()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"result":    "failed",
			"message":   "Too many attempts, please try again later",
			"leftTries": 0,
			"lockUntil": record.LockUntil,
		})
		return
	}
	if req.PIN != wm.pin {
		record.Attempts++
		wm.unlockAttempts[ip] = record
		wm.unlockMu.Unlock()
		wm.log.Warn("wrong unlock pin", "client", ip, "attempts", record.Attempts)
		c.JSON(http.StatusUnauthorized, gin.H{
			"result":    "failed",
			"message":   "Incorrect PIN",
			"leftTries": maxUnlockAttempts - record.Attempts,
		})
		return
	}
	delete(wm.unlockAttempts, ip)
	wm.unlockMu.Unlock()

	token, err := wm.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.SetCookie(authCookie, token, int(tokenLifetime/time.Second), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"result": "success", "message": "Unlocked", "token": token})
}
