package webservice

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"screenlink/adb"
)

// DevicesDiscovery browses for wireless debugging devices every
// DiscoveryInterval until ctx is done. Endpoints are kept by instance name,
// so a device that changes port replaces its old entry.
func (wm *WebMaster) DevicesDiscovery(ctx context.Context) {
	ticker := time.NewTicker(wm.opts.DiscoveryInterval)
	defer ticker.Stop()
	for {
		wm.discoverOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (wm *WebMaster) discoverOnce(ctx context.Context) {
	browseCtx, cancel := context.WithTimeout(ctx, wm.opts.DiscoveryWindow)
	defer cancel()
	found, err := wm.opts.Discover(browseCtx)
	if err != nil {
		wm.log.Warn("device discovery", "error", err)
		return
	}
	wm.devicesDiscoveredMu.Lock()
	for _, ep := range found {
		wm.devicesDiscovered[ep.Instance] = ep
	}
	wm.devicesDiscoveredMu.Unlock()
}

func (wm *WebMaster) handleListDevicesDiscovered(c *gin.Context) {
	wm.devicesDiscoveredMu.RLock()
	devices := make([]adb.Endpoint, 0, len(wm.devicesDiscovered))
	for _, ep := range wm.devicesDiscovered {
		devices = append(devices, ep)
	}
	wm.devicesDiscoveredMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].Instance < devices[j].Instance })
	c.JSON(http.StatusOK, devices)
}

func (wm *WebMaster) handleListDevices(c *gin.Context) {
	if wm.opts.Devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device bridge not available"})
		return
	}
	devices, err := wm.opts.Devices.Devices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if devices == nil {
		devices = []adb.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

// handleConnectDevice attaches a device over TCP/IP.
// POST /api/devices/connect
func (wm *WebMaster) handleConnectDevice(c *gin.Context) {
	var req struct {
		IP   string `json:"ip" binding:"required"`
		Port string `json:"port"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if wm.opts.Devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device bridge not available"})
		return
	}
	addr := req.IP
	if req.Port != "" {
		addr = addr + ":" + req.Port
	}
	if err := wm.opts.Devices.Connect(c.Request.Context(), addr); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

func (wm *WebMaster) handlePairDevice(c *gin.Context) {
	var req struct {
		IP   string `json:"ip" binding:"required"`
		Port string `json:"port" binding:"required"`
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if wm.opts.Devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device bridge not available"})
		return
	}
	if err := wm.opts.Devices.Pair(c.Request.Context(), req.IP+":"+req.Port, req.Code); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paired"})
}
