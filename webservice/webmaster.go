// Package webservice is the HTTP API of a mirroring session: unlock,
// session status, device control, device listing, WebRTC signalling and the
// control and video websockets.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"screenlink/adb"
	"screenlink/scrcpy"
	"screenlink/screen"
	"screenlink/session"
	"screenlink/webrtcsink"
)

const shutdownTimeout = 5 * time.Second

// Mirror is the running session as the API uses it.
type Mirror interface {
	Status() session.Status
	PushControl(msg scrcpy.ControlMessage) bool
	Clipboard() string
	SubscribeClipboard(fn func(text string)) (cancel func())
	Hub() *screen.Hub
	WebRTC() *webrtcsink.Sink
}

var _ Mirror = (*session.Session)(nil)

// DeviceManager lists and attaches devices. *adb.Client implements it.
type DeviceManager interface {
	Devices(ctx context.Context) ([]adb.Device, error)
	Connect(ctx context.Context, address string) error
	Pair(ctx context.Context, address, code string) error
}

// DiscoverFunc browses the network for wireless debugging devices until ctx
// is done.
type DiscoverFunc func(ctx context.Context) ([]adb.Endpoint, error)

// Options configure a WebMaster. An empty PIN leaves the API open.
type Options struct {
	PIN       string
	JWTSecret string

	Devices  DeviceManager
	Discover DiscoverFunc
	// DiscoveryInterval is the pause between mDNS browses.
	DiscoveryInterval time.Duration
	// DiscoveryWindow is how long one browse listens.
	DiscoveryWindow time.Duration
}

// WebMaster owns the gin engine and the state shared by the handlers.
type WebMaster struct {
	mirror    Mirror
	opts      Options
	pin       string
	jwtSecret []byte
	log       *slog.Logger
	engine    *gin.Engine

	unlockMu       sync.Mutex
	unlockAttempts map[string]UnlockAttemptRecord

	devicesDiscoveredMu sync.RWMutex
	devicesDiscovered   map[string]adb.Endpoint
}

// New builds the router for mirror.
func New(mirror Mirror, opts Options) *WebMaster {
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = 10 * time.Second
	}
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = 2 * time.Second
	}
	wm := &WebMaster{
		mirror:            mirror,
		opts:              opts,
		pin:               opts.PIN,
		jwtSecret:         []byte(opts.JWTSecret),
		log:               slog.With("component", "webservice"),
		unlockAttempts:    make(map[string]UnlockAttemptRecord),
		devicesDiscovered: make(map[string]adb.Endpoint),
	}
	wm.engine = wm.routes()
	return wm
}

// Handler returns the HTTP handler.
func (wm *WebMaster) Handler() http.Handler { return wm.engine }

func (wm *WebMaster) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), wm.requestLogger())

	r.POST("/api/unlock", wm.handleUnlock)

	authed := r.Group("/")
	if wm.pin != "" {
		authed.Use(wm.HybridAuthMiddleware())
	}

	api := authed.Group("/api")
	api.GET("/session", wm.handleSession)
	api.GET("/clipboard", wm.handleGetClipboard)

	control := api.Group("/control")
	control.POST("/key", wm.handleKey)
	control.POST("/text", wm.handleText)
	control.POST("/touch", wm.handleTouch)
	control.POST("/scroll", wm.handleScroll)
	control.POST("/clipboard", wm.handleSetClipboard)
	control.POST("/power", wm.handlePower)
	control.POST("/rotate", wm.pushSimple(scrcpy.RotateDevice{}))
	control.POST("/back", wm.pushSimple(scrcpy.BackOrScreenOn{}))
	control.POST("/panel/expand", wm.pushSimple(scrcpy.ExpandNotificationPanel{}))
	control.POST("/panel/collapse", wm.pushSimple(scrcpy.CollapseNotificationPanel{}))

	api.GET("/devices", wm.handleListDevices)
	api.GET("/devices/discovered", wm.handleListDevicesDiscovered)
	api.POST("/devices/connect", wm.handleConnectDevice)
	api.POST("/devices/pair", wm.handlePairDevice)

	api.POST("/webrtc/offer", wm.handleWebRTCOffer)

	authed.GET("/ws", wm.handleControlWS)
	authed.GET("/ws/screen", wm.handleScreenWS)
	return r
}

func (wm *WebMaster) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		wm.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (wm *WebMaster) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, wm.mirror.Status())
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
// mDNS discovery runs alongside when a DiscoverFunc is set.
func (wm *WebMaster) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           wm.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if wm.opts.Discover != nil {
		go wm.DevicesDiscovery(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		wm.log.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
