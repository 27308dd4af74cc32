package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"screenlink/adb"
	"screenlink/config"
	"screenlink/dummy"
	"screenlink/nal"
	"screenlink/notify"
	"screenlink/session"
	"screenlink/tunnel"
	"screenlink/webservice"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func usage() {
	fmt.Fprintln(os.Stderr, "usage: screenlink [mirror] [flags]")
	fmt.Fprintln(os.Stderr, "       screenlink devices [-discover] [-adb path]")
	fmt.Fprintln(os.Stderr, "       screenlink version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "run 'screenlink mirror -h' for the mirror flags")
}

func main() {
	args := os.Args[1:]
	cmd := "mirror"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "mirror":
		os.Exit(runMirror(args))
	case "devices":
		os.Exit(runDevices(args))
	case "version":
		fmt.Printf("screenlink %s (server %s)\n", version, config.DefaultServerVersion)
	default:
		usage()
		os.Exit(2)
	}
}

func setupLogging(level string) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// mirrorFlags are command line overrides of the configuration file. Only
// flags given explicitly replace file values.
type mirrorFlags struct {
	configPath string

	serial, adbPath string
	dummy           bool
	dummyFile       string
	dummyCodec      string
	dummyFPS        int

	port         uint
	maxSize      uint
	bitRate      uint
	maxFPS       uint
	crop         string
	noControl    bool
	forceForward bool

	noDisplay     bool
	renderExpired bool
	fpsCounter    bool
	record        string

	httpListen string
	pin        string
	webrtc     bool
	mqtt       string
	logLevel   string
}

func parseMirrorFlags(args []string) (*mirrorFlags, *flag.FlagSet) {
	f := &mirrorFlags{}
	fs := flag.NewFlagSet("mirror", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.serial, "serial", "", "device serial (adb -s)")
	fs.StringVar(&f.adbPath, "adb", "", "adb binary (default: $ADB, ./adb, then PATH)")
	fs.BoolVar(&f.dummy, "dummy", false, "mirror an in-process fake device instead of a phone")
	fs.StringVar(&f.dummyFile, "dummy-file", "", "Annex-B file streamed by the fake device")
	fs.StringVar(&f.dummyCodec, "dummy-codec", "", "codec of -dummy-file: h264 or h265")
	fs.IntVar(&f.dummyFPS, "dummy-fps", 0, "frame rate of the fake device")
	fs.UintVar(&f.port, "port", 0, "local tunnel port")
	fs.UintVar(&f.maxSize, "max-size", 0, "limit the larger video dimension (0 = native)")
	fs.UintVar(&f.bitRate, "bit-rate", 0, "encoder bit rate in bit/s")
	fs.UintVar(&f.maxFPS, "max-fps", 0, "limit the device frame rate")
	fs.StringVar(&f.crop, "crop", "", "crop the device screen to width:height:x:y")
	fs.BoolVar(&f.noControl, "no-control", false, "disable device control")
	fs.BoolVar(&f.forceForward, "force-forward", false, "use adb forward instead of adb reverse")
	fs.BoolVar(&f.noDisplay, "no-display", false, "only record, do not serve the video to viewers")
	fs.BoolVar(&f.renderExpired, "render-expired-frames", true, "never skip frames, block decoding instead")
	fs.BoolVar(&f.fpsCounter, "fps", false, "log the frame rate every second")
	fs.StringVar(&f.record, "record", "", "record the stream to this file")
	fs.StringVar(&f.httpListen, "http", "", "serve the web API on this address")
	fs.StringVar(&f.pin, "pin", "", "PIN protecting the web API")
	fs.BoolVar(&f.webrtc, "webrtc", false, "serve the video over WebRTC (needs -http)")
	fs.StringVar(&f.mqtt, "mqtt", "", "publish session events to this MQTT broker (host:port)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.Parse(args)
	return f, fs
}

// apply copies the explicitly set flags over cfg.
func (f *mirrorFlags) apply(cfg *config.Config, fs *flag.FlagSet) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "serial":
			cfg.Device.Serial = f.serial
		case "adb":
			cfg.Device.ADBPath = f.adbPath
		case "dummy":
			cfg.Device.Dummy.Enabled = f.dummy
		case "dummy-file":
			cfg.Device.Dummy.File = f.dummyFile
		case "dummy-codec":
			cfg.Device.Dummy.Codec = f.dummyCodec
		case "dummy-fps":
			cfg.Device.Dummy.FPS = f.dummyFPS
		case "port":
			cfg.Server.LocalPort = uint16(f.port)
		case "max-size":
			cfg.Server.MaxSize = uint16(f.maxSize)
		case "bit-rate":
			cfg.Server.BitRate = uint32(f.bitRate)
		case "max-fps":
			cfg.Server.MaxFPS = uint16(f.maxFPS)
		case "crop":
			cfg.Server.Crop = f.crop
		case "no-control":
			enabled := !f.noControl
			cfg.Server.Control = &enabled
		case "force-forward":
			cfg.Server.ForceForward = f.forceForward
		case "render-expired-frames":
			expired := f.renderExpired
			cfg.Display.RenderExpiredFrames = &expired
		case "no-display":
			enabled := !f.noDisplay
			cfg.Display.Enabled = &enabled
		case "fps":
			cfg.Display.FPSCounter = f.fpsCounter
		case "record":
			cfg.Record.Path = f.record
		case "http":
			cfg.HTTP.Enabled = true
			cfg.HTTP.Listen = f.httpListen
		case "pin":
			cfg.HTTP.PIN = f.pin
		case "webrtc":
			cfg.WebRTC.Enabled = f.webrtc
		case "mqtt":
			cfg.MQTT.Broker = f.mqtt
		case "log-level":
			cfg.LogLevel = f.logLevel
		}
	})
}

func loadConfig(f *mirrorFlags, fs *flag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	f.apply(cfg, fs)
	if cfg.HTTP.PIN != "" && cfg.HTTP.JWTSecret == "" {
		// a PIN from the command line gets a per-process secret
		cfg.HTTP.JWTSecret = uuid.NewString()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runMirror(args []string) int {
	f, fs := parseMirrorFlags(args)
	cfg, err := loadConfig(f, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		bridge  tunnel.Bridge
		devices webservice.DeviceManager
		codec   = nal.H264
	)
	if d := cfg.Device.Dummy; d.Enabled {
		codec = nal.Codec(d.Codec)
		dev, err := dummy.New(dummy.Config{Codec: codec, FPS: d.FPS, File: d.File, Loop: d.Loop})
		if err != nil {
			slog.Error("create dummy device", "error", err)
			return 1
		}
		bridge = dummy.NewBridge(dev)
	} else {
		client, err := adb.NewClient(cfg.Device.ADBPath, cfg.Device.Serial)
		if err != nil {
			slog.Error("adb not available", "error", err)
			return 1
		}
		bridge, devices = client, client
	}

	var pub notify.Publisher
	if cfg.MQTT.Broker != "" {
		mqttPub := connectMQTT(ctx, cfg)
		defer mqttPub.Disconnect()
		pub = mqttPub
	}

	s := session.New(cfg, bridge, session.Options{Codec: codec, Publisher: pub})
	if err := s.Start(ctx); err != nil {
		slog.Error("start session", "error", err)
		return 1
	}
	defer s.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.Done():
			return s.Err()
		}
	})
	if cfg.HTTP.Enabled {
		if cfg.LogLevel != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		wm := webservice.New(s, webservice.Options{
			PIN:       cfg.HTTP.PIN,
			JWTSecret: cfg.HTTP.JWTSecret,
			Devices:   devices,
			Discover:  adb.Discover,
		})
		g.Go(func() error { return wm.Serve(gctx, cfg.HTTP.Listen) })
	}

	err = g.Wait()
	switch {
	case err == nil:
		slog.Info("interrupted, shutting down")
	case errors.Is(err, session.ErrStreamEnded):
		slog.Info("device closed the stream")
	default:
		slog.Error("session ended", "error", err)
		return 1
	}
	return 0
}

func connectMQTT(ctx context.Context, cfg *config.Config) *notify.MQTTPublisher {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = "screenlink-" + host
	}
	p := notify.NewMQTT(notify.Options{
		Broker:   cfg.MQTT.Broker,
		Topic:    cfg.MQTT.Topic,
		ClientID: clientID,
		QoS:      cfg.MQTT.QoS,
	})
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Connect(connectCtx); err != nil {
		// the client keeps retrying in the background
		slog.Warn("mqtt not connected yet", "broker", cfg.MQTT.Broker, "error", err)
	}
	return p
}

func runDevices(args []string) int {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	adbPath := fs.String("adb", "", "adb binary")
	discover := fs.Bool("discover", false, "also browse the network for wireless debugging devices")
	window := fs.Duration("timeout", 3*time.Second, "how long to browse with -discover")
	fs.Parse(args)
	setupLogging("warn")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := adb.NewClient(*adbPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	devices, err := client.Devices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tSTATE")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\n", d.Serial, d.State)
	}
	tw.Flush()

	if !*discover {
		return 0
	}
	browseCtx, cancel := context.WithTimeout(ctx, *window)
	defer cancel()
	found, err := adb.Discover(browseCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println()
	tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tADDRESS")
	for _, ep := range found {
		fmt.Fprintf(tw, "%s\t%s\n", ep.Instance, ep.Address())
	}
	tw.Flush()
	return 0
}
