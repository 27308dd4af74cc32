package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"screenlink/nal"
	"screenlink/scrcpy"
	"screenlink/tunnel"
)

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}

	s := &cfg.Server
	if s.LocalPath == "" {
		s.LocalPath = DefaultServerLocalPath
	}
	if s.RemotePath == "" {
		s.RemotePath = DefaultServerRemotePath
	}
	if s.Version == "" {
		s.Version = DefaultServerVersion
	}
	if s.LocalPort == 0 {
		s.LocalPort = DefaultLocalPort
	}
	if s.BitRate == 0 {
		s.BitRate = DefaultBitRate
	}
	if s.Control == nil {
		enabled := true
		s.Control = &enabled
	}
	if s.ConnectAttempts < 0 {
		return fmt.Errorf("server.connect_attempts must be >= 0")
	}
	if s.ConnectAttempts == 0 {
		s.ConnectAttempts = tunnel.DefaultConnectAttempts
	}
	if s.ConnectDelayMS == 0 {
		s.ConnectDelayMS = int(tunnel.DefaultConnectDelay.Milliseconds())
	}
	if _, err := ParseCrop(s.Crop); err != nil {
		return fmt.Errorf("server.crop: %w", err)
	}

	if cfg.Display.Enabled == nil {
		enabled := true
		cfg.Display.Enabled = &enabled
	}
	if cfg.Display.RenderExpiredFrames == nil {
		expired := true
		cfg.Display.RenderExpiredFrames = &expired
	}

	d := &cfg.Device.Dummy
	if d.Codec == "" {
		d.Codec = string(nal.H264)
	}
	if d.Codec != string(nal.H264) && d.Codec != string(nal.H265) {
		return fmt.Errorf("device.dummy.codec must be h264 or h265, got %q", d.Codec)
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = DefaultHTTPListen
	}
	if cfg.HTTP.PIN != "" && cfg.HTTP.JWTSecret == "" {
		return fmt.Errorf("http.jwt_secret is required when http.pin is set")
	}

	w := &cfg.WebRTC
	if w.Enabled && !cfg.HTTP.Enabled {
		return fmt.Errorf("webrtc needs http.enabled for signalling")
	}
	if w.Enabled && !*cfg.Display.Enabled {
		return fmt.Errorf("webrtc needs display.enabled")
	}
	if (w.UDPPortMin == 0) != (w.UDPPortMax == 0) || w.UDPPortMin > w.UDPPortMax {
		return fmt.Errorf("webrtc udp port range %d-%d is invalid", w.UDPPortMin, w.UDPPortMax)
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = DefaultMQTTTopic
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	return nil
}

// ParseCrop reads "width:height:x:y". The empty string means no crop.
func ParseCrop(s string) (*scrcpy.Crop, error) {
	if s == "" || s == "-" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("want width:height:x:y, got %q", s)
	}
	var v [4]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("crop field %d: %w", i, err)
		}
		v[i] = uint16(n)
	}
	if v[0] == 0 || v[1] == 0 {
		return nil, fmt.Errorf("crop %q is empty", s)
	}
	return &scrcpy.Crop{Width: v[0], Height: v[1], X: v[2], Y: v[3]}, nil
}

// ParseLevel maps log_level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
