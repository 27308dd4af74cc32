// Package config loads the screenlink YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"screenlink/scrcpy"
	"screenlink/tunnel"
)

const (
	DefaultServerVersion    = "1.12.1"
	DefaultLocalPort        = 27183
	DefaultServerLocalPath  = "scrcpy-server.jar"
	DefaultServerRemotePath = "/data/local/tmp/scrcpy-server.jar"
	DefaultBitRate          = 8000000
	DefaultHTTPListen       = ":8081"
	DefaultMQTTTopic        = "screenlink/events"
)

// Config is the complete screenlink configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"` // debug, info, warn, error
	Device   DeviceConfig  `yaml:"device"`
	Server   ServerConfig  `yaml:"server"`
	Display  DisplayConfig `yaml:"display"`
	Record   RecordConfig  `yaml:"record"`
	HTTP     HTTPConfig    `yaml:"http"`
	WebRTC   WebRTCConfig  `yaml:"webrtc"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

// DeviceConfig selects the device and the adb binary.
type DeviceConfig struct {
	Serial  string      `yaml:"serial"`
	ADBPath string      `yaml:"adb_path"`
	Dummy   DummyConfig `yaml:"dummy"`
}

// DummyConfig replaces the device with an in-process fake.
type DummyConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"` // Annex-B stream, empty for synthetic
	Codec   string `yaml:"codec"`
	FPS     int    `yaml:"fps"`
	Loop    bool   `yaml:"loop"`
}

// ServerConfig are the remote server and tunnel settings.
type ServerConfig struct {
	LocalPath       string `yaml:"local_path"`
	RemotePath      string `yaml:"remote_path"`
	Version         string `yaml:"version"`
	LocalPort       uint16 `yaml:"local_port"`
	MaxSize         uint16 `yaml:"max_size"`
	BitRate         uint32 `yaml:"bit_rate"`
	MaxFPS          uint16 `yaml:"max_fps"`
	Crop            string `yaml:"crop"` // width:height:x:y
	Control         *bool  `yaml:"control"`
	ForceForward    bool   `yaml:"force_forward"`
	ConnectAttempts int    `yaml:"connect_attempts"`
	ConnectDelayMS  int    `yaml:"connect_delay_ms"`
}

// DisplayConfig drives the frame consumer. With Enabled false the video is
// only recorded. RenderExpiredFrames defaults to true: the websocket viewers
// decode the access units themselves and cannot skip one.
type DisplayConfig struct {
	Enabled             *bool `yaml:"enabled"`
	RenderExpiredFrames *bool `yaml:"render_expired_frames"`
	FPSCounter          bool  `yaml:"fps_counter"`
}

type RecordConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig is the web API. An empty PIN disables authentication.
type HTTPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	PIN       string `yaml:"pin"`
	JWTSecret string `yaml:"jwt_secret"`
}

type WebRTCConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ICEServers []string `yaml:"ice_servers"`
	UDPPortMin uint16   `yaml:"udp_port_min"`
	UDPPortMax uint16   `yaml:"udp_port_max"`
}

// MQTTConfig enables session event publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ServerParams renders the remote launch parameters. Validate has already
// checked the crop.
func (c *Config) ServerParams() scrcpy.ServerParams {
	crop, _ := ParseCrop(c.Server.Crop)
	return scrcpy.ServerParams{
		Version: c.Server.Version,
		MaxSize: c.Server.MaxSize,
		BitRate: c.Server.BitRate,
		MaxFPS:  c.Server.MaxFPS,
		Crop:    crop,
		Control: *c.Server.Control,
	}
}

// Tunnel returns the server manager settings.
func (c *Config) Tunnel() tunnel.Config {
	return tunnel.Config{
		ServerLocalPath:  c.Server.LocalPath,
		ServerRemotePath: c.Server.RemotePath,
		LocalPort:        c.Server.LocalPort,
		Params:           c.ServerParams(),
		ForceForward:     c.Server.ForceForward,
		ConnectAttempts:  c.Server.ConnectAttempts,
		ConnectDelay:     time.Duration(c.Server.ConnectDelayMS) * time.Millisecond,
	}
}
