// Package notify publishes session events to an MQTT broker. Payloads are
// msgpack encoded Event values.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	KindSessionStarted = "session_started"
	KindClipboard      = "clipboard"
	KindStreamStopped  = "stream_stopped"
	KindSessionStopped = "session_stopped"

	publishTimeout = 2 * time.Second
)

var ErrNotConnected = errors.New("notify: mqtt not connected")

// Event is one session notification.
type Event struct {
	Kind      string `msgpack:"kind"`
	SessionID string `msgpack:"session_id"`
	TimeMS    int64  `msgpack:"time_ms"`
	Device    string `msgpack:"device,omitempty"`
	Width     uint16 `msgpack:"width,omitempty"`
	Height    uint16 `msgpack:"height,omitempty"`
	Text      string `msgpack:"text,omitempty"`
	Error     string `msgpack:"error,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind, sessionID string) Event {
	return Event{Kind: kind, SessionID: sessionID, TimeMS: time.Now().UnixMilli()}
}

// Publisher delivers events. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ev Event) error
}

// Encode returns the wire form of ev.
func Encode(ev Event) ([]byte, error) {
	return msgpack.Marshal(ev)
}

// Decode parses a payload produced by Encode.
func Decode(b []byte) (Event, error) {
	var ev Event
	err := msgpack.Unmarshal(b, &ev)
	return ev, err
}

// Options configure the MQTT publisher.
type Options struct {
	Broker   string // host:port
	Topic    string // events go to Topic/<kind>
	ClientID string
	QoS      byte
}

// MQTTPublisher publishes events with an auto-reconnecting paho client.
type MQTTPublisher struct {
	opts   Options
	client mqtt.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

var _ Publisher = (*MQTTPublisher)(nil)

func NewMQTT(opts Options) *MQTTPublisher {
	p := &MQTTPublisher{
		opts: opts,
		log:  slog.With("component", "notify", "broker", opts.Broker),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker("tcp://" + opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.log.Info("mqtt connection established")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}
	p.client = mqtt.NewClient(co)
	return p
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// Connect waits for the first connection until ctx is done.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Publish sends ev to Topic/<kind>.
func (p *MQTTPublisher) Publish(ev Event) error {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		p.countError()
		return ErrNotConnected
	}

	payload, err := Encode(ev)
	if err != nil {
		p.countError()
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	topic := p.opts.Topic + "/" + ev.Kind
	token := p.client.Publish(topic, p.opts.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.countError()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.log.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Stats returns published and failed event counts.
func (p *MQTTPublisher) Stats() (published, failed uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published, p.errors
}

// Disconnect closes the connection with a short grace period.
func (p *MQTTPublisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Info("mqtt disconnected")
	}
	p.setConnected(false)
}
