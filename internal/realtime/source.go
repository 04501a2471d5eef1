package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
)

// Source delivers change events until its connection ends.
//
// Run blocks, calling handle for every decoded event, and returns when the
// connection drops or ctx is cancelled. Reconnection is the caller's job;
// see RunWithReconnect.
type Source interface {
	Run(ctx context.Context, handle func(ChangeEvent)) error
}

// WebSocketSource reads JSON change envelopes from a WebSocket endpoint.
type WebSocketSource struct {
	URL    string
	Header http.Header
	Logger *slog.Logger

	// ReadLimit bounds one message. Zero keeps the library default.
	ReadLimit int64
}

// Run implements Source.
func (s *WebSocketSource) Run(ctx context.Context, handle func(ChangeEvent)) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, s.URL, &websocket.DialOptions{HTTPHeader: s.Header})
	if err != nil {
		return fmt.Errorf("dial realtime websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if s.ReadLimit > 0 {
		conn.SetReadLimit(s.ReadLimit)
	}
	logger.Info("realtime connected", "transport", "websocket", "url", s.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read realtime websocket: %w", err)
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			logger.Warn("undecodable realtime message dropped", "error", err)
			continue
		}
		handle(ev)
	}
}

// Topic returns the MQTT topic carrying the changes of owner.
func Topic(owner string) string {
	return fmt.Sprintf("prayersync/%s/changes", owner)
}

// MQTTSource subscribes to the change topic of one owner on an MQTT broker.
type MQTTSource struct {
	Broker   string
	ClientID string
	Owner    string
	QoS      byte
	Username string
	Password string
	Logger   *slog.Logger
}

// Run implements Source.
func (s *MQTTSource) Run(ctx context.Context, handle func(ChangeEvent)) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Broker)
	opts.SetClientID(s.ClientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	defer client.Disconnect(250)

	topic := Topic(s.Owner)
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		ev, err := DecodeEvent(msg.Payload())
		if err != nil {
			logger.Warn("undecodable realtime message dropped", "topic", msg.Topic(), "error", err)
			return
		}
		handle(ev)
	}
	if token := client.Subscribe(topic, s.QoS, onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	logger.Info("realtime connected", "transport", "mqtt", "broker", s.Broker, "topic", topic)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("MQTT connection lost: %w", err)
	}
}

// Backoff computes capped exponential reconnect delays. The attempt counter
// resets once a connection has stayed up for StableAfter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	StableAfter time.Duration

	attempt int
}

// DefaultBackoff returns 1s doubling delays capped at 30s, unlimited
// attempts, reset after a minute of uptime.
func DefaultBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 30 * time.Second, StableAfter: time.Minute}
}

// Next returns the next delay and whether another attempt is allowed.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d, true
}

// Reset forgets previous attempts.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// ErrGaveUp is returned by RunWithReconnect when the backoff allows no
// further attempt.
var ErrGaveUp = errors.New("realtime: reconnect attempts exhausted")

// RunWithReconnect runs src until ctx is cancelled, reconnecting with b
// after every drop. onReconnect, if non-nil, is called before each wait;
// callers use it to resync state missed while disconnected.
func RunWithReconnect(ctx context.Context, src Source, handle func(ChangeEvent), b *Backoff, device clockwork.Clock, logger *slog.Logger, onReconnect func(attempt int, delay time.Duration)) error {
	if device == nil {
		device = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 1; ; attempt++ {
		started := device.Now()
		err := src.Run(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if b.StableAfter > 0 && device.Since(started) >= b.StableAfter {
			b.Reset()
		}
		delay, ok := b.Next()
		if !ok {
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		logger.Warn("realtime disconnected", "error", err, "attempt", attempt, "retry_in", delay)
		if onReconnect != nil {
			onReconnect(attempt, delay)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-device.After(delay):
		}
	}
}
