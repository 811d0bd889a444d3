package livefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"emissionguard/internal/config"
	"emissionguard/internal/logging"
	"emissionguard/internal/metrics"
)

type mqttSub struct {
	id      uint64
	path    string
	onValue ValueFunc
	onError ErrorFunc
}

// MQTTSource delivers values published on MQTT topics. One broker connection
// is shared by all subscriptions; topics are subscribed on the broker when the
// first handle for them is opened and unsubscribed when the last is released.
type MQTTSource struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	client mqtt.Client
	connMu sync.Mutex

	mu     sync.Mutex
	topics map[string]map[uint64]*mqttSub
	nextID uint64
	closed bool
}

func NewMQTTSource(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTSource, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &MQTTSource{
		cfg:    cfg,
		logger: logger.With("transport", "mqtt"),
		topics: make(map[string]map[uint64]*mqttSub),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(s.onConnectionLost).
		SetOnConnectHandler(s.onConnect)
	s.client = mqtt.NewClient(opts)
	return s, nil
}

func (s *MQTTSource) Subscribe(ctx context.Context, path string, onValue ValueFunc, onError ErrorFunc) (Subscription, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	sub, first, err := s.add(path, onValue, onError)
	if err != nil {
		return nil, err
	}
	if first {
		token := s.client.Subscribe(path, byte(s.cfg.QoS), s.handle)
		if err := s.wait(ctx, token); err != nil {
			s.remove(sub)
			return nil, fmt.Errorf("mqtt subscribe %s: %w", path, err)
		}
		s.logger.Info("subscribed", "path", path)
	}
	return newHandle(path, func() error { return s.release(sub) }), nil
}

// add registers a handle on path and reports whether it is the first one, in
// which case the caller subscribes the topic on the broker.
func (s *MQTTSource) add(path string, onValue ValueFunc, onError ErrorFunc) (*mqttSub, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	s.nextID++
	sub := &mqttSub{id: s.nextID, path: path, onValue: onValue, onError: onError}
	subs, exists := s.topics[path]
	if !exists {
		subs = make(map[uint64]*mqttSub)
		s.topics[path] = subs
	}
	subs[sub.id] = sub
	return sub, !exists, nil
}

func (s *MQTTSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.topics = make(map[string]map[uint64]*mqttSub)
	s.mu.Unlock()
	s.client.Disconnect(250)
	s.logger.Info("mqtt source closed")
	return nil
}

func (s *MQTTSource) ensureConnected(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.client.IsConnected() {
		return nil
	}
	if err := s.wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (s *MQTTSource) wait(ctx context.Context, token mqtt.Token) error {
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// remove drops sub and reports whether it was the last one on its topic.
func (s *MQTTSource) remove(sub *mqttSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.topics[sub.path]
	if !ok {
		return false
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(s.topics, sub.path)
		return true
	}
	return false
}

func (s *MQTTSource) release(sub *mqttSub) error {
	if !s.remove(sub) {
		return nil
	}
	if !s.client.IsConnectionOpen() {
		return nil
	}
	token := s.client.Unsubscribe(sub.path)
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt unsubscribe %s: %w", sub.path, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", sub.path, err)
	}
	s.logger.Info("unsubscribed", "path", sub.path)
	return nil
}

func (s *MQTTSource) snapshot(path string) []*mqttSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mqttSub
	for p, subs := range s.topics {
		if path != "" && p != path {
			continue
		}
		for _, sub := range subs {
			out = append(out, sub)
		}
	}
	return out
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	value, ok := ParseValue(msg.Payload())
	if !ok {
		metrics.MalformedPayloads.WithLabelValues("mqtt").Inc()
		s.logger.Debug("ignoring malformed payload", "path", msg.Topic())
		return
	}
	for _, sub := range s.snapshot(msg.Topic()) {
		if sub.onValue != nil {
			sub.onValue(value)
		}
	}
}

func (s *MQTTSource) onConnectionLost(_ mqtt.Client, err error) {
	s.logger.Warn("mqtt connection lost", "err", err)
	metrics.LiveErrors.WithLabelValues("mqtt").Inc()
	cause := fmt.Errorf("connection lost: %w", err)
	for _, sub := range s.snapshot("") {
		if sub.onError != nil {
			sub.onError(cause)
		}
	}
}

// onConnect runs on every (re)connect. Clean sessions drop broker-side
// subscriptions, so every open topic is subscribed again.
func (s *MQTTSource) onConnect(c mqtt.Client) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.topics))
	for p := range s.topics {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	s.logger.Info("mqtt connection established", "topics", len(paths))
	for _, p := range paths {
		token := c.Subscribe(p, byte(s.cfg.QoS), s.handle)
		if !token.WaitTimeout(s.cfg.ConnectTimeout) || token.Error() != nil {
			s.logger.Error("mqtt re-subscribe failed", "path", p, "err", token.Error())
		}
	}
}
