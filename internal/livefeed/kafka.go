package livefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"emissionguard/internal/config"
	"emissionguard/internal/logging"
	"emissionguard/internal/metrics"
)

// KafkaSource maps every path to a topic (slashes become dots) and consumes it
// from the latest offset with a dedicated reader.
type KafkaSource struct {
	cfg     config.KafkaConfig
	logger  *slog.Logger
	dialer  *kafka.Dialer
	backoff time.Duration

	mu      sync.Mutex
	readers map[*kafkaSub]struct{}
	closed  bool
}

// messageReader is the part of *kafka.Reader a subscription consumes.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaSub struct {
	reader messageReader
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafkaSource(cfg config.KafkaConfig, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaSource{
		cfg:     cfg,
		logger:  logger.With("transport", "kafka"),
		dialer:  &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true},
		backoff: time.Second,
		readers: make(map[*kafkaSub]struct{}),
	}
}

func TopicName(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (s *KafkaSource) Subscribe(ctx context.Context, path string, onValue ValueFunc, onError ErrorFunc) (Subscription, error) {
	if len(s.cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers configured", ErrNotConnected)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	topic := TopicName(path)
	if err := s.probe(ctx, topic); err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.cfg.Brokers,
		Topic:       topic,
		GroupID:     s.cfg.GroupID + "." + topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		Dialer:      s.dialer,
	})
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSub{reader: reader, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.readers[sub] = struct{}{}
	s.mu.Unlock()
	go s.consume(subCtx, sub, topic, onValue, onError)
	s.logger.Info("kafka subscription opened", "path", path, "topic", topic)
	return newHandle(path, func() error { return s.release(sub) }), nil
}

// probe fails fast when no broker is reachable or the topic is missing, so
// open-time failures surface from Subscribe.
func (s *KafkaSource) probe(ctx context.Context, topic string) error {
	var lastErr error
	for _, broker := range s.cfg.Brokers {
		conn, err := s.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		partitions, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if len(partitions) == 0 {
			lastErr = fmt.Errorf("topic %s has no partitions", topic)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// consume reads until ctx is done. A run of read errors is reported to
// onError once; the next successful read ends the run.
func (s *KafkaSource) consume(ctx context.Context, sub *kafkaSub, topic string, onValue ValueFunc, onError ErrorFunc) {
	defer close(sub.done)
	failing := false
	for {
		m, err := sub.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			metrics.LiveErrors.WithLabelValues("kafka").Inc()
			if !failing {
				failing = true
				s.logger.Warn("kafka read error", "topic", topic, "err", err)
				if onError != nil {
					onError(fmt.Errorf("kafka read %s: %w", topic, err))
				}
			}
			if !sleepCtx(ctx, s.backoff) {
				return
			}
			continue
		}
		failing = false
		value, ok := ParseValue(m.Value)
		if !ok {
			metrics.MalformedPayloads.WithLabelValues("kafka").Inc()
			continue
		}
		if onValue != nil {
			onValue(value)
		}
	}
}

func (s *KafkaSource) release(sub *kafkaSub) error {
	s.mu.Lock()
	delete(s.readers, sub)
	s.mu.Unlock()
	sub.cancel()
	<-sub.done
	return sub.reader.Close()
}

func (s *KafkaSource) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*kafkaSub, 0, len(s.readers))
	for sub := range s.readers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	var errs []error
	for _, sub := range subs {
		if err := s.release(sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
