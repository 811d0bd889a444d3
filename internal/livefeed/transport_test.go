package livefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"emissionguard/internal/config"
	"emissionguard/internal/metrics"
)

type recorder struct {
	mu     sync.Mutex
	values []float64
	errs   []error
}

func (r *recorder) onValue(v float64) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values), len(r.errs)
}

type message struct {
	topic   string
	payload string
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return []byte(m.payload) }
func (m message) Ack()              {}

var _ mqtt.Message = message{}

func newTestMQTTSource(t *testing.T) *MQTTSource {
	t.Helper()
	s, err := NewMQTTSource(config.MQTTConfig{
		BrokerURL:      "tcp://127.0.0.1:1",
		ClientID:       "emissionguard-test",
		ConnectTimeout: 200 * time.Millisecond,
		KeepAlive:      time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new mqtt source: %v", err)
	}
	return s
}

func TestMQTTHandleRoutesByTopic(t *testing.T) {
	s := newTestMQTTSource(t)
	co, co2 := &recorder{}, &recorder{}
	if _, _, err := s.add("vehicles/v1/emissions/co", co.onValue, co.onError); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, _, err := s.add("vehicles/v1/emissions/co2", co2.onValue, co2.onError); err != nil {
		t.Fatalf("add: %v", err)
	}

	s.handle(nil, message{topic: "vehicles/v1/emissions/co", payload: `{"value": 41.5}`})
	if len(co.values) != 1 || co.values[0] != 41.5 || len(co2.values) != 0 {
		t.Fatalf("co=%v co2=%v", co.values, co2.values)
	}

	before := testutil.ToFloat64(metrics.MalformedPayloads.WithLabelValues("mqtt"))
	s.handle(nil, message{topic: "vehicles/v1/emissions/co2", payload: "null"})
	s.handle(nil, message{topic: "vehicles/v1/emissions/co2", payload: "-3"})
	if got := testutil.ToFloat64(metrics.MalformedPayloads.WithLabelValues("mqtt")) - before; got != 2 {
		t.Fatalf("malformed counted %v times", got)
	}
	if len(co2.values) != 0 || len(co.values) != 1 {
		t.Fatalf("malformed payload delivered: co=%v co2=%v", co.values, co2.values)
	}
}

func TestMQTTConnectionLostNotifiesEachSubscriberOnce(t *testing.T) {
	s := newTestMQTTSource(t)
	subs := []*recorder{{}, {}, {}}
	for i, path := range []string{"a", "a", "b"} {
		if _, _, err := s.add(path, subs[i].onValue, subs[i].onError); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	cause := errors.New("eof")
	s.onConnectionLost(nil, cause)
	for i, r := range subs {
		if len(r.errs) != 1 || !errors.Is(r.errs[0], cause) {
			t.Fatalf("subscriber %d errors = %v", i, r.errs)
		}
	}
}

func TestMQTTReleaseKeepsTopicUntilLastHandle(t *testing.T) {
	s := newTestMQTTSource(t)
	first, isFirst, _ := s.add("a", nil, nil)
	second, isSecond, _ := s.add("a", nil, nil)
	if !isFirst || isSecond {
		t.Fatalf("first=%v second=%v", isFirst, isSecond)
	}
	if err := s.release(first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(s.snapshot("a")) != 1 {
		t.Fatalf("topic dropped while a handle is still open")
	}
	if err := s.release(second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(s.snapshot("a")) != 0 {
		t.Fatalf("topic kept after last release")
	}
	if _, first, _ := s.add("a", nil, nil); !first {
		t.Fatalf("re-adding a released topic must subscribe again")
	}
}

func TestMQTTSubscribeWithoutBroker(t *testing.T) {
	s := newTestMQTTSource(t)
	_, err := s.Subscribe(context.Background(), "a", nil, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if len(s.snapshot("")) != 0 {
		t.Fatalf("failed subscribe left a handle behind")
	}
}

type readResult struct {
	value string
	err   error
}

// scriptedReader replays results, then blocks until the context is done.
type scriptedReader struct {
	mu      sync.Mutex
	results []readResult
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.results) > 0 {
		next := r.results[0]
		r.results = r.results[1:]
		r.mu.Unlock()
		if next.err != nil {
			return kafka.Message{}, next.err
		}
		return kafka.Message{Value: []byte(next.value)}, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) Close() error { return nil }

func TestKafkaReportsOneErrorPerFailureStreak(t *testing.T) {
	s := NewKafkaSource(config.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, nil)
	s.backoff = time.Millisecond
	down := errors.New("broker down")
	reader := &scriptedReader{results: []readResult{
		{err: down},
		{err: down},
		{err: down},
		{value: "12"},
		{value: "garbage"},
		{err: down},
		{value: "5"},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSub{reader: reader, cancel: cancel, done: make(chan struct{})}
	rec := &recorder{}
	go s.consume(ctx, sub, "vehicles.v1.emissions.co", rec.onValue, rec.onError)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if values, _ := rec.counts(); values == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("values not delivered: %v", rec.values)
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.release(sub); err != nil {
		t.Fatalf("release: %v", err)
	}

	if rec.values[0] != 12 || rec.values[1] != 5 {
		t.Fatalf("values = %v", rec.values)
	}
	if len(rec.errs) != 2 || !errors.Is(rec.errs[0], down) {
		t.Fatalf("errors = %v", rec.errs)
	}
}
