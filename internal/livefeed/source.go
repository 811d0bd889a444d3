// Package livefeed bridges external push channels to the monitoring pipeline.
//
// A Source delivers numeric values published on a path. Two paths are watched
// per vehicle, one per pollutant, and a Feed joins them into readings.
package livefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"emissionguard/internal/config"
)

var (
	ErrNotConnected = errors.New("live feed not connected")
	ErrClosed       = errors.New("live feed source closed")
	ErrTimeout      = errors.New("live feed operation timed out")
)

type ValueFunc func(value float64)

type ErrorFunc func(err error)

// Source subscribes to a push channel. onValue receives only well-formed,
// non-negative numbers; malformed payloads never reach it. onError is called
// at most once per transport failure. A Source never re-subscribes on its own
// after Subscribe returned an error.
type Source interface {
	Subscribe(ctx context.Context, path string, onValue ValueFunc, onError ErrorFunc) (Subscription, error)
	Close() error
}

// Subscription is released exactly once; later calls to Release are no-ops.
type Subscription interface {
	Path() string
	Release() error
}

type handle struct {
	path    string
	once    sync.Once
	release func() error
	err     error
}

func newHandle(path string, release func() error) *handle {
	return &handle{path: path, release: release}
}

func (h *handle) Path() string {
	return h.path
}

func (h *handle) Release() error {
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release()
		}
	})
	return h.err
}

// NewSource builds the transport selected in cfg.
func NewSource(cfg config.LiveConfig, logger *slog.Logger) (Source, error) {
	switch strings.ToLower(cfg.Transport) {
	case "mqtt", "":
		return NewMQTTSource(cfg.MQTT, logger)
	case "kafka":
		return NewKafkaSource(cfg.Kafka, logger), nil
	default:
		return nil, fmt.Errorf("unsupported live transport %q", cfg.Transport)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
