// Package monitor owns the per-vehicle pipeline: it chooses between the live
// and simulated feeds, keeps the history window and alert log, and drives the
// periodic refresh tasks.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"emissionguard/internal/alerts"
	"emissionguard/internal/config"
	"emissionguard/internal/history"
	"emissionguard/internal/livefeed"
	"emissionguard/internal/logging"
	"emissionguard/internal/metrics"
	"emissionguard/internal/model"
	"emissionguard/internal/simfeed"
)

const (
	fallbackPrefix = "Using simulated data - live feed unavailable"
	noticeMessage  = "System updated successfully!"
)

// Sink receives every event of a supervisor. Publish is called with the
// supervisor lock held and must not block.
type Sink interface {
	Publish(ev model.Event)
}

type SinkFunc func(ev model.Event)

func (f SinkFunc) Publish(ev model.Event) { f(ev) }

type Option func(*Supervisor)

func WithSource(src livefeed.Source) Option {
	return func(s *Supervisor) { s.src = src }
}

func WithSink(sink Sink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRand fixes the jitter source of the simulated feed.
func WithRand(r *rand.Rand) Option {
	return func(s *Supervisor) { s.rng = r }
}

func WithIDFunc(fn func() string) Option {
	return func(s *Supervisor) { s.idFunc = fn }
}

// Supervisor monitors at most one vehicle at a time. Live callbacks,
// scheduler ticks and snapshot reads are serialised by mu; Start and Stop are
// serialised by opMu.
type Supervisor struct {
	logger *slog.Logger
	src    livefeed.Source
	sink   Sink
	now    func() time.Time
	rng    *rand.Rand
	idFunc func() string

	opMu sync.Mutex
	wg   sync.WaitGroup

	mu         sync.Mutex
	cfg        *config.Config
	gen        *simfeed.Generator
	eval       *alerts.Evaluator
	history    *history.Window
	simWindow  []model.Reading
	log        *alerts.Log
	conn       *connectivity
	errMsg     *string
	notice     *model.Notice
	vehicleID  string
	running    bool
	generation uint64
	feed       *livefeed.Feed
	cancel     context.CancelFunc
	updatedAt  time.Time
}

func NewSupervisor(cfg *config.Config, opts ...Option) *Supervisor {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Supervisor{
		logger: logging.Discard(),
		now:    func() time.Time { return time.Now().UTC() },
		cfg:    cfg,
		conn:   newConnectivity(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gen = s.newGenerator(cfg)
	s.eval = s.newEvaluator(cfg)
	s.history = history.NewWindow(cfg.History.Capacity)
	s.log = alerts.NewLog(cfg.Alerts.LogCapacity)
	return s
}

func (s *Supervisor) newGenerator(cfg *config.Config) *simfeed.Generator {
	return simfeed.NewGenerator(cfg.Simulation, cfg.History.Interval,
		simfeed.WithClock(s.now), simfeed.WithRand(s.rng))
}

func (s *Supervisor) newEvaluator(cfg *config.Config) *alerts.Evaluator {
	opts := []alerts.Option{alerts.WithClock(s.now)}
	if s.idFunc != nil {
		opts = append(opts, alerts.WithIDFunc(s.idFunc))
	}
	return alerts.NewEvaluator(alerts.ThresholdsFromConfig(cfg.Alerts), opts...)
}

// Start begins monitoring vehicleID. A simulated baseline is in place before
// Start returns; the live subscription, if any, is attempted in the
// background. Starting the vehicle already monitored is a no-op; starting
// another one stops the current session first. An empty id monitors on the
// simulated feed only.
func (s *Supervisor) Start(vehicleID string) {
	vehicleID = strings.TrimSpace(vehicleID)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	same := s.running && s.vehicleID == vehicleID
	s.mu.Unlock()
	if same {
		return
	}
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	s.generation++
	gen := s.generation
	s.vehicleID = vehicleID
	s.running = true
	s.conn.reset()
	s.errMsg = nil
	s.notice = nil
	s.feed = nil
	s.history = history.NewWindow(cfg.History.Capacity)
	s.log = alerts.NewLog(cfg.Alerts.LogCapacity)
	window := s.gen.Window(s.history.Capacity())
	s.simWindow = window
	s.history.Replace(window)
	s.updatedAt = s.now()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	startScheduler(ctx, &s.wg, cfg.Schedule, tasks{
		simulatedTick: func() { s.simulatedTick(gen) },
		windowRefresh: func() { s.refreshWindow(gen) },
		notice:        func() { s.postNotice(gen) },
	})

	live := vehicleID != "" && s.src != nil && cfg.Live.Enabled
	if vehicleID != "" {
		metrics.Connectivity.WithLabelValues(vehicleID).Set(0)
	}
	s.logger.Info("monitoring started", "vehicle_id", vehicleID, "live", live)
	s.publishLocked(model.Event{Kind: model.EventWindow})
	s.publishLocked(model.Event{Kind: model.EventConnectivity})
	if live {
		s.wg.Add(1)
		go s.openLive(ctx, gen, vehicleID, cfg.Live.TopicTemplate)
	}
}

// Stop releases the live subscription and halts every task before returning.
// It is safe to call at any time and more than once.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stop()
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.generation++
	vehicleID := s.vehicleID
	feed := s.feed
	s.feed = nil
	cancel := s.cancel
	s.cancel = nil
	s.conn.reset()
	s.errMsg = nil
	s.notice = nil
	s.simWindow = nil
	s.history.Reset()
	s.log.Clear()
	s.updatedAt = s.now()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if feed != nil {
		if err := feed.Release(); err != nil {
			s.logger.Warn("release live feed", "vehicle_id", vehicleID, "err", err)
		}
	}
	s.wg.Wait()
	if vehicleID != "" {
		metrics.Connectivity.DeleteLabelValues(vehicleID)
	}
	s.logger.Info("monitoring stopped", "vehicle_id", vehicleID)
}

// UpdateConfig applies new thresholds and jitter at once. Window capacity and
// schedule intervals take effect on the next Start.
func (s *Supervisor) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.gen = s.newGenerator(cfg)
	s.eval = s.newEvaluator(cfg)
}

func (s *Supervisor) VehicleID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicleID
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// AlertsSince returns the logged alerts raised at or after ts, newest first.
func (s *Supervisor) AlertsSince(ts time.Time) []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Since(ts)
}

// Snapshot returns a consistent copy of the pipeline state.
func (s *Supervisor) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := model.Snapshot{
		VehicleID:       s.vehicleID,
		Monitoring:      s.running,
		Connected:       s.conn.connected(),
		History:         s.history.Snapshot(),
		SimulatedWindow: append([]model.Reading(nil), s.simWindow...),
		Alerts:          s.log.List(0),
		UpdatedAt:       s.updatedAt,
	}
	if s.errMsg != nil {
		msg := *s.errMsg
		snap.Error = &msg
	}
	if latest, ok := s.history.Latest(); ok {
		snap.Latest = &latest
	}
	if s.notice != nil {
		n := *s.notice
		snap.Notice = &n
	}
	return snap
}

func (s *Supervisor) openLive(ctx context.Context, gen uint64, vehicleID, template string) {
	defer s.wg.Done()
	paths := livefeed.BuildPaths(template, vehicleID)
	feed, err := livefeed.OpenFeed(ctx, s.src, paths,
		func(r model.Reading) { s.onLiveReading(gen, r) },
		func(err error) { s.onLiveError(gen, err) },
		livefeed.WithFeedClock(s.now),
	)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.onLiveError(gen, err)
		return
	}
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = feed.Release()
		return
	}
	s.feed = feed
	s.mu.Unlock()
	s.logger.Info("live feed subscribed", "vehicle_id", vehicleID, "co", paths.CO, "co2", paths.CO2)
}

func (s *Supervisor) onLiveReading(gen uint64, r model.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		metrics.ReadingsDropped.WithLabelValues("stale_session").Inc()
		return
	}
	changed, err := s.conn.fire(EventLiveUp)
	if err != nil {
		s.logger.Error("connectivity transition", "vehicle_id", s.vehicleID, "event", EventLiveUp, "err", err)
	}
	if changed {
		// Simulated entries are dropped so the window never mixes sources.
		s.history.Reset()
		s.errMsg = nil
		metrics.Connectivity.WithLabelValues(s.vehicleID).Set(1)
		s.logger.Info("live feed connected", "vehicle_id", s.vehicleID)
		s.publishLocked(model.Event{Kind: model.EventConnectivity})
	}
	s.applyLocked(r)
}

func (s *Supervisor) onLiveError(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	msg := fmt.Sprintf("%s: %v", fallbackPrefix, cause)
	changed, err := s.conn.fire(EventLiveDown)
	if err != nil {
		s.logger.Error("connectivity transition", "vehicle_id", s.vehicleID, "event", EventLiveDown, "err", err)
	}
	s.errMsg = &msg
	if changed {
		window := s.gen.Window(s.history.Capacity())
		s.simWindow = window
		s.history.Replace(window)
		metrics.Connectivity.WithLabelValues(s.vehicleID).Set(0)
	}
	s.updatedAt = s.now()
	s.logger.Warn("live feed unavailable, using simulated data", "vehicle_id", s.vehicleID, "err", cause)
	s.publishLocked(model.Event{Kind: model.EventConnectivity})
}

func (s *Supervisor) simulatedTick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	if s.conn.connected() {
		metrics.ReadingsDropped.WithLabelValues("inactive_source").Inc()
		return
	}
	s.applyLocked(s.gen.Next())
}

// refreshWindow regenerates the simulated chart series. While disconnected it
// also becomes the history window.
func (s *Supervisor) refreshWindow(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	window := s.gen.Window(s.history.Capacity())
	s.simWindow = window
	if !s.conn.connected() {
		s.history.Replace(window)
	}
	s.updatedAt = s.now()
	s.publishLocked(model.Event{Kind: model.EventWindow})
}

func (s *Supervisor) postNotice(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	n := model.Notice{Message: noticeMessage, At: s.now()}
	s.notice = &n
	s.publishLocked(model.Event{Kind: model.EventNotice, Notice: &n})
}

func (s *Supervisor) applyLocked(r model.Reading) {
	if !s.history.Push(r) {
		metrics.ReadingsDropped.WithLabelValues("out_of_order").Inc()
		return
	}
	metrics.ReadingsTotal.WithLabelValues(string(r.Source)).Inc()
	s.updatedAt = s.now()
	s.publishLocked(model.Event{Kind: model.EventReading, Reading: &r})
	alert, ok := s.eval.Evaluate(s.vehicleID, r)
	if !ok {
		return
	}
	s.log.Add(alert)
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity), string(alert.Pollutant)).Inc()
	s.logger.Warn("emission alert",
		"vehicle_id", alert.VehicleID,
		"severity", alert.Severity,
		"pollutant", alert.Pollutant,
		"value", alert.Value,
	)
	s.publishLocked(model.Event{Kind: model.EventAlert, Alert: &alert})
}

func (s *Supervisor) publishLocked(ev model.Event) {
	if s.sink == nil {
		return
	}
	ev.VehicleID = s.vehicleID
	ev.Connected = s.conn.connected()
	if s.errMsg != nil {
		ev.Error = *s.errMsg
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.sink.Publish(ev)
}
