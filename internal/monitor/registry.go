package monitor

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"emissionguard/internal/config"
	"emissionguard/internal/metrics"
	"emissionguard/internal/model"
)

var (
	ErrEmptyVehicle = errors.New("vehicle id is required")
	ErrNotMonitored = errors.New("vehicle is not monitored")
)

// Registry runs one Supervisor per monitored vehicle. Supervisors never share
// state; the registry only routes lifecycle calls to them.
type Registry struct {
	opts []Option
	cfg  atomic.Value

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

// NewRegistry creates an empty registry. opts are applied to every supervisor
// it starts.
func NewRegistry(cfg *config.Config, opts ...Option) *Registry {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := &Registry{opts: opts, supervisors: make(map[string]*Supervisor)}
	r.cfg.Store(cfg)
	return r
}

func (r *Registry) config() *config.Config {
	if v := r.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Start begins monitoring vehicleID. It reports false when the vehicle was
// already monitored.
func (r *Registry) Start(vehicleID string) (bool, error) {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		return false, ErrEmptyVehicle
	}
	r.mu.Lock()
	if _, ok := r.supervisors[vehicleID]; ok {
		r.mu.Unlock()
		return false, nil
	}
	// A fresh supervisor starts without blocking, so it is started under the
	// lock to keep a concurrent Stop from missing it.
	sup := NewSupervisor(r.config(), r.opts...)
	sup.Start(vehicleID)
	r.supervisors[vehicleID] = sup
	metrics.MonitoredVehicles.Set(float64(len(r.supervisors)))
	r.mu.Unlock()
	return true, nil
}

func (r *Registry) Stop(vehicleID string) error {
	vehicleID = strings.TrimSpace(vehicleID)
	r.mu.Lock()
	sup, ok := r.supervisors[vehicleID]
	if ok {
		delete(r.supervisors, vehicleID)
		metrics.MonitoredVehicles.Set(float64(len(r.supervisors)))
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotMonitored
	}
	sup.Stop()
	return nil
}

func (r *Registry) StopAll() {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.supervisors = make(map[string]*Supervisor)
	metrics.MonitoredVehicles.Set(0)
	r.mu.Unlock()
	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Stop()
		}(sup)
	}
	wg.Wait()
}

func (r *Registry) Get(vehicleID string) (model.Snapshot, bool) {
	r.mu.Lock()
	sup, ok := r.supervisors[strings.TrimSpace(vehicleID)]
	r.mu.Unlock()
	if !ok {
		return model.Snapshot{}, false
	}
	return sup.Snapshot(), true
}

func (r *Registry) AlertsSince(vehicleID string, ts time.Time) ([]model.Alert, bool) {
	r.mu.Lock()
	sup, ok := r.supervisors[strings.TrimSpace(vehicleID)]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sup.AlertsSince(ts), true
}

// Vehicles returns the monitored ids in lexical order.
func (r *Registry) Vehicles() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.supervisors))
	for id := range r.supervisors {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) List() []model.Snapshot {
	ids := r.Vehicles()
	out := make([]model.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := r.Get(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (r *Registry) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	r.cfg.Store(cfg)
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.mu.Unlock()
	for _, sup := range sups {
		sup.UpdateConfig(cfg)
	}
}
