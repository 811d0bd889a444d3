package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProfileDevice = "device"
	ProfileSimple = "simple"
)

// Upper bounds of the per-vehicle buffers. Smaller values are allowed.
const (
	MaxHistoryCapacity  = 12
	MaxAlertLogCapacity = 5
)

type Config struct {
	Profile    string           `json:"profile" yaml:"profile"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Vehicles   []string         `json:"vehicles" yaml:"vehicles"`
	Live       LiveConfig       `json:"live" yaml:"live"`
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
	History    HistoryConfig    `json:"history" yaml:"history"`
	Schedule   ScheduleConfig   `json:"schedule" yaml:"schedule"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
}

type LiveConfig struct {
	Enabled       bool        `json:"enabled" yaml:"enabled"`
	Transport     string      `json:"transport" yaml:"transport"`
	TopicTemplate string      `json:"topic_template" yaml:"topic_template"`
	MQTT          MQTTConfig  `json:"mqtt" yaml:"mqtt"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type MQTTConfig struct {
	BrokerURL      string        `json:"broker_url" yaml:"broker_url"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	QoS            int           `json:"qos" yaml:"qos"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	KeepAlive      time.Duration `json:"keep_alive" yaml:"keep_alive"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type SeriesConfig struct {
	Base     float64 `json:"base" yaml:"base"`
	Variance float64 `json:"variance" yaml:"variance"`
	Floor    float64 `json:"floor" yaml:"floor"`
}

// SimulationConfig holds the jitter model of the fallback feed. Seed 0 means
// a time-based seed.
type SimulationConfig struct {
	CO       SeriesConfig `json:"co" yaml:"co"`
	CO2      SeriesConfig `json:"co2" yaml:"co2"`
	Decimals int          `json:"decimals" yaml:"decimals"`
	Seed     int64        `json:"seed" yaml:"seed"`
}

type AlertsConfig struct {
	COWarn      float64 `json:"co_warn" yaml:"co_warn"`
	CODanger    float64 `json:"co_danger" yaml:"co_danger"`
	CO2Warn     float64 `json:"co2_warn" yaml:"co2_warn"`
	CO2Danger   float64 `json:"co2_danger" yaml:"co2_danger"`
	LogCapacity int     `json:"log_capacity" yaml:"log_capacity"`
}

type HistoryConfig struct {
	Capacity int           `json:"capacity" yaml:"capacity"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type ScheduleConfig struct {
	SimulatedTick  time.Duration `json:"simulated_tick" yaml:"simulated_tick"`
	WindowRefresh  time.Duration `json:"window_refresh" yaml:"window_refresh"`
	NoticeDelay    time.Duration `json:"notice_delay" yaml:"notice_delay"`
	NoticeInterval time.Duration `json:"notice_interval" yaml:"notice_interval"`
}

type DispatchConfig struct {
	Buffer int `json:"buffer" yaml:"buffer"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Addr          string `json:"addr" yaml:"addr"`
	Password      string `json:"password" yaml:"password"`
	DB            int    `json:"db" yaml:"db"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`
}

func DefaultConfig() *Config {
	return DefaultConfigFor(ProfileDevice)
}

// DefaultConfigFor returns defaults for a threshold/jitter profile. The device
// profile matches the live-backed pipeline, the simple profile the older
// simulation-only one. Unknown names fall back to device.
func DefaultConfigFor(profile string) *Config {
	cfg := &Config{
		Profile:   ProfileDevice,
		LogLevel:  "info",
		LogFormat: "json",
		Live: LiveConfig{
			Enabled:       true,
			Transport:     "mqtt",
			TopicTemplate: "vehicles/{vehicle}/emissions/{pollutant}",
			MQTT: MQTTConfig{
				BrokerURL:      "tcp://localhost:1883",
				ClientID:       "emissionguard",
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
				KeepAlive:      30 * time.Second,
			},
			Kafka: KafkaConfig{GroupID: "emissionguard"},
		},
		Simulation: SimulationConfig{
			CO:       SeriesConfig{Base: 45, Variance: 20, Floor: 30},
			CO2:      SeriesConfig{Base: 130, Variance: 30, Floor: 100},
			Decimals: 2,
		},
		Alerts: AlertsConfig{
			COWarn:      70,
			CODanger:    80,
			CO2Warn:     200,
			CO2Danger:   250,
			LogCapacity: 5,
		},
		History: HistoryConfig{Capacity: 12, Interval: 2 * time.Minute},
		Schedule: ScheduleConfig{
			SimulatedTick:  40 * time.Second,
			WindowRefresh:  120 * time.Second,
			NoticeDelay:    10 * time.Second,
			NoticeInterval: 120 * time.Second,
		},
		Dispatch: DispatchConfig{Buffer: 1024},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Storage:  StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:emissionguard.db?_pragma=busy_timeout(5000)"},
		Redis:    RedisConfig{Enabled: false, Addr: "localhost:6379", ChannelPrefix: "emissionguard"},
	}
	if strings.ToLower(strings.TrimSpace(profile)) == ProfileSimple {
		cfg.Profile = ProfileSimple
		cfg.Simulation.CO = SeriesConfig{Base: 50, Variance: 30, Floor: 20}
		cfg.Simulation.CO2 = SeriesConfig{Base: 120, Variance: 40, Floor: 80}
		cfg.Simulation.Decimals = 0
		cfg.Alerts.CO2Warn = 150
		cfg.Alerts.CO2Danger = 170
	}
	return cfg
}

// Load reads a YAML or JSON file on top of the defaults of the profile the
// file names.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	cfg, err := decode(trimmed, DefaultConfig())
	if err != nil {
		return nil, err
	}
	if cfg.Profile != "" && cfg.Profile != ProfileDevice {
		cfg, err = decode(trimmed, DefaultConfigFor(cfg.Profile))
		if err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(content string, into *Config) (*Config, error) {
	var err error
	if looksLikeJSON(content) {
		err = json.Unmarshal([]byte(content), into)
	} else {
		err = yaml.Unmarshal([]byte(content), into)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return into, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfigFor(cfg.Profile)
	if cfg.Profile == "" {
		cfg.Profile = def.Profile
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Live.Transport == "" {
		cfg.Live.Transport = def.Live.Transport
	}
	if cfg.Live.TopicTemplate == "" {
		cfg.Live.TopicTemplate = def.Live.TopicTemplate
	}
	if cfg.Live.MQTT.ConnectTimeout <= 0 {
		cfg.Live.MQTT.ConnectTimeout = def.Live.MQTT.ConnectTimeout
	}
	if cfg.Live.MQTT.KeepAlive <= 0 {
		cfg.Live.MQTT.KeepAlive = def.Live.MQTT.KeepAlive
	}
	if cfg.Alerts.LogCapacity <= 0 {
		cfg.Alerts.LogCapacity = def.Alerts.LogCapacity
	}
	if cfg.History.Capacity <= 0 {
		cfg.History.Capacity = def.History.Capacity
	}
	if cfg.History.Interval <= 0 {
		cfg.History.Interval = def.History.Interval
	}
	if cfg.Schedule.SimulatedTick <= 0 {
		cfg.Schedule.SimulatedTick = def.Schedule.SimulatedTick
	}
	if cfg.Schedule.WindowRefresh <= 0 {
		cfg.Schedule.WindowRefresh = def.Schedule.WindowRefresh
	}
	if cfg.Schedule.NoticeDelay <= 0 {
		cfg.Schedule.NoticeDelay = def.Schedule.NoticeDelay
	}
	if cfg.Schedule.NoticeInterval <= 0 {
		cfg.Schedule.NoticeInterval = def.Schedule.NoticeInterval
	}
	if cfg.Dispatch.Buffer <= 0 {
		cfg.Dispatch.Buffer = def.Dispatch.Buffer
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = def.Redis.ChannelPrefix
	}
}

func Validate(cfg *Config) error {
	switch cfg.Profile {
	case ProfileDevice, ProfileSimple:
	default:
		return fmt.Errorf("profile must be %q or %q, got %q", ProfileDevice, ProfileSimple, cfg.Profile)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Live.Enabled {
		switch strings.ToLower(cfg.Live.Transport) {
		case "mqtt":
			if cfg.Live.MQTT.BrokerURL == "" {
				return errors.New("live.mqtt.broker_url required when live.transport is mqtt")
			}
			if cfg.Live.MQTT.QoS < 0 || cfg.Live.MQTT.QoS > 2 {
				return errors.New("live.mqtt.qos must be 0, 1 or 2")
			}
		case "kafka":
			if len(cfg.Live.Kafka.Brokers) == 0 || cfg.Live.Kafka.GroupID == "" {
				return errors.New("live.kafka requires brokers and group_id")
			}
		default:
			return fmt.Errorf("unsupported live.transport: %q", cfg.Live.Transport)
		}
		if !strings.Contains(cfg.Live.TopicTemplate, "{vehicle}") || !strings.Contains(cfg.Live.TopicTemplate, "{pollutant}") {
			return errors.New("live.topic_template must contain {vehicle} and {pollutant}")
		}
	}
	if cfg.Alerts.COWarn <= 0 || cfg.Alerts.CO2Warn <= 0 {
		return errors.New("alerts warn thresholds must be > 0")
	}
	if cfg.Alerts.CODanger < cfg.Alerts.COWarn {
		return errors.New("alerts.co_danger must be >= alerts.co_warn")
	}
	if cfg.Alerts.CO2Danger < cfg.Alerts.CO2Warn {
		return errors.New("alerts.co2_danger must be >= alerts.co2_warn")
	}
	if cfg.History.Capacity > MaxHistoryCapacity {
		return fmt.Errorf("history.capacity must be <= %d, got %d", MaxHistoryCapacity, cfg.History.Capacity)
	}
	if cfg.Alerts.LogCapacity > MaxAlertLogCapacity {
		return fmt.Errorf("alerts.log_capacity must be <= %d, got %d", MaxAlertLogCapacity, cfg.Alerts.LogCapacity)
	}
	for name, s := range map[string]SeriesConfig{"co": cfg.Simulation.CO, "co2": cfg.Simulation.CO2} {
		if s.Floor < 0 || s.Variance < 0 {
			return fmt.Errorf("simulation.%s floor and variance must be >= 0", name)
		}
	}
	if cfg.Simulation.Decimals < 0 || cfg.Simulation.Decimals > 6 {
		return errors.New("simulation.decimals must be between 0 and 6")
	}
	if cfg.Storage.Enabled && cfg.Storage.Driver == "" {
		return errors.New("storage.driver required when storage.enabled is true")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr required when redis.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager serves cfg without a backing file; Reload and Watch are
// no-ops for it.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
