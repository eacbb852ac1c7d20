package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Events    EventsConfig    `json:"events" yaml:"events"`
}

type IngestConfig struct {
	ChannelBuffer int              `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int              `json:"workers" yaml:"workers"`
	REST          RESTConfig       `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig  `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka         KafkaConfig      `json:"kafka" yaml:"kafka"`
	MQTT          MQTTIngestConfig `json:"mqtt" yaml:"mqtt"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTIngestConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Topic   string `json:"topic" yaml:"topic"`
}

type DetectionConfig struct {
	ConflictRetries  int           `json:"conflict_retries" yaml:"conflict_retries"`
	StoreRetries     int           `json:"store_retries" yaml:"store_retries"`
	RetryMinInterval time.Duration `json:"retry_min_interval" yaml:"retry_min_interval"`
	RetryMaxInterval time.Duration `json:"retry_max_interval" yaml:"retry_max_interval"`
	DedupeWindow     time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	LogRanking       bool          `json:"log_ranking" yaml:"log_ranking"`
}

type DispatchConfig struct {
	// Transport is one of mqtt, kafka or log.
	Transport string      `json:"transport" yaml:"transport"`
	Topic     string      `json:"topic" yaml:"topic"`
	Retries   int         `json:"retries" yaml:"retries"`
	Kafka     KafkaConfig `json:"kafka" yaml:"kafka"`
}

type MQTTConfig struct {
	Broker         string        `json:"broker" yaml:"broker"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver   string      `json:"driver" yaml:"driver"`
	DSN      string      `json:"dsn" yaml:"dsn"`
	Redis    RedisConfig `json:"redis" yaml:"redis"`
	SeedFile string      `json:"seed_file" yaml:"seed_file"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type EventsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

const (
	DefaultInboundTopic = "anom/detect"
	DefaultEventTopic   = "anom/pred"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       4,
			REST:          RESTConfig{Enabled: false, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:         KafkaConfig{Enabled: false},
			MQTT:          MQTTIngestConfig{Enabled: true, Topic: DefaultInboundTopic},
		},
		Detection: DetectionConfig{
			ConflictRetries:  5,
			StoreRetries:     3,
			RetryMinInterval: 20 * time.Millisecond,
			RetryMaxInterval: 1 * time.Second,
			DedupeWindow:     5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Transport: "mqtt",
			Topic:     DefaultEventTopic,
			Retries:   3,
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "printerwatch",
			ConnectTimeout: 10 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:printerwatch.db?_pragma=busy_timeout(5000)"},
		Events:  EventsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
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
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.MQTT.Topic == "" {
		cfg.Ingest.MQTT.Topic = DefaultInboundTopic
	}
	if cfg.Detection.ConflictRetries <= 0 {
		cfg.Detection.ConflictRetries = 5
	}
	if cfg.Detection.StoreRetries <= 0 {
		cfg.Detection.StoreRetries = 3
	}
	if cfg.Detection.RetryMinInterval <= 0 {
		cfg.Detection.RetryMinInterval = 20 * time.Millisecond
	}
	if cfg.Detection.RetryMaxInterval < cfg.Detection.RetryMinInterval {
		cfg.Detection.RetryMaxInterval = cfg.Detection.RetryMinInterval
	}
	if cfg.Dispatch.Transport == "" {
		cfg.Dispatch.Transport = "mqtt"
	}
	if cfg.Dispatch.Topic == "" {
		cfg.Dispatch.Topic = DefaultEventTopic
	}
	if cfg.Dispatch.Retries <= 0 {
		cfg.Dispatch.Retries = 3
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		cfg.MQTT.ConnectTimeout = 10 * time.Second
	}
	if cfg.Events.StoreLimit <= 0 {
		cfg.Events.StoreLimit = 1000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return errors.New("mqtt.broker required when ingest.mqtt.enabled is true")
	}
	switch cfg.Dispatch.Transport {
	case "mqtt":
		if cfg.MQTT.Broker == "" {
			return errors.New("mqtt.broker required when dispatch.transport is mqtt")
		}
	case "kafka":
		if len(cfg.Dispatch.Kafka.Brokers) == 0 {
			return errors.New("dispatch.kafka.brokers required when dispatch.transport is kafka")
		}
	case "log":
	default:
		return fmt.Errorf("dispatch.transport %q must be mqtt, kafka or log", cfg.Dispatch.Transport)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql", "redis":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if cfg.Detection.DedupeWindow < 0 {
		return errors.New("detection.dedupe_window must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an already built config. Reload and Watch are no-ops
// without a path.
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
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file and swaps in a new config when it changes. Only the
// detection and events sections are read per call by the engine, so those are
// the settings that take effect without a restart.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
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
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
