package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime settings for the token pipeline, the chat client
// and the relay server.
type Config struct {
	Debug   bool   `yaml:"debug" json:"debug"`
	LogFile string `yaml:"log_file" json:"log_file"`

	Auth struct {
		// CacheBackend selects the credential cache backend: file, redis or
		// memory. Empty means file.
		CacheBackend string `yaml:"cache_backend" json:"cache_backend"`
		// CacheFile overrides the resolved cache location. Empty means the
		// writable-directory probe decides.
		CacheFile     string `yaml:"cache_file" json:"cache_file"`
		RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
		RedisPassword string `yaml:"redis_password" json:"redis_password"`
		RedisDB       int    `yaml:"redis_db" json:"redis_db"`
		RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
	} `yaml:"auth" json:"auth"`

	Chat struct {
		ServerURL            string `yaml:"server_url" json:"server_url"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
		ReconnectDelaySecs   int    `yaml:"reconnect_delay_seconds" json:"reconnect_delay_seconds"`
	} `yaml:"chat" json:"chat"`

	Relay struct {
		Address string `yaml:"address" json:"address"`
		Port    int    `yaml:"port" json:"port"`
		// MessagesPerSecond and MessageBurst bound each client's inbound rate.
		MessagesPerSecond float64 `yaml:"messages_per_second" json:"messages_per_second"`
		MessageBurst      int     `yaml:"message_burst" json:"message_burst"`
	} `yaml:"relay" json:"relay"`

	Player struct {
		DisplayName string `yaml:"display_name" json:"display_name"`
		DeviceID    string `yaml:"device_id" json:"device_id"`
	} `yaml:"player" json:"player"`
}

// Default returns a config populated with working defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Auth.CacheBackend = "file"
	cfg.Auth.RedisPrefix = "gophersnake:"
	cfg.Chat.ServerURL = "ws://localhost:8080/chat"
	cfg.Chat.MaxReconnectAttempts = 5
	cfg.Chat.ReconnectDelaySecs = 2
	cfg.Relay.Address = "0.0.0.0"
	cfg.Relay.Port = 8080
	cfg.Relay.MessagesPerSecond = 10
	cfg.Relay.MessageBurst = 20
	cfg.Player.DisplayName = "GopherSnake"
	cfg.Player.DeviceID = uuid.New().String()
	return cfg
}

// RelayAddr returns the relay listen address in host:port form.
func (c *Config) RelayAddr() string {
	return fmt.Sprintf("%s:%d", c.Relay.Address, c.Relay.Port)
}

// ReconnectDelay returns the chat client's base backoff delay.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Chat.ReconnectDelaySecs) * time.Second
}

// Manager owns a loaded config, environment overrides and the file watcher.
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	lastMod    time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
	onChange   []func(old, new *Config)
}

// Load reads the config file at path, applies environment overrides and
// returns a manager. A missing file is not an error: defaults are written
// back so the user has something to edit, matching first-run behavior.
func Load(path string) (*Manager, error) {
	m := &Manager{
		config:     Default(),
		configPath: path,
		stopCh:     make(chan struct{}),
	}

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := m.writeDefault(); err != nil {
				log.WithError(err).WithField("path", path).Warn("could not create default config file")
			} else {
				log.WithField("path", path).Info("created default configuration file")
			}
		} else if err := m.load(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	m.mergeEnv()
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Default()
	ext := strings.ToLower(filepath.Ext(m.configPath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("parse config file (tried YAML and JSON)")
			}
		}
	}

	if info, err := os.Stat(m.configPath); err == nil {
		m.lastMod = info.ModTime()
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	log.WithField("path", m.configPath).Info("configuration loaded")
	return nil
}

func (m *Manager) writeDefault() error {
	dir := filepath.Dir(m.configPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(m.Get())
	if err != nil {
		return err
	}
	return os.WriteFile(m.configPath, data, 0o644)
}

// mergeEnv applies GOPHERSNAKE_* environment overrides on top of the loaded
// file. Environment wins over file, file wins over defaults.
func (m *Manager) mergeEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config

	if v := os.Getenv("GOPHERSNAKE_DEBUG"); v != "" {
		cfg.Debug = isTruthy(v)
	}
	if v := os.Getenv("GOPHERSNAKE_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("GOPHERSNAKE_CACHE_BACKEND"); v != "" {
		cfg.Auth.CacheBackend = v
	}
	if v := os.Getenv("GOPHERSNAKE_CACHE_FILE"); v != "" {
		cfg.Auth.CacheFile = v
	}
	if v := os.Getenv("GOPHERSNAKE_REDIS_ADDR"); v != "" {
		cfg.Auth.RedisAddr = v
	}
	if v := os.Getenv("GOPHERSNAKE_CHAT_URL"); v != "" {
		cfg.Chat.ServerURL = v
	}
	if v := os.Getenv("GOPHERSNAKE_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Relay.Port = port
		} else {
			log.WithField("value", v).Warn("ignoring invalid GOPHERSNAKE_RELAY_PORT")
		}
	}
	if v := os.Getenv("GOPHERSNAKE_DISPLAY_NAME"); v != "" {
		cfg.Player.DisplayName = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Get returns the current config snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback fired after every successful reload.
func (m *Manager) OnChange(fn func(old, new *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Stop terminates the file watcher, if running.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) emitChange(old, new *Config) {
	m.mu.RLock()
	callbacks := append([]func(old, new *Config){}, m.onChange...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(old, new)
	}
}
