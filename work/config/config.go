package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"audio-relay/work/logger"
)

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "/settings/config.json"

// Config holds all runtime configuration of the relay daemon: listening
// addresses, handshake and notification timeouts, audio pipeline sizing and
// the admin surface.
type Config struct {
	ListenAddress      string        `json:"listenAddress"`      // TCP address for stream and control connections
	AdminAddress       string        `json:"adminAddress"`       // HTTP admin/metrics address, empty disables it
	ClassifyTimeout    time.Duration `json:"classifyTimeout"`    // Bounded wait for the identification token
	NotifyTimeout      time.Duration `json:"notifyTimeout"`      // Write deadline for the completion notice
	AcceptRate         int           `json:"acceptRate"`         // Max accepted connections per second, 0 for unlimited
	HandshakeWorkers   int           `json:"handshakeWorkers"`   // Concurrent classifications in flight
	Codec              string        `json:"codec"`              // Stream payload codec: mp3 or wav
	DecodeBlockSamples int           `json:"decodeBlockSamples"` // Samples per decoded unit
	SinkBufferDuration time.Duration `json:"sinkBufferDuration"` // Output device buffer length
	SinkQueueBlocks    int           `json:"sinkQueueBlocks"`    // Decoded units queued ahead of the device
	HistorySize        int           `json:"historySize"`        // Finished sessions kept for the admin API
	HistoryTTL         time.Duration `json:"historyTTL"`         // How long a finished session stays listed
	LogLevel           string        `json:"logLevel"`           // DEBUG, INFO, WARN or ERROR
	Debug              bool          `json:"debug"`              // Shorthand for logLevel DEBUG
}

// ConfigFile is the on-disk JSON shape; durations are strings such as "2s".
type ConfigFile struct {
	ListenAddress      string `json:"listenAddress"`
	AdminAddress       string `json:"adminAddress"`
	ClassifyTimeout    string `json:"classifyTimeout"`
	NotifyTimeout      string `json:"notifyTimeout"`
	AcceptRate         *int   `json:"acceptRate,omitempty"` // absent keeps the default, 0 disables throttling
	HandshakeWorkers   int    `json:"handshakeWorkers"`
	Codec              string `json:"codec"`
	DecodeBlockSamples int    `json:"decodeBlockSamples"`
	SinkBufferDuration string `json:"sinkBufferDuration"`
	SinkQueueBlocks    int    `json:"sinkQueueBlocks"`
	HistorySize        int    `json:"historySize"`
	HistoryTTL         string `json:"historyTTL"`
	LogLevel           string `json:"logLevel"`
	Debug              bool   `json:"debug"`
}

var (
	configCache *Config      // Cached configuration instance
	configPath  string       // Path the cache was loaded from
	configMutex sync.RWMutex // Guards configCache and configPath
)

// LoadConfig loads the configuration from path or returns the cached instance
// for that path.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Falls back to the default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig(path string) *Config {
	if path == "" {
		path = DefaultConfigPath
	}

	configMutex.RLock()
	if configCache != nil && configPath == path {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil && configPath == path {
		return configCache
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		logger.Warn("{config - LoadConfig} failed to load config from %s: %v", path, err)
		logger.Warn("{config - LoadConfig} falling back to default configuration")
		cfg = getDefaultConfig()
	}

	validateAndSetDefaults(cfg)

	configCache = cfg
	configPath = path

	logger.Debug("{config - LoadConfig} listen=%s admin=%q codec=%s classifyTimeout=%s notifyTimeout=%s",
		cfg.ListenAddress, cfg.AdminAddress, cfg.Codec, cfg.ClassifyTimeout, cfg.NotifyTimeout)

	return cfg
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty duration strings are left zero and filled in by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		ListenAddress:      cf.ListenAddress,
		AdminAddress:       cf.AdminAddress,
		AcceptRate:         -1,
		HandshakeWorkers:   cf.HandshakeWorkers,
		Codec:              cf.Codec,
		DecodeBlockSamples: cf.DecodeBlockSamples,
		SinkQueueBlocks:    cf.SinkQueueBlocks,
		HistorySize:        cf.HistorySize,
		LogLevel:           cf.LogLevel,
		Debug:              cf.Debug,
	}

	if cf.AcceptRate != nil {
		cfg.AcceptRate = *cf.AcceptRate
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"classifyTimeout", cf.ClassifyTimeout, &cfg.ClassifyTimeout},
		{"notifyTimeout", cf.NotifyTimeout, &cfg.NotifyTimeout},
		{"sinkBufferDuration", cf.SinkBufferDuration, &cfg.SinkBufferDuration},
		{"historyTTL", cf.HistoryTTL, &cfg.HistoryTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// getDefaultConfig returns a baseline configuration used when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddress:      ":7700",
		AdminAddress:       "",
		ClassifyTimeout:    2 * time.Second,
		NotifyTimeout:      2 * time.Second,
		AcceptRate:         50,
		HandshakeWorkers:   16,
		Codec:              "mp3",
		DecodeBlockSamples: 4096,
		SinkBufferDuration: 100 * time.Millisecond,
		SinkQueueBlocks:    8,
		HistorySize:        100,
		HistoryTTL:         24 * time.Hour,
		LogLevel:           "INFO",
	}
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(cfg *Config) {
	def := getDefaultConfig()

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = def.ClassifyTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	// zero is a valid setting: accept without throttling
	if cfg.AcceptRate < 0 {
		cfg.AcceptRate = def.AcceptRate
	}
	if cfg.HandshakeWorkers <= 0 {
		cfg.HandshakeWorkers = def.HandshakeWorkers
	}
	if cfg.Codec != "mp3" && cfg.Codec != "wav" {
		cfg.Codec = def.Codec
	}
	if cfg.DecodeBlockSamples <= 0 {
		cfg.DecodeBlockSamples = def.DecodeBlockSamples
	}
	if cfg.SinkBufferDuration <= 0 {
		cfg.SinkBufferDuration = def.SinkBufferDuration
	}
	if cfg.SinkQueueBlocks <= 0 {
		cfg.SinkQueueBlocks = def.SinkQueueBlocks
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = def.HistoryTTL
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
}

// CreateExampleConfig writes an example config file to path.
// An acceptRate of 0 turns accept throttling off.
func CreateExampleConfig(path string) error {
	acceptRate := 50
	example := ConfigFile{
		ListenAddress:      ":7700",
		AdminAddress:       "127.0.0.1:7701",
		ClassifyTimeout:    "2s",
		NotifyTimeout:      "2s",
		AcceptRate:         &acceptRate,
		HandshakeWorkers:   16,
		Codec:              "mp3",
		DecodeBlockSamples: 4096,
		SinkBufferDuration: "100ms",
		SinkQueueBlocks:    8,
		HistorySize:        100,
		HistoryTTL:         "24h",
		LogLevel:           "INFO",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache forces a reload on the next LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
	configPath = ""
}
