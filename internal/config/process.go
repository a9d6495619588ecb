// Package config loads the per-process JSON configuration for the
// Relay, Beacon, and Worker binaries (§6.6), with environment variable
// overrides for secrets and ports, matching the teacher's layered
// file-then-env config pattern (config_load.go's Load/applyEnvOverrides).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// TelemetryConfig configures OpenTelemetry OTLP span export. Disabled by
// default; when enabled, every process's turn/query spans are additionally
// shipped to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled      bool              `json:"enabled,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"` // e.g. "localhost:4317" (grpc) or "https://...:4318" (http)
	Protocol     string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure     bool              `json:"insecure,omitempty"`
	ServiceName  string            `json:"serviceName,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	SamplerRatio float64           `json:"samplerRatio,omitempty"`
}

// RelayConfig configures the WebSocket hub (§4.6).
type RelayConfig struct {
	Port            int              `json:"port"`
	PylonAllowlist  map[int][]string `json:"pylonAllowlist"` // deviceIndex -> allowed source IPs
	GoogleClientIDs []string         `json:"googleClientIds,omitempty"`
	ViewerAllowList []string         `json:"viewerAllowList,omitempty"` // allow-listed message types from viewers
	AllowedOrigins  []string         `json:"allowedOrigins,omitempty"`
	RateLimitRPS    float64          `json:"rateLimitRps,omitempty"`
	Telemetry       TelemetryConfig  `json:"telemetry,omitempty"`
}

// BeaconConfig configures the TCP multiplexer (§4.5).
type BeaconConfig struct {
	Port         int             `json:"port"`
	RateLimitRPS float64         `json:"rateLimitRps,omitempty"`
	Telemetry    TelemetryConfig `json:"telemetry,omitempty"`
}

// WorkerConfig configures one Worker/Pylon process (§4.4, §6.3).
type WorkerConfig struct {
	PylonID          int             `json:"pylonId"`
	Env              string          `json:"env"`
	BeaconHost       string          `json:"beaconHost"`
	BeaconPort       int             `json:"beaconPort"`
	ClaudeConfigDir  string          `json:"claudeConfigDir"`
	WorkspaceDataDir string          `json:"workspaceDataDir"`
	ToolServerPort   int             `json:"toolServerPort"`
	AnthropicAPIKey  string          `json:"-"` // env only, never persisted
	Telemetry        TelemetryConfig `json:"telemetry,omitempty"`
}

const (
	defaultRelayPort  = 8787
	defaultBeaconPort = 9875
)

// DefaultRelay returns a RelayConfig with sensible defaults.
func DefaultRelay() *RelayConfig {
	return &RelayConfig{Port: defaultRelayPort}
}

// DefaultBeacon returns a BeaconConfig with sensible defaults.
func DefaultBeacon() *BeaconConfig {
	return &BeaconConfig{Port: defaultBeaconPort}
}

// DefaultWorker returns a WorkerConfig with sensible defaults.
func DefaultWorker() *WorkerConfig {
	return &WorkerConfig{
		BeaconHost: "127.0.0.1",
		BeaconPort: defaultBeaconPort,
	}
}

// LoadRelay reads a RelayConfig from path (if present) then overlays env vars.
func LoadRelay(path string) (*RelayConfig, error) {
	cfg := DefaultRelay()
	if err := loadJSON5(path, cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			cfg.Port = p
		}
	}
	return cfg, nil
}

// LoadBeacon reads a BeaconConfig from path (if present) then overlays env vars.
func LoadBeacon(path string) (*BeaconConfig, error) {
	cfg := DefaultBeacon()
	if err := loadJSON5(path, cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("BEACON_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			cfg.Port = p
		}
	}
	return cfg, nil
}

// LoadWorker reads a WorkerConfig from path (if present) then overlays env vars.
func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := DefaultWorker()
	if err := loadJSON5(path, cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("BEACON_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			cfg.BeaconPort = p
		}
	}
	if v := os.Getenv("CLAUDE_CONFIG_DIR"); v != "" {
		cfg.ClaudeConfigDir = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	return cfg, nil
}

func loadJSON5(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
