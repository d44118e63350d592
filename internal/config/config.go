// Package config loads the runtime configuration for routelock.
//
// The schema is a flat JSON object. Every field is optional; the Get* methods
// supply the default for anything left unset, so partial files are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ExampleConfigPath is the path to the annotated example configuration.
const ExampleConfigPath = "config/routelock.example.json"

// DefaultRelayPort is the well-known TCP port of the game relay.
const DefaultRelayPort = 21587

// Config represents the root configuration.
type Config struct {
	// Capture
	RelayPort     *int    `json:"relay_port,omitempty"`
	CaptureDevice *string `json:"capture_device,omitempty"`
	CaptureFile   *string `json:"capture_file,omitempty"`
	JournalFile   *string `json:"journal_file,omitempty"`
	BPFFilter     *string `json:"bpf_filter,omitempty"`

	// Reassembly
	MaxReassemblyBytes *int  `json:"max_reassembly_bytes,omitempty"`
	AttachMidStream    *bool `json:"attach_mid_stream,omitempty"`

	// Navigation
	MatchToleranceMeters      *float64 `json:"match_tolerance_m,omitempty"`
	CompletionToleranceMeters *float64 `json:"completion_tolerance_m,omitempty"`
	EndActivityOnCompletion   *bool    `json:"end_activity_on_completion,omitempty"`
	ActivityName              *string  `json:"activity_name,omitempty"`

	// World
	WorldFile *string `json:"world_file,omitempty"`
	RouteFile *string `json:"route_file,omitempty"`
	Sport     *string `json:"sport,omitempty"`

	// Outbound relay connection for commands (host:port). Empty disables sending.
	RelayAddress *string `json:"relay_address,omitempty"`

	// Ride log and debug surface
	RideLogPath *string `json:"ridelog_path,omitempty"`
	DebugListen *string `json:"debug_listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with all fields set to nil.
func Empty() *Config {
	return &Config{}
}

// Load loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envPrefix namespaces the environment overrides.
const envPrefix = "ROUTELOCK_"

// ApplyEnv overrides fields from ROUTELOCK_* environment variables using the
// supplied lookup (os.LookupEnv in production). Values that fail to parse are
// reported rather than silently ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst **string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = ptrString(v)
		}
	}
	var errs []string
	num := func(key string, dst **int) {
		if v, ok := lookup(envPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = ptrInt(n)
		}
	}
	flt := func(key string, dst **float64) {
		if v, ok := lookup(envPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = ptrFloat64(f)
		}
	}
	boolean := func(key string, dst **bool) {
		if v, ok := lookup(envPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = ptrBool(b)
		}
	}

	num("RELAY_PORT", &c.RelayPort)
	str("CAPTURE_DEVICE", &c.CaptureDevice)
	str("CAPTURE_FILE", &c.CaptureFile)
	str("JOURNAL_FILE", &c.JournalFile)
	str("BPF_FILTER", &c.BPFFilter)
	num("MAX_REASSEMBLY_BYTES", &c.MaxReassemblyBytes)
	boolean("ATTACH_MID_STREAM", &c.AttachMidStream)
	flt("MATCH_TOLERANCE_M", &c.MatchToleranceMeters)
	flt("COMPLETION_TOLERANCE_M", &c.CompletionToleranceMeters)
	boolean("END_ACTIVITY_ON_COMPLETION", &c.EndActivityOnCompletion)
	str("ACTIVITY_NAME", &c.ActivityName)
	str("WORLD_FILE", &c.WorldFile)
	str("ROUTE_FILE", &c.RouteFile)
	str("SPORT", &c.Sport)
	str("RELAY_ADDRESS", &c.RelayAddress)
	str("RIDELOG_PATH", &c.RideLogPath)
	str("DEBUG_LISTEN", &c.DebugListen)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return c.Validate()
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.RelayPort != nil {
		if *c.RelayPort <= 0 || *c.RelayPort > 65535 {
			return fmt.Errorf("relay_port must be between 1 and 65535, got %d", *c.RelayPort)
		}
	}

	if c.MaxReassemblyBytes != nil && *c.MaxReassemblyBytes <= 0 {
		return fmt.Errorf("max_reassembly_bytes must be positive, got %d", *c.MaxReassemblyBytes)
	}

	if c.MatchToleranceMeters != nil && *c.MatchToleranceMeters <= 0 {
		return fmt.Errorf("match_tolerance_m must be positive, got %f", *c.MatchToleranceMeters)
	}

	if c.CompletionToleranceMeters != nil && *c.CompletionToleranceMeters <= 0 {
		return fmt.Errorf("completion_tolerance_m must be positive, got %f", *c.CompletionToleranceMeters)
	}

	if c.Sport != nil {
		switch *c.Sport {
		case "cycling", "running":
		default:
			return fmt.Errorf("sport must be cycling or running, got %q", *c.Sport)
		}
	}

	if c.CaptureDevice != nil && *c.CaptureDevice != "" && c.CaptureFile != nil && *c.CaptureFile != "" {
		return fmt.Errorf("capture_device and capture_file are mutually exclusive")
	}

	return nil
}

// GetRelayPort returns the relay_port value or the default.
func (c *Config) GetRelayPort() int {
	if c.RelayPort == nil {
		return DefaultRelayPort
	}
	return *c.RelayPort
}

// GetBPFFilter returns the bpf_filter value, or a filter on the relay port.
func (c *Config) GetBPFFilter() string {
	if c.BPFFilter == nil || *c.BPFFilter == "" {
		return fmt.Sprintf("tcp port %d", c.GetRelayPort())
	}
	return *c.BPFFilter
}

// GetMaxReassemblyBytes returns the max_reassembly_bytes value or the default.
func (c *Config) GetMaxReassemblyBytes() int {
	if c.MaxReassemblyBytes == nil {
		return 1 << 20
	}
	return *c.MaxReassemblyBytes
}

// GetAttachMidStream reports whether the tracker may adopt a connection whose
// handshake was not observed.
func (c *Config) GetAttachMidStream() bool {
	return c.AttachMidStream != nil && *c.AttachMidStream
}

// GetMatchToleranceMeters returns the match_tolerance_m value or the default.
func (c *Config) GetMatchToleranceMeters() float64 {
	if c.MatchToleranceMeters == nil {
		return 25
	}
	return *c.MatchToleranceMeters
}

// GetCompletionToleranceMeters returns the completion_tolerance_m value or the default.
func (c *Config) GetCompletionToleranceMeters() float64 {
	if c.CompletionToleranceMeters == nil {
		return 15
	}
	return *c.CompletionToleranceMeters
}

// GetEndActivityOnCompletion returns the end_activity_on_completion value or the default.
func (c *Config) GetEndActivityOnCompletion() bool {
	if c.EndActivityOnCompletion == nil {
		return false
	}
	return *c.EndActivityOnCompletion
}

// GetActivityName returns the activity_name value or the default.
func (c *Config) GetActivityName() string {
	if c.ActivityName == nil || *c.ActivityName == "" {
		return "routelock ride"
	}
	return *c.ActivityName
}

// GetSport returns the sport value or the default.
func (c *Config) GetSport() string {
	if c.Sport == nil {
		return "cycling"
	}
	return *c.Sport
}

// GetRideLogPath returns the ridelog_path value or the default.
func (c *Config) GetRideLogPath() string {
	if c.RideLogPath == nil {
		return "ridelog.db"
	}
	return *c.RideLogPath
}

// GetDebugListen returns the debug_listen value or the default.
func (c *Config) GetDebugListen() string {
	if c.DebugListen == nil {
		return "localhost:8081"
	}
	return *c.DebugListen
}

// stringOr dereferences an optional string.
func stringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// GetCaptureDevice returns the capture_device value, empty when unset.
func (c *Config) GetCaptureDevice() string { return stringOr(c.CaptureDevice, "") }

// GetCaptureFile returns the capture_file value, empty when unset.
func (c *Config) GetCaptureFile() string { return stringOr(c.CaptureFile, "") }

// GetJournalFile returns the journal_file value, empty when unset.
func (c *Config) GetJournalFile() string { return stringOr(c.JournalFile, "") }

// GetWorldFile returns the world_file value, empty when unset.
func (c *Config) GetWorldFile() string { return stringOr(c.WorldFile, "") }

// GetRouteFile returns the route_file value, empty when unset.
func (c *Config) GetRouteFile() string { return stringOr(c.RouteFile, "") }

// GetRelayAddress returns the relay_address value, empty when unset.
func (c *Config) GetRelayAddress() string { return stringOr(c.RelayAddress, "") }
