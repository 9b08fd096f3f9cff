package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Cameras   []CameraConfig  `yaml:"cameras"`
	Streaming StreamingConfig `yaml:"streaming"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	System    SystemConfig    `yaml:"system"`
	WebUI     WebUIConfig     `yaml:"webui"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
}

// StorageConfig defines storage settings
type StorageConfig struct {
	BasePath            string `yaml:"base_path"`
	LivePath            string `yaml:"live_path"`        // defaults to <base>/live
	RecordPath          string `yaml:"record_path"`      // defaults to <base>/record
	BackupPath          string `yaml:"backup_path"`      // defaults to <base>/backup
	LogPath             string `yaml:"log_path"`         // defaults to <base>/log
	SegmentDuration     int    `yaml:"segment_duration"` // seconds
	RetentionDays       int    `yaml:"retention_days"`
	BackupRetentionDays int    `yaml:"backup_retention_days"`
	MaxFilesPerCamera   int    `yaml:"max_files_per_camera"`
	DatabasePath        string `yaml:"database_path"` // defaults to <base>/corecam.db
}

// CameraConfig defines camera settings
type CameraConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Enabled    bool   `yaml:"enabled"`
	Record     *bool  `yaml:"record"`      // nil means record when enabled
	RetryDelay int    `yaml:"retry_delay"` // seconds
	MaxRetries int    `yaml:"max_retries"` // -1 for infinite
}

// Recording reports whether the camera should be recorded.
func (c CameraConfig) Recording() bool {
	if !c.Enabled {
		return false
	}
	return c.Record == nil || *c.Record
}

// StreamingConfig defines the live HLS pipeline
type StreamingConfig struct {
	FFmpegPath           string `yaml:"ffmpeg_path"`
	HLSSegmentTime       int    `yaml:"hls_segment_time"` // seconds
	HLSListSize          int    `yaml:"hls_list_size"`
	BufferSize           string `yaml:"buffer_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
	CheckInterval        int    `yaml:"check_interval"`   // seconds
	UpdateTimeout        int    `yaml:"update_timeout"`   // seconds
	RestartCooldown      int    `yaml:"restart_cooldown"` // seconds
	CleanupInterval      int    `yaml:"cleanup_interval"` // seconds
}

// MonitorConfig defines the per-camera stream health monitor
type MonitorConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ManifestURL      string  `yaml:"manifest_url"` // template, {id} is replaced
	BackendURL       string  `yaml:"backend_url"`
	TickInterval     float64 `yaml:"tick_interval"`    // seconds
	StallThreshold   float64 `yaml:"stall_threshold"`  // seconds
	LoadGrace        float64 `yaml:"load_grace"`       // seconds
	LoadTimeout      float64 `yaml:"load_timeout"`     // seconds
	BufferLow        float64 `yaml:"buffer_low"`       // seconds
	BufferCritical   float64 `yaml:"buffer_critical"`  // seconds
	ProgressTimeout  float64 `yaml:"progress_timeout"` // seconds
	Nudge            float64 `yaml:"nudge"`            // seconds
	ReloadDelay      float64 `yaml:"reload_delay"`     // seconds
	MaxRetries       int     `yaml:"max_retries"`
	RestartPerMinute int     `yaml:"restart_per_minute"`
}

// SystemConfig defines system settings
type SystemConfig struct {
	LogLevel            string `yaml:"log_level"`
	LogFile             string `yaml:"log_file"`
	HealthCheckInterval int    `yaml:"health_check_interval"`
}

// WebUIConfig defines web interface settings
type WebUIConfig struct {
	Enabled        bool       `yaml:"enabled"`
	Port           int        `yaml:"port"`
	Authentication AuthConfig `yaml:"authentication"`
}

// AuthConfig defines authentication settings
type AuthConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Username       string `yaml:"username"`
	PasswordHash   string `yaml:"password_hash"`   // bcrypt hash
	SessionTimeout int    `yaml:"session_timeout"` // minutes (default: 60)
	// APIToken is accepted as a bearer token by the API. A random token is
	// generated per process when empty.
	APIToken string `yaml:"api_token"`
}

// RecoveryConfig defines recording recovery settings
type RecoveryConfig struct {
	Enabled             bool   `yaml:"enabled"`
	StaleThreshold      int    `yaml:"stale_threshold"`       // seconds (default: 600)
	VerificationDelay   int    `yaml:"verification_delay"`    // seconds (default: 120)
	HealthCheckInterval int    `yaml:"health_check_interval"` // seconds (default: 60)
	RestartSettle       int    `yaml:"restart_settle"`        // seconds (default: 30)
	RebootAttempts      int    `yaml:"reboot_attempts"`       // per reboot window (default: 3)
	RebootWindow        int    `yaml:"reboot_window"`         // seconds (default: 60)
	SlackWebhook        string `yaml:"slack_webhook"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.BasePath == "" {
		errs = append(errs, errors.New("storage.base_path is required"))
	}

	if c.Storage.SegmentDuration < 60 {
		errs = append(errs, errors.New("storage.segment_duration must be at least 60 seconds"))
	}

	seen := make(map[string]bool)
	enabledCameras := 0
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			errs = append(errs, fmt.Errorf("cameras[%d]: id is required", i))
			continue
		}
		if strings.ContainsAny(cam.ID, `/\ `) || cam.ID == "." || cam.ID == ".." {
			errs = append(errs, fmt.Errorf("camera %s: id must be a plain path segment", cam.ID))
		}
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("camera %s: duplicate id", cam.ID))
		}
		seen[cam.ID] = true
		if cam.Enabled {
			enabledCameras++
			if cam.URL == "" {
				errs = append(errs, fmt.Errorf("camera %s: url is required", cam.ID))
			}
		}
	}

	if enabledCameras == 0 {
		errs = append(errs, errors.New("at least one camera must be enabled"))
	}

	st := c.Streaming
	for _, d := range []struct {
		name  string
		value int
	}{
		{"streaming.check_interval", st.CheckInterval},
		{"streaming.update_timeout", st.UpdateTimeout},
		{"streaming.cleanup_interval", st.CleanupInterval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}

	m := c.Monitor
	if m.Enabled {
		for _, d := range []struct {
			name  string
			value float64
		}{
			{"monitor.tick_interval", m.TickInterval},
			{"monitor.stall_threshold", m.StallThreshold},
			{"monitor.load_timeout", m.LoadTimeout},
			{"monitor.progress_timeout", m.ProgressTimeout},
			{"monitor.reload_delay", m.ReloadDelay},
		} {
			if d.value <= 0 {
				errs = append(errs, fmt.Errorf("%s must be positive", d.name))
			}
		}
		if m.MaxRetries < 0 {
			errs = append(errs, errors.New("monitor.max_retries must not be negative"))
		}
		if !strings.Contains(m.ManifestURL, "{id}") {
			errs = append(errs, errors.New("monitor.manifest_url must contain {id}"))
		}
		if m.BufferCritical > m.BufferLow {
			errs = append(errs, errors.New("monitor.buffer_critical must not exceed monitor.buffer_low"))
		}
		if m.StallThreshold <= m.TickInterval {
			errs = append(errs, errors.New("monitor.stall_threshold must be longer than monitor.tick_interval"))
		}
	}

	if r := c.Recovery; r.Enabled {
		for _, d := range []struct {
			name  string
			value int
		}{
			{"recovery.stale_threshold", r.StaleThreshold},
			{"recovery.verification_delay", r.VerificationDelay},
			{"recovery.health_check_interval", r.HealthCheckInterval},
		} {
			if d.value <= 0 {
				errs = append(errs, fmt.Errorf("%s must be positive", d.name))
			}
		}
	}

	if c.WebUI.Authentication.Enabled {
		if c.WebUI.Authentication.Username == "" || c.WebUI.Authentication.PasswordHash == "" {
			errs = append(errs, errors.New("webui.authentication requires username and password_hash"))
		}
		if t := c.WebUI.Authentication.APIToken; t != "" && len(t) < 16 {
			errs = append(errs, errors.New("webui.authentication.api_token must be at least 16 characters"))
		}
	}

	return errors.Join(errs...)
}

// EnabledCameras returns the cameras with enabled set.
func (c *Config) EnabledCameras() []CameraConfig {
	out := make([]CameraConfig, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Enabled {
			out = append(out, cam)
		}
	}
	return out
}

// Camera looks a camera up by id.
func (c *Config) Camera(id string) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// Seconds converts a fractional seconds setting to a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
