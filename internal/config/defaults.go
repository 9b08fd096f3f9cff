package config

import (
	"fmt"
	"path/filepath"
)

// ApplyDefaults fills unset values. Zero values are treated as unset.
func (c *Config) ApplyDefaults() {
	s := &c.Storage
	if s.SegmentDuration == 0 {
		s.SegmentDuration = 1800
	}
	if s.BasePath != "" {
		if s.LivePath == "" {
			s.LivePath = filepath.Join(s.BasePath, "live")
		}
		if s.RecordPath == "" {
			s.RecordPath = filepath.Join(s.BasePath, "record")
		}
		if s.BackupPath == "" {
			s.BackupPath = filepath.Join(s.BasePath, "backup")
		}
		if s.LogPath == "" {
			s.LogPath = filepath.Join(s.BasePath, "log")
		}
		if s.DatabasePath == "" {
			s.DatabasePath = filepath.Join(s.BasePath, "corecam.db")
		}
	}
	if s.MaxFilesPerCamera == 0 {
		s.MaxFilesPerCamera = 100
	}
	if s.BackupRetentionDays == 0 && s.RetentionDays > 0 {
		s.BackupRetentionDays = s.RetentionDays * 7
	}

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Name == "" {
			cam.Name = cam.ID
		}
		if cam.RetryDelay == 0 {
			cam.RetryDelay = 15
		}
		if cam.MaxRetries == 0 {
			cam.MaxRetries = -1
		}
	}

	st := &c.Streaming
	if st.FFmpegPath == "" {
		st.FFmpegPath = "ffmpeg"
	}
	if st.HLSSegmentTime == 0 {
		st.HLSSegmentTime = 2
	}
	if st.HLSListSize == 0 {
		st.HLSListSize = 12
	}
	if st.BufferSize == "" {
		st.BufferSize = "32768k"
	}
	if st.MaxConcurrentStreams == 0 {
		st.MaxConcurrentStreams = 10
	}
	if st.CheckInterval == 0 {
		st.CheckInterval = 3
	}
	if st.UpdateTimeout == 0 {
		st.UpdateTimeout = 10
	}
	if st.RestartCooldown == 0 {
		st.RestartCooldown = 30
	}
	if st.CleanupInterval == 0 {
		st.CleanupInterval = 300
	}

	if c.WebUI.Port == 0 {
		c.WebUI.Port = 8080
	}

	m := &c.Monitor
	if m.ManifestURL == "" {
		m.ManifestURL = fmt.Sprintf("http://127.0.0.1:%d/live/{id}/{id}.m3u8", c.WebUI.Port)
	}
	if m.BackendURL == "" {
		m.BackendURL = fmt.Sprintf("http://127.0.0.1:%d", c.WebUI.Port)
	}
	if m.TickInterval == 0 {
		m.TickInterval = 4
	}
	if m.StallThreshold == 0 {
		m.StallThreshold = 12
	}
	if m.LoadGrace == 0 {
		m.LoadGrace = 8
	}
	if m.LoadTimeout == 0 {
		m.LoadTimeout = 10
	}
	if m.BufferLow == 0 {
		m.BufferLow = 2
	}
	if m.BufferCritical == 0 {
		m.BufferCritical = 0.5
	}
	if m.ProgressTimeout == 0 {
		m.ProgressTimeout = 6
	}
	if m.Nudge == 0 {
		m.Nudge = 0.1
	}
	if m.ReloadDelay == 0 {
		m.ReloadDelay = 2
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = 5
	}
	if m.RestartPerMinute == 0 {
		m.RestartPerMinute = 6
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}

	if c.WebUI.Authentication.SessionTimeout == 0 {
		c.WebUI.Authentication.SessionTimeout = 60
	}

	r := &c.Recovery
	if r.StaleThreshold == 0 {
		r.StaleThreshold = 600
	}
	if r.VerificationDelay == 0 {
		r.VerificationDelay = 120
	}
	if r.HealthCheckInterval == 0 {
		r.HealthCheckInterval = 60
	}
	if r.RestartSettle == 0 {
		r.RestartSettle = 30
	}
	if r.RebootAttempts == 0 {
		r.RebootAttempts = 3
	}
	if r.RebootWindow == 0 {
		r.RebootWindow = 60
	}
}
