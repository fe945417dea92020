package config_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/voicerelay/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Recording: config.RecordingConfig{Quality: config.QualityHigh},
	}
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	updated := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, updated)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged=true")
	}
	if d.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q, want debug", d.LogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Recording: config.RecordingConfig{Duration: time.Minute},
		Relay:     config.RelayConfig{QueueCapacity: 100},
	}
	updated := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9090"},
		Recording: config.RecordingConfig{Duration: time.Hour},
		Relay:     config.RelayConfig{QueueCapacity: 200},
		Journal:   config.JournalConfig{PostgresDSN: "postgres://localhost/relay"},
	}

	d := config.Diff(old, updated)
	want := []string{"server.listen_addr", "recording", "relay", "journal"}
	if diff := cmp.Diff(want, d.RestartRequired); diff != "" {
		t.Errorf("RestartRequired mismatch (-want +got):\n%s", diff)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_NilSnapshots(t *testing.T) {
	t.Parallel()
	if d := config.Diff(nil, nil); !d.Empty() {
		t.Errorf("Diff(nil, nil) = %+v, want empty", d)
	}
	d := config.Diff(nil, &config.Config{Source: config.SourceConfig{Platform: config.PlatformWebSocket}})
	if diff := cmp.Diff([]string{"source"}, d.RestartRequired); diff != "" {
		t.Errorf("RestartRequired mismatch (-want +got):\n%s", diff)
	}
}
