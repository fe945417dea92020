package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Quality is an audio quality preset.
type Quality string

const (
	QualityStudio Quality = "studio"
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// DefaultQuality is used when no preset is configured.
const DefaultQuality = QualityLow

// Format is the PCM format produced for a preset.
type Format struct {
	SampleRate int
	Channels   int
}

var presets = map[Quality]Format{
	QualityStudio: {SampleRate: 96000, Channels: 2},
	QualityHigh:   {SampleRate: 48000, Channels: 2},
	QualityMedium: {SampleRate: 36000, Channels: 1},
	QualityLow:    {SampleRate: 24000, Channels: 1},
}

// IsValid reports whether q names a preset.
func (q Quality) IsValid() bool {
	_, ok := presets[q]
	return ok
}

// Format returns the preset's PCM format. The empty quality maps to
// [DefaultQuality].
func (q Quality) Format() (Format, error) {
	if q == "" {
		q = DefaultQuality
	}
	f, ok := presets[q]
	if !ok {
		return Format{}, fmt.Errorf("config: unknown quality %q", q)
	}
	return f, nil
}

// QualityNames lists the preset names, highest quality first.
func QualityNames() []string {
	names := make([]string, 0, len(presets))
	for q := range presets {
		names = append(names, string(q))
	}
	slices.SortFunc(names, func(a, b string) int {
		return presets[Quality(b)].SampleRate - presets[Quality(a)].SampleRate
	})
	return names
}

var (
	// ErrConflictingOutputs is returned when both a file output and a live
	// command are configured.
	ErrConflictingOutputs = errors.New("config: recording.output and recording.live_cmd cannot be combined; run a second process to capture from the live command")

	// ErrOutputExists is returned when the output file exists and overwrite
	// was not requested.
	ErrOutputExists = errors.New("config: output file already exists; use overwrite to replace it")
)

// Plan is the resolved destination of a relay run.
type Plan struct {
	Format Format

	// Command is the consumer command template handed to the relay.
	Command string

	// OutputPath is the absolute path of the recorded file, or "" for a
	// live handoff.
	OutputPath string
}

// Live reports whether the plan hands audio to a user command.
func (p Plan) Live() bool {
	return p.OutputPath == ""
}

// DefaultOutputName is the file name used when neither an output nor a
// live command is configured.
func DefaultOutputName(now time.Time) string {
	return "call-" + now.UTC().Format("20060102-150405") + ".mp3"
}

// ResolvePlan decides where the audio goes. For file output it creates the
// parent directory and refuses to replace an existing file unless
// rc.Overwrite is set. A file is recorded by running ffmpeg through the same
// consumer pipeline as a live command.
func ResolvePlan(rc RecordingConfig, now time.Time) (Plan, error) {
	format, err := rc.Quality.Format()
	if err != nil {
		return Plan{}, err
	}
	if rc.Output != "" && rc.LiveCmd != "" {
		return Plan{}, ErrConflictingOutputs
	}
	if rc.LiveCmd != "" {
		return Plan{Format: format, Command: rc.LiveCmd}, nil
	}

	target := rc.Output
	if target == "" {
		target = DefaultOutputName(now)
	}
	path, err := filepath.Abs(expandHome(target))
	if err != nil {
		return Plan{}, fmt.Errorf("config: resolve output %q: %w", target, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Plan{}, fmt.Errorf("config: create output directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil && !rc.Overwrite {
		return Plan{}, fmt.Errorf("%w: %s", ErrOutputExists, path)
	}

	return Plan{
		Format:     format,
		Command:    RecordCommand(path),
		OutputPath: path,
	}, nil
}

// RecordCommand returns the ffmpeg command template that encodes stdin PCM
// into path. The container and codec follow the file extension.
func RecordCommand(path string) string {
	return "ffmpeg -hide_banner -loglevel error -f s16le -ar {sample_rate} -ac {channels} -i pipe:0 -y " + quoteArg(path)
}

// quoteArg single-quotes s for shell-word splitting and escapes braces so
// they survive placeholder expansion.
func quoteArg(s string) string {
	s = strings.NewReplacer("{", "{{", "}", "}}").Replace(s)
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
