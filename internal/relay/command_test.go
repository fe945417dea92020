package relay_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/voicerelay/internal/relay"
)

func TestFormatCommand(t *testing.T) {
	t.Parallel()

	params := relay.CommandParams{SampleRate: 48000, Channels: 2}
	tests := []struct {
		name     string
		template string
		want     []string
	}{
		{
			name:     "plain program",
			template: "cat",
			want:     []string{"cat"},
		},
		{
			name:     "player with placeholders",
			template: "ffplay -nodisp -f s16le -ar {sample_rate} -ac {channels} -i -",
			want:     []string{"ffplay", "-nodisp", "-f", "s16le", "-ar", "48000", "-ac", "2", "-i", "-"},
		},
		{
			name:     "quoted argument keeps spaces",
			template: `sh -c 'cat > "/tmp/out {channels}.pcm"'`,
			want:     []string{"sh", "-c", `cat > "/tmp/out 2.pcm"`},
		},
		{
			name:     "escaped braces",
			template: "echo {{literal}} {sample_rate}",
			want:     []string{"echo", "{literal}", "48000"},
		},
		{
			name:     "extra whitespace",
			template: "  sox   -t raw -r {sample_rate}  - ",
			want:     []string{"sox", "-t", "raw", "-r", "48000", "-"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := relay.FormatCommand(tt.template, params)
			if err != nil {
				t.Fatalf("FormatCommand(%q): %v", tt.template, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("argv mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatCommand_Errors(t *testing.T) {
	t.Parallel()

	params := relay.CommandParams{SampleRate: 48000, Channels: 2}
	tests := []struct {
		name     string
		template string
		empty    bool
	}{
		{name: "empty", template: "", empty: true},
		{name: "blank", template: "   ", empty: true},
		{name: "unknown placeholder", template: "play {bitrate}"},
		{name: "unterminated placeholder", template: "play {sample_rate"},
		{name: "stray closing brace", template: "play } -"},
		{name: "unbalanced quote", template: "sh -c 'cat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			argv, err := relay.FormatCommand(tt.template, params)
			if err == nil {
				t.Fatalf("FormatCommand(%q) = %q, want error", tt.template, argv)
			}
			if tt.empty && !errors.Is(err, relay.ErrEmptyCommand) {
				t.Errorf("error = %v, want ErrEmptyCommand", err)
			}
		})
	}
}
