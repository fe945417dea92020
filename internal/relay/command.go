package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// CommandParams are the session parameters substituted into a consumer
// command template.
type CommandParams struct {
	SampleRate int
	Channels   int
}

// ErrEmptyCommand is returned by [FormatCommand] when the template expands to
// no arguments.
var ErrEmptyCommand = errors.New("relay: consumer command is empty")

// FormatCommand expands the {sample_rate} and {channels} placeholders in
// template and splits the result into an argument vector using POSIX
// shell-word rules. "{{" and "}}" produce literal braces. Any other
// placeholder is an error.
func FormatCommand(template string, p CommandParams) ([]string, error) {
	expanded, err := expandPlaceholders(template, map[string]string{
		"sample_rate": strconv.Itoa(p.SampleRate),
		"channels":    strconv.Itoa(p.Channels),
	})
	if err != nil {
		return nil, err
	}

	argv, err := shellwords.Parse(expanded)
	if err != nil {
		return nil, fmt.Errorf("relay: split consumer command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

func expandPlaceholders(template string, values map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("relay: unterminated placeholder at offset %d in %q", i, template)
			}
			name := template[i+1 : i+1+end]
			v, ok := values[name]
			if !ok {
				return "", fmt.Errorf("relay: unknown placeholder {%s} in consumer command", name)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("relay: single '}' at offset %d in %q", i, template)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
