// Package logger builds the process slog logger. Text output goes through
// charmbracelet/log; JSON output writes one Entry per line with the mesh
// routing keys lifted out of the free-form fields.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	charmLog "github.com/charmbracelet/log"

	"orion/pkg/config"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter builds the logger on an arbitrary writer. The monitor uses it
// to keep log lines off the terminal it draws on. Environment overrides are
// already folded into cfg by the config package.
func NewWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch format := strings.ToLower(strings.TrimSpace(cfg.Format)); format {
	case "", FormatText:
		return slog.New(textHandler(writer, level, cfg.AddSource)), nil
	case FormatJSON:
		return slog.New(newEntryHandler(writer, level, cfg.AddSource)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func textHandler(writer io.Writer, level slog.Level, addSource bool) *charmLog.Logger {
	pretty := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(level),
		ReportTimestamp: true,
		ReportCaller:    addSource,
		Formatter:       charmLog.TextFormatter,
	})

	styles := charmLog.DefaultStyles()
	highlight := lipgloss.NewStyle().Foreground(lipgloss.Color("44"))
	for _, key := range []string{KeyAgentID, KeyCorrelationID} {
		styles.Keys[key] = highlight
		styles.Values[key] = lipgloss.NewStyle().Bold(true)
	}
	pretty.SetStyles(styles)
	return pretty
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

// parseLevel accepts slog level names plus "warning"; empty means info.
func parseLevel(input string) (slog.Level, error) {
	text := strings.ToLower(strings.TrimSpace(input))
	switch text {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		text = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", input)
	}
	return level, nil
}
