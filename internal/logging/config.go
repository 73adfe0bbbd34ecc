package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects level, line format and destination.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stdout, stderr (the default) or a file path opened for append.
	Output string `yaml:"output"`
}

// NewLogger builds a Logger from cfg. A nil cfg logs INFO as JSON to stderr.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	format := strings.ToLower(cfg.Format)
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatText:
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("logging: open output: %w", err)
	}
	return NewWithFormat(parseLevel(cfg.Level), format, out), nil
}

// parseLevel maps a level name to LogLevel; unknown names mean INFO.
func parseLevel(name string) LogLevel {
	lvl := LogLevel(strings.ToUpper(name))
	if lvl == "WARNING" {
		return WarnLevel
	}
	if _, ok := levelRank[lvl]; ok {
		return lvl
	}
	return InfoLevel
}

func openOutput(dest string) (io.Writer, error) {
	switch dest {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
