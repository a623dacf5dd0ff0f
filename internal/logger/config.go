package logger

import "slices"

var (
	validLevels    = []string{"debug", "info", "warn", "error"}
	validEncodings = []string{"json", "console"}
)

// Config is the logging section of shellcache.yaml. Empty fields take the
// DefaultConfig values.
type Config struct {
	Level            string   `yaml:"level"`
	Encoding         string   `yaml:"encoding"`
	OutputPaths      []string `yaml:"outputPaths"`
	ErrorOutputPaths []string `yaml:"errorOutputPaths"`
}

// DefaultConfig logs info and above as JSON to stdout, internal zap errors to
// stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:            "info",
		Encoding:         "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Level == "" {
		c.Level = d.Level
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = d.OutputPaths
	}
	if len(c.ErrorOutputPaths) == 0 {
		c.ErrorOutputPaths = d.ErrorOutputPaths
	}
}

// Validate rejects levels zap would accept but shellcache never logs at
// (dpanic, panic, fatal) as well as unknown encodings.
func (c *Config) Validate() error {
	if !slices.Contains(validLevels, c.Level) {
		return levelError(c.Level)
	}
	if !slices.Contains(validEncodings, c.Encoding) {
		return encodingError(c.Encoding)
	}
	return nil
}
