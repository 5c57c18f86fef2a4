package logger

// Config controls the global logger.
type Config struct {
	Level  string `json:"level"`  // debug, info, warn, error (default: info)
	Output string `json:"output"` // stdout, stderr or a file path (default: stdout)
	Caller bool   `json:"caller"` // include caller location
}

// SetDefaults fills empty fields.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
}
