package quantization

import "fmt"

// ConfigError reports an invalid or incompatible configuration combination.
// Construction of the offending config must fail; the pipeline never proceeds
// with a silently-wrong configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("quantization config: %s", e.Reason)
}

// NewConfigError creates a ConfigError with a formatted reason.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
