package failure

import (
	"fmt"
)

// StartupError is returned by pre-flight checks and data-directory scrubs.
// Code is the exit code the process terminates with.
type StartupError struct {
	Code    int
	Message string
	Cause   error
}

// NewStartupError creates a StartupError with the given exit code.
func NewStartupError(code int, format string, args ...any) *StartupError {
	return &StartupError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *StartupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StartupError) Unwrap() error {
	return e.Cause
}

// ConfigurationError reports an invalid setting. LogStackTrace is false for
// expected misconfiguration so operators only see the message.
type ConfigurationError struct {
	Message       string
	LogStackTrace bool
	Cause         error
}

// NewConfigurationError creates a message-only configuration error.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// FSError is a filesystem I/O failure on a path owned by the node.
type FSError struct {
	Op   string
	Path string
	Err  error
}

func (e *FSError) Error() string {
	return fmt.Sprintf("fs error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FSError) Unwrap() error {
	return e.Err
}

// CorruptDataError reports a persisted file that could not be decoded.
type CorruptDataError struct {
	Path string
	Err  error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupted data in %s: %v", e.Path, e.Err)
}

func (e *CorruptDataError) Unwrap() error {
	return e.Err
}

// PanicError wraps a recovered panic value that was not itself an error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
