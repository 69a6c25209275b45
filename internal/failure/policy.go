package failure

import (
	"errors"
	"fmt"
)

// PolicyKind tags how a stage failure is treated.
type PolicyKind int

const (
	// PolicyFatal terminates with a fixed exit code.
	PolicyFatal PolicyKind = iota
	// PolicyFatalCarried terminates with the code carried by a *StartupError.
	PolicyFatalCarried
	// PolicyFatalOnConfiguration terminates with Code for a *ConfigurationError
	// and with ExitUnexpected for anything else.
	PolicyFatalOnConfiguration
	// PolicyWarn logs and continues.
	PolicyWarn
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyFatal:
		return "fatal"
	case PolicyFatalCarried:
		return "fatal-carried"
	case PolicyFatalOnConfiguration:
		return "fatal-on-configuration"
	case PolicyWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// Policy is the failure policy attached to a bootstrap stage.
type Policy struct {
	Kind PolicyKind
	Code int
}

// Fatal returns a policy that terminates with code.
func Fatal(code int) Policy {
	return Policy{Kind: PolicyFatal, Code: code}
}

// FatalCarried returns a policy that terminates with the code carried by the
// failing check, falling back to ExitUnexpected.
func FatalCarried() Policy {
	return Policy{Kind: PolicyFatalCarried, Code: ExitUnexpected}
}

// FatalOnConfiguration returns a policy that uses code for configuration
// errors only.
func FatalOnConfiguration(code int) Policy {
	return Policy{Kind: PolicyFatalOnConfiguration, Code: code}
}

// Warn returns a policy that never aborts startup.
func Warn() Policy {
	return Policy{Kind: PolicyWarn}
}

// IsFatal reports whether a failure under p ends the process.
func (p Policy) IsFatal() bool {
	return p.Kind != PolicyWarn
}

func (p Policy) String() string {
	if p.Kind == PolicyWarn {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", p.Kind, p.Code)
}

// Decision is the result of classifying a stage failure.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionWarn
	DecisionExit
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionWarn:
		return "warn"
	case DecisionExit:
		return "exit"
	default:
		return "unknown"
	}
}

// ExitDirective is the terminal value of a fatal stage failure.
type ExitDirective struct {
	Code           int
	Message        string
	Cause          error
	EmitStackTrace bool
}

func (d *ExitDirective) Error() string {
	if d.Cause != nil {
		return fmt.Sprintf("%s (exit code %d): %v", d.Message, d.Code, d.Cause)
	}
	return fmt.Sprintf("%s (exit code %d)", d.Message, d.Code)
}

func (d *ExitDirective) Unwrap() error {
	return d.Cause
}

// Classify maps a stage failure to a decision. A nil err always continues.
// For DecisionExit the returned directive is non-nil.
func Classify(stage string, err error, p Policy) (Decision, *ExitDirective) {
	if err == nil {
		return DecisionContinue, nil
	}
	if p.Kind == PolicyWarn {
		return DecisionWarn, nil
	}

	// A directive produced further down already carries its own code.
	var existing *ExitDirective
	if errors.As(err, &existing) {
		return DecisionExit, existing
	}

	directive := &ExitDirective{
		Code:           p.Code,
		Message:        fmt.Sprintf("Exception encountered during startup in stage %s", stage),
		Cause:          err,
		EmitStackTrace: true,
	}

	var cfgErr *ConfigurationError
	isConfig := errors.As(err, &cfgErr)
	if isConfig {
		directive.EmitStackTrace = cfgErr.LogStackTrace
	}

	switch p.Kind {
	case PolicyFatalCarried:
		var startupErr *StartupError
		if errors.As(err, &startupErr) {
			directive.Code = startupErr.Code
			directive.Message = startupErr.Message
		} else {
			directive.Code = ExitUnexpected
		}
	case PolicyFatalOnConfiguration:
		if isConfig {
			directive.Message = "Fatal configuration error"
		} else {
			directive.Code = ExitUnexpected
		}
	}
	if directive.Code == 0 {
		directive.Code = ExitUnexpected
	}
	return DecisionExit, directive
}
