package failure

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrSinkInstalled is returned when a second sink is installed.
var ErrSinkInstalled = errors.New("error sink already installed")

// StabilityInspector decides whether a failure leaves the process unusable.
type StabilityInspector interface {
	Inspect(err error)
}

// FSErrorHandler reacts to filesystem failures.
type FSErrorHandler interface {
	HandleFSError(err *FSError)
}

// CorruptDataHandler reacts to corrupted persisted data.
type CorruptDataHandler interface {
	HandleCorruptData(err *CorruptDataError)
}

// Sink receives every failure that escapes a goroutine for the remaining
// lifetime of the process.
type Sink struct {
	logger         *zap.Logger
	inspector      StabilityInspector
	fsHandler      FSErrorHandler
	corruptHandler CorruptDataHandler
	mu             sync.Mutex
}

// NewSink creates a sink. Any collaborator may be nil; nil handlers defer
// to the process-wide ones set with SetFSErrorHandler and
// SetCorruptDataHandler.
func NewSink(logger *zap.Logger, inspector StabilityInspector, fsHandler FSErrorHandler, corruptHandler CorruptDataHandler) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		logger:         logger.Named("error-sink"),
		inspector:      inspector,
		fsHandler:      fsHandler,
		corruptHandler: corruptHandler,
	}
}

var installed atomic.Pointer[Sink]

// Install registers s as the process-wide sink.
func Install(s *Sink) error {
	if s == nil {
		return errors.New("cannot install nil error sink")
	}
	if !installed.CompareAndSwap(nil, s) {
		if installed.Load() == s {
			return nil
		}
		return ErrSinkInstalled
	}
	return nil
}

// Uninstall removes the process-wide sink if s is the one installed.
func Uninstall(s *Sink) {
	installed.CompareAndSwap(s, nil)
}

// Installed returns the process-wide sink, or nil.
func Installed() *Sink {
	return installed.Load()
}

// Handle logs err and walks its full error tree. Each distinct error value is
// logged at most once; filesystem and corrupt-data failures anywhere in the
// tree reach their handlers once each.
func (s *Sink) Handle(source string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	logged := make(map[any]struct{})
	s.logOnce(logged, source, err)

	visited := make(map[any]struct{})
	walk(err, visited, func(e error) {
		if s.inspector != nil {
			s.inspector.Inspect(e)
		}
		if fsErr, ok := e.(*FSError); ok {
			s.logOnce(logged, source, e)
			if s.fsHandler != nil {
				s.fsHandler.HandleFSError(fsErr)
			} else {
				HandleFSError(fsErr)
			}
		}
		if corrupt, ok := e.(*CorruptDataError); ok {
			s.logOnce(logged, source, e)
			if s.corruptHandler != nil {
				s.corruptHandler.HandleCorruptData(corrupt)
			} else {
				HandleCorruptData(corrupt)
			}
		}
	})
}

func (s *Sink) logOnce(logged map[any]struct{}, source string, err error) {
	if key, ok := identity(err); ok {
		if _, seen := logged[key]; seen {
			return
		}
		logged[key] = struct{}{}
	}
	fields := []zap.Field{zap.String("source", source), zap.Error(err)}
	var p *PanicError
	if errors.As(err, &p) && len(p.Stack) > 0 {
		fields = append(fields, zap.ByteString("stacktrace", p.Stack))
	}
	s.logger.Error("Exception in goroutine "+source, fields...)
}

// walk visits err and every error reachable through Unwrap, depth first.
func walk(err error, visited map[any]struct{}, visit func(error)) {
	if err == nil {
		return
	}
	if key, ok := identity(err); ok {
		if _, seen := visited[key]; seen {
			return
		}
		visited[key] = struct{}{}
	}
	visit(err)
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, child := range u.Unwrap() {
			walk(child, visited, visit)
		}
	case interface{ Unwrap() error }:
		walk(u.Unwrap(), visited, visit)
	}
}

// identity returns a map key for pointer-backed errors. Value errors are
// never deduplicated.
func identity(err error) (any, bool) {
	if reflect.TypeOf(err).Kind() == reflect.Pointer {
		return err, true
	}
	return nil, false
}

// Report sends err to the installed sink, or to the global logger when none
// is installed yet.
func Report(source string, err error) {
	if err == nil {
		return
	}
	if s := Installed(); s != nil {
		s.Handle(source, err)
		return
	}
	zap.L().Error("Exception in goroutine "+source, zap.Error(err))
}

// Recover must be deferred directly. It converts a panic into an error and
// reports it.
func Recover(source string) {
	if r := recover(); r != nil {
		Report(source, panicToError(r))
	}
}

// Go runs fn on a new goroutine whose panics reach the process-wide sink.
func Go(source string, fn func()) {
	go func() {
		defer Recover(source)
		fn()
	}()
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}
