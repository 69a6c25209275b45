package daemon

import (
	"errors"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

// Disk failure policies.
const (
	DiskPolicyStop   = "stop"
	DiskPolicyDie    = "die"
	DiskPolicyIgnore = "ignore"
)

// Stopper is what the stop policy shuts down.
type Stopper interface {
	Stop() error
}

// DiskFailureHandler applies the configured disk failure policy to
// filesystem and corrupt data failures.
type DiskFailureHandler struct {
	policy    string
	stopper   Stopper
	terminate func(code int)
	logger    *zap.Logger

	stopOnce sync.Once
}

// NewDiskFailureHandler creates a handler. An unknown policy behaves as stop.
func NewDiskFailureHandler(policy string, stopper Stopper, terminate func(code int), logger *zap.Logger) *DiskFailureHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskFailureHandler{
		policy:    policy,
		stopper:   stopper,
		terminate: terminate,
		logger:    logger.Named("disk-failure"),
	}
}

// HandleFSError implements failure.FSErrorHandler.
func (h *DiskFailureHandler) HandleFSError(err *failure.FSError) {
	h.apply("Filesystem error", err, zap.String("op", err.Op), zap.String("path", err.Path))
}

// HandleCorruptData implements failure.CorruptDataHandler.
func (h *DiskFailureHandler) HandleCorruptData(err *failure.CorruptDataError) {
	h.apply("Corrupt data", err, zap.String("path", err.Path))
}

func (h *DiskFailureHandler) apply(what string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("policy", h.policy), zap.Error(err))
	switch h.policy {
	case DiskPolicyIgnore:
		h.logger.Error(what+", ignoring as configured", fields...)
	case DiskPolicyDie:
		h.logger.Error(what+", terminating process", fields...)
		if h.terminate != nil {
			h.terminate(failure.ExitUnexpected)
		}
	default:
		h.logger.Error(what+", stopping transports", fields...)
		h.stopOnce.Do(func() {
			if h.stopper == nil {
				return
			}
			// Stop may be called from inside a handler running on a
			// transport goroutine, so it must not block that goroutine.
			failure.Go("disk-failure-stop", func() {
				if err := h.stopper.Stop(); err != nil {
					h.logger.Warn("Stop after disk failure failed", zap.Error(err))
				}
			})
		})
	}
}

// StabilityInspector kills the process on failures it cannot recover from.
type StabilityInspector struct {
	terminate func(code int)
	logger    *zap.Logger
	once      sync.Once
}

// NewStabilityInspector creates an inspector.
func NewStabilityInspector(terminate func(code int), logger *zap.Logger) *StabilityInspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StabilityInspector{terminate: terminate, logger: logger.Named("stability")}
}

// Inspect implements failure.StabilityInspector. Running out of file
// descriptors terminates the process.
func (i *StabilityInspector) Inspect(err error) {
	if !errors.Is(err, syscall.EMFILE) {
		return
	}
	i.once.Do(func() {
		i.logger.Error("Out of file descriptors, terminating process", zap.Error(err))
		if i.terminate != nil {
			i.terminate(failure.ExitUnexpected)
		}
	})
}
