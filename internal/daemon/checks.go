package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

// recommendedOpenFiles is the descriptor limit below which a warning is logged.
const recommendedOpenFiles = 100000

// CheckFunc adapts a function to StartupCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name implements StartupCheck.
func (c CheckFunc) Name() string { return c.CheckName }

// Execute implements StartupCheck.
func (c CheckFunc) Execute(ctx context.Context) error { return c.Fn(ctx) }

// DataDirectoriesCheck creates the node's directories when missing and
// verifies they are writable.
func DataDirectoriesCheck(dirs ...string) StartupCheck {
	return CheckFunc{CheckName: "data-directories", Fn: func(ctx context.Context) error {
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return &failure.StartupError{
					Code:    failure.ExitWrongDiskState,
					Message: "Directory " + dir + " does not exist and could not be created",
					Cause:   err,
				}
			}
			f, err := os.CreateTemp(dir, ".write-check-*")
			if err != nil {
				return &failure.StartupError{
					Code:    failure.ExitWrongDiskState,
					Message: "Insufficient permissions on directory " + dir,
					Cause:   err,
				}
			}
			f.Close()
			os.Remove(f.Name())
		}
		return nil
	}}
}

// FreeDiskSpaceCheck fails when the filesystem holding dir has less than
// minFree bytes available. Platforms without statfs skip the check.
func FreeDiskSpaceCheck(dir string, minFree uint64) StartupCheck {
	return CheckFunc{CheckName: "free-disk-space", Fn: func(ctx context.Context) error {
		if minFree == 0 {
			return nil
		}
		free, err := availableBytes(dir)
		if errors.Is(err, errUnsupported) {
			return nil
		}
		if err != nil {
			return &failure.StartupError{
				Code:    failure.ExitWrongDiskState,
				Message: "Unable to determine free space in " + filepath.Clean(dir),
				Cause:   err,
			}
		}
		if free < minFree {
			return failure.NewStartupError(failure.ExitWrongDiskState,
				"Only %d bytes free in %s, at least %d required", free, dir, minFree)
		}
		return nil
	}}
}

// OpenFilesLimitCheck warns when the descriptor limit is low. It never fails.
func OpenFilesLimitCheck(logger *zap.Logger) StartupCheck {
	return CheckFunc{CheckName: "open-files-limit", Fn: func(ctx context.Context) error {
		limit, err := openFilesLimit()
		if err != nil {
			return nil
		}
		if limit < recommendedOpenFiles {
			logger.Warn("Open file descriptor limit is below the recommended value",
				zap.Uint64("limit", limit),
				zap.Int("recommended", recommendedOpenFiles))
		}
		return nil
	}}
}

// ConfigCheck runs a configuration validator. Failures exit with the wrong
// configuration code.
func ConfigCheck(validate func() error) StartupCheck {
	return CheckFunc{CheckName: "configuration", Fn: func(ctx context.Context) error {
		if err := validate(); err != nil {
			return &failure.StartupError{
				Code:    failure.ExitWrongConfig,
				Message: "Invalid configuration",
				Cause:   err,
			}
		}
		return nil
	}}
}

// HealthChecker reports whether persisted state matches the configuration.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// SystemKeyspaceStateCheck verifies the bookkeeping store belongs to this
// cluster.
func SystemKeyspaceStateCheck(sys HealthChecker) StartupCheck {
	return CheckFunc{CheckName: "system-keyspace-state", Fn: func(ctx context.Context) error {
		if err := sys.CheckHealth(ctx); err != nil {
			return &failure.StartupError{
				Code:    failure.ExitWrongConfig,
				Message: "Fatal exception during initialization",
				Cause:   err,
			}
		}
		return nil
	}}
}
