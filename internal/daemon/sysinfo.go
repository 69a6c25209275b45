package daemon

import (
	"os"
	"runtime"
	"runtime/debug"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"
)

// LogSystemInfo logs the host and runtime the node starts on.
func LogSystemInfo(logger *zap.Logger, version string) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	wd, _ := os.Getwd()

	fields := []zap.Field{
		zap.String("hostname", hostname),
		zap.String("version", version),
		zap.String("go_version", runtime.Version()),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.Int("cpus", runtime.NumCPU()),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Uint64("total_memory_bytes", memory.TotalMemory()),
		zap.Int64("memory_limit_bytes", debug.SetMemoryLimit(-1)),
		zap.Int("pid", os.Getpid()),
		zap.String("working_dir", wd),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		fields = append(fields, zap.String("module", info.Main.Path))
	}
	logger.Info("System information", fields...)
	return nil
}
