package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/hashmapd/internal/failure"
)

func TestDataDirectoriesCheck(t *testing.T) {
	root := t.TempDir()
	data := filepath.Join(root, "data")
	commitlog := filepath.Join(root, "commitlog")

	check := DataDirectoriesCheck(data, "", commitlog)
	require.NoError(t, check.Execute(context.Background()))

	for _, dir := range []string{data, commitlog} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "the write check file is removed")
	}
}

func TestDataDirectoriesCheck_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	err := DataDirectoriesCheck(file).Execute(context.Background())

	var startupErr *failure.StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, failure.ExitWrongDiskState, startupErr.Code)
}

func TestFreeDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, FreeDiskSpaceCheck(dir, 0).Execute(context.Background()))
	assert.NoError(t, FreeDiskSpaceCheck(dir, 1).Execute(context.Background()))

	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		t.Skip("no statfs on this platform")
	}
	err := FreeDiskSpaceCheck(dir, 1<<62).Execute(context.Background())
	var startupErr *failure.StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, failure.ExitWrongDiskState, startupErr.Code)
}

func TestOpenFilesLimitCheck_NeverFails(t *testing.T) {
	check := OpenFilesLimitCheck(zaptest.NewLogger(t))
	assert.Equal(t, "open-files-limit", check.Name())
	assert.NoError(t, check.Execute(context.Background()))
}

func TestConfigCheck(t *testing.T) {
	assert.NoError(t, ConfigCheck(func() error { return nil }).Execute(context.Background()))

	err := ConfigCheck(func() error {
		return failure.NewConfigurationError("RPC_PORT must be between 1 and 65535")
	}).Execute(context.Background())

	var startupErr *failure.StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, failure.ExitWrongConfig, startupErr.Code)
	var cfgErr *failure.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

func TestSystemKeyspaceStateCheck(t *testing.T) {
	ok := SystemKeyspaceStateCheck(healthFunc(func(context.Context) error { return nil }))
	assert.NoError(t, ok.Execute(context.Background()))

	bad := SystemKeyspaceStateCheck(healthFunc(func(context.Context) error {
		return failure.NewConfigurationError("Saved cluster name prod != configured name test")
	}))
	var startupErr *failure.StartupError
	require.ErrorAs(t, bad.Execute(context.Background()), &startupErr)
	assert.Equal(t, failure.ExitWrongConfig, startupErr.Code)
}

func TestUmaskRestrictor(t *testing.T) {
	assert.NoError(t, UmaskRestrictor{}.Restrict())
}

func TestLogSystemInfo(t *testing.T) {
	assert.NoError(t, LogSystemInfo(zap.NewNop(), "test"))
}

type stopperFunc func() error

func (f stopperFunc) Stop() error { return f() }

func TestDiskFailureHandler_Policies(t *testing.T) {
	fsErr := &failure.FSError{Op: "write", Path: "/data/app/orders", Err: errors.New("input/output error")}

	t.Run("die", func(t *testing.T) {
		term := &terminator{}
		h := NewDiskFailureHandler(DiskPolicyDie, nil, term.Terminate, zaptest.NewLogger(t))
		h.HandleFSError(fsErr)
		assert.Equal(t, []int{failure.ExitUnexpected}, term.Codes())
	})

	t.Run("ignore", func(t *testing.T) {
		term := &terminator{}
		stopped := false
		h := NewDiskFailureHandler(DiskPolicyIgnore, stopperFunc(func() error {
			stopped = true
			return nil
		}), term.Terminate, zaptest.NewLogger(t))
		h.HandleCorruptData(&failure.CorruptDataError{Path: "/data/x", Err: errors.New("bad checksum")})
		assert.Empty(t, term.Codes())
		assert.False(t, stopped)
	})

	t.Run("stop runs once", func(t *testing.T) {
		term := &terminator{}
		calls := make(chan struct{}, 4)
		h := NewDiskFailureHandler(DiskPolicyStop, stopperFunc(func() error {
			calls <- struct{}{}
			return nil
		}), term.Terminate, zap.NewNop())

		h.HandleFSError(fsErr)
		h.HandleFSError(fsErr)
		h.HandleCorruptData(&failure.CorruptDataError{Path: "/data/x", Err: errors.New("bad checksum")})

		<-calls
		assert.Empty(t, term.Codes())
		assert.Len(t, calls, 0)
	})
}

func TestStabilityInspector_TerminatesOnEMFILE(t *testing.T) {
	term := &terminator{}
	i := NewStabilityInspector(term.Terminate, zaptest.NewLogger(t))

	i.Inspect(errors.New("connection reset"))
	assert.Empty(t, term.Codes())

	tooMany := &os.PathError{Op: "open", Path: "/data/app/orders/1.db", Err: syscall.EMFILE}
	i.Inspect(tooMany)
	i.Inspect(tooMany)
	assert.Equal(t, []int{3}, term.Codes())
}
