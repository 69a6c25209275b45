package failure

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingInspector struct {
	mu   sync.Mutex
	seen []error
	ch   chan error
}

func (r *recordingInspector) Inspect(err error) {
	r.mu.Lock()
	r.seen = append(r.seen, err)
	r.mu.Unlock()
	if r.ch != nil {
		select {
		case r.ch <- err:
		default:
		}
	}
}

type countingFSHandler struct {
	calls []*FSError
}

func (h *countingFSHandler) HandleFSError(err *FSError) {
	h.calls = append(h.calls, err)
}

type countingCorruptHandler struct {
	calls []*CorruptDataError
}

func (h *countingCorruptHandler) HandleCorruptData(err *CorruptDataError) {
	h.calls = append(h.calls, err)
}

func newObservedSink() (*Sink, *observer.ObservedLogs, *recordingInspector, *countingFSHandler, *countingCorruptHandler) {
	core, logs := observer.New(zapcore.DebugLevel)
	inspector := &recordingInspector{}
	fsHandler := &countingFSHandler{}
	corruptHandler := &countingCorruptHandler{}
	return NewSink(zap.New(core), inspector, fsHandler, corruptHandler), logs, inspector, fsHandler, corruptHandler
}

func TestSink_Handle_WalksWholeChain(t *testing.T) {
	sink, logs, inspector, fsHandler, corruptHandler := newObservedSink()

	corrupt := &CorruptDataError{Path: "/data/ks/t1/seg-1", Err: io.ErrUnexpectedEOF}
	fsErr := &FSError{Op: "read", Path: "/data/ks/t1", Err: corrupt}
	root := fmt.Errorf("compaction task: %w", fsErr)

	sink.Handle("compaction-1", root)

	assert.Equal(t, 3, logs.Len(), "root, fs error and corrupt error are each logged once")
	assert.Len(t, inspector.seen, 4)
	require.Len(t, fsHandler.calls, 1)
	assert.Same(t, fsErr, fsHandler.calls[0])
	require.Len(t, corruptHandler.calls, 1)
	assert.Same(t, corrupt, corruptHandler.calls[0])
}

func TestSink_Handle_RootLoggedOnce(t *testing.T) {
	sink, logs, _, fsHandler, _ := newObservedSink()

	fsErr := &FSError{Op: "write", Path: "/data/commitlog", Err: errors.New("no space left on device")}
	sink.Handle("flush", fsErr)

	assert.Equal(t, 1, logs.Len())
	assert.Len(t, fsHandler.calls, 1)
}

func TestSink_Handle_JoinedDuplicatesRoutedOnce(t *testing.T) {
	sink, logs, _, fsHandler, _ := newObservedSink()

	fsErr := &FSError{Op: "open", Path: "/data/hints", Err: errors.New("permission denied")}
	sink.Handle("hints", errors.Join(fsErr, fmt.Errorf("retry: %w", fsErr)))

	assert.Len(t, fsHandler.calls, 1)
	assert.Equal(t, 2, logs.Len())
}

func TestSink_Handle_NilIsIgnored(t *testing.T) {
	sink, logs, inspector, _, _ := newObservedSink()
	sink.Handle("noop", nil)

	assert.Zero(t, logs.Len())
	assert.Empty(t, inspector.seen)
}

func TestInstall(t *testing.T) {
	first := NewSink(zap.NewNop(), nil, nil, nil)
	second := NewSink(zap.NewNop(), nil, nil, nil)

	require.NoError(t, Install(first))
	defer Uninstall(first)

	assert.NoError(t, Install(first), "reinstalling the same sink is a no-op")
	assert.ErrorIs(t, Install(second), ErrSinkInstalled)
	assert.Same(t, first, Installed())

	Uninstall(second)
	assert.Same(t, first, Installed(), "uninstalling a different sink leaves the installed one")
}

func TestGo_PanicReachesInstalledSink(t *testing.T) {
	inspector := &recordingInspector{ch: make(chan error, 4)}
	sink := NewSink(zap.NewNop(), inspector, nil, nil)
	require.NoError(t, Install(sink))
	defer Uninstall(sink)

	Go("worker", func() {
		panic("unexpected state")
	})

	select {
	case err := <-inspector.ch:
		var p *PanicError
		require.ErrorAs(t, err, &p)
		assert.Equal(t, "unexpected state", p.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported to the sink")
	}
}
