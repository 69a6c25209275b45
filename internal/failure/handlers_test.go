package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingHandler struct {
	fs      []*FSError
	corrupt []*CorruptDataError
}

func (h *countingHandler) HandleFSError(err *FSError)                { h.fs = append(h.fs, err) }
func (h *countingHandler) HandleCorruptData(err *CorruptDataError) { h.corrupt = append(h.corrupt, err) }

func TestProcessHandlers(t *testing.T) {
	fsErr := &FSError{Op: "write", Path: "/data", Err: errors.New("disk full")}
	corrupt := &CorruptDataError{Path: "/data/x", Err: errors.New("bad crc")}

	assert.False(t, HandleFSError(fsErr), "no handler installed")
	assert.False(t, HandleCorruptData(corrupt))

	h := &countingHandler{}
	SetFSErrorHandler(h)
	SetCorruptDataHandler(h)
	defer SetFSErrorHandler(nil)
	defer SetCorruptDataHandler(nil)

	assert.True(t, HandleFSError(fsErr))
	assert.True(t, HandleCorruptData(corrupt))
	assert.False(t, HandleFSError(nil))
	assert.Equal(t, []*FSError{fsErr}, h.fs)
	assert.Equal(t, []*CorruptDataError{corrupt}, h.corrupt)
}

func TestSink_FallsBackToProcessHandlers(t *testing.T) {
	h := &countingHandler{}
	SetFSErrorHandler(h)
	defer SetFSErrorHandler(nil)

	fsErr := &FSError{Op: "fsync", Path: "/data/commitlog", Err: errors.New("io error")}
	NewSink(nil, nil, nil, nil).Handle("flusher", fmt.Errorf("flush: %w", fsErr))

	assert.Equal(t, []*FSError{fsErr}, h.fs)
}
