package failure

import "sync"

var (
	handlersMu     sync.RWMutex
	fsHandler      FSErrorHandler
	corruptHandler CorruptDataHandler
)

// SetFSErrorHandler installs the process-wide filesystem failure handler.
// Passing nil removes it.
func SetFSErrorHandler(h FSErrorHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	fsHandler = h
}

// SetCorruptDataHandler installs the process-wide corrupt data handler.
// Passing nil removes it.
func SetCorruptDataHandler(h CorruptDataHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	corruptHandler = h
}

// HandleFSError passes err to the installed handler and reports whether one
// was installed.
func HandleFSError(err *FSError) bool {
	handlersMu.RLock()
	h := fsHandler
	handlersMu.RUnlock()
	if h == nil || err == nil {
		return false
	}
	h.HandleFSError(err)
	return true
}

// HandleCorruptData passes err to the installed handler and reports whether
// one was installed.
func HandleCorruptData(err *CorruptDataError) bool {
	handlersMu.RLock()
	h := corruptHandler
	handlersMu.RUnlock()
	if h == nil || err == nil {
		return false
	}
	h.HandleCorruptData(err)
	return true
}
