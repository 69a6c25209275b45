//go:build !unix

package daemon

import "errors"

var errUnsupported = errors.New("unsupported on this platform")

func availableBytes(dir string) (uint64, error) {
	return 0, errUnsupported
}

func openFilesLimit() (uint64, error) {
	return 0, errUnsupported
}

// UmaskRestrictor is a no-op where the platform has no umask.
type UmaskRestrictor struct{}

// Restrict implements SecurityRestrictor.
func (UmaskRestrictor) Restrict() error { return nil }
