//go:build unix

package daemon

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errUnsupported = errors.New("unsupported on this platform")

func availableBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func openFilesLimit() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, err
	}
	return uint64(rl.Cur), nil
}

// UmaskRestrictor clears group-write and all other-user permission bits
// from files the process creates.
type UmaskRestrictor struct{}

// Restrict implements SecurityRestrictor.
func (UmaskRestrictor) Restrict() error {
	unix.Umask(0o027)
	return nil
}
