//go:build unix

package driver

import (
	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// checkStreamSocket refuses descriptors the kernel would reject with a less
// helpful EINVAL.
func checkStreamSocket(fd uintptr) error {
	typ, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return errors.Wrapf(err, "descriptor %d is not a socket", fd)
	}
	if typ != unix.SOCK_STREAM {
		return errors.Newf("descriptor %d is not a stream socket", fd)
	}
	return nil
}
