//go:build !linux || !cgo

package driver

import "github.com/efficientgo/core/errors"

// UdevEnumerator is unavailable without cgo.
type UdevEnumerator struct{}

func NewUdevEnumerator() (*UdevEnumerator, error) {
	return nil, errors.New("libudev support requires a linux build with cgo enabled")
}

func (e *UdevEnumerator) Lookup(subsystem string, sysname string) (Device, error) {
	return nil, errors.Wrapf(ErrDeviceNotFound, "%s in subsystem %s", sysname, subsystem)
}

func (e *UdevEnumerator) Close() error {
	return nil
}
