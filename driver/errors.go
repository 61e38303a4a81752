// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"

	"github.com/efficientgo/core/errors"
)

var (
	// ErrDriverUnavailable means the vhci_hcd kernel object could not be found:
	// the module is not loaded or we lack permission to see it.
	ErrDriverUnavailable = errors.New("unable to communicate with the VHCI kernel driver; make sure vhci-hcd is loaded and you have proper permission")
	ErrNoPorts           = errors.New("VHCI host controller does not have any ports available")
	ErrStatusUnreadable  = errors.New("unable to read VHCI status")
	ErrNoFreePort        = errors.New("no free port available")

	ErrInvalidSpeed        = errors.New("invalid speed code")
	ErrInvalidStatus       = errors.New("invalid status code")
	ErrMalformedStatusLine = errors.New("input does not match VHCI status format")

	ErrDeviceNotFound = errors.New("device not found")
	ErrPortOutOfRange = errors.New("port number out of bounds")

	// ErrWriteRejected matches every KernelWriteError.
	ErrWriteRejected = errors.New("kernel rejected the request")
)

// KernelWriteError is returned when writing to the attach or detach attribute
// fails. For attach this typically means the port was claimed by somebody else
// between choosing it and writing to it; retrying the whole attach is safe.
type KernelWriteError struct {
	Attribute string
	Value     string
	Err       error
}

func (e *KernelWriteError) Error() string {
	return fmt.Sprintf("failed to write %q to %s: %v", e.Value, e.Attribute, e.Err)
}

func (e *KernelWriteError) Unwrap() error {
	return e.Err
}

func (e *KernelWriteError) Is(target error) bool {
	return target == ErrWriteRejected
}
