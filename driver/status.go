// SPDX-License-Identifier: Apache-2.0

package driver

import "github.com/efficientgo/core/errors"

// PortStatus is the combined device/port state of one row in the vhci status
// table. The kernel reports a single value per slot.
type PortStatus uint32

const (
	StatusDeviceAvailable PortStatus = iota
	StatusDeviceUsed
	StatusDeviceError
	StatusPortFree
	StatusPortInitializing
	StatusPortUsed
	StatusPortError
)

// PortStatusFromCode decodes the status column of the vhci status table.
func PortStatusFromCode[T unsignedCode](code T) (PortStatus, error) {
	if uint64(code) > uint64(StatusPortError) {
		return StatusDeviceAvailable, errors.Wrapf(ErrInvalidStatus, "code %d", uint64(code))
	}
	return PortStatus(code), nil
}

func (s PortStatus) Code() uint8 {
	return uint8(s)
}

func (s PortStatus) String() string {
	switch s {
	case StatusDeviceAvailable:
		return "Device Available"
	case StatusDeviceUsed:
		return "Device in Use"
	case StatusDeviceError:
		return "Device Error"
	case StatusPortFree:
		return "Port Available"
	case StatusPortInitializing:
		return "Port Initializing"
	case StatusPortUsed:
		return "Port in Use"
	case StatusPortError:
		return "Port Error"
	default:
		return "Invalid Status"
	}
}

// IsVacant reports whether no device can be behind a port in this state, so
// there is nothing to look up in the usb subsystem.
func (s PortStatus) IsVacant() bool {
	return s == StatusPortFree || s == StatusPortInitializing
}

// Allocatable is the one place deciding which status makes a port eligible
// for a new attachment.
//
// vhci_hcd prints VDEV_ST_NULL, numerically 4, for every port that has nothing
// attached; that value decodes to StatusPortInitializing. It is the only
// value the kernel prints for an empty port, so only this status qualifies.
func (s PortStatus) Allocatable() bool {
	return s == StatusPortInitializing
}
