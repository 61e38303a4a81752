// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"strings"

	"github.com/efficientgo/core/errors"
)

// USBDeviceSpeed is the signalling speed of a USB device, numbered like the
// kernel's enum usb_device_speed.
type USBDeviceSpeed uint32

const (
	USBSpeedUnknown USBDeviceSpeed = iota
	USBSpeedLow
	USBSpeedFull
	USBSpeedHigh
	USBSpeedWireless
	USBSpeedSuper
	USBSpeedSuperPlus
)

type unsignedCode interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// SpeedFromCode decodes the kernel's integer speed code.
func SpeedFromCode[T unsignedCode](code T) (USBDeviceSpeed, error) {
	if uint64(code) > uint64(USBSpeedSuperPlus) {
		return USBSpeedUnknown, errors.Wrapf(ErrInvalidSpeed, "code %d", uint64(code))
	}
	return USBDeviceSpeed(code), nil
}

// Code is the integer written to the attach attribute.
func (s USBDeviceSpeed) Code() uint8 {
	return uint8(s)
}

// ParseStatusSpeed maps the hub column of the vhci status table.
// The kernel only ever prints "hs" or "ss" there.
func ParseStatusSpeed(token string) USBDeviceSpeed {
	switch strings.ToUpper(token) {
	case "HS":
		return USBSpeedHigh
	case "SS":
		return USBSpeedSuper
	default:
		return USBSpeedUnknown
	}
}

// ParseAttributeSpeed maps the Mbps notation of the sysfs speed attribute,
// see Documentation/ABI/testing/sysfs-bus-usb.
func ParseAttributeSpeed(value string) USBDeviceSpeed {
	switch strings.TrimSpace(value) {
	case "1.5":
		return USBSpeedLow
	case "12":
		return USBSpeedFull
	case "480":
		return USBSpeedHigh
	case "53.3-480":
		return USBSpeedWireless
	case "5000":
		return USBSpeedSuper
	case "10000":
		return USBSpeedSuperPlus
	default:
		return USBSpeedUnknown
	}
}

// Attribute renders the speed the way the sysfs speed attribute does.
func (s USBDeviceSpeed) Attribute() string {
	switch s {
	case USBSpeedLow:
		return "1.5"
	case USBSpeedFull:
		return "12"
	case USBSpeedHigh:
		return "480"
	case USBSpeedWireless:
		return "53.3-480"
	case USBSpeedSuper:
		return "5000"
	case USBSpeedSuperPlus:
		return "10000"
	default:
		return "unknown"
	}
}

func (s USBDeviceSpeed) String() string {
	switch s {
	case USBSpeedLow:
		return "Low Speed(1.5Mbps)"
	case USBSpeedFull:
		return "Full Speed(12Mbps)"
	case USBSpeedHigh:
		return "High Speed(480Mbps)"
	case USBSpeedWireless:
		return "Wireless"
	case USBSpeedSuper:
		return "Super Speed(5000Mbps)"
	case USBSpeedSuperPlus:
		return "Super Speed(10000Mbps)"
	default:
		return "Unknown Speed"
	}
}

// HubSpeed is the class of root hub port a device of this speed has to be
// attached to. vhci_hcd only exposes high speed and super speed hubs, and
// super speed ports do not accept anything slower.
func (s USBDeviceSpeed) HubSpeed() USBDeviceSpeed {
	if s == USBSpeedSuper {
		return USBSpeedSuper
	}
	return USBSpeedHigh
}

// StatusToken is the inverse of ParseStatusSpeed for hub classes.
func (s USBDeviceSpeed) StatusToken() string {
	switch s {
	case USBSpeedHigh:
		return "hs"
	case USBSpeedSuper:
		return "ss"
	default:
		return "??"
	}
}
