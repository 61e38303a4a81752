// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"syscall"
)

const (
	VHCIControllerBusType    = "platform"
	VHCIControllerDeviceName = "vhci_hcd.0"
	// VHCIControllerNamePrefix is shared by every vhci_hcd instance under the
	// platform bus.
	VHCIControllerNamePrefix = "vhci_hcd."
)

// VirtualPort is a port number on the virtual root hubs, global across all
// vhci_hcd instances.
type VirtualPort uint8

// USBID is a vendor or product id.
type USBID uint16

func (id USBID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

// DeviceEnumerator locates kernel device objects, the way
// udev_device_new_from_subsystem_sysname does.
type DeviceEnumerator interface {
	Lookup(subsystem string, sysname string) (Device, error)
}

// Device is a handle on one kernel device object.
type Device interface {
	SysName() string
	SysPath() string
	// Attribute returns the raw content of a sysfs attribute, re-read on every
	// call, and false if it cannot be read.
	Attribute(name string) (string, bool)
	SetAttribute(name string, value string) error
	Parent() (Device, error)
	// Children lists the entry names of the device directory.
	Children() ([]string, error)
	Close()
}

// VHCIDriver is what consumers of the controller depend on.
type VHCIDriver interface {
	NumPorts() int
	Status() ([]ImportedDevice, error)
	AttachedDevices() ([]ImportedDevice, error)
	Port(port VirtualPort) (ImportedDevice, error)
	FreePort(speed USBDeviceSpeed) (VirtualPort, error)
	AttachConn(conn syscall.Conn, device DeviceDescriptor) (VirtualPort, error)
	Detach(port VirtualPort) error
	Close() error
}
