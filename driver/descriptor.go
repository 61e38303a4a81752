// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceDescriptor is a snapshot of the identity and capabilities of a USB
// device, laid out like struct usbip_usb_device.
type DeviceDescriptor struct {
	Path   string         `json:"path"`
	BusID  string         `json:"bus_id"`
	BusNum uint32         `json:"busnum"`
	DevNum uint32         `json:"devnum"`
	Speed  USBDeviceSpeed `json:"speed"`

	Vendor    USBID  `json:"vendor"`
	Product   USBID  `json:"product"`
	BCDDevice uint16 `json:"bcd_device"`

	DeviceClass        uint8 `json:"device_class"`
	DeviceSubClass     uint8 `json:"device_subclass"`
	DeviceProtocol     uint8 `json:"device_protocol"`
	ConfigurationValue uint8 `json:"configuration_value"`
	NumConfigurations  uint8 `json:"num_configurations"`
	NumInterfaces      uint8 `json:"num_interfaces"`
}

// Describe reads the descriptor attributes off a device in the usb subsystem.
// Attributes that are missing or malformed read as zero; some of them, like
// bNumInterfaces, only exist once a configuration is active.
func Describe(dev Device) DeviceDescriptor {
	busID := dev.SysName()
	busnum, devnum := deviceNumbers(dev, busID)

	speed := USBSpeedUnknown
	if s, ok := dev.Attribute("speed"); ok {
		speed = ParseAttributeSpeed(s)
	}

	return DeviceDescriptor{
		Path:               dev.SysPath(),
		BusID:              busID,
		BusNum:             busnum,
		DevNum:             devnum,
		Speed:              speed,
		Vendor:             USBID(readHexAttribute(dev, "idVendor", 16)),
		Product:            USBID(readHexAttribute(dev, "idProduct", 16)),
		BCDDevice:          uint16(readHexAttribute(dev, "bcdDevice", 16)),
		DeviceClass:        uint8(readHexAttribute(dev, "bDeviceClass", 8)),
		DeviceSubClass:     uint8(readHexAttribute(dev, "bDeviceSubClass", 8)),
		DeviceProtocol:     uint8(readHexAttribute(dev, "bDeviceProtocol", 8)),
		ConfigurationValue: uint8(readHexAttribute(dev, "bConfigurationValue", 8)),
		NumConfigurations:  uint8(readHexAttribute(dev, "bNumConfigurations", 8)),
		NumInterfaces:      uint8(readHexAttribute(dev, "bNumInterfaces", 8)),
	}
}

func readHexAttribute(dev Device, name string, bitSize int) uint64 {
	s, ok := dev.Attribute(name)
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, bitSize)
	if err != nil {
		return 0
	}
	return v
}

func readDecimalAttribute(dev Device, name string) (uint32, bool) {
	s, ok := dev.Attribute(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// deviceNumbers prefers the busnum/devnum attributes and falls back to
// reading a "<bus>-<dev>" sysname.
func deviceNumbers(dev Device, busID string) (uint32, uint32) {
	busnum, busOk := readDecimalAttribute(dev, "busnum")
	devnum, devOk := readDecimalAttribute(dev, "devnum")
	if busOk && devOk {
		return busnum, devnum
	}

	parts := strings.Split(busID, "-")
	if len(parts) != 2 {
		return 0, 0
	}
	b, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0
	}
	d, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0
	}
	return uint32(b), uint32(d)
}

// DeviceID packs the bus and device number the way the attach attribute
// expects them.
func (d DeviceDescriptor) DeviceID() uint32 {
	return DeviceID(d.BusNum, d.DevNum)
}

// ID renders vendor and product as "vvvv:pppp".
func (d DeviceDescriptor) ID() string {
	return fmt.Sprintf("%s:%s", d.Vendor, d.Product)
}

// DevNode is the usbfs device node of the device.
func (d DeviceDescriptor) DevNode() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.BusNum, d.DevNum)
}
