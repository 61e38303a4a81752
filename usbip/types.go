package usbip

import (
	"bytes"
	"net"
	"strconv"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
)

// DefaultPort is the port usbipd listens on.
const DefaultPort = 3240

const (
	ProtocolVersion = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003
)

type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string {
	return t.Address()
}

// Device identifies an exported device. Zero fields act as wildcards when a
// Device is used as a selector.
type Device struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor driver.USBID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product driver.USBID `json:"product"`
	// BusId describes USB Bus ID of the device on the exporting host.
	BusId string `json:"bus_id"`
}

func DeviceFromDescriptor(d driver.DeviceDescriptor) Device {
	return Device{
		Vendor:  d.Vendor,
		Product: d.Product,
		BusId:   d.BusID,
	}
}

type AttachedDevice struct {
	Device
	Target       Target             `json:"target"`
	Port         driver.VirtualPort `json:"vhc_port"`
	DevMountPath string             `json:"dev_mount_path"`
}

type usbipHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// DeviceDescription is struct usbip_usb_device as sent on the wire.
type DeviceDescription struct {
	Path                     [256]byte
	BusId                    [32]byte
	BusNum                   uint32
	DevNum                   uint32
	Speed                    uint32
	Vendor                   uint16
	Product                  uint16
	BCDDevice                uint16
	DeviceClass              uint8
	DeviceSubClass           uint8
	DeviceProtocol           uint8
	DeviceConfigurationValue uint8
	NumConfigurations        uint8
	NumInterfaces            uint8
}

// InterfaceDescription follows each device in a devlist reply.
type InterfaceDescription struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	_                 uint8
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Descriptor converts the wire format. Speeds the kernel does not know decode
// as USBSpeedUnknown.
func (d DeviceDescription) Descriptor() driver.DeviceDescriptor {
	speed, err := driver.SpeedFromCode(d.Speed)
	if err != nil {
		speed = driver.USBSpeedUnknown
	}
	return driver.DeviceDescriptor{
		Path:               cString(d.Path[:]),
		BusID:              cString(d.BusId[:]),
		BusNum:             d.BusNum,
		DevNum:             d.DevNum,
		Speed:              speed,
		Vendor:             driver.USBID(d.Vendor),
		Product:            driver.USBID(d.Product),
		BCDDevice:          d.BCDDevice,
		DeviceClass:        d.DeviceClass,
		DeviceSubClass:     d.DeviceSubClass,
		DeviceProtocol:     d.DeviceProtocol,
		ConfigurationValue: d.DeviceConfigurationValue,
		NumConfigurations:  d.NumConfigurations,
		NumInterfaces:      d.NumInterfaces,
	}
}

func NewDeviceDescription(d driver.DeviceDescriptor) DeviceDescription {
	desc := DeviceDescription{
		BusNum:                   d.BusNum,
		DevNum:                   d.DevNum,
		Speed:                    uint32(d.Speed),
		Vendor:                   uint16(d.Vendor),
		Product:                  uint16(d.Product),
		BCDDevice:                d.BCDDevice,
		DeviceClass:              d.DeviceClass,
		DeviceSubClass:           d.DeviceSubClass,
		DeviceProtocol:           d.DeviceProtocol,
		DeviceConfigurationValue: d.ConfigurationValue,
		NumConfigurations:        d.NumConfigurations,
		NumInterfaces:            d.NumInterfaces,
	}
	// both strings stay NUL terminated
	copy(desc.Path[:len(desc.Path)-1], d.Path)
	copy(desc.BusId[:len(desc.BusId)-1], d.BusID)
	return desc
}
