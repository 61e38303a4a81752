// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const statusFields = 7

// ImportedDevice is one row of the vhci status table. It is a snapshot and is
// never updated; read the table again to observe changes.
type ImportedDevice struct {
	HubSpeed USBDeviceSpeed
	Port     VirtualPort
	Status   PortStatus
	DeviceID uint32
	BusID    string

	// Descriptor is set when the slot is occupied and the local device could
	// be resolved in the usb subsystem.
	Descriptor *DeviceDescriptor
}

func (d ImportedDevice) BusNum() uint32 {
	busnum, _ := SplitDeviceID(d.DeviceID)
	return busnum
}

func (d ImportedDevice) DevNum() uint32 {
	_, devnum := SplitDeviceID(d.DeviceID)
	return devnum
}

// DeviceID packs a bus number and device number into one 32-bit id.
func DeviceID(busnum, devnum uint32) uint32 {
	return busnum<<16 | devnum&0xffff
}

func SplitDeviceID(id uint32) (busnum uint32, devnum uint32) {
	return id >> 16, id & 0xffff
}

// ParseStatusLine parses one line of the status table:
//
//	hub port sta spd dev      sockfd local_busid
//	hs  0000 006 002 00010002 000010 2-1
//
// Occupied slots are enriched with the descriptor of the local device, looked
// up by bus id in the usb subsystem. A failed lookup leaves Descriptor nil.
func ParseStatusLine(line string, enum DeviceEnumerator) (ImportedDevice, error) {
	fields := strings.Fields(line)
	if len(fields) != statusFields {
		return ImportedDevice{}, errors.Wrapf(ErrMalformedStatusLine, "expected %d fields, got %d", statusFields, len(fields))
	}

	port, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return ImportedDevice{}, errors.Wrapf(ErrMalformedStatusLine, "unable to parse port %q", fields[1])
	}

	statusCode, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return ImportedDevice{}, errors.Wrapf(ErrMalformedStatusLine, "unable to parse status %q", fields[2])
	}
	status, err := PortStatusFromCode(statusCode)
	if err != nil {
		return ImportedDevice{}, err
	}

	// the speed and socket columns only have to be well-formed
	if _, err = strconv.ParseUint(fields[3], 10, 32); err != nil {
		return ImportedDevice{}, errors.Wrapf(ErrMalformedStatusLine, "unable to parse speed %q", fields[3])
	}

	devid, err := strconv.ParseUint(fields[4], 16, 32)
	if err != nil {
		return ImportedDevice{}, errors.Wrapf(ErrMalformedStatusLine, "unable to parse device id %q", fields[4])
	}

	if _, err = strconv.ParseUint(fields[5], 10, 32); err != nil {
		return ImportedDevice{}, errors.Wrapf(ErrMalformedStatusLine, "unable to parse socket %q", fields[5])
	}

	device := ImportedDevice{
		HubSpeed: ParseStatusSpeed(fields[0]),
		Port:     VirtualPort(port),
		Status:   status,
		DeviceID: uint32(devid),
		BusID:    fields[6],
	}

	if !status.IsVacant() {
		device.Descriptor = lookupDescriptor(enum, device.BusID)
	}
	return device, nil
}

func lookupDescriptor(enum DeviceEnumerator, busID string) *DeviceDescriptor {
	if enum == nil {
		return nil
	}
	dev, err := enum.Lookup("usb", busID)
	if err != nil {
		return nil
	}
	defer dev.Close()

	descriptor := Describe(dev)
	return &descriptor
}

// ParseStatusTable parses every line of a status table and drops the ones that
// do not parse, including the header.
func ParseStatusTable(content string, enum DeviceEnumerator, logger log.Logger) []ImportedDevice {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var devices []ImportedDevice
	for i, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		device, err := ParseStatusLine(line, enum)
		if err != nil {
			_ = level.Debug(logger).Log("msg", "skipping status line", "line", i, "content", line, "err", err)
			continue
		}
		devices = append(devices, device)
	}
	return devices
}
