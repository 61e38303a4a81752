package usbip

import (
	"io"
	"time"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/efficientgo/core/errors"
)

// usbipd exports at most a few hundred devices; anything beyond this is a
// corrupt reply
const maxDevlistEntries = 4096

// List asks the target for its exportable devices.
func (c *Connection) List() ([]driver.DeviceDescriptor, error) {
	var conn = c.connection

	err := conn.SetDeadline(time.Now().Add(requestTimeout))
	if err != nil {
		return nil, err
	}

	err = binaryWrite(conn, usbipHeader{ProtocolVersion, OpReqDevlist, 0})
	if err != nil {
		return nil, errors.Wrap(err, "failed to write devlist command")
	}

	if err = c.readReply(OpRepDevlist); err != nil {
		return nil, errors.Wrap(err, "devlist command returned error")
	}

	var numDevices uint32
	if err = binaryRead(conn, &numDevices); err != nil {
		return nil, errors.Wrap(err, "failed to read response to devlist command")
	}
	if numDevices > maxDevlistEntries {
		return nil, errors.Newf("unexpected number of devices in devlist response: %d", numDevices)
	}

	devices := make([]driver.DeviceDescriptor, numDevices)
	for devIx := range devices {
		dev := DeviceDescription{}
		if err = binaryRead(conn, &dev); err != nil {
			return nil, errors.Wrap(err, "failed to read devices in devlist response")
		}
		devices[devIx] = dev.Descriptor()

		// skip over the interface sections
		bytesToSkip := int64(4 * int(dev.NumInterfaces))
		if _, err = io.CopyN(io.Discard, conn, bytesToSkip); err != nil {
			return nil, errors.Wrap(err, "devlist entry ended early")
		}
	}

	return devices, nil
}
