package usbip

import (
	"encoding/binary"
	"io"
)

// the USB/IP control protocol is big endian throughout

func binaryRead(r io.Reader, data any) error {
	return binary.Read(r, binary.BigEndian, data)
}

func binaryWrite(w io.Writer, data any) error {
	return binary.Write(w, binary.BigEndian, data)
}

// WriteDeviceList encodes an OP_REP_DEVLIST reply.
func WriteDeviceList(w io.Writer, devices []DeviceDescription) error {
	if err := binaryWrite(w, usbipHeader{ProtocolVersion, OpRepDevlist, 0}); err != nil {
		return err
	}
	if err := binaryWrite(w, uint32(len(devices))); err != nil {
		return err
	}
	for _, dev := range devices {
		if err := binaryWrite(w, dev); err != nil {
			return err
		}
		ifaces := make([]InterfaceDescription, dev.NumInterfaces)
		if err := binaryWrite(w, ifaces); err != nil {
			return err
		}
	}
	return nil
}

// WriteImportReply encodes an OP_REP_IMPORT reply; a nil device reports
// failure.
func WriteImportReply(w io.Writer, dev *DeviceDescription) error {
	if dev == nil {
		return binaryWrite(w, usbipHeader{ProtocolVersion, OpRepImport, 1})
	}
	if err := binaryWrite(w, usbipHeader{ProtocolVersion, OpRepImport, 0}); err != nil {
		return err
	}
	return binaryWrite(w, dev)
}

// ReadRequest reads the common request header and returns the op code and,
// for OP_REQ_IMPORT, the requested bus id.
func ReadRequest(r io.Reader) (uint16, string, error) {
	hdr := usbipHeader{}
	if err := binaryRead(r, &hdr); err != nil {
		return 0, "", err
	}
	if hdr.Code != OpReqImport {
		return hdr.Code, "", nil
	}
	var busId [32]byte
	if err := binaryRead(r, &busId); err != nil {
		return 0, "", err
	}
	return hdr.Code, cString(busId[:]), nil
}
