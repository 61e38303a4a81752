package driver

import (
	"testing"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
)

func TestParseStatusLine(t *testing.T) {
	fs := newSysfs(t, usbDevice("2-3", "dead", "beef", "2", "7", "5000"))

	t.Run("initializing port is not resolved", func(t *testing.T) {
		enum := &recordingEnumerator{DeviceEnumerator: NewSysfsEnumerator(fs)}
		device, err := ParseStatusLine("hs 0 4 480 00010002 3 1-1", enum)
		testutil.Ok(t, err)
		testutil.Equals(t, USBSpeedHigh, device.HubSpeed)
		testutil.Equals(t, VirtualPort(0), device.Port)
		testutil.Equals(t, StatusPortInitializing, device.Status)
		testutil.Equals(t, uint32(1), device.BusNum())
		testutil.Equals(t, uint32(2), device.DevNum())
		testutil.Equals(t, "1-1", device.BusID)
		testutil.Assert(t, device.Descriptor == nil)
		testutil.Equals(t, 0, len(enum.lookups))
	})

	t.Run("used port is resolved", func(t *testing.T) {
		enum := &recordingEnumerator{DeviceEnumerator: NewSysfsEnumerator(fs)}
		device, err := ParseStatusLine("ss 3 5 5000 00020001 7 2-3", enum)
		testutil.Ok(t, err)
		testutil.Equals(t, USBSpeedSuper, device.HubSpeed)
		testutil.Equals(t, VirtualPort(3), device.Port)
		testutil.Equals(t, StatusPortUsed, device.Status)
		testutil.Equals(t, uint32(2), device.BusNum())
		testutil.Equals(t, uint32(1), device.DevNum())
		testutil.Equals(t, []string{"usb/2-3"}, enum.lookups)
		testutil.Assert(t, device.Descriptor != nil)
		testutil.Equals(t, USBID(0xdead), device.Descriptor.Vendor)
		testutil.Equals(t, USBSpeedSuper, device.Descriptor.Speed)
	})

	t.Run("unresolvable device is tolerated", func(t *testing.T) {
		enum := &recordingEnumerator{DeviceEnumerator: NewSysfsEnumerator(fs)}
		device, err := ParseStatusLine("hs  0001 006 002 00010002 000010 9-9", enum)
		testutil.Ok(t, err)
		testutil.Equals(t, []string{"usb/9-9"}, enum.lookups)
		testutil.Assert(t, device.Descriptor == nil)
	})

	t.Run("free port is not resolved", func(t *testing.T) {
		enum := &recordingEnumerator{DeviceEnumerator: NewSysfsEnumerator(fs)}
		device, err := ParseStatusLine("hs 2 3 0 0 0 2-3", enum)
		testutil.Ok(t, err)
		testutil.Equals(t, StatusPortFree, device.Status)
		testutil.Equals(t, 0, len(enum.lookups))
	})
}

func TestParseStatusLineRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		line string
		err  error
	}{
		{"header", "hub port sta spd dev      sockfd local_busid", ErrMalformedStatusLine},
		{"empty", "", ErrMalformedStatusLine},
		{"too few fields", "hs 0 4 480 00010002 3", ErrMalformedStatusLine},
		{"too many fields", "hs 0 4 480 00010002 3 1-1 extra", ErrMalformedStatusLine},
		{"port not a number", "hs x 4 480 00010002 3 1-1", ErrMalformedStatusLine},
		{"port out of byte range", "hs 256 4 480 00010002 3 1-1", ErrMalformedStatusLine},
		{"negative status", "hs 0 -1 480 00010002 3 1-1", ErrMalformedStatusLine},
		{"unknown status", "hs 0 7 480 00010002 3 1-1", ErrInvalidStatus},
		{"speed not a number", "hs 0 4 fast 00010002 3 1-1", ErrMalformedStatusLine},
		{"device id not hex", "hs 0 4 480 0001000g 3 1-1", ErrMalformedStatusLine},
		{"device id too wide", "hs 0 4 480 100010002 3 1-1", ErrMalformedStatusLine},
		{"socket not a number", "hs 0 4 480 00010002 sock 1-1", ErrMalformedStatusLine},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStatusLine(tc.line, nil)
			testutil.NotOk(t, err)
			testutil.Assert(t, errors.Is(err, tc.err), "got %v, want %v", err, tc.err)
		})
	}
}

func TestParseStatusTableSkipsBadLines(t *testing.T) {
	table := statusHeader +
		"hs  0000 004 000 00000000 000000 0-0\n" +
		"hs  0001 004 000 00000000 000000\n" +
		"# not a status line\n" +
		"\n" +
		"ss  0002 004 000 00000000 000000 0-0\n" +
		"ss  0003 009 000 00000000 000000 0-0\n"

	devices := ParseStatusTable(table, nil, nil)
	testutil.Equals(t, 2, len(devices))
	testutil.Equals(t, VirtualPort(0), devices[0].Port)
	testutil.Equals(t, USBSpeedHigh, devices[0].HubSpeed)
	testutil.Equals(t, VirtualPort(2), devices[1].Port)
	testutil.Equals(t, USBSpeedSuper, devices[1].HubSpeed)
}

func TestDeviceIDRoundTrip(t *testing.T) {
	for _, tc := range []struct{ busnum, devnum uint32 }{
		{0, 0},
		{1, 2},
		{2, 1},
		{0xffff, 0xffff},
		{0x1234, 0xabcd},
		{0, 0xffff},
		{0xffff, 0},
	} {
		id := DeviceID(tc.busnum, tc.devnum)
		testutil.Equals(t, tc.devnum, id&0xffff)
		testutil.Equals(t, tc.busnum, id>>16)

		busnum, devnum := SplitDeviceID(id)
		testutil.Equals(t, tc.busnum, busnum)
		testutil.Equals(t, tc.devnum, devnum)
	}
	testutil.Equals(t, uint32(0x00010002), DeviceID(1, 2))
}
