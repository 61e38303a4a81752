package usbip_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/MatthiasValvekens/usbip-vhci/driver/drivertest"
	"github.com/MatthiasValvekens/usbip-vhci/usbip"
	"github.com/MatthiasValvekens/usbip-vhci/usbip/usbiptest"
	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
)

var (
	hidDongle = driver.DeviceDescriptor{
		Path:               "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-1",
		BusID:              "1-1",
		BusNum:             1,
		DevNum:             4,
		Speed:              driver.USBSpeedFull,
		Vendor:             0x1050,
		Product:            0x0407,
		BCDDevice:          0x0512,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		NumInterfaces:      3,
	}
	storage = driver.DeviceDescriptor{
		Path:              "/sys/devices/pci0000:00/0000:00:14.0/usb2/2-3",
		BusID:             "2-3",
		BusNum:            2,
		DevNum:            2,
		Speed:             driver.USBSpeedSuper,
		Vendor:            0x0781,
		Product:           0x5583,
		NumConfigurations: 1,
		NumInterfaces:     1,
	}
)

func newServer(t *testing.T, devices ...driver.DeviceDescriptor) *usbiptest.Server {
	t.Helper()
	s, err := usbiptest.NewServer(devices...)
	testutil.Ok(t, err)
	t.Cleanup(s.Close)
	return s
}

func fastTimings(t *testing.T) {
	t.Helper()
	t.Cleanup(usbip.SetTimings(10*time.Millisecond, time.Second, 50*time.Millisecond))
}

func TestTargetAddress(t *testing.T) {
	testutil.Equals(t, "10.0.0.5:3240", usbip.Target{Host: "10.0.0.5"}.Address())
	testutil.Equals(t, "[fe80::1]:4000", usbip.Target{Host: "fe80::1", Port: 4000}.Address())
}

func TestDeviceDescriptionRoundTrip(t *testing.T) {
	desc := usbip.NewDeviceDescription(hidDongle)
	testutil.Equals(t, hidDongle, desc.Descriptor())

	desc.Speed = 42
	testutil.Equals(t, driver.USBSpeedUnknown, desc.Descriptor().Speed)
}

func TestList(t *testing.T) {
	s := newServer(t, hidDongle, storage)

	conn, err := usbip.NetDialer{}.Dial(context.Background(), s.Target())
	testutil.Ok(t, err)
	defer conn.Close()

	devices, err := conn.List()
	testutil.Ok(t, err)
	testutil.Equals(t, []driver.DeviceDescriptor{hidDongle, storage}, devices)
}

func TestListEmpty(t *testing.T) {
	s := newServer(t)

	conn, err := usbip.NetDialer{}.Dial(context.Background(), s.Target())
	testutil.Ok(t, err)
	defer conn.Close()

	devices, err := conn.List()
	testutil.Ok(t, err)
	testutil.Equals(t, 0, len(devices))
}

func TestDialUnreachable(t *testing.T) {
	s := newServer(t)
	target := s.Target()
	s.Close()

	_, err := usbip.NetDialer{}.Dial(context.Background(), target)
	testutil.NotOk(t, err)
}

func TestImportRequest(t *testing.T) {
	s := newServer(t, hidDongle)

	t.Run("unknown bus id", func(t *testing.T) {
		conn, err := usbip.NetDialer{}.Dial(context.Background(), s.Target())
		testutil.Ok(t, err)
		defer conn.Close()

		_, err = conn.ImportRequest("9-9")
		testutil.NotOk(t, err)
	})

	t.Run("bus id too long", func(t *testing.T) {
		conn, err := usbip.NetDialer{}.Dial(context.Background(), s.Target())
		testutil.Ok(t, err)
		defer conn.Close()

		_, err = conn.ImportRequest(string(bytes.Repeat([]byte("1"), 32)))
		testutil.NotOk(t, err)
	})

	t.Run("exported", func(t *testing.T) {
		conn, err := usbip.NetDialer{}.Dial(context.Background(), s.Target())
		testutil.Ok(t, err)
		defer conn.Close()

		dev, err := conn.ImportRequest("1-1")
		testutil.Ok(t, err)
		testutil.Equals(t, hidDongle, dev)
		testutil.Equals(t, []string{"1-1"}, s.Imports())
	})
}

func TestImport(t *testing.T) {
	fastTimings(t)
	s := newServer(t, hidDongle, storage)
	vhci := drivertest.NewFakeVHCI(2, 2)

	attached, err := usbip.Import(context.Background(), "1-1", s.Target(), vhci, usbip.NetDialer{}, nil)
	testutil.Ok(t, err)
	testutil.Equals(t, driver.VirtualPort(0), attached.Port)
	testutil.Equals(t, usbip.Device{Vendor: 0x1050, Product: 0x0407, BusId: "1-1"}, attached.Device)
	testutil.Equals(t, s.Target(), attached.Target)
	testutil.Equals(t, "/dev/bus/usb/007/001", attached.DevMountPath)

	attached, err = usbip.Import(context.Background(), "2-3", s.Target(), vhci, usbip.NetDialer{}, nil)
	testutil.Ok(t, err)
	testutil.Equals(t, driver.VirtualPort(2), attached.Port)

	slot, err := vhci.Port(2)
	testutil.Ok(t, err)
	testutil.Equals(t, driver.StatusPortUsed, slot.Status)
	testutil.Equals(t, storage.DeviceID(), slot.DeviceID)
	testutil.Equals(t, []string{"1-1", "2-3"}, s.Imports())
}

func TestImportRetriesRejectedAttach(t *testing.T) {
	fastTimings(t)
	s := newServer(t, hidDongle)
	vhci := drivertest.NewFakeVHCI(1, 0)
	vhci.RejectAttaches(2)

	attached, err := usbip.Import(context.Background(), "1-1", s.Target(), vhci, usbip.NetDialer{}, nil)
	testutil.Ok(t, err)
	testutil.Equals(t, driver.VirtualPort(0), attached.Port)
	testutil.Equals(t, 3, vhci.Attaches())
	testutil.Equals(t, 3, len(s.Imports()))
}

func TestImportGivesUp(t *testing.T) {
	fastTimings(t)
	s := newServer(t, hidDongle)
	vhci := drivertest.NewFakeVHCI(1, 0)
	vhci.RejectAttaches(100)

	_, err := usbip.Import(context.Background(), "1-1", s.Target(), vhci, usbip.NetDialer{}, nil)
	testutil.NotOk(t, err)
	testutil.Assert(t, errors.Is(err, driver.ErrWriteRejected), "expected rejected write, got %v", err)
}

func TestImportNoFreePort(t *testing.T) {
	fastTimings(t)
	s := newServer(t, storage)
	vhci := drivertest.NewFakeVHCI(2, 0)

	_, err := usbip.Import(context.Background(), "2-3", s.Target(), vhci, usbip.NetDialer{}, nil)
	testutil.NotOk(t, err)
	testutil.Assert(t, errors.Is(err, driver.ErrNoFreePort), "expected no free port, got %v", err)
}

func TestImportCancelled(t *testing.T) {
	fastTimings(t)
	s := newServer(t, hidDongle)
	vhci := drivertest.NewFakeVHCI(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := usbip.Import(ctx, "1-1", s.Target(), vhci, usbip.NetDialer{}, nil)
	testutil.NotOk(t, err)
}

func TestDetach(t *testing.T) {
	fastTimings(t)
	vhci := drivertest.NewFakeVHCI(1, 1)
	vhci.Occupy(1, storage)

	testutil.Ok(t, usbip.Detach(context.Background(), 1, vhci))

	slot, err := vhci.Port(1)
	testutil.Ok(t, err)
	testutil.Assert(t, slot.Status.Allocatable(), "port should be free after detach")
	testutil.Assert(t, slot.Descriptor == nil, "port should have no device after detach")

	err = usbip.Detach(context.Background(), 5, vhci)
	testutil.Assert(t, errors.Is(err, driver.ErrPortOutOfRange), "expected out of range, got %v", err)
}
