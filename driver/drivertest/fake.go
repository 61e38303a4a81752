// Package drivertest provides an in-memory VHCI for tests of code built on
// top of the driver package.
package drivertest

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/efficientgo/core/errors"
)

// localBus is the bus number the fake assigns to attached devices.
const localBus = 7

// FakeVHCI behaves like vhci_hcd with devices that enumerate instantly.
type FakeVHCI struct {
	mu      sync.Mutex
	ports   []driver.ImportedDevice
	devnum  uint32
	reject  int
	attaches int
}

var _ driver.VHCIDriver = (*FakeVHCI)(nil)

// NewFakeVHCI creates highPorts high speed ports followed by superPorts super
// speed ports, all free.
func NewFakeVHCI(highPorts int, superPorts int) *FakeVHCI {
	f := &FakeVHCI{}
	for i := 0; i < highPorts+superPorts; i++ {
		hub := driver.USBSpeedHigh
		if i >= highPorts {
			hub = driver.USBSpeedSuper
		}
		f.ports = append(f.ports, driver.ImportedDevice{
			HubSpeed: hub,
			Port:     driver.VirtualPort(i),
			Status:   driver.StatusPortInitializing,
			BusID:    "0-0",
		})
	}
	return f
}

// RejectAttaches makes the next n attach writes fail like a lost race.
func (f *FakeVHCI) RejectAttaches(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = n
}

// Attaches counts attach writes, rejected ones included.
func (f *FakeVHCI) Attaches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches
}

// Occupy puts a device on a port as if it had been attached earlier.
func (f *FakeVHCI) Occupy(port driver.VirtualPort, remote driver.DeviceDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occupy(port, remote)
}

func (f *FakeVHCI) occupy(port driver.VirtualPort, remote driver.DeviceDescriptor) {
	f.devnum++
	local := remote
	local.BusNum = localBus
	local.DevNum = f.devnum
	local.BusID = fmt.Sprintf("%d-%d", localBus, f.devnum)
	local.Path = "/sys/devices/platform/vhci_hcd.0/usb7/" + local.BusID

	slot := &f.ports[port]
	slot.Status = driver.StatusPortUsed
	slot.DeviceID = remote.DeviceID()
	slot.BusID = local.BusID
	slot.Descriptor = &local
}

func (f *FakeVHCI) NumPorts() int {
	return len(f.ports)
}

func (f *FakeVHCI) Status() ([]driver.ImportedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]driver.ImportedDevice, len(f.ports))
	copy(result, f.ports)
	return result, nil
}

func (f *FakeVHCI) AttachedDevices() ([]driver.ImportedDevice, error) {
	devices, _ := f.Status()
	var result []driver.ImportedDevice
	for _, dev := range devices {
		if dev.Descriptor != nil {
			result = append(result, dev)
		}
	}
	return result, nil
}

func (f *FakeVHCI) Port(port driver.VirtualPort) (driver.ImportedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(port) >= len(f.ports) {
		return driver.ImportedDevice{}, errors.Wrapf(driver.ErrPortOutOfRange, "port %d", port)
	}
	return f.ports[port], nil
}

func (f *FakeVHCI) FreePort(speed driver.USBDeviceSpeed) (driver.VirtualPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freePort(speed)
}

func (f *FakeVHCI) freePort(speed driver.USBDeviceSpeed) (driver.VirtualPort, error) {
	for _, slot := range f.ports {
		if slot.HubSpeed == speed.HubSpeed() && slot.Status.Allocatable() {
			return slot.Port, nil
		}
	}
	return 0, driver.ErrNoFreePort
}

func (f *FakeVHCI) AttachConn(conn syscall.Conn, device driver.DeviceDescriptor) (driver.VirtualPort, error) {
	if _, err := conn.SyscallConn(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	port, err := f.freePort(device.Speed)
	if err != nil {
		return 0, err
	}
	f.attaches++
	if f.reject > 0 {
		f.reject--
		return 0, &driver.KernelWriteError{Attribute: "attach", Value: fmt.Sprint(port), Err: syscall.EINVAL}
	}
	f.occupy(port, device)
	return port, nil
}

func (f *FakeVHCI) Detach(port driver.VirtualPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(port) >= len(f.ports) {
		return errors.Wrapf(driver.ErrPortOutOfRange, "port %d", port)
	}
	slot := &f.ports[port]
	slot.Status = driver.StatusPortInitializing
	slot.DeviceID = 0
	slot.BusID = "0-0"
	slot.Descriptor = nil
	return nil
}

func (f *FakeVHCI) Close() error {
	return nil
}
