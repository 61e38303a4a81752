// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Controller drives the vhci_hcd kernel object through its sysfs attributes.
//
// Every query re-reads the status table. Choosing a free port and claiming it
// are two separate kernel interactions, so Attach is not atomic: another
// process may take the port in between, in which case the attach write fails
// with ErrWriteRejected and the caller may call Attach again. Nothing here
// locks or retries.
type Controller struct {
	enum DeviceEnumerator
	host Device

	nports int
	nctrls int

	logger log.Logger
}

var _ VHCIDriver = (*Controller)(nil)

// Open locates vhci_hcd.0 through the enumerator and validates that its port
// count and status table can be read. On success the controller owns enum:
// Close closes it if it implements io.Closer. On failure enum is left to the
// caller.
func Open(enum DeviceEnumerator, logger log.Logger) (*Controller, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	host, err := enum.Lookup(VHCIControllerBusType, VHCIControllerDeviceName)
	if err != nil {
		return nil, errors.Wrapf(ErrDriverUnavailable, "lookup of %s failed (%v)", VHCIControllerDeviceName, err)
	}

	c := &Controller{
		enum:   enum,
		host:   host,
		logger: logger,
	}

	c.nports, err = countPorts(host)
	if err != nil {
		host.Close()
		return nil, err
	}
	c.nctrls = c.countControllers()

	_ = level.Info(logger).Log("msg", "Initialized VHCI driver", "syspath", host.SysPath(), "nports", c.nports, "ncontrollers", c.nctrls)

	if _, err = c.Status(); err != nil {
		host.Close()
		return nil, err
	}
	return c, nil
}

func countPorts(host Device) (int, error) {
	nportsStr, ok := host.Attribute("nports")
	if !ok {
		return 0, errors.Wrap(ErrNoPorts, "failed to read nports attribute")
	}
	nports, err := strconv.ParseUint(strings.TrimSpace(nportsStr), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrNoPorts, "failed to parse nports attribute %q", nportsStr)
	}
	if nports == 0 {
		return 0, ErrNoPorts
	}
	return int(nports), nil
}

// countControllers counts the vhci_hcd instances next to ours. Failure to
// list them is not fatal: the first instance always exists.
func (c *Controller) countControllers() int {
	parent, err := c.host.Parent()
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "failed to open parent of VHCI host controller", "err", err)
		return 1
	}
	defer parent.Close()

	names, err := parent.Children()
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "failed to list VHCI host controllers", "syspath", parent.SysPath(), "err", err)
		return 1
	}

	count := 0
	for _, name := range names {
		if strings.HasPrefix(name, VHCIControllerNamePrefix) {
			count++
		}
	}
	return max(count, 1)
}

func (c *Controller) NumPorts() int {
	return c.nports
}

func (c *Controller) NumControllers() int {
	return c.nctrls
}

func statusAttribute(controller int) string {
	if controller == 0 {
		return "status"
	}
	return fmt.Sprintf("status.%d", controller)
}

// Status reads the status tables of all vhci_hcd instances, in port order.
func (c *Controller) Status() ([]ImportedDevice, error) {
	devices := make([]ImportedDevice, 0, c.nports)
	for i := 0; i < c.nctrls; i++ {
		name := statusAttribute(i)
		content, ok := c.host.Attribute(name)
		if !ok {
			if i == 0 {
				return nil, errors.Wrapf(ErrStatusUnreadable, "attribute %s of %s", name, c.host.SysPath())
			}
			_ = level.Warn(c.logger).Log("msg", "skipping unreadable status table", "attribute", name)
			continue
		}

		for _, device := range ParseStatusTable(content, c.enum, c.logger) {
			if int(device.Port) >= c.nports {
				_ = level.Debug(c.logger).Log("msg", "skipping status line", "attribute", name, "port", device.Port, "err", ErrPortOutOfRange)
				continue
			}
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// AttachedDevices returns the occupied ports whose local device could be
// resolved.
func (c *Controller) AttachedDevices() ([]ImportedDevice, error) {
	devices, err := c.Status()
	if err != nil {
		return nil, err
	}
	attached := devices[:0]
	for _, device := range devices {
		if device.Descriptor != nil {
			attached = append(attached, device)
		}
	}
	return attached, nil
}

// Port returns the current status of a single port.
func (c *Controller) Port(port VirtualPort) (ImportedDevice, error) {
	if int(port) >= c.nports {
		return ImportedDevice{}, errors.Wrapf(ErrPortOutOfRange, "port %d", port)
	}
	devices, err := c.Status()
	if err != nil {
		return ImportedDevice{}, err
	}
	for _, device := range devices {
		if device.Port == port {
			return device, nil
		}
	}
	return ImportedDevice{}, errors.Newf("port %d missing from VHCI status", port)
}

// FreePort returns the first allocatable port on a hub matching the device
// speed.
func (c *Controller) FreePort(speed USBDeviceSpeed) (VirtualPort, error) {
	hub := speed.HubSpeed()
	devices, err := c.Status()
	if err != nil {
		return 0, err
	}
	for _, device := range devices {
		if device.HubSpeed == hub && device.Status.Allocatable() {
			return device.Port, nil
		}
	}
	return 0, errors.Wrapf(ErrNoFreePort, "no %s port", hub.StatusToken())
}

// AttachToPort hands the connected socket fd to the kernel for the given port.
func (c *Controller) AttachToPort(fd uintptr, busnum uint32, devnum uint32, speed USBDeviceSpeed, port VirtualPort) error {
	value := fmt.Sprintf("%d %d %d %d", port, fd, DeviceID(busnum, devnum), speed.Code())
	if err := c.host.SetAttribute("attach", value); err != nil {
		return &KernelWriteError{Attribute: "attach", Value: value, Err: err}
	}
	_ = level.Info(c.logger).Log("msg", "attached device", "port", port, "busnum", busnum, "devnum", devnum, "speed", speed)
	return nil
}

// Attach picks a free port for the device and attaches it there.
func (c *Controller) Attach(fd uintptr, device DeviceDescriptor) (VirtualPort, error) {
	port, err := c.FreePort(device.Speed)
	if err != nil {
		return 0, err
	}
	if err = c.AttachToPort(fd, device.BusNum, device.DevNum, device.Speed, port); err != nil {
		return 0, err
	}
	return port, nil
}

// AttachConn is Attach for a connected socket.
func (c *Controller) AttachConn(conn syscall.Conn, device DeviceDescriptor) (VirtualPort, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "failed to access raw connection")
	}
	var port VirtualPort
	var attachErr error
	err = rawConn.Control(
		func(fd uintptr) {
			if attachErr = checkStreamSocket(fd); attachErr != nil {
				return
			}
			port, attachErr = c.Attach(fd, device)
		},
	)
	if attachErr != nil {
		return 0, attachErr
	}
	if err != nil {
		return 0, errors.Wrap(err, "raw I/O to attach device failed")
	}
	return port, nil
}

func (c *Controller) Detach(port VirtualPort) error {
	if int(port) >= c.nports {
		return errors.Wrapf(ErrPortOutOfRange, "port %d", port)
	}
	value := strconv.Itoa(int(port))
	if err := c.host.SetAttribute("detach", value); err != nil {
		return &KernelWriteError{Attribute: "detach", Value: value, Err: err}
	}
	_ = level.Info(c.logger).Log("msg", "detached port", "port", port)
	return nil
}

// Close releases the handle on the host controller and the enumerator passed
// to Open, if the enumerator holds resources of its own.
func (c *Controller) Close() error {
	c.host.Close()
	if closer, ok := c.enum.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
