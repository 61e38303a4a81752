//go:build linux && cgo

package driver

// #include <libudev.h>
// #include <stdlib.h>
// #cgo LDFLAGS: -ludev
import "C"
import (
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/efficientgo/core/errors"
)

// UdevEnumerator resolves devices through libudev.
type UdevEnumerator struct {
	udev *C.struct_udev
}

var _ DeviceEnumerator = (*UdevEnumerator)(nil)

func NewUdevEnumerator() (*UdevEnumerator, error) {
	udev := C.udev_new()
	if udev == nil {
		return nil, errors.New("failed to open udev")
	}
	return &UdevEnumerator{udev: udev}, nil
}

func (e *UdevEnumerator) Lookup(subsystem string, sysname string) (Device, error) {
	cSubsys := C.CString(subsystem)
	cSysname := C.CString(sysname)
	defer C.free(unsafe.Pointer(cSubsys))
	defer C.free(unsafe.Pointer(cSysname))

	devPtr := C.udev_device_new_from_subsystem_sysname(e.udev, cSubsys, cSysname)
	if devPtr == nil {
		return nil, errors.Wrapf(ErrDeviceNotFound, "failed to open udev device %s in subsystem %s", sysname, subsystem)
	}
	dev, err := newUdevDevice(devPtr)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (e *UdevEnumerator) Close() error {
	if e.udev == nil {
		return nil
	}
	C.udev_unref(e.udev)
	e.udev = nil
	return nil
}

type udevDevice struct {
	device  *C.struct_udev_device
	sysPath string
	sysName string
}

// newUdevDevice takes ownership of one reference to devPtr.
func newUdevDevice(devPtr *C.struct_udev_device) (*udevDevice, error) {
	sysPath := C.udev_device_get_syspath(devPtr)
	sysName := C.udev_device_get_sysname(devPtr)
	if sysPath == nil || sysName == nil {
		C.udev_device_unref(devPtr)
		return nil, errors.New("failed to get syspath for udev device")
	}
	return &udevDevice{
		device:  devPtr,
		sysPath: C.GoString(sysPath),
		sysName: C.GoString(sysName),
	}, nil
}

func (d *udevDevice) SysName() string {
	return d.sysName
}

func (d *udevDevice) SysPath() string {
	return d.sysPath
}

// Attribute bypasses udev_device_get_sysattr_value, which caches values for
// the lifetime of the device object; the status table has to be read live.
func (d *udevDevice) Attribute(name string) (string, bool) {
	content, err := os.ReadFile(filepath.Join(d.sysPath, name))
	if err != nil {
		return "", false
	}
	return string(content), true
}

func (d *udevDevice) SetAttribute(name string, value string) error {
	cName := C.CString(name)
	cValue := C.CString(value)
	defer C.free(unsafe.Pointer(cName))
	defer C.free(unsafe.Pointer(cValue))

	if ret := C.udev_device_set_sysattr_value(d.device, cName, cValue); ret < 0 {
		return errors.Wrapf(syscall.Errno(-ret), "failed to write attribute %s of %s", name, d.sysPath)
	}
	return nil
}

func (d *udevDevice) Parent() (Device, error) {
	parent := C.udev_device_get_parent(d.device)
	if parent == nil {
		return nil, errors.Newf("failed to get parent of device at %s", d.sysPath)
	}
	// the parent is owned by the child unless referenced
	dev, err := newUdevDevice(C.udev_device_ref(parent))
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *udevDevice) Children() ([]string, error) {
	entries, err := os.ReadDir(d.sysPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", d.sysPath)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (d *udevDevice) Close() {
	if d.device == nil {
		return
	}
	C.udev_device_unref(d.device)
	d.device = nil
}
