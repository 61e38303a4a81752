// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"os"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/afero"
)

const (
	Sys    = "/sys"
	sysBus = "bus"
)

// SysfsEnumerator resolves devices through /sys/bus/<subsystem>/devices
// without libudev. The file system is rooted at the sysfs mount point.
type SysfsEnumerator struct {
	fs   afero.Fs
	root string
}

var _ DeviceEnumerator = (*SysfsEnumerator)(nil)

func NewSysfsEnumerator(fs afero.Fs) *SysfsEnumerator {
	return &SysfsEnumerator{fs: fs}
}

// NewHostSysfsEnumerator reads the real sysfs mounted at root, usually Sys.
func NewHostSysfsEnumerator(root string) *SysfsEnumerator {
	return &SysfsEnumerator{
		fs:   afero.NewBasePathFs(afero.NewOsFs(), root),
		root: root,
	}
}

func busDevicePath(subsystem string, sysname string) string {
	return path.Join("/", sysBus, subsystem, "devices", sysname)
}

func (e *SysfsEnumerator) Lookup(subsystem string, sysname string) (Device, error) {
	if subsystem == "" || sysname == "" || strings.ContainsRune(subsystem+sysname, '/') {
		return nil, errors.Wrapf(ErrDeviceNotFound, "invalid device name %q in subsystem %q", sysname, subsystem)
	}
	p := busDevicePath(subsystem, sysname)
	if _, err := e.fs.Stat(p); err != nil {
		return nil, errors.Wrapf(ErrDeviceNotFound, "%s in subsystem %s (%v)", sysname, subsystem, err)
	}
	return &sysfsDevice{enum: e, path: p}, nil
}

type sysfsDevice struct {
	enum *SysfsEnumerator
	path string
}

func (d *sysfsDevice) SysName() string {
	return path.Base(d.path)
}

func (d *sysfsDevice) SysPath() string {
	return path.Join(d.enum.root, d.path)
}

func (d *sysfsDevice) Attribute(name string) (string, bool) {
	content, err := afero.ReadFile(d.enum.fs, path.Join(d.path, name))
	if err != nil {
		return "", false
	}
	return string(content), true
}

func (d *sysfsDevice) SetAttribute(name string, value string) error {
	attrPath := path.Join(d.path, name)
	f, err := d.enum.fs.OpenFile(attrPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", attrPath)
	}

	_, err = f.WriteString(value)
	closeErr := f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to write command to %s", attrPath)
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "failed to write command to %s", attrPath)
	}
	return nil
}

// Parent is the directory the device entry lives in. For a device found via
// /sys/bus/<subsystem>/devices that directory lists all its siblings.
func (d *sysfsDevice) Parent() (Device, error) {
	parent := path.Dir(d.path)
	if parent == d.path {
		return nil, errors.Newf("%s has no parent", d.path)
	}
	return &sysfsDevice{enum: d.enum, path: parent}, nil
}

func (d *sysfsDevice) Children() ([]string, error) {
	entries, err := afero.ReadDir(d.enum.fs, d.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", d.path)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (d *sysfsDevice) Close() {}
