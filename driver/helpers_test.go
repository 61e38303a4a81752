package driver

import (
	"path"
	"testing"

	"github.com/efficientgo/core/testutil"
	"github.com/spf13/afero"
)

const (
	statusHeader   = "hub port sta spd dev      sockfd local_busid\n"
	controllerPath = "/bus/platform/devices/vhci_hcd.0"
)

// newSysfs builds an in-memory sysfs tree. Keys are paths relative to /sys.
func newSysfs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		name = path.Join("/", name)
		testutil.Ok(t, fs.MkdirAll(path.Dir(name), 0o755))
		testutil.Ok(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}
	return fs
}

func writeStatus(t *testing.T, fs afero.Fs, table string) {
	t.Helper()
	testutil.Ok(t, afero.WriteFile(fs, path.Join(controllerPath, "status"), []byte(statusHeader+table), 0o644))
}

func readAttribute(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	content, err := afero.ReadFile(fs, path.Join(controllerPath, name))
	testutil.Ok(t, err)
	return string(content)
}

func usbDevice(busID string, vendor string, product string, busnum string, devnum string, speed string) map[string]string {
	dir := path.Join("bus/usb/devices", busID)
	return map[string]string{
		path.Join(dir, "idVendor"):  vendor + "\n",
		path.Join(dir, "idProduct"): product + "\n",
		path.Join(dir, "busnum"):    busnum + "\n",
		path.Join(dir, "devnum"):    devnum + "\n",
		path.Join(dir, "speed"):     speed + "\n",
	}
}

func merge(maps ...map[string]string) map[string]string {
	result := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// recordingEnumerator remembers the names it was asked for.
type recordingEnumerator struct {
	DeviceEnumerator
	lookups []string
}

func (e *recordingEnumerator) Lookup(subsystem string, sysname string) (Device, error) {
	e.lookups = append(e.lookups, subsystem+"/"+sysname)
	return e.DeviceEnumerator.Lookup(subsystem, sysname)
}

// closingEnumerator counts how often it was closed.
type closingEnumerator struct {
	DeviceEnumerator
	closed int
}

func (e *closingEnumerator) Close() error {
	e.closed++
	return nil
}
