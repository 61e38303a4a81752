package usbip

import (
	"context"
	"time"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	waitForDeviceReadyStep    = 500 * time.Millisecond
	waitForDeviceReadyTimeout = 15 * time.Second

	// attachBackoff paces new attempts when the kernel rejects the attach,
	// usually because another process claimed the port first.
	attachBackoff = wait.Backoff{
		Duration: 200 * time.Millisecond,
		Factor:   2,
		Jitter:   0.2,
		Steps:    5,
	}
)

type usbipImportRequest struct {
	usbipHeader
	BusId [32]byte
}

// ImportRequest asks the target to export busId over this connection. On
// success the connection is ready to be handed to vhci_hcd.
func (c *Connection) ImportRequest(busId string) (driver.DeviceDescriptor, error) {
	var busIdBin [32]byte
	if len(busId) >= len(busIdBin) {
		return driver.DeviceDescriptor{}, errors.Newf("bus id %q too long", busId)
	}
	copy(busIdBin[:], busId)

	conn := c.connection

	err := conn.SetDeadline(time.Now().Add(requestTimeout))
	if err != nil {
		return driver.DeviceDescriptor{}, err
	}

	err = binaryWrite(
		conn,
		usbipImportRequest{
			usbipHeader{ProtocolVersion, OpReqImport, 0},
			busIdBin,
		},
	)
	if err != nil {
		return driver.DeviceDescriptor{}, errors.Wrap(err, "failed to write import command")
	}

	if err = c.readReply(OpRepImport); err != nil {
		return driver.DeviceDescriptor{}, errors.Wrapf(err, "import of %s returned error", busId)
	}

	resp := DeviceDescription{}
	if err = binaryRead(conn, &resp); err != nil {
		return driver.DeviceDescriptor{}, errors.Wrap(err, "failed to read import response")
	}
	if resp.BusId != busIdBin {
		return driver.DeviceDescriptor{}, errors.New("import command returned unexpected busId")
	}

	// from here on the kernel owns the socket
	if err = conn.SetDeadline(time.Time{}); err != nil {
		return driver.DeviceDescriptor{}, err
	}
	return resp.Descriptor(), nil
}

// Import requests busId from the target and attaches it to a free port. When
// the kernel rejects the attach, the whole import is retried on a new
// connection, since the exporter only releases the device when the previous
// connection closes.
func Import(ctx context.Context, busId string, t Target, vhci driver.VHCIDriver, dialer Dialer, logger log.Logger) (*AttachedDevice, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var port driver.VirtualPort
	var remote driver.DeviceDescriptor
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, attachBackoff, func(ctx context.Context) (bool, error) {
		c, err := dialer.Dial(ctx, t)
		if err != nil {
			return false, err
		}
		defer c.Close()

		remote, err = c.ImportRequest(busId)
		if err != nil {
			return false, err
		}

		port, err = vhci.AttachConn(c, remote)
		if errors.Is(err, driver.ErrWriteRejected) {
			_ = level.Warn(logger).Log("msg", "attach rejected, retrying", "target", t, "busId", busId, "err", err)
			lastErr = err
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "failed to attach imported device")
		}
		return true, nil
	})
	if wait.Interrupted(err) && lastErr != nil {
		return nil, errors.Wrap(lastErr, "giving up on attaching imported device")
	}
	if err != nil {
		return nil, err
	}

	var slot driver.ImportedDevice
	err = wait.PollUntilContextTimeout(ctx, waitForDeviceReadyStep, waitForDeviceReadyTimeout, true, func(context.Context) (bool, error) {
		current, err := vhci.Port(port)
		if err != nil {
			return false, err
		}
		slot = current
		return slot.Descriptor != nil, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe device attached to port %d", port)
	}

	_ = level.Info(logger).Log("msg", "imported device", "target", t, "busId", busId, "port", port, "devnode", slot.Descriptor.DevNode())
	return &AttachedDevice{
		Device: Device{
			Vendor:  remote.Vendor,
			Product: remote.Product,
			BusId:   busId,
		},
		Target:       t,
		Port:         port,
		DevMountPath: slot.Descriptor.DevNode(),
	}, nil
}
