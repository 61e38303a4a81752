package usbip

import (
	"context"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/efficientgo/core/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Detach releases a port and waits until vhci_hcd reports it free again.
func Detach(ctx context.Context, port driver.VirtualPort, vhci driver.VHCIDriver) error {
	if err := vhci.Detach(port); err != nil {
		return err
	}

	err := wait.PollUntilContextTimeout(ctx, waitForDeviceReadyStep, waitForDeviceReadyTimeout, true, func(context.Context) (bool, error) {
		slot, err := vhci.Port(port)
		if err != nil {
			return false, err
		}
		return slot.Status.Allocatable(), nil
	})
	if err != nil {
		return errors.Wrapf(err, "port %d did not become free", port)
	}
	return nil
}
