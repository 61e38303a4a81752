// SPDX-License-Identifier: GPL-2.0-only

package manager

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/MatthiasValvekens/usbip-vhci/usbip"
)

// KnownDevice is a remote device the manager keeps imported.
type KnownDevice struct {
	Target   usbip.Target `json:"target"`
	Selector usbip.Device `json:"selector"`

	readProperties usbip.Device
	available      bool
}

// SelectorMatches treats zero selector fields as wildcards. A candidate
// without bus id matches any bus id, since the bus id on the exporting host is
// not known for devices that were attached before we started.
func (kd *KnownDevice) SelectorMatches(cand usbip.Device) bool {
	selector := kd.Selector
	return (selector.BusId == "" || cand.BusId == "" || selector.BusId == cand.BusId) &&
		(selector.Vendor == 0 || selector.Vendor == cand.Vendor) &&
		(selector.Product == 0 || selector.Product == cand.Product)
}

// pairable reports whether a device found on a local port can be recognized
// as this one. Only vendor and product survive the import, so a selector
// naming neither cannot confirm a match.
func (kd *KnownDevice) pairable() bool {
	return kd.Selector.Vendor != 0 || kd.Selector.Product != 0
}

// ID is derived from the configuration of the device, so it is stable across
// restarts.
func (kd *KnownDevice) ID() (string, error) {
	idJson, err := json.Marshal(kd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal device %v: %v", *kd, err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(idJson)), nil
}

// Available reports whether the device was offered by its target during the
// last refresh.
func (kd *KnownDevice) Available() bool {
	return kd.available
}
