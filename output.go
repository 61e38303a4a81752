// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/MatthiasValvekens/usbip-vhci/usbip"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type portRow struct {
	Port    driver.VirtualPort `json:"port" yaml:"port"`
	Hub     string             `json:"hub" yaml:"hub"`
	Status  string             `json:"status" yaml:"status"`
	DevID   string             `json:"devid" yaml:"devid"`
	BusID   string             `json:"local_busid" yaml:"local_busid"`
	ID      string             `json:"id,omitempty" yaml:"id,omitempty"`
	Speed   string             `json:"speed,omitempty" yaml:"speed,omitempty"`
	DevNode string             `json:"devnode,omitempty" yaml:"devnode,omitempty"`
}

func newPortRow(slot driver.ImportedDevice) portRow {
	row := portRow{
		Port:   slot.Port,
		Hub:    slot.HubSpeed.StatusToken(),
		Status: slot.Status.String(),
		DevID:  fmt.Sprintf("%08x", slot.DeviceID),
		BusID:  slot.BusID,
	}
	if d := slot.Descriptor; d != nil {
		row.ID = d.ID()
		row.Speed = d.Speed.String()
		row.DevNode = d.DevNode()
	}
	return row
}

type remoteRow struct {
	BusID      string `json:"bus_id" yaml:"bus_id"`
	ID         string `json:"id" yaml:"id"`
	Speed      string `json:"speed" yaml:"speed"`
	Class      string `json:"class" yaml:"class"`
	Interfaces uint8  `json:"interfaces" yaml:"interfaces"`
	Path       string `json:"path" yaml:"path"`
}

func newRemoteRow(d driver.DeviceDescriptor) remoteRow {
	return remoteRow{
		BusID:      d.BusID,
		ID:         d.ID(),
		Speed:      d.Speed.String(),
		Class:      fmt.Sprintf("%02x/%02x/%02x", d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol),
		Interfaces: d.NumInterfaces,
		Path:       d.Path,
	}
}

type attachedRow struct {
	Port    driver.VirtualPort `json:"port" yaml:"port"`
	Target  string             `json:"target" yaml:"target"`
	BusID   string             `json:"bus_id" yaml:"bus_id"`
	ID      string             `json:"id" yaml:"id"`
	DevNode string             `json:"devnode" yaml:"devnode"`
}

func newAttachedRow(a usbip.AttachedDevice) attachedRow {
	return attachedRow{
		Port:    a.Port,
		Target:  a.Target.String(),
		BusID:   a.BusId,
		ID:      fmt.Sprintf("%s:%s", a.Vendor, a.Product),
		DevNode: a.DevMountPath,
	}
}

// render writes v as json or yaml, or calls table with a tab separated
// writer.
func render(w io.Writer, format string, v interface{}, table func(w io.Writer)) error {
	switch format {
	case outputTable:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("output format %v unknown; possible values are: %s, %s, %s", format, outputTable, outputJSON, outputYAML)
	}
}

func renderPorts(w io.Writer, format string, slots []driver.ImportedDevice) error {
	rows := make([]portRow, 0, len(slots))
	for _, slot := range slots {
		rows = append(rows, newPortRow(slot))
	}
	return render(w, format, rows, func(w io.Writer) {
		_, _ = fmt.Fprintln(w, "PORT\tHUB\tSTATUS\tDEVID\tBUSID\tID\tSPEED\tDEVNODE")
		for _, r := range rows {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.Port, r.Hub, r.Status, r.DevID, r.BusID, r.ID, r.Speed, r.DevNode)
		}
	})
}

func renderRemote(w io.Writer, format string, devices []driver.DeviceDescriptor) error {
	rows := make([]remoteRow, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, newRemoteRow(d))
	}
	return render(w, format, rows, func(w io.Writer) {
		_, _ = fmt.Fprintln(w, "BUSID\tID\tSPEED\tCLASS\tINTERFACES\tPATH")
		for _, r := range rows {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.BusID, r.ID, r.Speed, r.Class, r.Interfaces, r.Path)
		}
	})
}

func renderAttached(w io.Writer, format string, a usbip.AttachedDevice) error {
	row := newAttachedRow(a)
	return render(w, format, row, func(w io.Writer) {
		_, _ = fmt.Fprintln(w, "PORT\tTARGET\tBUSID\tID\tDEVNODE")
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", row.Port, row.Target, row.BusID, row.ID, row.DevNode)
	})
}
