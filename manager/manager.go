// SPDX-License-Identifier: GPL-2.0-only

package manager

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/MatthiasValvekens/usbip-vhci/usbip"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultRefreshInterval = 30 * time.Second

// Manager keeps a set of known remote devices imported into the local VHCI.
type Manager struct {
	vhci            driver.VHCIDriver
	dialer          usbip.Dialer
	logger          log.Logger
	// refreshMu serializes refreshes; mu guards the maps and is never held
	// across network round trips or imports.
	refreshMu       sync.Mutex
	mu              sync.Mutex
	knownDevices    map[string]*KnownDevice
	attachedDevices map[string]*usbip.AttachedDevice

	// metrics
	portsGauge            *prometheus.GaugeVec
	knownDeviceGauge      prometheus.Gauge
	availableDeviceGauge  prometheus.Gauge
	attachedDeviceGauge   prometheus.Gauge
	importsCounter        prometheus.Counter
	importFailuresCounter prometheus.Counter
}

func NewManager(vhci driver.VHCIDriver, dialer usbip.Dialer, logger log.Logger, reg prometheus.Registerer) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if dialer == nil {
		dialer = usbip.NetDialer{}
	}

	m := &Manager{
		vhci:            vhci,
		dialer:          dialer,
		logger:          logger,
		knownDevices:    map[string]*KnownDevice{},
		attachedDevices: map[string]*usbip.AttachedDevice{},
		portsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usbip_vhci_ports",
			Help: "The number of VHCI ports by hub speed and state.",
		}, []string{"hub", "state"}),
		knownDeviceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_vhci_known_devices",
			Help: "The number of remote devices in the configuration.",
		}),
		availableDeviceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_vhci_available_devices",
			Help: "The number of known devices offered by their target and not attached here.",
		}),
		attachedDeviceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_vhci_attached_devices",
			Help: "The number of known devices attached to this host.",
		}),
		importsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_vhci_imports_total",
			Help: "The total number of devices imported by the manager.",
		}),
		importFailuresCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_vhci_import_failures_total",
			Help: "The total number of failed imports.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.portsGauge,
			m.knownDeviceGauge,
			m.availableDeviceGauge,
			m.attachedDeviceGauge,
			m.importsCounter,
			m.importFailuresCounter,
		)
	}
	return m
}

// Register adds devices to the managed set and returns their ids.
func (m *Manager) Register(devices []*KnownDevice) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(devices))
	for _, dev := range devices {
		if dev == nil {
			continue
		}
		id, err := dev.ID()
		if err != nil {
			return nil, err
		}
		if _, dup := m.knownDevices[id]; dup {
			return nil, errors.Newf("device %v on %v is configured twice", dev.Selector, dev.Target)
		}
		m.knownDevices[id] = dev
		ids = append(ids, id)
	}
	m.knownDeviceGauge.Set(float64(len(m.knownDevices)))
	return ids, nil
}

// Start pairs devices that are already attached with known devices, so they
// are not imported a second time.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attached, err := m.vhci.AttachedDevices()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate attached devices")
	}

	for _, slot := range attached {
		_ = level.Debug(m.logger).Log("msg", "attempting to pair attached device with known device", "port", slot.Port, "busId", slot.BusID)
		// the bus id on the exporting host is not part of the local state
		dev := usbip.Device{
			Vendor:  slot.Descriptor.Vendor,
			Product: slot.Descriptor.Product,
		}
		found := false
		for _, devId := range m.sortedIds() {
			kd := m.knownDevices[devId]
			if _, taken := m.attachedDevices[devId]; taken || !kd.pairable() || !kd.SelectorMatches(dev) {
				continue
			}
			_ = level.Info(m.logger).Log("msg", "attached device matched with known device", "port", slot.Port, "matched", devId)
			m.attachedDevices[devId] = &usbip.AttachedDevice{
				Device:       dev,
				Target:       kd.Target,
				Port:         slot.Port,
				DevMountPath: slot.Descriptor.DevNode(),
			}
			found = true
			break
		}
		if !found {
			_ = level.Info(m.logger).Log("msg", "failed to pair device with config; ignoring", "port", slot.Port)
		}
	}
	m.updateGauges(nil)
	return nil
}

// sortedIds keeps pairing and importing deterministic.
func (m *Manager) sortedIds() []string {
	ids := make([]string, 0, len(m.knownDevices))
	for id := range m.knownDevices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) targets() []usbip.Target {
	targetsSeen := map[usbip.Target]bool{}
	targets := make([]usbip.Target, 0)
	for _, id := range m.sortedIds() {
		dev := m.knownDevices[id]
		if !targetsSeen[dev.Target] {
			targetsSeen[dev.Target] = true
			targets = append(targets, dev.Target)
		}
	}
	return targets
}

// releaseDetached forgets attachments whose port no longer carries a device,
// e.g. because the exporting host went away or somebody detached it.
func (m *Manager) releaseDetached(status []driver.ImportedDevice) {
	occupied := make(map[driver.VirtualPort]bool, len(status))
	for _, slot := range status {
		occupied[slot.Port] = slot.Descriptor != nil
	}
	for devId, attached := range m.attachedDevices {
		if occupied[attached.Port] {
			continue
		}
		_ = level.Info(m.logger).Log("msg", "attached device disappeared", "id", devId, "port", attached.Port, "target", attached.Target)
		delete(m.attachedDevices, devId)
	}
}

func (m *Manager) listTarget(ctx context.Context, target usbip.Target) ([]driver.DeviceDescriptor, error) {
	conn, err := m.dialer.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.List()
}

// updateTarget records which known devices of target are offered in lst.
func (m *Manager) updateTarget(target usbip.Target, lst []driver.DeviceDescriptor) {
	for devId, kd := range m.knownDevices {
		if kd.Target != target {
			continue
		}
		// an attached device is not part of the devlist anyway
		if _, attached := m.attachedDevices[devId]; attached {
			kd.available = false
			continue
		}

		found := false
		for _, desc := range lst {
			cand := usbip.DeviceFromDescriptor(desc)
			if !kd.SelectorMatches(cand) {
				continue
			}
			found = true
			if kd.readProperties != cand {
				_ = level.Info(m.logger).Log("msg", "found device or device changed properties", "target", kd.Target, "selector", kd.Selector, "found", cand, "previous", kd.readProperties)
			}
			kd.readProperties = cand
			break
		}
		if kd.available && !found {
			_ = level.Info(m.logger).Log("msg", "previously available device no longer available (in use by another host?)", "target", kd.Target, "selector", kd.Selector)
			kd.readProperties = usbip.Device{}
		}
		kd.available = found
	}
}

type pendingImport struct {
	id     string
	target usbip.Target
	busId  string
}

func (m *Manager) pendingImports() []pendingImport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []pendingImport
	for _, devId := range m.sortedIds() {
		kd := m.knownDevices[devId]
		if _, attached := m.attachedDevices[devId]; attached || !kd.available {
			continue
		}
		pending = append(pending, pendingImport{id: devId, target: kd.Target, busId: kd.readProperties.BusId})
	}
	return pending
}

func (m *Manager) importAvailable(ctx context.Context) {
	for _, p := range m.pendingImports() {
		attached, err := usbip.Import(ctx, p.busId, p.target, m.vhci, m.dialer, m.logger)
		if err != nil {
			m.importFailuresCounter.Inc()
			_ = level.Warn(m.logger).Log("msg", "failed to import device", "id", p.id, "target", p.target, "busId", p.busId, "err", err)
			continue
		}
		m.importsCounter.Inc()

		m.mu.Lock()
		m.attachedDevices[p.id] = attached
		m.knownDevices[p.id].available = false
		m.mu.Unlock()
	}
}

// Refresh polls every target, imports known devices that became available and
// forgets attachments that went away. Unreachable targets are skipped.
// Attached and Known stay responsive while a refresh talks to the targets.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	status, err := m.vhci.Status()
	if err != nil {
		return errors.Wrap(err, "failed to read VHCI status")
	}
	m.mu.Lock()
	m.releaseDetached(status)
	targets := m.targets()
	m.mu.Unlock()

	for _, target := range targets {
		lst, err := m.listTarget(ctx, target)
		if err != nil {
			_ = level.Warn(m.logger).Log("msg", "skipping target", "target", target, "err", err)
			continue
		}
		m.mu.Lock()
		m.updateTarget(target, lst)
		m.mu.Unlock()
	}

	m.importAvailable(ctx)

	status, err = m.vhci.Status()
	if err != nil {
		return errors.Wrap(err, "failed to read VHCI status")
	}
	m.mu.Lock()
	m.updateGauges(status)
	m.mu.Unlock()
	return nil
}

func stateLabel(s driver.PortStatus) string {
	return strings.ReplaceAll(strings.ToLower(s.String()), " ", "_")
}

func (m *Manager) updateGauges(status []driver.ImportedDevice) {
	if status != nil {
		m.portsGauge.Reset()
		for _, slot := range status {
			m.portsGauge.WithLabelValues(slot.HubSpeed.StatusToken(), stateLabel(slot.Status)).Inc()
		}
	}

	availableCount := 0
	for _, dev := range m.knownDevices {
		if dev.available {
			availableCount += 1
		}
	}
	m.availableDeviceGauge.Set(float64(availableCount))
	m.attachedDeviceGauge.Set(float64(len(m.attachedDevices)))
}

// Attached returns a copy of the current attachments by known device id.
func (m *Manager) Attached() map[string]usbip.AttachedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]usbip.AttachedDevice, len(m.attachedDevices))
	for id, dev := range m.attachedDevices {
		result[id] = *dev
	}
	return result
}

// Known returns the known device registered under id.
func (m *Manager) Known(id string) (KnownDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kd, ok := m.knownDevices[id]
	if !ok {
		return KnownDevice{}, false
	}
	return *kd, true
}

// AddRefreshJob refreshes on every tick of interval until the group stops.
func (m *Manager) AddRefreshJob(g *run.Group, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if err := m.Refresh(ctx); err != nil {
				_ = level.Warn(m.logger).Log("msg", "device refresh failed", "err", err)
			}
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil
			}
		}
	}, func(error) {
		cancel()
	})
}
