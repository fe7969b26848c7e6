package ble

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// scanStartGrace is how long StartScan waits for tinygo's blocking Scan to
// fail before assuming discovery is running.
const scanStartGrace = 100 * time.Millisecond

// TinyGoManager exposes the platform default adapter through
// tinygo-org/bluetooth (CoreBluetooth on macOS, WinRT on Windows, BlueZ on
// Linux). On macOS, peripheral addresses are CoreBluetooth UUIDs rather than
// MAC addresses.
type TinyGoManager struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger
}

// NewTinyGoManager creates a manager over bluetooth.DefaultAdapter.
func NewTinyGoManager(logger *slog.Logger) *TinyGoManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoManager{adapter: bluetooth.DefaultAdapter, logger: logger}
}

// Adapters enables the default adapter and returns it. tinygo cannot tell a
// missing radio from a broken stack, so any Enable failure is fatal.
func (m *TinyGoManager) Adapters(_ context.Context) ([]Adapter, error) {
	if err := m.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return []Adapter{newTinyGoAdapter(m.adapter, m.logger)}, nil
}

var _ Manager = (*TinyGoManager)(nil)

type tinyGoAdapter struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger
	// scan and stopScan are the adapter's Scan and StopScan.
	scan     func(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	stopScan func() error

	// mu protects everything below.
	mu        sync.Mutex
	order     []string // addresses in first-seen order
	seen      map[string]*tinyGoPeripheral
	connected map[string]bool
}

// newTinyGoAdapter wraps adapter. A nil adapter gives a bare cache with no
// radio behind it.
func newTinyGoAdapter(adapter *bluetooth.Adapter, logger *slog.Logger) *tinyGoAdapter {
	a := &tinyGoAdapter{
		adapter:   adapter,
		logger:    logger,
		seen:      make(map[string]*tinyGoPeripheral),
		connected: make(map[string]bool),
	}

	// The adapter-level handler is the only place tinygo reports links that
	// drop on their own.
	if adapter != nil {
		a.scan = adapter.Scan
		a.stopScan = adapter.StopScan
		adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			a.linkChanged(device.Address.String(), connected)
		})
	}
	return a
}

// linkChanged applies a connect handler event. An "up" event only counts for
// peripherals holding a device handle from Connect, since without one the
// link can be neither enumerated nor torn down. A "down" event always counts
// and drops the handle.
func (a *tinyGoAdapter) linkChanged(id string, connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.seen[id]
	if connected && (p == nil || !p.hasDevice()) {
		a.logger.Debug("[TINYGO] ignoring link without device handle", "address", id)
		return
	}
	if !connected && p != nil {
		p.dropDevice()
	}
	a.connected[id] = connected
	a.logger.Debug("[TINYGO] link state changed", "address", id, "connected", connected)
}

func (a *tinyGoAdapter) Info(_ context.Context) (string, error) {
	return "default adapter", nil
}

func (a *tinyGoAdapter) StartScan(ctx context.Context, filter ScanFilter) error {
	uuids := make([]bluetooth.UUID, 0, len(filter.ServiceUUIDs))
	for _, s := range filter.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse filter UUID %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}
	var name *regexp.Regexp
	if filter.NamePattern != "" {
		re, err := regexp.Compile(filter.NamePattern)
		if err != nil {
			return fmt.Errorf("ble: compile name pattern: %w", err)
		}
		name = re
	}
	if a.scan == nil {
		return fmt.Errorf("ble: scan: no adapter")
	}

	errCh := make(chan error, 1)
	go func() {
		err := a.scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			localName := result.LocalName()
			if name != nil && !name.MatchString(localName) {
				return
			}
			if !hasAnyUUID(result.HasServiceUUID, uuids) {
				return
			}
			a.observe(result.Address.String(), result.Address, localName, int(result.RSSI))
		})
		if err != nil {
			a.logger.Warn("[TINYGO] scan stopped", "error", err)
		} else {
			a.logger.Debug("[TINYGO] scan returned")
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ble: scan: %w", err)
		}
		return nil
	case <-time.After(scanStartGrace):
		return nil
	case <-ctx.Done():
		a.stopScan()
		return ctx.Err()
	}
}

func hasAnyUUID(has func(bluetooth.UUID) bool, uuids []bluetooth.UUID) bool {
	if len(uuids) == 0 {
		return true
	}
	for _, u := range uuids {
		if has(u) {
			return true
		}
	}
	return false
}

// observe records an advertisement in the peripheral cache. A name, once
// seen, survives later advertisements that omit it.
func (a *tinyGoAdapter) observe(id string, address bluetooth.Address, localName string, rssi int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.seen[id]
	if !ok {
		p = &tinyGoPeripheral{adapter: a, address: address, id: id}
		a.seen[id] = p
		a.order = append(a.order, id)
	}
	p.mu.Lock()
	if localName != "" {
		p.name = localName
	}
	p.rssi = rssi
	p.mu.Unlock()
}

func (a *tinyGoAdapter) StopScan(_ context.Context) error {
	if a.stopScan == nil {
		return fmt.Errorf("ble: stop scan: no adapter")
	}
	if err := a.stopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (a *tinyGoAdapter) Peripherals(_ context.Context) ([]Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Peripheral, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.seen[id])
	}
	return out, nil
}

func (a *tinyGoAdapter) isConnected(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected[id]
}

func (a *tinyGoAdapter) setConnected(id string, connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected[id] = connected
}

var _ Adapter = (*tinyGoAdapter)(nil)

type tinyGoPeripheral struct {
	adapter *tinyGoAdapter
	address bluetooth.Address
	id      string

	mu       sync.Mutex
	name     string
	rssi     int
	device   *bluetooth.Device
	services []Service
}

func (p *tinyGoPeripheral) ID() string { return p.id }

func (p *tinyGoPeripheral) hasDevice() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device != nil
}

func (p *tinyGoPeripheral) dropDevice() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device = nil
}

func (p *tinyGoPeripheral) Properties(_ context.Context) (PeripheralProperties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeripheralProperties{Address: p.id, LocalName: p.name, RSSI: p.rssi}, nil
}

func (p *tinyGoPeripheral) IsConnected(_ context.Context) (bool, error) {
	return p.adapter.isConnected(p.id), nil
}

func (p *tinyGoPeripheral) Connect(ctx context.Context) error {
	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := p.adapter.adapter.Connect(p.address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed; a link
		// that comes up after we gave up is closed again.
		go func() {
			result := <-ch
			if result.err != nil {
				return
			}
			p.adapter.logger.Debug("[TINYGO] closing late link", "address", p.id)
			if err := result.device.Disconnect(); err != nil {
				p.adapter.logger.Warn("[TINYGO] close late link failed", "address", p.id, "error", err)
			}
		}()
		return fmt.Errorf("ble: connect to %s: %w", p.id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return fmt.Errorf("ble: connect to %s: %w", p.id, result.err)
		}
		p.mu.Lock()
		p.device = &result.device
		p.mu.Unlock()
		p.adapter.setConnected(p.id, true)
		return nil
	}
}

func (p *tinyGoPeripheral) DiscoverServices(_ context.Context) error {
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		return ErrNotConnected
	}

	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	services := make([]Service, 0, len(svcs))
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID().String(), err)
		}
		// tinygo only walks primary services and does not expose
		// characteristic properties.
		svc := Service{UUID: svcs[i].UUID().String(), Primary: true}
		for j := range chars {
			svc.Characteristics = append(svc.Characteristics, Characteristic{UUID: chars[j].UUID().String()})
		}
		services = append(services, svc)
	}

	p.mu.Lock()
	p.services = services
	p.mu.Unlock()
	return nil
}

func (p *tinyGoPeripheral) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services
}

func (p *tinyGoPeripheral) Disconnect(_ context.Context) error {
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		// Connected before this process ever saw it; tinygo needs a Device
		// handle to disconnect.
		return ErrNotConnected
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", p.id, err)
	}
	p.mu.Lock()
	p.device = nil
	p.mu.Unlock()
	p.adapter.setConnected(p.id, false)
	return nil
}

var _ Peripheral = (*tinyGoPeripheral)(nil)
