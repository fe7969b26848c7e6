// Package bletest provides scriptable in-memory implementations of the ble
// Manager, Adapter and Peripheral interfaces. Every radio call is recorded so
// tests can assert on the exact sequence of operations issued.
package bletest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gatt-explorer/internal/ble"
)

// Operation names recorded by the fakes.
const (
	OpInfo             = "info"
	OpStartScan        = "start_scan"
	OpStopScan         = "stop_scan"
	OpPeripherals      = "peripherals"
	OpProperties       = "properties"
	OpIsConnected      = "is_connected"
	OpConnect          = "connect"
	OpDiscoverServices = "discover_services"
	OpDisconnect       = "disconnect"
)

// Peripheral is a fake remote device. Fields may be set before use; the
// connection state is then owned by the fake and changed by Connect and
// Disconnect.
type Peripheral struct {
	Address  string
	Name     string
	RSSI     int
	Topology []ble.Service

	PropertiesErr  error
	ConnectErr     error
	DiscoverErr    error
	DisconnectErr  error
	IsConnectedErr []error // consumed one per IsConnected call; nil entries succeed
	// DropAfterConnect makes the link fall away right after Connect succeeds.
	DropAfterConnect bool
	// Delay is added to Connect and DiscoverServices.
	Delay time.Duration

	mu         sync.Mutex
	connected  bool
	discovered bool
	calls      []string
	isConnN    int

	active  atomic.Int32
	overlap atomic.Bool
}

// NewPeripheral returns a fake peripheral with the given initial link state.
func NewPeripheral(address, name string, connected bool, topology ...ble.Service) *Peripheral {
	return &Peripheral{Address: address, Name: name, connected: connected, Topology: topology}
}

var _ ble.Peripheral = (*Peripheral)(nil)

// SetConnected changes the link state as if another central had acted.
func (p *Peripheral) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// Connected returns the current link state without recording a call.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Calls returns the operations issued against the peripheral, in order.
func (p *Peripheral) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times op was issued.
func (p *Peripheral) CallCount(op string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Overlapped reports whether two callers ever used the peripheral at once.
func (p *Peripheral) Overlapped() bool {
	return p.overlap.Load()
}

func (p *Peripheral) enter(op string) func() {
	if p.active.Add(1) > 1 {
		p.overlap.Store(true)
	}
	p.mu.Lock()
	p.calls = append(p.calls, op)
	p.mu.Unlock()
	return func() { p.active.Add(-1) }
}

func (p *Peripheral) ID() string { return p.Address }

func (p *Peripheral) Properties(_ context.Context) (ble.PeripheralProperties, error) {
	defer p.enter(OpProperties)()
	if p.PropertiesErr != nil {
		return ble.PeripheralProperties{}, p.PropertiesErr
	}
	return ble.PeripheralProperties{Address: p.Address, LocalName: p.Name, RSSI: p.RSSI}, nil
}

func (p *Peripheral) IsConnected(_ context.Context) (bool, error) {
	defer p.enter(OpIsConnected)()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.isConnN
	p.isConnN++
	if n < len(p.IsConnectedErr) && p.IsConnectedErr[n] != nil {
		return false, p.IsConnectedErr[n]
	}
	return p.connected, nil
}

func (p *Peripheral) Connect(ctx context.Context) error {
	defer p.enter(OpConnect)()
	if err := p.sleep(ctx); err != nil {
		return err
	}
	if p.ConnectErr != nil {
		return p.ConnectErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = !p.DropAfterConnect
	return nil
}

func (p *Peripheral) DiscoverServices(ctx context.Context) error {
	defer p.enter(OpDiscoverServices)()
	if err := p.sleep(ctx); err != nil {
		return err
	}
	if p.DiscoverErr != nil {
		return p.DiscoverErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ble.ErrNotConnected
	}
	p.discovered = true
	return nil
}

func (p *Peripheral) Services() []ble.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.discovered {
		return nil
	}
	return p.Topology
}

func (p *Peripheral) Disconnect(_ context.Context) error {
	defer p.enter(OpDisconnect)()
	if p.DisconnectErr != nil {
		return p.DisconnectErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Peripheral) sleep(ctx context.Context) error {
	if p.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(p.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Adapter is a fake local radio whose cache holds Devices.
type Adapter struct {
	Name    string
	Devices []*Peripheral

	InfoErr        error
	StartScanErr   error
	StopScanErr    error
	PeripheralsErr error
	// Appear adds devices to the cache while scanning, one per Peripherals
	// call, to exercise early-stop predicates.
	Appear []*Peripheral

	mu      sync.Mutex
	calls   []string
	filter  ble.ScanFilter
	running bool
}

// NewAdapter returns a fake adapter whose cache already holds devices.
func NewAdapter(name string, devices ...*Peripheral) *Adapter {
	return &Adapter{Name: name, Devices: devices}
}

var _ ble.Adapter = (*Adapter)(nil)

func (a *Adapter) record(op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op)
}

// Calls returns the operations issued against the adapter, in order.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// Scanning reports whether a scan is running.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Filter returns the filter passed to the last StartScan.
func (a *Adapter) Filter() ble.ScanFilter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter
}

func (a *Adapter) Info(_ context.Context) (string, error) {
	a.record(OpInfo)
	if a.InfoErr != nil {
		return "", a.InfoErr
	}
	return a.Name, nil
}

func (a *Adapter) StartScan(_ context.Context, filter ble.ScanFilter) error {
	a.record(OpStartScan)
	if a.StartScanErr != nil {
		return a.StartScanErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filter = filter
	a.running = true
	return nil
}

func (a *Adapter) StopScan(_ context.Context) error {
	a.record(OpStopScan)
	if a.StopScanErr != nil {
		return a.StopScanErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return fmt.Errorf("bletest: %s not scanning", a.Name)
	}
	a.running = false
	return nil
}

func (a *Adapter) Peripherals(_ context.Context) ([]ble.Peripheral, error) {
	a.record(OpPeripherals)
	if a.PeripheralsErr != nil {
		return nil, a.PeripheralsErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running && len(a.Appear) > 0 {
		a.Devices = append(a.Devices, a.Appear[0])
		a.Appear = a.Appear[1:]
	}
	out := make([]ble.Peripheral, len(a.Devices))
	for i, d := range a.Devices {
		out[i] = d
	}
	return out, nil
}

// Manager is a fake Bluetooth subsystem.
type Manager struct {
	List []*Adapter
	Err  error

	calls atomic.Int32
}

// NewManager returns a fake manager exposing adapters.
func NewManager(adapters ...*Adapter) *Manager {
	return &Manager{List: adapters}
}

var _ ble.Manager = (*Manager)(nil)

// CallCount returns how many times Adapters was called.
func (m *Manager) CallCount() int { return int(m.calls.Load()) }

func (m *Manager) Adapters(_ context.Context) ([]ble.Adapter, error) {
	m.calls.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]ble.Adapter, len(m.List))
	for i, a := range m.List {
		out[i] = a
	}
	return out, nil
}
