// Package bluez implements the ble capability interfaces directly on top of
// the BlueZ D-Bus API. Adapters, devices, services and characteristics are
// all objects published by org.bluez through the ObjectManager; object path
// order under a device matches attribute handle order, which is the order
// services were discovered in.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/gatt-explorer/internal/ble"
)

const (
	bluezDest = "org.bluez"
	bluezRoot = dbus.ObjectPath("/")

	ifaceAdapter       = "org.bluez.Adapter1"
	ifaceDevice        = "org.bluez.Device1"
	ifaceGattService   = "org.bluez.GattService1"
	ifaceGattChar      = "org.bluez.GattCharacteristic1"
	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"

	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	errInProgress     = "org.bluez.Error.InProgress"
)

// ErrUnavailable means the BlueZ daemon is not running on the system bus.
var ErrUnavailable = errors.New("bluez: service unavailable")

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Options configures the BlueZ backend.
type Options struct {
	// ServicesTimeout bounds the wait for BlueZ to resolve a device's
	// services after connecting.
	ServicesTimeout time.Duration
	// PollInterval is how often ServicesResolved is re-read.
	PollInterval time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServicesTimeout: 10 * time.Second,
		PollInterval:    10 * time.Millisecond,
	}
}

// Manager lists BlueZ adapters. The system bus connection is opened on the
// first call to Adapters.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewManager creates a BlueZ manager. Zero option fields take defaults.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	def := DefaultOptions()
	if opts.ServicesTimeout <= 0 {
		opts.ServicesTimeout = def.ServicesTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{opts: opts, logger: logger}
}

var _ ble.Manager = (*Manager)(nil)

// Adapters returns every org.bluez.Adapter1 object in path order. A host
// with BlueZ running but no radio yields an empty slice; a missing system
// bus or BlueZ daemon is an error.
func (m *Manager) Adapters(ctx context.Context) ([]ble.Adapter, error) {
	conn, err := m.bus()
	if err != nil {
		return nil, err
	}
	objs, err := managed(ctx, conn)
	if err != nil {
		return nil, err
	}
	paths := adapterPaths(objs)
	m.logger.Debug("[BLUEZ] adapters listed", "count", len(paths))

	out := make([]ble.Adapter, 0, len(paths))
	for _, p := range paths {
		out = append(out, &adapter{m: m, conn: conn, path: p})
	}
	return out, nil
}

// Close releases the system bus connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

func (m *Manager) bus() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	m.conn = conn
	return conn, nil
}

func managed(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	err := conn.Object(bluezDest, bluezRoot).
		CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).
		Store(&objs)
	if err != nil {
		if dbusErrorName(err) == errServiceUnknown {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("bluez: get managed objects: %w", err)
	}
	return objs, nil
}

func getAll(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := conn.Object(bluezDest, path).
		CallWithContext(ctx, ifaceProperties+".GetAll", 0, iface).
		Store(&props)
	if err != nil {
		return nil, fmt.Errorf("bluez: read %s properties of %s: %w", iface, path, err)
	}
	return props, nil
}

func getBool(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (bool, error) {
	var v dbus.Variant
	err := conn.Object(bluezDest, path).
		CallWithContext(ctx, ifaceProperties+".Get", 0, iface, name).
		Store(&v)
	if err != nil {
		return false, fmt.Errorf("bluez: read %s of %s: %w", name, path, err)
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: %s of %s is %s, not bool", name, path, v.Signature())
	}
	return b, nil
}

func call(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, method string, args ...any) error {
	return conn.Object(bluezDest, path).CallWithContext(ctx, method, 0, args...).Err
}

// dbusErrorName returns the D-Bus error name carried by err, or "".
func dbusErrorName(err error) string {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) {
		return pderr.Name
	}
	return ""
}

type adapter struct {
	m    *Manager
	conn *dbus.Conn
	path dbus.ObjectPath

	mu     sync.Mutex
	filter ble.ScanFilter
}

var _ ble.Adapter = (*adapter)(nil)

func (a *adapter) Info(ctx context.Context) (string, error) {
	props, err := getAll(ctx, a.conn, a.path, ifaceAdapter)
	if err != nil {
		return "", err
	}
	return adapterInfo(a.path, props), nil
}

func (a *adapter) StartScan(ctx context.Context, filter ble.ScanFilter) error {
	a.mu.Lock()
	a.filter = filter
	a.mu.Unlock()
	if err := call(ctx, a.conn, a.path, ifaceAdapter+".SetDiscoveryFilter", discoveryFilter(filter)); err != nil {
		return fmt.Errorf("bluez: set discovery filter on %s: %w", a.path, err)
	}
	if err := call(ctx, a.conn, a.path, ifaceAdapter+".StartDiscovery"); err != nil {
		if dbusErrorName(err) == errInProgress {
			a.m.logger.Debug("[BLUEZ] discovery already running", "adapter", a.path)
			return nil
		}
		return fmt.Errorf("bluez: start discovery on %s: %w", a.path, err)
	}
	return nil
}

func (a *adapter) StopScan(ctx context.Context) error {
	if err := call(ctx, a.conn, a.path, ifaceAdapter+".StopDiscovery"); err != nil {
		return fmt.Errorf("bluez: stop discovery on %s: %w", a.path, err)
	}
	return nil
}

func (a *adapter) Peripherals(ctx context.Context) ([]ble.Peripheral, error) {
	objs, err := managed(ctx, a.conn)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	filter := a.filter
	a.mu.Unlock()
	paths := devicePaths(objs, a.path, filter)
	out := make([]ble.Peripheral, 0, len(paths))
	for _, p := range paths {
		out = append(out, &peripheral{m: a.m, conn: a.conn, path: p})
	}
	return out, nil
}

type peripheral struct {
	m    *Manager
	conn *dbus.Conn
	path dbus.ObjectPath

	mu       sync.Mutex
	services []ble.Service
}

var _ ble.Peripheral = (*peripheral)(nil)

func (p *peripheral) ID() string { return string(p.path) }

func (p *peripheral) Properties(ctx context.Context) (ble.PeripheralProperties, error) {
	props, err := getAll(ctx, p.conn, p.path, ifaceDevice)
	if err != nil {
		return ble.PeripheralProperties{}, err
	}
	return deviceProperties(props), nil
}

func (p *peripheral) IsConnected(ctx context.Context) (bool, error) {
	return getBool(ctx, p.conn, p.path, ifaceDevice, "Connected")
}

func (p *peripheral) Connect(ctx context.Context) error {
	if err := call(ctx, p.conn, p.path, ifaceDevice+".Connect"); err != nil {
		if dbusErrorName(err) == errInProgress {
			p.m.logger.Debug("[BLUEZ] connect already in progress", "device", p.path)
			return nil
		}
		return fmt.Errorf("bluez: connect %s: %w", p.path, err)
	}
	return nil
}

// DiscoverServices waits for BlueZ to finish resolving the device's GATT
// database and snapshots it. BlueZ resolves services on its own after a
// connection, so there is no explicit discovery request.
func (p *peripheral) DiscoverServices(ctx context.Context) error {
	deadline := time.Now().Add(p.m.opts.ServicesTimeout)
	for {
		connected, err := getBool(ctx, p.conn, p.path, ifaceDevice, "Connected")
		if err != nil {
			return err
		}
		if !connected {
			return ble.ErrNotConnected
		}
		resolved, err := getBool(ctx, p.conn, p.path, ifaceDevice, "ServicesResolved")
		if err != nil {
			return err
		}
		if resolved {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bluez: services of %s not resolved after %s", p.path, p.m.opts.ServicesTimeout)
		}
		select {
		case <-time.After(p.m.opts.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	objs, err := managed(ctx, p.conn)
	if err != nil {
		return err
	}
	services := topology(objs, p.path)
	p.mu.Lock()
	p.services = services
	p.mu.Unlock()
	p.m.logger.Debug("[BLUEZ] services resolved", "device", p.path, "services", len(services))
	return nil
}

func (p *peripheral) Services() []ble.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services
}

func (p *peripheral) Disconnect(ctx context.Context) error {
	if err := call(ctx, p.conn, p.path, ifaceDevice+".Disconnect"); err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", p.path, err)
	}
	return nil
}
