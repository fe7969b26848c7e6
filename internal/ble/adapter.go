// Package ble discovers nearby Bluetooth Low Energy peripherals, connects to
// each of them, enumerates their GATT services and characteristics, and
// disconnects again. The radio itself is reached through the Manager, Adapter
// and Peripheral interfaces so that platform backends and test fakes can be
// swapped freely.
package ble

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrNotConnected is returned by backends for GATT operations on a
// peripheral that has no active link.
var ErrNotConnected = errors.New("ble: peripheral not connected")

// ScanFilter describes which advertisements a scan accepts.
// The zero value accepts everything.
type ScanFilter struct {
	ServiceUUIDs []string
	NamePattern  string
}

// AcceptAll reports whether the filter places no restriction on results.
func (f ScanFilter) AcceptAll() bool {
	return len(f.ServiceUUIDs) == 0 && f.NamePattern == ""
}

// Matches reports whether an advertisement with the given local name and
// service UUIDs passes the filter. Backends that cannot filter natively use
// this on every scan result.
func (f ScanFilter) Matches(name string, serviceUUIDs []string) bool {
	if f.NamePattern != "" {
		re, err := regexp.Compile(f.NamePattern)
		if err != nil || !re.MatchString(name) {
			return false
		}
	}
	if len(f.ServiceUUIDs) == 0 {
		return true
	}
	for _, want := range f.ServiceUUIDs {
		for _, got := range serviceUUIDs {
			if strings.EqualFold(want, got) {
				return true
			}
		}
	}
	return false
}

// PeripheralProperties is a snapshot of a peripheral's discoverable metadata.
// It may be stale relative to the peripheral's current connection state.
type PeripheralProperties struct {
	Address   string
	LocalName string // empty when the peripheral did not advertise a name
	RSSI      int
}

// DisplayName returns the local name, or a placeholder when none is known.
func (p PeripheralProperties) DisplayName() string {
	if p.LocalName == "" {
		return "Peripheral name unknown."
	}
	return p.LocalName
}

// CharProperty is a declared capability of a GATT characteristic.
type CharProperty string

const (
	PropBroadcast            CharProperty = "broadcast"
	PropRead                 CharProperty = "read"
	PropWriteWithoutResponse CharProperty = "write-without-response"
	PropWrite                CharProperty = "write"
	PropNotify               CharProperty = "notify"
	PropIndicate             CharProperty = "indicate"
	PropAuthenticatedWrites  CharProperty = "authenticated-signed-writes"
	PropExtendedProperties   CharProperty = "extended-properties"
)

// Characteristic is a single data point within a service.
type Characteristic struct {
	UUID       string
	Properties []CharProperty
}

// Service groups related characteristics. Characteristics are kept in
// discovery order.
type Service struct {
	UUID            string
	Primary         bool
	Characteristics []Characteristic
}

// Peripheral is a handle to a remote device borrowed from an Adapter. The
// remote device exists independently of the handle.
type Peripheral interface {
	// ID is an opaque identifier, stable for the lifetime of the handle.
	ID() string
	// Properties reads the current discoverable metadata.
	Properties(ctx context.Context) (PeripheralProperties, error)
	// IsConnected queries the radio stack for the link state. It is never cached.
	IsConnected(ctx context.Context) (bool, error)
	// Connect establishes a link and blocks until it is up or has failed.
	Connect(ctx context.Context) error
	// DiscoverServices resolves the GATT topology of a connected peripheral.
	DiscoverServices(ctx context.Context) error
	// Services returns the topology found by the last DiscoverServices call,
	// in discovery order.
	Services() []Service
	// Disconnect tears the link down.
	Disconnect(ctx context.Context) error
}

// Adapter is a local Bluetooth radio.
type Adapter interface {
	// Info returns a human-readable identifier for the radio.
	Info(ctx context.Context) (string, error)
	// StartScan begins discovery with the given filter and returns once the
	// radio has accepted the request. Results accumulate in the adapter's
	// peripheral cache.
	StartScan(ctx context.Context, filter ScanFilter) error
	// StopScan ends discovery started by StartScan.
	StopScan(ctx context.Context) error
	// Peripherals returns the adapter's current peripheral cache, which may
	// include devices seen before this scan started.
	Peripherals(ctx context.Context) ([]Peripheral, error)
}

// Manager enumerates the local Bluetooth radios.
type Manager interface {
	// Adapters returns every available radio. An empty result is not an
	// error; an error means the Bluetooth subsystem itself is unusable.
	Adapters(ctx context.Context) ([]Adapter, error)
}
