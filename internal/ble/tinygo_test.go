package ble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"
)

func newTestTinyGoAdapter() *tinyGoAdapter {
	return newTinyGoAdapter(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func peripheralIDs(t *testing.T, a *tinyGoAdapter) []string {
	t.Helper()
	ps, err := a.Peripherals(context.Background())
	if err != nil {
		t.Fatalf("Peripherals() error = %v", err)
	}
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID()
	}
	return ids
}

func TestTinyGoObserveKeepsFirstSeenOrder(t *testing.T) {
	a := newTestTinyGoAdapter()
	var addr bluetooth.Address

	a.observe("AA:BB:CC:DD:EE:02", addr, "Band", -70)
	a.observe("AA:BB:CC:DD:EE:01", addr, "SensorX", -60)
	a.observe("AA:BB:CC:DD:EE:02", addr, "Band", -65)
	a.observe("AA:BB:CC:DD:EE:03", addr, "", -80)

	got := peripheralIDs(t, a)
	want := []string{"AA:BB:CC:DD:EE:02", "AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:03"}
	if len(got) != len(want) {
		t.Fatalf("Peripherals() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Peripherals()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTinyGoObserveKeepsName(t *testing.T) {
	a := newTestTinyGoAdapter()
	var addr bluetooth.Address

	a.observe("AA:BB:CC:DD:EE:01", addr, "SensorX", -60)
	a.observe("AA:BB:CC:DD:EE:01", addr, "", -55)

	props, err := a.seen["AA:BB:CC:DD:EE:01"].Properties(context.Background())
	if err != nil {
		t.Fatalf("Properties() error = %v", err)
	}
	if props.LocalName != "SensorX" {
		t.Errorf("LocalName = %q, want name kept from the first advertisement", props.LocalName)
	}
	if props.RSSI != -55 {
		t.Errorf("RSSI = %d, want latest -55", props.RSSI)
	}
	if props.Address != "AA:BB:CC:DD:EE:01" {
		t.Errorf("Address = %q", props.Address)
	}
}

func TestTinyGoHasAnyUUID(t *testing.T) {
	heartRate := bluetooth.New16BitUUID(0x180d)
	battery := bluetooth.New16BitUUID(0x180f)
	advertises := func(uuids ...bluetooth.UUID) func(bluetooth.UUID) bool {
		return func(u bluetooth.UUID) bool {
			for _, have := range uuids {
				if have == u {
					return true
				}
			}
			return false
		}
	}

	tests := []struct {
		name   string
		has    func(bluetooth.UUID) bool
		filter []bluetooth.UUID
		want   bool
	}{
		{"no filter", advertises(), nil, true},
		{"match", advertises(heartRate), []bluetooth.UUID{battery, heartRate}, true},
		{"no match", advertises(battery), []bluetooth.UUID{heartRate}, false},
		{"nothing advertised", advertises(), []bluetooth.UUID{heartRate}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasAnyUUID(tt.has, tt.filter); got != tt.want {
				t.Errorf("hasAnyUUID() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTinyGoStartScanRejectsBadFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter ScanFilter
	}{
		{"uuid", ScanFilter{ServiceUUIDs: []string{"not-a-uuid"}}},
		{"name pattern", ScanFilter{NamePattern: "(["}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestTinyGoAdapter()
			if err := a.StartScan(context.Background(), tt.filter); err == nil {
				t.Error("StartScan() should reject the filter before scanning")
			}
		})
	}
}

func TestTinyGoConnectionState(t *testing.T) {
	a := newTestTinyGoAdapter()
	a.observe("AA:BB:CC:DD:EE:01", bluetooth.Address{}, "SensorX", -60)
	p := a.seen["AA:BB:CC:DD:EE:01"]
	ctx := context.Background()

	isConnected := func() bool {
		t.Helper()
		ok, err := p.IsConnected(ctx)
		if err != nil {
			t.Fatalf("IsConnected() error = %v", err)
		}
		return ok
	}

	if isConnected() {
		t.Fatal("fresh peripheral should be disconnected")
	}

	a.setConnected(p.id, true)
	if !isConnected() || !a.isConnected(p.id) {
		t.Error("setConnected(true) not reflected")
	}
	a.setConnected(p.id, false)
	if isConnected() {
		t.Error("setConnected(false) not reflected")
	}
}

func TestTinyGoLinkUpWithoutDeviceIgnored(t *testing.T) {
	a := newTestTinyGoAdapter()
	a.observe("AA:BB:CC:DD:EE:01", bluetooth.Address{}, "SensorX", -60)
	p := a.seen["AA:BB:CC:DD:EE:01"]
	ctx := context.Background()

	// A link this process holds no handle for, such as one that came up
	// after a cancelled Connect.
	a.linkChanged(p.id, true)
	if ok, _ := p.IsConnected(ctx); ok {
		t.Error("link without device handle should not be reported as connected")
	}

	// Unknown peripherals are ignored too.
	a.linkChanged("AA:BB:CC:DD:EE:99", true)
	if a.isConnected("AA:BB:CC:DD:EE:99") {
		t.Error("unknown peripheral should not be marked connected")
	}

	if err := p.DiscoverServices(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DiscoverServices() error = %v, want ErrNotConnected", err)
	}
	if err := p.Disconnect(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect() error = %v, want ErrNotConnected", err)
	}
}

func TestTinyGoLinkEventsWithDevice(t *testing.T) {
	a := newTestTinyGoAdapter()
	a.observe("AA:BB:CC:DD:EE:01", bluetooth.Address{}, "SensorX", -60)
	p := a.seen["AA:BB:CC:DD:EE:01"]
	p.device = &bluetooth.Device{}
	ctx := context.Background()

	a.linkChanged(p.id, true)
	if ok, _ := p.IsConnected(ctx); !ok {
		t.Error("link with device handle should be reported as connected")
	}

	a.linkChanged(p.id, false)
	if ok, _ := p.IsConnected(ctx); ok {
		t.Error("dropped link should be reported as disconnected")
	}
	if p.hasDevice() {
		t.Error("dropped link should release the device handle")
	}
	if err := p.DiscoverServices(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DiscoverServices() after drop error = %v, want ErrNotConnected", err)
	}
}

func TestTinyGoInfo(t *testing.T) {
	a := newTestTinyGoAdapter()
	info, err := a.Info(context.Background())
	if err != nil || info != "default adapter" {
		t.Errorf("Info() = %q, %v", info, err)
	}
	if ps, _ := a.Peripherals(context.Background()); len(ps) != 0 {
		t.Errorf("empty cache returned %d peripherals", len(ps))
	}
}

// lockedBuffer is a bytes.Buffer safe for use as a log sink from goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTinyGoStartScanImmediateFailure(t *testing.T) {
	a := newTestTinyGoAdapter()
	a.scan = func(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
		return errors.New("adapter off")
	}
	a.stopScan = func() error { return nil }

	err := a.StartScan(context.Background(), ScanFilter{})
	if err == nil || !strings.Contains(err.Error(), "adapter off") {
		t.Errorf("StartScan() error = %v, want the scan failure", err)
	}
}

func TestTinyGoLateScanFailureLogged(t *testing.T) {
	var logs lockedBuffer
	a := newTinyGoAdapter(nil, slog.New(slog.NewTextHandler(&logs, nil)))
	a.scan = func(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
		time.Sleep(scanStartGrace + 50*time.Millisecond)
		return errors.New("radio reset")
	}
	a.stopScan = func() error { return nil }

	if err := a.StartScan(context.Background(), ScanFilter{}); err != nil {
		t.Fatalf("StartScan() error = %v, want nil once the grace period passed", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "scan stopped") {
		if time.Now().After(deadline) {
			t.Fatalf("late scan failure not logged; logs:\n%s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(logs.String(), "radio reset") {
		t.Errorf("log should carry the scan error:\n%s", logs.String())
	}
}

func TestTinyGoStartScanCancelled(t *testing.T) {
	a := newTestTinyGoAdapter()
	release := make(chan struct{})
	stopped := false
	a.scan = func(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
		<-release
		return nil
	}
	a.stopScan = func() error {
		stopped = true
		close(release)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.StartScan(ctx, ScanFilter{}); !errors.Is(err, context.Canceled) {
		t.Errorf("StartScan() error = %v, want context.Canceled", err)
	}
	if !stopped {
		t.Error("cancelled StartScan should stop the scan")
	}
}
