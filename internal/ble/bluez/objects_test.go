package bluez

import (
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/gatt-explorer/internal/ble"
)

func v(x any) dbus.Variant { return dbus.MakeVariant(x) }

// testObjects mimics GetManagedObjects on a host with two adapters, two
// devices on hci0 and one resolved GATT database.
func testObjects() managedObjects {
	hci0 := dbus.ObjectPath("/org/bluez/hci0")
	hci1 := dbus.ObjectPath("/org/bluez/hci1")
	devA := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")
	devB := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02")
	devC := dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_03")

	return managedObjects{
		"/org/bluez": {"org.bluez.AgentManager1": {}},
		hci1:         {ifaceAdapter: {"Address": v("00:11:22:33:44:02")}},
		hci0:         {ifaceAdapter: {"Address": v("00:11:22:33:44:01")}},
		devB: {ifaceDevice: {
			"Adapter": v(hci0),
			"Address": v("AA:BB:CC:DD:EE:02"),
		}},
		devA: {ifaceDevice: {
			"Adapter": v(hci0),
			"Address": v("AA:BB:CC:DD:EE:01"),
			"Name":    v("SensorX"),
			"RSSI":    v(int16(-60)),
			"UUIDs":   v([]string{"0000180d-0000-1000-8000-00805f9b34fb"}),
		}},
		devC: {ifaceDevice: {
			"Adapter": v(hci1),
			"Address": v("AA:BB:CC:DD:EE:03"),
		}},
		devA + "/service0010": {ifaceGattService: {
			"Device":  v(devA),
			"UUID":    v("0000180f-0000-1000-8000-00805f9b34fb"),
			"Primary": v(false),
		}},
		devA + "/service000c": {ifaceGattService: {
			"Device":  v(devA),
			"UUID":    v("0000180d-0000-1000-8000-00805f9b34fb"),
			"Primary": v(true),
		}},
		devA + "/service000c/char000f": {ifaceGattChar: {
			"Service": v(devA + "/service000c"),
			"UUID":    v("00002a38-0000-1000-8000-00805f9b34fb"),
			"Flags":   v([]string{"read"}),
		}},
		devA + "/service000c/char000d": {ifaceGattChar: {
			"Service": v(devA + "/service000c"),
			"UUID":    v("00002a37-0000-1000-8000-00805f9b34fb"),
			"Flags":   v([]string{"notify", "encrypt-read"}),
		}},
		devA + "/service000c/char000d/desc000e": {"org.bluez.GattDescriptor1": {}},
	}
}

func TestAdapterPathsSorted(t *testing.T) {
	got := adapterPaths(testObjects())
	want := []dbus.ObjectPath{"/org/bluez/hci0", "/org/bluez/hci1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("adapterPaths() = %v, want %v", got, want)
	}
}

func TestAdapterPathsNone(t *testing.T) {
	objs := managedObjects{"/org/bluez": {"org.bluez.AgentManager1": {}}}
	if got := adapterPaths(objs); len(got) != 0 {
		t.Errorf("adapterPaths() = %v, want empty", got)
	}
}

func TestDevicePathsPerAdapter(t *testing.T) {
	got := devicePaths(testObjects(), "/org/bluez/hci0", ble.ScanFilter{})
	want := []dbus.ObjectPath{
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01",
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("devicePaths(hci0) = %v, want %v", got, want)
	}

	got = devicePaths(testObjects(), "/org/bluez/hci1", ble.ScanFilter{})
	if len(got) != 1 || got[0] != "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_03" {
		t.Errorf("devicePaths(hci1) = %v", got)
	}
}

func TestDevicePathsFiltered(t *testing.T) {
	tests := []struct {
		name   string
		filter ble.ScanFilter
		want   int
	}{
		{"name match", ble.ScanFilter{NamePattern: "^Sensor"}, 1},
		{"name miss", ble.ScanFilter{NamePattern: "^Watch"}, 0},
		{"uuid match", ble.ScanFilter{ServiceUUIDs: []string{"0000180D-0000-1000-8000-00805F9B34FB"}}, 1},
		{"uuid miss", ble.ScanFilter{ServiceUUIDs: []string{"0000180f-0000-1000-8000-00805f9b34fb"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := devicePaths(testObjects(), "/org/bluez/hci0", tt.filter)
			if len(got) != tt.want {
				t.Errorf("devicePaths() = %v, want %d paths", got, tt.want)
			}
		})
	}
}

func TestTopologyOrderAndFlags(t *testing.T) {
	got := topology(testObjects(), "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")
	want := []ble.Service{
		{
			UUID:    "0000180d-0000-1000-8000-00805f9b34fb",
			Primary: true,
			Characteristics: []ble.Characteristic{
				{UUID: "00002a37-0000-1000-8000-00805f9b34fb", Properties: []ble.CharProperty{ble.PropNotify}},
				{UUID: "00002a38-0000-1000-8000-00805f9b34fb", Properties: []ble.CharProperty{ble.PropRead}},
			},
		},
		{
			UUID:    "0000180f-0000-1000-8000-00805f9b34fb",
			Primary: false,
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("topology() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestTopologyUnknownDevice(t *testing.T) {
	got := topology(testObjects(), "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02")
	if len(got) != 0 {
		t.Errorf("topology() = %v, want empty", got)
	}
}

func TestDeviceProperties(t *testing.T) {
	objs := testObjects()
	got := deviceProperties(objs["/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01"][ifaceDevice])
	want := ble.PeripheralProperties{Address: "AA:BB:CC:DD:EE:01", LocalName: "SensorX", RSSI: -60}
	if got != want {
		t.Errorf("deviceProperties() = %+v, want %+v", got, want)
	}

	got = deviceProperties(objs["/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02"][ifaceDevice])
	if got.LocalName != "" || got.DisplayName() != "Peripheral name unknown." {
		t.Errorf("unnamed device: LocalName = %q, DisplayName = %q", got.LocalName, got.DisplayName())
	}
}

func TestAdapterInfo(t *testing.T) {
	objs := testObjects()
	got := adapterInfo("/org/bluez/hci0", objs["/org/bluez/hci0"][ifaceAdapter])
	if got != "hci0 (00:11:22:33:44:01)" {
		t.Errorf("adapterInfo() = %q", got)
	}
	if got := adapterInfo("/org/bluez/hci3", nil); got != "hci3" {
		t.Errorf("adapterInfo(no props) = %q, want %q", got, "hci3")
	}
}

func TestDiscoveryFilter(t *testing.T) {
	got := discoveryFilter(ble.ScanFilter{})
	if got["Transport"] != "le" {
		t.Errorf("Transport = %v, want le", got["Transport"])
	}
	if _, ok := got["UUIDs"]; ok {
		t.Error("accept-all filter should not restrict UUIDs")
	}
	if _, ok := got["Pattern"]; ok {
		t.Error("accept-all filter should not set Pattern")
	}

	got = discoveryFilter(ble.ScanFilter{
		ServiceUUIDs: []string{"0000180D-0000-1000-8000-00805F9B34FB"},
		NamePattern:  "^Sensor[0-9]+",
	})
	if uuids, _ := got["UUIDs"].([]string); len(uuids) != 1 || uuids[0] != "0000180d-0000-1000-8000-00805f9b34fb" {
		t.Errorf("UUIDs = %v", got["UUIDs"])
	}
	if got["Pattern"] != "Sensor" {
		t.Errorf("Pattern = %v, want Sensor", got["Pattern"])
	}
}

func TestLiteralPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"Sensor", ""},
		{"^Sensor", "Sensor"},
		{"^Sensor.*", "Sensor"},
		{"^Sensox?", "Senso"},
		{"^a|b", ""},
		{`^\d+`, ""},
	}
	for _, tt := range tests {
		if got := literalPrefix(tt.in); got != tt.want {
			t.Errorf("literalPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDbusErrorName(t *testing.T) {
	err := dbus.Error{Name: errInProgress}
	if got := dbusErrorName(err); got != errInProgress {
		t.Errorf("dbusErrorName(value) = %q", got)
	}
	if got := dbusErrorName(&dbus.Error{Name: errServiceUnknown}); got != errServiceUnknown {
		t.Errorf("dbusErrorName(pointer) = %q", got)
	}
}
