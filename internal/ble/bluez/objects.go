package bluez

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/gatt-explorer/internal/ble"
)

// flagProperties maps BlueZ GattCharacteristic1.Flags to characteristic
// properties. Flags without a mapping (security requirements and the like)
// are dropped.
var flagProperties = map[string]ble.CharProperty{
	"broadcast":                   ble.PropBroadcast,
	"read":                        ble.PropRead,
	"write-without-response":      ble.PropWriteWithoutResponse,
	"write":                       ble.PropWrite,
	"notify":                      ble.PropNotify,
	"indicate":                    ble.PropIndicate,
	"authenticated-signed-writes": ble.PropAuthenticatedWrites,
	"extended-properties":         ble.PropExtendedProperties,
}

func sortedPaths(paths []dbus.ObjectPath) []dbus.ObjectPath {
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// adapterPaths returns every object implementing Adapter1.
func adapterPaths(objs managedObjects) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for p, ifaces := range objs {
		if _, ok := ifaces[ifaceAdapter]; ok {
			out = append(out, p)
		}
	}
	return sortedPaths(out)
}

// devicePaths returns the Device1 objects owned by adapter that pass filter.
func devicePaths(objs managedObjects, adapter dbus.ObjectPath, filter ble.ScanFilter) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}
		owner, ok := variantPath(props["Adapter"])
		if !ok || owner != adapter {
			continue
		}
		if filter.AcceptAll() || filter.Matches(variantString(props["Name"]), variantStrings(props["UUIDs"])) {
			out = append(out, p)
		}
	}
	return sortedPaths(out)
}

// topology collects the GATT services of device with their characteristics,
// both in object path order.
func topology(objs managedObjects, device dbus.ObjectPath) []ble.Service {
	var svcPaths []dbus.ObjectPath
	chars := make(map[dbus.ObjectPath][]dbus.ObjectPath)
	for p, ifaces := range objs {
		if props, ok := ifaces[ifaceGattService]; ok {
			if owner, ok := variantPath(props["Device"]); ok && owner == device {
				svcPaths = append(svcPaths, p)
			}
		}
		if props, ok := ifaces[ifaceGattChar]; ok {
			if owner, ok := variantPath(props["Service"]); ok {
				chars[owner] = append(chars[owner], p)
			}
		}
	}

	services := make([]ble.Service, 0, len(svcPaths))
	for _, sp := range sortedPaths(svcPaths) {
		props := objs[sp][ifaceGattService]
		svc := ble.Service{
			UUID:    variantString(props["UUID"]),
			Primary: variantBool(props["Primary"]),
		}
		for _, cp := range sortedPaths(chars[sp]) {
			cprops := objs[cp][ifaceGattChar]
			svc.Characteristics = append(svc.Characteristics, ble.Characteristic{
				UUID:       variantString(cprops["UUID"]),
				Properties: charProperties(variantStrings(cprops["Flags"])),
			})
		}
		services = append(services, svc)
	}
	return services
}

func charProperties(flags []string) []ble.CharProperty {
	var out []ble.CharProperty
	for _, f := range flags {
		if p, ok := flagProperties[f]; ok {
			out = append(out, p)
		}
	}
	return out
}

// deviceProperties converts a Device1 property map.
func deviceProperties(props map[string]dbus.Variant) ble.PeripheralProperties {
	out := ble.PeripheralProperties{
		Address:   variantString(props["Address"]),
		LocalName: variantString(props["Name"]),
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			out.RSSI = int(rssi)
		}
	}
	return out
}

// adapterInfo renders "hci0 (AA:BB:CC:DD:EE:FF)".
func adapterInfo(p dbus.ObjectPath, props map[string]dbus.Variant) string {
	id := path.Base(string(p))
	if addr := variantString(props["Address"]); addr != "" {
		return fmt.Sprintf("%s (%s)", id, addr)
	}
	return id
}

// discoveryFilter builds the Adapter1.SetDiscoveryFilter argument. BlueZ
// matches Pattern as a prefix of the address or name, so only a literal
// prefix of the name pattern is forwarded; the full pattern is applied by
// ScanFilter.Matches on top.
func discoveryFilter(f ble.ScanFilter) map[string]any {
	filter := map[string]any{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if len(f.ServiceUUIDs) > 0 {
		uuids := make([]string, len(f.ServiceUUIDs))
		for i, u := range f.ServiceUUIDs {
			uuids[i] = strings.ToLower(u)
		}
		filter["UUIDs"] = uuids
	}
	if prefix := literalPrefix(f.NamePattern); prefix != "" {
		filter["Pattern"] = prefix
	}
	return filter
}

// literalPrefix returns the leading literal text of an anchored pattern.
func literalPrefix(pattern string) string {
	if !strings.HasPrefix(pattern, "^") || strings.Contains(pattern, "|") {
		return ""
	}
	var lit []rune
	for _, r := range pattern[1:] {
		if strings.ContainsRune("*?{", r) && len(lit) > 0 {
			// The quantifier makes the previous rune optional or repeated.
			lit = lit[:len(lit)-1]
			break
		}
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			break
		}
		lit = append(lit, r)
	}
	return string(lit)
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func variantStrings(v dbus.Variant) []string {
	s, _ := v.Value().([]string)
	return s
}

func variantPath(v dbus.Variant) (dbus.ObjectPath, bool) {
	p, ok := v.Value().(dbus.ObjectPath)
	return p, ok
}
