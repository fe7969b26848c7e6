// Package report renders enumerated GATT topologies for humans and machines.
package report

import (
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/chaz8081/gatt-explorer/internal/ble"
)

// Text writes one line per service followed by one indented line per
// characteristic, in discovery order.
type Text struct{}

var _ ble.Reporter = Text{}

func (Text) Report(w io.Writer, _ ble.PeripheralProperties, services []ble.Service) {
	for _, svc := range services {
		fmt.Fprintf(w, "Service UUID %s, primary %t.\n", svc.UUID, svc.Primary)
		for _, ch := range svc.Characteristics {
			fmt.Fprintf(w, "  Characteristic UUID %s, properties [%s] found\n", ch.UUID, joinProps(ch.Properties))
		}
	}
}

func joinProps(props []ble.CharProperty) string {
	parts := make([]string, len(props))
	for i, p := range props {
		parts[i] = string(p)
	}
	return strings.Join(parts, " ")
}

// JSON writes one compact JSON document per peripheral on its own line.
type JSON struct{}

var _ ble.Reporter = JSON{}

type jsonPeripheral struct {
	Address  string        `json:"address"`
	Name     string        `json:"name,omitempty"`
	RSSI     int           `json:"rssi,omitempty"`
	Services []jsonService `json:"services"`
}

type jsonService struct {
	UUID            string     `json:"uuid"`
	Primary         bool       `json:"primary"`
	Characteristics []jsonChar `json:"characteristics"`
}

type jsonChar struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties"`
}

func (JSON) Report(w io.Writer, props ble.PeripheralProperties, services []ble.Service) {
	doc := jsonPeripheral{
		Address:  props.Address,
		Name:     props.LocalName,
		RSSI:     props.RSSI,
		Services: make([]jsonService, 0, len(services)),
	}
	for _, svc := range services {
		js := jsonService{UUID: svc.UUID, Primary: svc.Primary, Characteristics: make([]jsonChar, 0, len(svc.Characteristics))}
		for _, ch := range svc.Characteristics {
			jc := jsonChar{UUID: ch.UUID, Properties: make([]string, 0, len(ch.Properties))}
			for _, p := range ch.Properties {
				jc.Properties = append(jc.Properties, string(p))
			}
			js.Characteristics = append(js.Characteristics, jc)
		}
		doc.Services = append(doc.Services, js)
	}

	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(doc)
	if err != nil {
		// Only plain strings and slices above; marshalling cannot fail.
		fmt.Fprintf(w, "{\"address\":%q,\"error\":%q}\n", props.Address, err.Error())
		return
	}
	w.Write(append(out, '\n'))
}

// New returns the reporter for format ("text" or "json").
func New(format string) (ble.Reporter, error) {
	switch format {
	case "", "text":
		return Text{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("report: unknown format %q", format)
	}
}
