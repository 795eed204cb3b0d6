package link

import (
	"fmt"
	"sort"

	"go.bug.st/serial/enumerator"
)

// PortDescriptor is one entry of the port selection list.
type PortDescriptor struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Lister enumerates candidate ports.
type Lister func() ([]PortDescriptor, error)

// ListPorts enumerates the serial ports the OS knows about, sorted by name.
func ListPorts() ([]PortDescriptor, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: enumerate ports: %w", err)
	}
	return describe(details), nil
}

func describe(details []*enumerator.PortDetails) []PortDescriptor {
	ports := make([]PortDescriptor, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		ports = append(ports, PortDescriptor{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports
}

// WithDemo appends the simulated device to the list returned by l.
func WithDemo(l Lister) Lister {
	return func() ([]PortDescriptor, error) {
		ports, err := l()
		if err != nil {
			return nil, err
		}
		return append(ports, PortDescriptor{Name: DemoPortName, Product: "Simulated chopper"}), nil
	}
}
