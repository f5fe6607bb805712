package device

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	KindCPU = "CPU"
	KindGPU = "GPU"
)

// Device identifies a compute target by kind and ordinal, e.g. CPU:0.
type Device struct {
	Kind    string
	Ordinal int
}

// CPU returns the host device with ordinal 0.
func CPU() Device {
	return Device{Kind: KindCPU}
}

func (d Device) String() string {
	return d.Kind + ":" + strconv.Itoa(d.Ordinal)
}

func (d Device) IsCPU() bool {
	return d.Kind == KindCPU
}

// BackendName returns the descriptor the backend uses for this device, e.g. "cuda(0)".
func (d Device) BackendName() string {
	kind := strings.ToLower(d.Kind)
	if d.Kind == KindGPU {
		kind = "cuda"
	}
	return fmt.Sprintf("%s(%d)", kind, d.Ordinal)
}

// Parse parses a logical device name of the form KIND:ordinal.
// A bare kind ("GPU") is accepted and gets ordinal 0.
func Parse(s string) (Device, error) {
	kind, ordinal, found := strings.Cut(s, ":")
	if kind == "" {
		return Device{}, fmt.Errorf("invalid device %q: missing kind", s)
	}
	d := Device{Kind: strings.ToUpper(kind)}
	if found {
		n, err := strconv.Atoi(ordinal)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device %q: bad ordinal %q", s, ordinal)
		}
		d.Ordinal = n
	}
	return d, nil
}
