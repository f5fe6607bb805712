package device

import (
	"os"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EnvDefaultDevice names the environment variable holding the default device kind.
const EnvDefaultDevice = "DEFAULT_DEVICE"

// priority lists candidate kinds from most to least preferred.
var priority = []string{KindGPU, KindCPU}

// Options describes the devices a client may use.
type Options struct {
	DefaultDevice string
	// Devices is ordered by priority, most preferred first.
	Devices []string
	// GlobalDeviceMap maps a logical device name to its backend descriptor.
	GlobalDeviceMap map[string]string
}

// HasDevice reports whether name is one of the active devices.
func (o *Options) HasDevice(name string) bool {
	_, ok := o.GlobalDeviceMap[name]
	return ok
}

// DefaultKindFromEnv returns the configured default device kind, or CPU if unset.
func DefaultKindFromEnv() string {
	kind := strings.TrimSpace(os.Getenv(EnvDefaultDevice))
	if kind == "" {
		return KindCPU
	}
	return strings.ToUpper(kind)
}

// PopulateLocalDevices builds the active device set for defaultKind.
// The set holds the default device and every kind ranked above it, never the ones ranked below.
// defaultKind is matched case-insensitively.
func PopulateLocalDevices(defaultKind string) (*Options, error) {
	defaultKind = strings.ToUpper(strings.TrimSpace(defaultKind))

	// TODO: derive the ordinal from the local rank once multi-rank runs are supported.
	ordinal := 0
	options := &Options{
		GlobalDeviceMap: make(map[string]string),
	}

	ignore := true
	for _, kind := range priority {
		dev := Device{Kind: kind, Ordinal: ordinal}
		if kind == defaultKind {
			options.DefaultDevice = dev.String()
			ignore = false
		}
		if !ignore {
			options.Devices = append(options.Devices, dev.String())
			options.GlobalDeviceMap[dev.String()] = dev.BackendName()
		}
	}

	if options.DefaultDevice == "" {
		return nil, status.Errorf(codes.InvalidArgument, "unknown default device kind %q (want one of %v)", defaultKind, priority)
	}
	return options, nil
}
