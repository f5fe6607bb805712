// Package client is the computation client: it owns the device set, moves tensors between the
// host and devices, compiles traced modules into VM executables and runs them.
//
// A Client is not safe for concurrent use; callers serialize access.
package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/compilecache"
	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/ir"
	"k8s.io/examples/AI/lazyvm/pkg/metrics"
)

type Options struct {
	// DefaultDeviceKind is the preferred device kind; read from DEFAULT_DEVICE if empty.
	DefaultDeviceKind string

	// Cache stores lowered executables across processes; nil disables caching.
	Cache *compilecache.Cache

	// Registerer receives the client metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type Client struct {
	devices       *device.Options
	defaultDevice device.Device
	cache         *compilecache.Cache
	metrics       *metrics.Metrics

	// lowered holds the lowered module of every live computation, needed to resolve returned closures.
	lowered map[uuid.UUID]*ir.Module
}

// Create returns a client configured from the environment.
func Create() (*Client, error) {
	return New(Options{})
}

func New(opts Options) (*Client, error) {
	kind := opts.DefaultDeviceKind
	if kind == "" {
		kind = device.DefaultKindFromEnv()
	}
	devices, err := device.PopulateLocalDevices(kind)
	if err != nil {
		return nil, err
	}
	defaultDevice, err := device.Parse(devices.DefaultDevice)
	if err != nil {
		return nil, err
	}

	klog.V(2).InfoS("created computation client", "defaultDevice", devices.DefaultDevice, "devices", devices.Devices)

	return &Client{
		devices:       devices,
		defaultDevice: defaultDevice,
		cache:         opts.Cache,
		metrics:       metrics.New(opts.Registerer),
		lowered:       make(map[uuid.UUID]*ir.Module),
	}, nil
}

// DefaultDevice returns the logical name of the default device, e.g. "CPU:0".
func (c *Client) DefaultDevice() string {
	return c.devices.DefaultDevice
}

// Devices returns the active devices, most preferred first.
func (c *Client) Devices() []string {
	return append([]string(nil), c.devices.Devices...)
}

// DeviceMap returns the logical device name to backend descriptor map.
func (c *Client) DeviceMap() map[string]string {
	out := make(map[string]string, len(c.devices.GlobalDeviceMap))
	for k, v := range c.devices.GlobalDeviceMap {
		out[k] = v
	}
	return out
}

func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// resolveDevice maps a logical device name to an active device; the empty name is the default device.
func (c *Client) resolveDevice(name string) (device.Device, error) {
	if name == "" {
		return c.defaultDevice, nil
	}
	d, err := device.Parse(name)
	if err != nil {
		return device.Device{}, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if !c.devices.HasDevice(d.String()) {
		return device.Device{}, status.Errorf(codes.InvalidArgument, "device %s is not one of the active devices %v", d, c.devices.Devices)
	}
	return d, nil
}

// ReleaseComputation drops the state retained for comp. Releasing twice is a no-op.
func (c *Client) ReleaseComputation(comp *Computation) {
	if comp == nil {
		return
	}
	delete(c.lowered, comp.ID)
}

// LoweredModule returns the lowered module retained for comp.
func (c *Client) LoweredModule(comp *Computation) (*ir.Module, bool) {
	mod, ok := c.lowered[comp.ID]
	return mod, ok
}

// Close releases every computation that is still live.
func (c *Client) Close(ctx context.Context) error {
	if n := len(c.lowered); n != 0 {
		klog.FromContext(ctx).V(2).Info("releasing live computations", "count", n)
	}
	clear(c.lowered)
	return nil
}

func errorf(code codes.Code, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if status.Code(err) != codes.Unknown {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return status.Errorf(code, "%s: %v", msg, err)
}
