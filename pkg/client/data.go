package client

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/value"
)

// Data is a handle to a device-resident value. Its device never changes.
type Data struct {
	device string
	shape  shape.Shape
	value  value.Value
}

func (d *Data) Device() string     { return d.device }
func (d *Data) Shape() shape.Shape { return d.shape }
func (d *Data) Value() value.Value { return d.value }
func (d *Data) HasValue() bool     { return d.value != nil }

// Assign makes d refer to the value of src, which must live on the same device.
func (d *Data) Assign(src *Data) error {
	if src.device != d.device {
		return status.Errorf(codes.FailedPrecondition, "cannot assign data on %s to a handle on %s", src.device, d.device)
	}
	if !src.HasValue() {
		return status.Errorf(codes.FailedPrecondition, "cannot assign from a placeholder")
	}
	d.shape = src.shape
	d.value = src.value
	return nil
}

// CreateDataPlaceholder returns a handle without a value, to be filled with Assign.
func (c *Client) CreateDataPlaceholder(deviceName string, sh shape.Shape) (*Data, error) {
	dev, err := c.resolveDevice(deviceName)
	if err != nil {
		return nil, err
	}
	return &Data{device: dev.String(), shape: sh}, nil
}
