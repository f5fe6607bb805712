package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/metrics"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/value"
)

// TensorSource describes host data to be placed on a device.
type TensorSource struct {
	Shape shape.Shape
	// Device is the logical target device; empty means the default device.
	Device string
	// Populate fills dst, which is exactly the compact size of Shape.
	Populate func(dst []byte) error
}

// TransferToServer places every source on its device, in order.
func (c *Client) TransferToServer(ctx context.Context, sources []TensorSource) ([]*Data, error) {
	log := klog.FromContext(ctx)

	// TODO: overlap the transfers of a batch instead of copying one source at a time.
	out := make([]*Data, 0, len(sources))
	for i, src := range sources {
		dev, err := c.resolveDevice(src.Device)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		if !src.Shape.IsArray() {
			return nil, status.Errorf(codes.InvalidArgument, "source %d: shape %v is not an array shape", i, src.Shape)
		}
		if _, ok := shape.ElementSize(src.Shape.DType); !ok {
			return nil, status.Errorf(codes.Unimplemented, "source %d: element type %s has no fixed width", i, src.Shape.DType)
		}
		if _, err := src.Shape.ByteSize(); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "source %d: %v", i, err)
		}
		if src.Populate == nil {
			return nil, status.Errorf(codes.InvalidArgument, "source %d has no populate function", i)
		}

		staging, err := value.AllocTensor(device.CPU(), src.Shape)
		if err != nil {
			return nil, fmt.Errorf("source %d: allocating staging buffer: %w", i, err)
		}
		if err := src.Populate(staging.Data()); err != nil {
			return nil, fmt.Errorf("source %d: populating: %w", i, err)
		}
		tensor := staging.CopyTo(dev)

		n := len(staging.Data())
		c.metrics.TransferredBytes.WithLabelValues(metrics.ToServer).Add(float64(n))
		log.V(2).Info("transferred to server", "index", i, "device", dev, "shape", src.Shape, "bytes", n)

		out = append(out, &Data{device: dev.String(), shape: src.Shape, value: tensor})
	}
	return out, nil
}

// TransferFromServer reads every handle back into a host literal, in order.
// Either every handle is read or an error is returned.
func (c *Client) TransferFromServer(ctx context.Context, handles []*Data) ([]*Literal, error) {
	log := klog.FromContext(ctx)

	out := make([]*Literal, 0, len(handles))
	for i, h := range handles {
		if !h.HasValue() {
			return nil, status.Errorf(codes.FailedPrecondition, "handle %d on %s has no value", i, h.device)
		}
		tensor, ok := h.value.(*value.Tensor)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "handle %d holds a %v, only tensors can be read back", i, h.value.Kind())
		}

		lit, err := NewLiteral(tensor.Shape())
		if err != nil {
			return nil, fmt.Errorf("handle %d: %w", i, err)
		}

		host := tensor
		if !tensor.Device().IsCPU() {
			staging, err := value.AllocTensor(device.CPU(), tensor.Shape())
			if err != nil {
				return nil, fmt.Errorf("handle %d: allocating staging buffer: %w", i, err)
			}
			if err := staging.CopyFrom(tensor); err != nil {
				return nil, fmt.Errorf("handle %d: staging: %w", i, err)
			}
			host = staging
		}
		if err := lit.populate(host.Data()); err != nil {
			return nil, status.Errorf(codes.Internal, "handle %d: %v", i, err)
		}

		n := len(host.Data())
		c.metrics.TransferredBytes.WithLabelValues(metrics.FromServer).Add(float64(n))
		log.V(2).Info("transferred from server", "index", i, "device", tensor.Device(), "shape", tensor.Shape(), "bytes", n)

		out = append(out, lit)
	}
	return out, nil
}
