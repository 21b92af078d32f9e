// Package device defines the capability interfaces the rig depends on: a
// byte-stream sensor source, a software-triggered frame source, and a motion
// executor. Concrete vendor bindings live behind these interfaces.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrCaptureTimeout is returned by FrameSource.Fetch when no frame arrived
// within the wait. It is not a failure.
var ErrCaptureTimeout = errors.New("capture timeout")

// ConnectionError reports a device that could not be reached at setup.
type ConnectionError struct {
	Device string
	Addr   string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s unreachable: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("%s unreachable at %s: %v", e.Device, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeviceFault reports a mid-run I/O failure of a device.
type DeviceFault struct {
	Device string
	Err    error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("%s fault: %v", e.Device, e.Err)
}

func (e *DeviceFault) Unwrap() error { return e.Err }

// ByteStream is a sensor connection. Read must return (0, nil) when no data
// arrived within the poll interval instead of blocking indefinitely.
type ByteStream interface {
	io.ReadWriteCloser
}

// StreamOpener opens a byte stream on a port at a baud rate.
type StreamOpener func(port string, baud int) (ByteStream, error)

// PixelFormat names the layout of a raw frame buffer.
type PixelFormat string

const (
	// Mono8 is one unsigned byte per pixel, row-major.
	Mono8 PixelFormat = "Mono8"
)

// RawFrame is an unconverted camera buffer.
type RawFrame struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

// FrameSource is a camera configured for software triggering.
type FrameSource interface {
	// EnableSoftwareTrigger switches the device to external trigger mode
	// with software as the trigger source.
	EnableSoftwareTrigger() error
	Trigger() error
	// Fetch waits at most timeout for the frame of the last trigger.
	Fetch(timeout time.Duration) (RawFrame, error)
	Close() error
}

// CameraOpener acquires a camera handle.
type CameraOpener func() (FrameSource, error)

// Pose is a Cartesian pose: X, Y, Z in millimetres and Rx, Ry, Rz in degrees.
type Pose [6]float64

// Add returns the pose shifted by offset.
func (p Pose) Add(offset Pose) Pose {
	var out Pose
	for i := range p {
		out[i] = p[i] + offset[i]
	}
	return out
}

func (p Pose) String() string {
	return fmt.Sprintf("P(%g, %g, %g, %g, %g, %g)", p[0], p[1], p[2], p[3], p[4], p[5])
}

// MotionExecutor is a synchronous robot controller. Every call may block for
// a device-dependent time and may fail independently.
type MotionExecutor interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, command string, params []any) (any, error)
	CurrentPose(ctx context.Context) (Pose, error)
	Move(ctx context.Context, target Pose, option string) error
	Disconnect(ctx context.Context) error
}
