package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SimCamera is a software camera producing a moving Mono8 gradient. It stands
// in for vendor hardware on benches without a camera.
type SimCamera struct {
	Width    int
	Height   int
	Exposure time.Duration

	mu        sync.Mutex
	triggered bool
	armed     bool
	seq       int
	closed    bool
}

// NewSimCamera returns a simulated camera of the given size.
func NewSimCamera(width, height int) *SimCamera {
	if width <= 0 {
		width = 320
	}
	if height <= 0 {
		height = 240
	}
	return &SimCamera{Width: width, Height: height, Exposure: 5 * time.Millisecond}
}

// EnableSoftwareTrigger implements FrameSource.
func (c *SimCamera) EnableSoftwareTrigger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	return nil
}

// Trigger implements FrameSource.
func (c *SimCamera) Trigger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("camera closed")
	}
	if !c.armed {
		return errors.New("software trigger not enabled")
	}
	c.triggered = true
	return nil
}

// Fetch implements FrameSource.
func (c *SimCamera) Fetch(timeout time.Duration) (RawFrame, error) {
	c.mu.Lock()
	pending := c.triggered
	c.triggered = false
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	if !pending {
		time.Sleep(timeout)
		return RawFrame{}, ErrCaptureTimeout
	}
	if c.Exposure > timeout {
		time.Sleep(timeout)
		return RawFrame{}, ErrCaptureTimeout
	}
	time.Sleep(c.Exposure)

	data := make([]byte, c.Width*c.Height)
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			data[y*c.Width+x] = byte((x + y + seq*4) % 256)
		}
	}
	return RawFrame{Width: c.Width, Height: c.Height, Format: Mono8, Data: data}, nil
}

// Close implements FrameSource.
func (c *SimCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SimRobot is a motion executor that only logs and waits. Moves take
// MoveTime and honour context cancellation.
type SimRobot struct {
	MoveTime time.Duration

	log *logrus.Entry

	mu        sync.Mutex
	connected bool
	pose      Pose
}

// NewSimRobot returns a simulated robot.
func NewSimRobot(log *logrus.Entry) *SimRobot {
	return &SimRobot{MoveTime: 200 * time.Millisecond, log: log}
}

// Connect implements MotionExecutor.
func (r *SimRobot) Connect(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
	r.log.Info("sim robot connected")
	return nil
}

// Execute implements MotionExecutor.
func (r *SimRobot) Execute(_ context.Context, command string, params []any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil, errors.New("not connected")
	}
	r.log.WithField("params", params).Infof("execute %s", command)
	if command == "MPS" && len(params) > 0 {
		return params[0], nil
	}
	return nil, nil
}

// CurrentPose implements MotionExecutor.
func (r *SimRobot) CurrentPose(_ context.Context) (Pose, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return Pose{}, errors.New("not connected")
	}
	return r.pose, nil
}

// Move implements MotionExecutor.
func (r *SimRobot) Move(ctx context.Context, target Pose, option string) error {
	r.mu.Lock()
	connected := r.connected
	r.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}
	r.log.WithField("option", option).Infof("move to %s", target)
	timer := time.NewTimer(r.MoveTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("move interrupted: %w", ctx.Err())
	case <-timer.C:
	}
	r.mu.Lock()
	r.pose = target
	r.mu.Unlock()
	return nil
}

// Disconnect implements MotionExecutor.
func (r *SimRobot) Disconnect(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	r.log.Info("sim robot disconnected")
	return nil
}
