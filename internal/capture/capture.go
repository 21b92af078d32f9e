// Package capture drives a software-triggered camera at a target rate and
// persists each frame with its capture time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verte-zerg/rigtrace/internal/device"
	"github.com/verte-zerg/rigtrace/internal/framestore"
)

const (
	DefaultFPS     = 30.0
	DefaultTimeout = time.Second
)

// Stats counts persisted frames and empty waits.
type Stats struct {
	Frames   int
	Timeouts int
}

// Capturer owns a configured frame source for one run.
type Capturer struct {
	src     device.FrameSource
	store   *framestore.Store
	timeout time.Duration
	now     func() time.Time
	log     *logrus.Entry

	mu    sync.Mutex
	stats Stats
}

// New returns a capturer writing into store. The source must already be in
// software trigger mode.
func New(src device.FrameSource, store *framestore.Store, timeout time.Duration, log *logrus.Entry) *Capturer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Capturer{src: src, store: store, timeout: timeout, now: time.Now, log: log}
}

// Stats returns a snapshot of the counters.
func (c *Capturer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run captures until ctx is cancelled. A frame that does not arrive within
// the timeout is counted and the loop continues. Any other failure stops the
// loop and is returned. The source is left open for the owner to release.
func (c *Capturer) Run(ctx context.Context, fps float64) error {
	if fps <= 0 {
		fps = DefaultFPS
	}
	period := time.Duration(float64(time.Second) / fps)
	c.log.WithField("fps", fps).Info("frame capture started")
	defer func() {
		stats := c.Stats()
		c.log.WithFields(logrus.Fields{
			"frames":   stats.Frames,
			"timeouts": stats.Timeouts,
		}).Info("frame capture stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		if err := c.captureOne(ctx); err != nil {
			return err
		}
		remaining := period - time.Since(start)
		if remaining <= 0 {
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Capturer) captureOne(ctx context.Context) error {
	if err := c.src.Trigger(); err != nil {
		return &device.DeviceFault{Device: "camera", Err: fmt.Errorf("failed to trigger: %w", err)}
	}
	raw, err := c.src.Fetch(c.timeout)
	if err != nil {
		if errors.Is(err, device.ErrCaptureTimeout) {
			c.mu.Lock()
			c.stats.Timeouts++
			c.mu.Unlock()
			c.log.Debug("no frame within timeout")
			return nil
		}
		return &device.DeviceFault{Device: "camera", Err: fmt.Errorf("failed to fetch frame: %w", err)}
	}
	ts := c.now()
	if ctx.Err() != nil {
		return nil
	}
	img, err := Convert(raw)
	if err != nil {
		return err
	}
	if _, err := c.store.Save(ts, img); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Frames++
	c.mu.Unlock()
	return nil
}

// Convert turns a raw buffer into an image.
func Convert(raw device.RawFrame) (image.Image, error) {
	switch raw.Format {
	case device.Mono8:
		if raw.Width <= 0 || raw.Height <= 0 || len(raw.Data) < raw.Width*raw.Height {
			return nil, fmt.Errorf("short Mono8 buffer: %dx%d with %d bytes", raw.Width, raw.Height, len(raw.Data))
		}
		img := image.NewGray(image.Rect(0, 0, raw.Width, raw.Height))
		copy(img.Pix, raw.Data[:raw.Width*raw.Height])
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", raw.Format)
	}
}
