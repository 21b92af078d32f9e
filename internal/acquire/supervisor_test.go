package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/rigtrace/internal/device"
	"github.com/verte-zerg/rigtrace/internal/framestore"
	"github.com/verte-zerg/rigtrace/internal/model"
	"github.com/verte-zerg/rigtrace/internal/motion"
	"github.com/verte-zerg/rigtrace/internal/sensorlog"
	"github.com/verte-zerg/rigtrace/internal/session"
)

const sampleLine = "1.5,0.01,0.02,0.03,0.1,0.2,0.3,50.2\r\n"

// loopStream emits one sample line per read until closed.
type loopStream struct {
	mu      sync.Mutex
	written []byte
	closed  bool
}

func (s *loopStream) Read(p []byte) (int, error) {
	time.Sleep(2 * time.Millisecond)
	return copy(p, sampleLine), nil
}

func (s *loopStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *loopStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type closeFailCamera struct {
	*device.SimCamera
}

func (c closeFailCamera) Close() error {
	_ = c.SimCamera.Close()
	return errors.New("handle busy")
}

type memCatalog struct {
	mu       sync.Mutex
	sessions []model.Session
}

func (c *memCatalog) UpsertSession(_ context.Context, sess model.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, sess)
	return nil
}

func testLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func testConfig(t *testing.T) Config {
	return Config{
		SessionsDir:    filepath.Join(t.TempDir(), "sessions"),
		Port:           "sim",
		Baud:           115200,
		Schema:         model.Schema{Fields: model.DefaultFields},
		FPS:            100,
		CaptureTimeout: 50 * time.Millisecond,
		SettleDelay:    10 * time.Millisecond,
	}
}

func serialOpener(stream *loopStream) device.StreamOpener {
	return func(string, int) (device.ByteStream, error) { return stream, nil }
}

func cameraOpener(cam device.FrameSource) device.CameraOpener {
	return func() (device.FrameSource, error) { return cam, nil }
}

func shortMotion(d time.Duration, err error) MotionRunner {
	return MotionFunc(func(ctx context.Context) (motion.Report, error) {
		select {
		case <-ctx.Done():
			return motion.Report{}, ctx.Err()
		case <-time.After(d):
		}
		return motion.Report{Sequence: "test", Completed: err == nil}, err
	})
}

func TestRunRecordsSensorAndFrames(t *testing.T) {
	stream := &loopStream{}
	catalog := &memCatalog{}
	var states []State
	sup := New(testConfig(t), Deps{
		OpenSerial: serialOpener(stream),
		OpenCamera: cameraOpener(device.NewSimCamera(8, 6)),
		Motion:     shortMotion(80*time.Millisecond, nil),
		Catalog:    catalog,
	}, testLogger())
	sup.OnState = func(s State) { states = append(states, s) }

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{Preparing, Running, Stopping, Done}, states)
	assert.Equal(t, Done, sup.State())
	assert.Empty(t, res.ProducerErrs)
	assert.NoError(t, res.TeardownErr)
	assert.Positive(t, res.Session.SensorRecords)
	assert.Positive(t, res.Session.Frames)
	assert.Equal(t, "done", res.Session.State)

	stream.mu.Lock()
	assert.True(t, stream.closed)
	assert.Equal(t, byte('s'), stream.written[0])
	assert.Equal(t, byte('e'), stream.written[len(stream.written)-1])
	stream.mu.Unlock()

	reopened, err := session.Open(res.Session.Dir, "")
	require.NoError(t, err)
	assert.Equal(t, res.Session.SensorRecords, reopened.SensorRecords)
	require.Len(t, catalog.sessions, 1)
	assert.Equal(t, res.Session.ID, catalog.sessions[0].ID)
}

func TestNoSensorRecordAfterStop(t *testing.T) {
	sup := New(testConfig(t), Deps{
		OpenSerial: serialOpener(&loopStream{}),
		Motion:     shortMotion(50*time.Millisecond, nil),
	}, testLogger())

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	log, err := sensorlog.Read(res.Session.SensorLog)
	require.NoError(t, err)
	require.NotEmpty(t, log.Records)
	assert.Equal(t, res.Session.SensorRecords, len(log.Records))
	last := log.Records[len(log.Records)-1]
	assert.False(t, last.Timestamp.After(res.StopIssuedAt), "last record %s after stop %s", last.Timestamp, res.StopIssuedAt)
}

func TestRunWithoutCamera(t *testing.T) {
	sup := New(testConfig(t), Deps{
		OpenSerial: serialOpener(&loopStream{}),
		OpenCamera: func() (device.FrameSource, error) { return nil, errors.New("no camera attached") },
		Motion:     shortMotion(30*time.Millisecond, nil),
	}, testLogger())

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	var connErr *device.ConnectionError
	require.ErrorAs(t, res.CameraErr, &connErr)
	assert.Zero(t, res.Session.Frames)
	assert.Positive(t, res.Session.SensorRecords)

	frames, _, err := framestore.List(res.Session.FrameDir)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestRunWithoutSerial(t *testing.T) {
	sup := New(testConfig(t), Deps{
		OpenSerial: func(string, int) (device.ByteStream, error) { return nil, os.ErrNotExist },
		OpenCamera: cameraOpener(device.NewSimCamera(4, 4)),
		Motion:     shortMotion(50*time.Millisecond, nil),
	}, testLogger())

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.SensorErr, os.ErrNotExist)
	assert.Zero(t, res.Session.SensorRecords)
	assert.Positive(t, res.Session.Frames)
}

func TestMotionFailureStillStops(t *testing.T) {
	stream := &loopStream{}
	sup := New(testConfig(t), Deps{
		OpenSerial: serialOpener(stream),
		Motion:     shortMotion(10*time.Millisecond, errors.New("joint limit")),
	}, testLogger())

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.EqualError(t, res.MotionErr, "joint limit")
	assert.Equal(t, "joint limit", res.Session.MotionError)
	assert.False(t, res.StopIssuedAt.IsZero())
	stream.mu.Lock()
	assert.True(t, stream.closed)
	stream.mu.Unlock()
}

func TestTeardownErrorsAreCollected(t *testing.T) {
	cam := closeFailCamera{device.NewSimCamera(4, 4)}
	sup := New(testConfig(t), Deps{
		OpenCamera: cameraOpener(cam),
		Motion:     shortMotion(10*time.Millisecond, nil),
	}, testLogger())

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Error(t, res.TeardownErr)
	assert.Contains(t, res.TeardownErr.Error(), "handle busy")
	assert.Contains(t, res.Session.TeardownError, "handle busy")
}

func TestRunFailsWithoutSessionDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	cfg := testConfig(t)
	cfg.SessionsDir = filepath.Join(file, "sessions")
	sup := New(cfg, Deps{Motion: shortMotion(0, nil)}, testLogger())

	_, err := sup.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Done, sup.State())
}

func TestRunWithoutMotionStopsOnCancel(t *testing.T) {
	sup := New(testConfig(t), Deps{OpenSerial: serialOpener(&loopStream{})}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	res, err := sup.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.StopIssuedAt.IsZero())
	assert.Equal(t, "done", res.Session.State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "state(9)", State(9).String())
}
