// Package acquire orchestrates one acquisition run: it prepares the session,
// runs the sensor and frame producers concurrently while the motion sequence
// executes, then stops the producers and releases every device.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verte-zerg/rigtrace/internal/capture"
	"github.com/verte-zerg/rigtrace/internal/device"
	"github.com/verte-zerg/rigtrace/internal/framestore"
	"github.com/verte-zerg/rigtrace/internal/ingest"
	"github.com/verte-zerg/rigtrace/internal/model"
	"github.com/verte-zerg/rigtrace/internal/motion"
	"github.com/verte-zerg/rigtrace/internal/sensorlog"
	"github.com/verte-zerg/rigtrace/internal/session"
)

// DefaultSettleDelay lets the producers reach steady state before motion.
const DefaultSettleDelay = 3 * time.Second

// State is the supervisor lifecycle position.
type State int

const (
	Idle State = iota
	Preparing
	Running
	Stopping
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MotionRunner executes the motion sequence synchronously.
type MotionRunner interface {
	Run(ctx context.Context) (motion.Report, error)
}

// MotionFunc adapts a function to MotionRunner.
type MotionFunc func(ctx context.Context) (motion.Report, error)

// Run implements MotionRunner.
func (f MotionFunc) Run(ctx context.Context) (motion.Report, error) { return f(ctx) }

// Catalog records finished sessions.
type Catalog interface {
	UpsertSession(ctx context.Context, sess model.Session) error
}

// Config holds the run parameters.
type Config struct {
	SessionsDir string
	Port        string
	Baud        int
	// Schema fixes the sensor fields. Zero infers them from the stream.
	Schema         model.Schema
	Ingest         ingest.Options
	FPS            float64
	CaptureTimeout time.Duration
	SettleDelay    time.Duration
	Now            func() time.Time
}

// Deps are the devices and collaborators of a run. A nil opener means the
// device is not present. A nil Motion records until the context is cancelled.
type Deps struct {
	OpenSerial device.StreamOpener
	OpenCamera device.CameraOpener
	Motion     MotionRunner
	Catalog    Catalog
}

// ProducerError is a producer that terminated on its own.
type ProducerError struct {
	Producer string
	Err      error
}

func (e ProducerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Producer, e.Err)
}

// Result describes a finished run.
type Result struct {
	Session      model.Session
	StopIssuedAt time.Time

	Ingest  ingest.Stats
	Capture capture.Stats
	Motion  motion.Report

	// SensorErr and CameraErr are setup failures that removed a producer.
	SensorErr    error
	CameraErr    error
	MotionErr    error
	ProducerErrs []ProducerError
	// TeardownErr joins every failure while releasing resources. It is
	// reported, never returned.
	TeardownErr error
}

// Supervisor runs acquisitions. It is not safe for concurrent runs.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry

	// OnState is called on every state transition.
	OnState func(State)

	mu    sync.Mutex
	state State
}

// New returns an idle supervisor.
func New(cfg Config, deps Deps, log *logrus.Entry) *Supervisor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{cfg: cfg, deps: deps, log: log}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.WithField("state", state).Debug("supervisor state")
	if s.OnState != nil {
		s.OnState(state)
	}
}

type resource struct {
	name  string
	close func() error
}

// Run performs one acquisition. Only a failure to create the session or its
// sensor log is returned as an error; device failures degrade the run and
// are reported in the result.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	s.setState(Preparing)
	startedAt := s.cfg.Now()

	sess, err := session.Create(s.cfg.SessionsDir, startedAt)
	if err != nil {
		s.setState(Done)
		return Result{}, fmt.Errorf("failed to prepare session: %w", err)
	}
	res := Result{Session: sess}
	log := s.log.WithField("session", sess.ID)
	var resources []resource

	writer, err := sensorlog.Create(sess.SensorLog, s.cfg.Schema.Fields)
	if err != nil {
		s.setState(Done)
		return res, fmt.Errorf("failed to prepare session: %w", err)
	}
	resources = append(resources, resource{name: "sensor log", close: writer.Close})

	capturer, camErr := s.prepareCamera(sess, &resources)
	if camErr != nil {
		res.CameraErr = camErr
		log.WithError(camErr).Warn("camera unavailable, recording without frames")
	}
	ing, serialErr := s.prepareSerial()
	if serialErr != nil {
		res.SensorErr = serialErr
		log.WithError(serialErr).Warn("sensor unavailable, recording without sensor data")
	}

	producerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(Running)
	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		prodErr []ProducerError
	)
	report := func(name string, err error) {
		errMu.Lock()
		prodErr = append(prodErr, ProducerError{Producer: name, Err: err})
		errMu.Unlock()
		log.WithError(err).WithField("producer", name).Error("producer stopped")
	}
	if ing != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ing.Run(producerCtx, writer); err != nil {
				report("sensor", err)
			}
		}()
	}
	if capturer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := capturer.Run(producerCtx, s.cfg.FPS); err != nil {
				report("camera", err)
			}
		}()
	}

	if s.settle(ctx) {
		if s.deps.Motion != nil {
			res.Motion, res.MotionErr = s.deps.Motion.Run(ctx)
			if res.MotionErr != nil {
				log.WithError(res.MotionErr).Error("motion sequence failed")
			}
		} else {
			log.Info("no motion sequence, recording until interrupted")
			<-ctx.Done()
		}
	}

	s.setState(Stopping)
	cancel()
	res.StopIssuedAt = s.cfg.Now()
	wg.Wait()
	res.ProducerErrs = prodErr

	if ing != nil {
		res.Ingest = ing.Stats()
	}
	if capturer != nil {
		res.Capture = capturer.Stats()
	}

	res.TeardownErr = s.teardown(resources)
	res.Session = s.finish(ctx, res, ing)
	if res.TeardownErr != nil {
		log.WithError(res.TeardownErr).Warn("teardown incomplete")
	}
	s.setState(Done)
	log.WithFields(logrus.Fields{
		"records": res.Session.SensorRecords,
		"frames":  res.Session.Frames,
	}).Info("acquisition finished")
	return res, nil
}

func (s *Supervisor) prepareCamera(sess model.Session, resources *[]resource) (*capture.Capturer, error) {
	if s.deps.OpenCamera == nil {
		return nil, nil
	}
	src, err := s.deps.OpenCamera()
	if err != nil {
		var connErr *device.ConnectionError
		if !errors.As(err, &connErr) {
			err = &device.ConnectionError{Device: "camera", Err: err}
		}
		return nil, err
	}
	if err := src.EnableSoftwareTrigger(); err != nil {
		if cerr := src.Close(); cerr != nil {
			// Best-effort close of a camera that never started.
			_ = cerr
		}
		return nil, fmt.Errorf("failed to configure camera trigger: %w", err)
	}
	*resources = append(*resources, resource{name: "camera", close: src.Close})
	store, err := framestore.New(sess.FrameDir)
	if err != nil {
		return nil, err
	}
	return capture.New(src, store, s.cfg.CaptureTimeout, logrusComponent(s.log, "capture")), nil
}

func (s *Supervisor) prepareSerial() (*ingest.Ingestor, error) {
	if s.deps.OpenSerial == nil {
		return nil, nil
	}
	opts := s.cfg.Ingest
	opts.Schema = s.cfg.Schema
	return ingest.Open(s.deps.OpenSerial, s.cfg.Port, s.cfg.Baud, opts, logrusComponent(s.log, "ingest"))
}

// settle waits before motion starts. It reports false when ctx ended first.
func (s *Supervisor) settle(ctx context.Context) bool {
	if s.cfg.SettleDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// teardown releases resources in reverse order. Every resource is attempted.
func (s *Supervisor) teardown(resources []resource) error {
	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if err := r.close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) finish(ctx context.Context, res Result, ing *ingest.Ingestor) model.Session {
	sess := res.Session
	sess.EndedAt = s.cfg.Now()
	sess.State = Done.String()
	sess.Fields = s.cfg.Schema.Fields
	if ing != nil {
		sess.Fields = ing.Schema().Fields
	}
	sess.SensorRecords = res.Ingest.Accepted
	sess.SensorDiscarded = res.Ingest.DiscardedTotal()
	sess.Frames = res.Capture.Frames
	sess.FrameTimeouts = res.Capture.Timeouts
	if res.MotionErr != nil {
		sess.MotionError = res.MotionErr.Error()
	}
	if res.TeardownErr != nil {
		sess.TeardownError = res.TeardownErr.Error()
	}

	if err := session.WriteManifest(sess); err != nil {
		s.log.WithError(err).Warn("failed to write session manifest")
	}
	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.UpsertSession(context.WithoutCancel(ctx), sess); err != nil {
			s.log.WithError(err).Warn("failed to record session in catalog")
		}
	}
	return sess
}

func logrusComponent(log *logrus.Entry, component string) *logrus.Entry {
	return log.WithField("component", component)
}
