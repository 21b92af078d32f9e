package motion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verte-zerg/rigtrace/internal/device"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	Section string
	Cycle   int
	Name    string
	Kind    Kind
	Started time.Time
	Elapsed time.Duration
	Err     error
}

// Report summarizes a sequence run.
type Report struct {
	Sequence  string
	Steps     []StepResult
	Completed bool
}

// Failed returns the results that carry an error.
func (r Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Sequencer runs one sequence on one executor.
type Sequencer struct {
	exec device.MotionExecutor
	seq  Sequence
	log  *logrus.Entry

	// TeardownTimeout bounds teardown and disconnect, which run even when
	// the run context is already cancelled.
	TeardownTimeout time.Duration

	base *device.Pose
	vars map[string]string
}

// New returns a sequencer. The sequence is validated first.
func New(exec device.MotionExecutor, seq Sequence, log *logrus.Entry) (*Sequencer, error) {
	if err := seq.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sequence %q: %w", seq.Name, err)
	}
	return &Sequencer{
		exec:            exec,
		seq:             seq,
		log:             log.WithField("sequence", seq.Name),
		TeardownTimeout: DefaultStepTimeout,
	}, nil
}

// Run connects, executes setup, body and finish, then always runs teardown
// and disconnects. A connect failure is a *device.ConnectionError and nothing
// else runs. The first aborting step error is returned.
func (s *Sequencer) Run(ctx context.Context) (Report, error) {
	report := Report{Sequence: s.seq.Name}
	s.base = nil
	s.vars = map[string]string{}

	if err := s.exec.Connect(ctx); err != nil {
		var connErr *device.ConnectionError
		if !errors.As(err, &connErr) {
			err = &device.ConnectionError{Device: "robot", Err: err}
		}
		s.log.WithError(err).Error("robot connect failed, motion aborted")
		return report, err
	}
	s.log.Info("motion sequence started")

	runErr := s.runSection(ctx, &report, "setup", 0, s.seq.Setup)
	for cycle := 1; runErr == nil && cycle <= s.seq.Repeat; cycle++ {
		s.log.WithField("cycle", cycle).Debug("motion cycle")
		runErr = s.runSection(ctx, &report, "body", cycle, s.seq.Body)
	}
	if runErr == nil {
		runErr = s.runSection(ctx, &report, "finish", 0, s.seq.Finish)
	}
	report.Completed = runErr == nil

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.TeardownTimeout)
	defer cancel()
	for _, step := range s.seq.Teardown {
		res := s.runStep(tctx, "teardown", 0, step)
		report.Steps = append(report.Steps, res)
		if res.Err != nil {
			s.log.WithError(res.Err).WithField("step", step.Name).Warn("teardown step failed")
		}
	}
	if err := s.exec.Disconnect(tctx); err != nil {
		s.log.WithError(err).Warn("robot disconnect failed")
	}

	entry := s.log.WithField("steps", len(report.Steps))
	if runErr != nil {
		entry.WithError(runErr).Error("motion sequence aborted")
	} else {
		entry.Info("motion sequence finished")
	}
	return report, runErr
}

func (s *Sequencer) runSection(ctx context.Context, report *Report, section string, cycle int, steps []Step) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("motion cancelled: %w", err)
		}
		res := s.runStep(ctx, section, cycle, step)
		report.Steps = append(report.Steps, res)
		if res.Err == nil {
			continue
		}
		if step.OnError == OnErrorSkip {
			s.log.WithError(res.Err).WithField("step", step.Name).Warn("step failed, continuing")
			continue
		}
		return fmt.Errorf("%s step %q failed: %w", section, step.Name, res.Err)
	}
	return nil
}

func (s *Sequencer) runStep(ctx context.Context, section string, cycle int, step Step) StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	if step.Kind == KindPause && timeout < step.Duration {
		timeout = step.Duration + time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := StepResult{Section: section, Cycle: cycle, Name: step.Name, Kind: step.Kind, Started: time.Now()}
	res.Err = s.do(sctx, step)
	res.Elapsed = time.Since(res.Started)
	s.log.WithFields(logrus.Fields{
		"section": section,
		"step":    step.Name,
		"elapsed": res.Elapsed.Round(time.Millisecond),
	}).Debug("step done")
	return res
}

func (s *Sequencer) do(ctx context.Context, step Step) error {
	switch step.Kind {
	case KindExecute:
		out, err := s.exec.Execute(ctx, step.Command, step.Params)
		if err != nil {
			return fmt.Errorf("failed to execute %s: %w", step.Command, err)
		}
		if step.Store != "" {
			s.vars[step.Store] = fmt.Sprint(out)
		}
		return nil
	case KindMove:
		if s.base == nil {
			pose, err := s.exec.CurrentPose(ctx)
			if err != nil {
				return fmt.Errorf("failed to read base pose: %w", err)
			}
			s.base = &pose
		}
		target := s.base.Add(step.Offset)
		option := os.Expand(step.Option, func(name string) string { return s.vars[name] })
		if err := s.exec.Move(ctx, target, option); err != nil {
			return fmt.Errorf("failed to move to %s: %w", target, err)
		}
		if step.Rebase {
			s.base = &target
		}
		return nil
	case KindPause:
		timer := time.NewTimer(step.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}
