// Package motion runs an explicit, ordered robot motion sequence against a
// device.MotionExecutor.
package motion

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verte-zerg/rigtrace/internal/device"
)

// Kind selects what a step does.
type Kind string

const (
	KindExecute Kind = "execute"
	KindMove    Kind = "move"
	KindPause   Kind = "pause"
)

// OnError decides what a failed step does to the rest of the sequence.
type OnError string

const (
	OnErrorAbort OnError = "abort"
	OnErrorSkip  OnError = "skip"
)

// DefaultStepTimeout bounds a step that does not set its own timeout.
const DefaultStepTimeout = 30 * time.Second

// Step is one motion command.
//
// Move targets are relative to a base pose read from the robot before the
// first move. Rebase makes the reached target the new base. Option may
// reference values stored by earlier execute steps as ${name}.
type Step struct {
	Name     string        `yaml:"name"`
	Kind     Kind          `yaml:"kind"`
	Command  string        `yaml:"command,omitempty"`
	Params   []any         `yaml:"params,omitempty"`
	Store    string        `yaml:"store,omitempty"`
	Offset   device.Pose   `yaml:"offset,omitempty"`
	Rebase   bool          `yaml:"rebase,omitempty"`
	Option   string        `yaml:"option,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty" jsonschema_description:"Pause length as a Go duration such as 500ms or 5s."`
	Timeout  time.Duration `yaml:"timeout,omitempty" jsonschema_description:"Step deadline as a Go duration such as 500ms or 5s."`
	OnError  OnError       `yaml:"on_error,omitempty"`
}

// Sequence is setup, then body repeated, then finish. Teardown always runs.
type Sequence struct {
	Name     string `yaml:"name"`
	Repeat   int    `yaml:"repeat"`
	Setup    []Step `yaml:"setup,omitempty"`
	Body     []Step `yaml:"body,omitempty"`
	Finish   []Step `yaml:"finish,omitempty"`
	Teardown []Step `yaml:"teardown,omitempty"`
}

// Default is the bench experiment: take the arm, power the motor, then five
// cycles of a slow 40mm lift, a return to base and a 5mm sideways step,
// followed by a 5s dwell with sensors still recording.
func Default() Sequence {
	return Sequence{
		Name:   "lift-and-step",
		Repeat: 5,
		Setup: []Step{
			{Name: "take arm", Kind: KindExecute, Command: "TakeArm", Params: []any{0, 0}},
			{Name: "motor on", Kind: KindExecute, Command: "Motor", Params: []any{1, 0}},
			{Name: "lift speed", Kind: KindExecute, Command: "MPS", Params: []any{4}, Store: "speed"},
		},
		Body: []Step{
			{Name: "lift", Kind: KindMove, Offset: device.Pose{0, 0, 40, 0, 0, 0}, Option: "SPEED=${speed}, ACCEL=100, DECEL=100, NEXT"},
			{Name: "return", Kind: KindMove, Option: "SPEED=10"},
			{Name: "step", Kind: KindMove, Offset: device.Pose{0, 5, 0, 0, 0, 0}, Rebase: true, Option: "SPEED=10"},
		},
		Finish: []Step{
			{Name: "dwell", Kind: KindPause, Duration: 5 * time.Second},
		},
		Teardown: []Step{
			{Name: "motor off", Kind: KindExecute, Command: "Motor", Params: []any{0, 0}},
		},
	}
}

// Validate checks the sequence and fills defaults.
func (s *Sequence) Validate() error {
	if s.Repeat < 0 {
		return fmt.Errorf("repeat must not be negative: %d", s.Repeat)
	}
	if s.Repeat == 0 {
		s.Repeat = 1
	}
	var errs []error
	for _, section := range []struct {
		name  string
		steps []Step
	}{{"setup", s.Setup}, {"body", s.Body}, {"finish", s.Finish}, {"teardown", s.Teardown}} {
		for i := range section.steps {
			if err := section.steps[i].validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s step %d: %w", section.name, i+1, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (st *Step) validate() error {
	if st.Name == "" {
		st.Name = string(st.Kind)
	}
	switch st.OnError {
	case "":
		st.OnError = OnErrorAbort
	case OnErrorAbort, OnErrorSkip:
	default:
		return fmt.Errorf("unknown on_error %q", st.OnError)
	}
	switch st.Kind {
	case KindExecute:
		if st.Command == "" {
			return errors.New("execute step needs a command")
		}
	case KindMove:
	case KindPause:
		if st.Duration <= 0 {
			return errors.New("pause step needs a positive duration")
		}
	default:
		return fmt.Errorf("unknown step kind %q", st.Kind)
	}
	if st.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// Load reads a sequence from a YAML file.
func Load(path string) (Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sequence{}, fmt.Errorf("failed to read sequence: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML sequence. Unknown keys are rejected.
func Parse(data []byte) (Sequence, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var seq Sequence
	if err := dec.Decode(&seq); err != nil {
		return Sequence{}, fmt.Errorf("failed to parse sequence: %w", err)
	}
	if err := seq.Validate(); err != nil {
		return Sequence{}, fmt.Errorf("invalid sequence %q: %w", seq.Name, err)
	}
	return seq, nil
}

// Marshal encodes a sequence as YAML.
func Marshal(seq Sequence) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(seq); err != nil {
		return nil, fmt.Errorf("failed to encode sequence: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode sequence: %w", err)
	}
	return buf.Bytes(), nil
}
