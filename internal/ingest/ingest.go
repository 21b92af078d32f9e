// Package ingest reads the serial sensor stream, validates each line against
// the session schema and appends accepted records to the sensor log.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verte-zerg/rigtrace/internal/device"
	"github.com/verte-zerg/rigtrace/internal/model"
)

const (
	// StartMarker asks the device to begin streaming.
	StartMarker byte = 's'
	// StopMarker asks the device to stop streaming and halt the motor.
	StopMarker byte = 'e'

	DefaultResetWait  = 2 * time.Second
	DefaultSettleWait = 500 * time.Millisecond
	// DefaultCorruptionWarnRatio is the discarded share of lines above
	// which a run-level warning is logged.
	DefaultCorruptionWarnRatio = 0.05

	readChunk    = 4096
	maxLineBytes = 64 * 1024
)

// ReasonOverlong marks a partial line that grew past maxLineBytes without a
// newline.
const ReasonOverlong Reason = "overlong"

// Sink receives accepted records. The sensor log writer implements it.
type Sink interface {
	WriteHeader(fields []string) error
	Append(rec model.SensorRecord) error
}

// Options tunes an Ingestor.
type Options struct {
	// Schema fixes the field list. A zero schema is inferred from the
	// first fully numeric line.
	Schema model.Schema
	// ResetWait lets the board finish its reset after the port opens.
	ResetWait time.Duration
	// SettleWait gives the device time to act on the stop marker before
	// the port closes.
	SettleWait          time.Duration
	CorruptionWarnRatio float64
	Now                 func() time.Time
}

// Stats counts accepted and discarded lines.
type Stats struct {
	Accepted  int
	Discarded map[Reason]int
}

// DiscardedTotal sums discards over all reasons.
func (s Stats) DiscardedTotal() int {
	total := 0
	for _, n := range s.Discarded {
		total += n
	}
	return total
}

// CorruptionRatio is the discarded share of all non-empty lines.
func (s Stats) CorruptionRatio() float64 {
	discarded := s.DiscardedTotal()
	seen := s.Accepted + discarded
	if seen == 0 {
		return 0
	}
	return float64(discarded) / float64(seen)
}

// Ingestor owns one sensor connection for the duration of a run.
type Ingestor struct {
	stream device.ByteStream
	port   string
	opts   Options
	log    *logrus.Entry

	schema model.Schema

	mu    sync.Mutex
	stats Stats
}

// Open connects to the sensor device. Failure is a *device.ConnectionError.
func Open(open device.StreamOpener, port string, baud int, opts Options, log *logrus.Entry) (*Ingestor, error) {
	stream, err := open(port, baud)
	if err != nil {
		var connErr *device.ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &device.ConnectionError{Device: "serial", Addr: port, Err: err}
	}
	return New(stream, port, opts, log), nil
}

// New wraps an already opened stream.
func New(stream device.ByteStream, port string, opts Options, log *logrus.Entry) *Ingestor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingestor{
		stream: stream,
		port:   port,
		opts:   opts,
		log:    log.WithField("port", port),
		schema: opts.Schema,
		stats:  Stats{Discarded: map[Reason]int{}},
	}
}

// Schema returns the session schema, which may be zero until the first
// valid line arrives.
func (in *Ingestor) Schema() model.Schema {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.schema
}

// Stats returns a snapshot of the counters.
func (in *Ingestor) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := Stats{Accepted: in.stats.Accepted, Discarded: make(map[Reason]int, len(in.stats.Discarded))}
	for k, v := range in.stats.Discarded {
		out.Discarded[k] = v
	}
	return out
}

// Run streams lines into sink until ctx is cancelled or the device fails.
// The connection is always released before Run returns. A mid-run I/O error
// is returned as a *device.DeviceFault.
func (in *Ingestor) Run(ctx context.Context, sink Sink) error {
	started := false
	defer func() { in.shutdown(started) }()

	if in.opts.ResetWait > 0 {
		timer := time.NewTimer(in.opts.ResetWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	if !in.schema.IsZero() {
		if err := sink.WriteHeader(in.schema.Fields); err != nil {
			return fmt.Errorf("failed to write sensor header: %w", err)
		}
	}
	if _, err := in.stream.Write([]byte{StartMarker}); err != nil {
		return &device.DeviceFault{Device: "serial", Err: fmt.Errorf("failed to send start marker: %w", err)}
	}
	started = true
	in.log.Info("sensor streaming started")

	buf := make([]byte, readChunk)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, rerr := in.stream.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				if err := in.handleLine(ctx, sink, line); err != nil {
					return err
				}
				pending = pending[idx+1:]
			}
			if len(pending) > maxLineBytes {
				in.discard(&ParseError{Reason: ReasonOverlong})
				pending = nil
			}
			// Compact so the backing array does not grow without bound.
			pending = append([]byte(nil), pending...)
		}
		if rerr != nil {
			return &device.DeviceFault{Device: "serial", Err: rerr}
		}
	}
}

func (in *Ingestor) handleLine(ctx context.Context, sink Sink, line []byte) error {
	in.mu.Lock()
	schema := in.schema
	in.mu.Unlock()

	values, err := ParseLine(line, schema)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) && perr.Reason == ReasonEmpty {
			return nil
		}
		in.discard(err)
		return nil
	}
	if schema.IsZero() {
		schema = InferSchema(len(values))
		if err := sink.WriteHeader(schema.Fields); err != nil {
			return fmt.Errorf("failed to write sensor header: %w", err)
		}
		in.mu.Lock()
		in.schema = schema
		in.mu.Unlock()
		in.log.WithField("fields", schema.Len()).Info("inferred sensor schema")
	}

	ts := in.opts.Now()
	// A line stamped after the stop signal does not belong to the run.
	if ctx.Err() != nil {
		return nil
	}
	if err := sink.Append(model.SensorRecord{Timestamp: ts, Values: values}); err != nil {
		return fmt.Errorf("failed to append sensor record: %w", err)
	}
	in.mu.Lock()
	in.stats.Accepted++
	in.mu.Unlock()
	return nil
}

func (in *Ingestor) discard(err error) {
	reason := Reason("unknown")
	var perr *ParseError
	if errors.As(err, &perr) {
		reason = perr.Reason
	}
	in.mu.Lock()
	in.stats.Discarded[reason]++
	in.mu.Unlock()
	in.log.WithError(err).Debug("sensor line discarded")
}

// shutdown stops the device and releases the port. The stop marker and
// settle wait apply only once the start marker went out.
func (in *Ingestor) shutdown(started bool) {
	if started {
		if _, err := in.stream.Write([]byte{StopMarker}); err != nil {
			in.log.WithError(err).Warn("failed to send stop marker")
		} else if in.opts.SettleWait > 0 {
			time.Sleep(in.opts.SettleWait)
		}
	}
	if err := in.stream.Close(); err != nil {
		in.log.WithError(err).Warn("failed to close sensor port")
	}

	stats := in.Stats()
	entry := in.log.WithFields(logrus.Fields{
		"accepted":  stats.Accepted,
		"discarded": stats.DiscardedTotal(),
	})
	entry.Info("sensor streaming stopped")
	ratio := stats.CorruptionRatio()
	if in.opts.CorruptionWarnRatio > 0 && ratio > in.opts.CorruptionWarnRatio {
		entry.WithField("ratio", fmt.Sprintf("%.3f", ratio)).Warn("sensor corruption rate above threshold")
	}
}
