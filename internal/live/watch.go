// Package live follows a session while it is being recorded and prints a
// one-line status whenever the sensor log or frame directory changes.
package live

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/verte-zerg/rigtrace/internal/framestore"
	"github.com/verte-zerg/rigtrace/internal/model"
	"github.com/verte-zerg/rigtrace/internal/sensorlog"
)

// DefaultInterval is the refresh period.
const DefaultInterval = time.Second

// Snapshot is the observable state of a session directory.
type Snapshot struct {
	Fields    []string
	Rows      int
	Skipped   int
	Last      model.SensorRecord
	HasRecord bool
	Frames    int
	LastFrame time.Time
}

// Scan reads the current sensor log and frame directory of sess. A trailing
// row still being written counts as skipped.
func Scan(sess model.Session) (Snapshot, error) {
	log, err := sensorlog.Read(sess.SensorLog)
	if err != nil {
		return Snapshot{}, err
	}
	frames, _, err := framestore.List(sess.FrameDir)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Fields:  log.Fields,
		Rows:    len(log.Records),
		Skipped: log.Skipped,
		Frames:  len(frames),
	}
	if n := len(log.Records); n > 0 {
		snap.Last = log.Records[n-1]
		snap.HasRecord = true
	}
	if n := len(frames); n > 0 {
		snap.LastFrame = frames[n-1].Timestamp
	}
	return snap, nil
}

// Format renders snap as a single status line.
func Format(snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rows %d  frames %d", snap.Rows, snap.Frames)
	if snap.Skipped > 0 {
		fmt.Fprintf(&b, "  skipped %d", snap.Skipped)
	}
	if !snap.HasRecord {
		b.WriteString("  waiting for sensor data")
		return b.String()
	}
	b.WriteString("  " + snap.Last.Timestamp.Format("15:04:05.000"))
	for i, v := range snap.Last.Values {
		name := fmt.Sprintf("f%d", i+1)
		if i < len(snap.Fields) {
			name = snap.Fields[i]
		}
		fmt.Fprintf(&b, "  %s=%.4g", name, v)
	}
	if !snap.LastFrame.IsZero() {
		lag := snap.Last.Timestamp.Sub(snap.LastFrame)
		fmt.Fprintf(&b, "  frame lag %s", lag.Round(time.Millisecond))
	}
	return b.String()
}

// Watcher prints a status line for a session on change, at most once per
// interval.
type Watcher struct {
	sess     model.Session
	interval time.Duration
	out      io.Writer
	log      *logrus.Entry
}

// New creates a watcher for sess writing status lines to out.
func New(sess model.Session, interval time.Duration, out io.Writer, log *logrus.Entry) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watcher{sess: sess, interval: interval, out: out, log: log}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer func() {
		if cerr := fsw.Close(); cerr != nil {
			// Best-effort watcher close.
			_ = cerr
		}
	}()
	if err := fsw.Add(w.sess.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.sess.Dir, err)
	}
	frameDirWatched := w.addFrameDir(fsw)

	if err := w.refresh(); err != nil {
		return err
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !frameDirWatched && filepath.Clean(event.Name) == filepath.Clean(w.sess.FrameDir) {
				frameDirWatched = w.addFrameDir(fsw)
			}
			if w.relevant(event) {
				dirty = true
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("file watch error")
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := w.refresh(); err != nil {
				w.log.WithError(err).Warn("failed to scan session")
			}
		}
	}
}

func (w *Watcher) addFrameDir(fsw *fsnotify.Watcher) bool {
	if info, err := os.Stat(w.sess.FrameDir); err != nil || !info.IsDir() {
		return false
	}
	if err := fsw.Add(w.sess.FrameDir); err != nil {
		w.log.WithError(err).Warn("failed to watch frame directory")
		return false
	}
	return true
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(w.sess.SensorLog) || filepath.Dir(name) == filepath.Clean(w.sess.FrameDir)
}

func (w *Watcher) refresh() error {
	snap, err := Scan(w.sess)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w.out, Format(snap)); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}
