// Package session allocates and reopens per-run session directories.
//
// A session directory holds the sensor log, the frame directory and a JSON
// manifest describing the run.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/verte-zerg/rigtrace/internal/model"
)

const (
	// IDLayout derives a session ID from its start time.
	IDLayout     = "20060102-150405"
	manifestName = "session.json"
	sensorName   = "sensor.csv"
	framesName   = "frames"
)

// ErrNotFound is returned when a session reference resolves to nothing.
var ErrNotFound = errors.New("session not found")

// Create allocates a new session directory under root. IDs collide only
// when two runs start within the same second; a numeric suffix keeps them apart.
func Create(root string, startedAt time.Time) (model.Session, error) {
	if root == "" {
		return model.Session{}, errors.New("sessions directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return model.Session{}, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	base := startedAt.Format(IDLayout)
	id := base
	var dir string
	for i := 2; ; i++ {
		dir = filepath.Join(root, id)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return model.Session{}, fmt.Errorf("failed to create session directory: %w", err)
		}
		if i > 99 {
			return model.Session{}, fmt.Errorf("too many sessions started at %s", base)
		}
		id = fmt.Sprintf("%s-%d", base, i)
	}
	sess := model.Session{
		ID:        id,
		Dir:       dir,
		SensorLog: filepath.Join(dir, sensorName),
		FrameDir:  filepath.Join(dir, framesName),
		StartedAt: startedAt,
		State:     "preparing",
	}
	if err := os.MkdirAll(sess.FrameDir, 0o755); err != nil {
		return model.Session{}, fmt.Errorf("failed to create frame directory: %w", err)
	}
	return sess, nil
}

// WriteManifest stores the session description next to its data.
func WriteManifest(sess model.Session) error {
	data, err := sonic.ConfigStd.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(sess.Dir, manifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Open resolves ref as a session directory, or as a session ID under root.
// Directories without a manifest are opened by convention.
func Open(ref, root string) (model.Session, error) {
	if ref == "" {
		return model.Session{}, errors.New("session reference is empty")
	}
	dir := ref
	if !isDir(dir) {
		dir = filepath.Join(root, ref)
		if root == "" || !isDir(dir) {
			return model.Session{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if !os.IsNotExist(err) {
			return model.Session{}, fmt.Errorf("failed to read manifest: %w", err)
		}
		return conventional(dir), nil
	}
	var sess model.Session
	if err := sonic.ConfigStd.Unmarshal(data, &sess); err != nil {
		return model.Session{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	// The directory may have been moved since the manifest was written.
	sess.Dir = dir
	sess.SensorLog = filepath.Join(dir, sensorName)
	sess.FrameDir = filepath.Join(dir, framesName)
	return sess, nil
}

func conventional(dir string) model.Session {
	id := filepath.Base(dir)
	sess := model.Session{
		ID:        id,
		Dir:       dir,
		SensorLog: filepath.Join(dir, sensorName),
		FrameDir:  filepath.Join(dir, framesName),
		State:     "unknown",
	}
	if ts, err := time.ParseInLocation(IDLayout, id, time.Local); err == nil {
		sess.StartedAt = ts
	}
	return sess
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
