// Package framestore persists camera frames as PNG files whose names encode
// the capture time with microsecond resolution.
package framestore

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/verte-zerg/rigtrace/internal/model"
)

const (
	// NameLayout is the fixed-width UTC timestamp embedded in frame names.
	NameLayout = "20060102T150405.000000Z"
	// localNameLayout is the zoneless local stamp of older sessions.
	localNameLayout = "20060102_150405.000000"
	namePrefix = "img_"
	nameExt    = ".png"
)

// FileName returns the frame file name for a capture time.
func FileName(ts time.Time) string {
	return namePrefix + ts.UTC().Format(NameLayout) + nameExt
}

// ParseName recovers the capture time from a frame file name.
func ParseName(name string) (time.Time, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, namePrefix) || !strings.HasSuffix(base, nameExt) {
		return time.Time{}, fmt.Errorf("not a frame file: %s", base)
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(base, namePrefix), nameExt)
	if ts, err := time.Parse(NameLayout, stamp); err == nil {
		return ts.Local(), nil
	}
	ts, err := time.ParseInLocation(localNameLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad frame timestamp %q: %w", stamp, err)
	}
	return ts, nil
}

// Store writes frames into one directory.
type Store struct {
	dir string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory frames are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Save encodes img and stores it under its timestamped name. The file only
// appears under its final name once fully written.
func (s *Store) Save(ts time.Time, img image.Image) (string, error) {
	path := filepath.Join(s.dir, FileName(ts))
	tmp, err := os.CreateTemp(s.dir, ".frame-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create frame file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if err := png.Encode(tmp, img); err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close frame file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to store frame: %w", err)
	}
	return path, nil
}

// List returns the frames in dir sorted by capture time. Files whose names
// do not parse are skipped and counted. A missing directory is empty.
func List(dir string) ([]model.FrameRecord, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read frame directory: %w", err)
	}
	frames := make([]model.FrameRecord, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ts, err := ParseName(entry.Name())
		if err != nil {
			skipped++
			continue
		}
		frames = append(frames, model.FrameRecord{Timestamp: ts, Path: filepath.Join(dir, entry.Name())})
	}
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].Timestamp.Before(frames[j].Timestamp)
	})
	return frames, skipped, nil
}

// Load decodes a stored frame.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			// Best-effort close for read-only frame.
			_ = cerr
		}
	}()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}
