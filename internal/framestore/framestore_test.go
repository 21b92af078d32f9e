package framestore

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileNameIsFixedWidthAndParses(t *testing.T) {
	ts := time.Date(2025, 3, 4, 9, 5, 7, 123456000, time.UTC).Local()
	name := FileName(ts)
	assert.Equal(t, "img_20250304T090507.123456Z.png", name)

	parsed, err := ParseName(name)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))

	later := FileName(ts.Add(900 * time.Microsecond))
	assert.Len(t, later, len(name))
	assert.Less(t, name, later)
}

func TestFileNameAcrossDSTFallBack(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no zone data: %v", err)
	}
	// 01:30 occurs twice on 2025-11-02 in New York.
	first := time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC).In(loc)
	second := first.Add(time.Hour)
	require.Equal(t, first.Hour(), second.Hour())

	a, b := FileName(first), FileName(second)
	assert.Less(t, a, b)
	pa, err := ParseName(a)
	require.NoError(t, err)
	pb, err := ParseName(b)
	require.NoError(t, err)
	assert.True(t, pa.Equal(first))
	assert.Equal(t, time.Hour, pb.Sub(pa))
}

func TestParseNameReadsLocalStamps(t *testing.T) {
	parsed, err := ParseName("img_20250304_090507.123456.png")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(time.Date(2025, 3, 4, 9, 5, 7, 123456000, time.Local)))
}

func TestParseNameRejectsForeignFiles(t *testing.T) {
	for _, name := range []string{"notes.txt", "img_.png", "img_2025.png", "frame_20250304_090507.123456.png"} {
		_, err := ParseName(name)
		assert.Error(t, err, name)
	}
}

func TestSaveListLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	st, err := New(dir)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.Pix[4] = 200
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.Local)
	_, err = st.Save(base.Add(2*time.Second), img)
	require.NoError(t, err)
	first, err := st.Save(base, img)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img_bad.png"), []byte("x"), 0o644))

	frames, skipped, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, frames, 2)
	assert.Equal(t, first, frames[0].Path)
	assert.True(t, frames[0].Timestamp.Before(frames[1].Timestamp))

	loaded, err := Load(first)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), loaded.Bounds())
	gray, ok := loaded.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, uint8(200), gray.Pix[4])
}

func TestListMissingDir(t *testing.T) {
	frames, skipped, err := List(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, skipped)
}
