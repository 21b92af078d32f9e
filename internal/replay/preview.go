package replay

import (
	"image"
	"image/color"
	"strings"
)

// grayRamp maps luminance to characters from dark to bright.
const grayRamp = " .:-=+*#%@"

// renderPreview downsamples img to width x height character cells. Terminal
// cells are about twice as tall as wide, so each cell covers two source rows
// per column of the same pixel width.
func renderPreview(img image.Image, width, height int) []string {
	if img == nil || width <= 0 || height <= 0 {
		return nil
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil
	}
	// Keep the aspect ratio inside the box.
	scale := float64(b.Dx()) / float64(width)
	if s := float64(b.Dy()) / float64(height*2); s > scale {
		scale = s
	}
	cols := min(width, int(float64(b.Dx())/scale))
	rows := min(height, int(float64(b.Dy())/(scale*2)))
	cols, rows = max(cols, 1), max(rows, 1)

	ramp := []rune(grayRamp)
	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var line strings.Builder
		y0 := b.Min.Y + y*b.Dy()/rows
		y1 := max(b.Min.Y+(y+1)*b.Dy()/rows, y0+1)
		for x := 0; x < cols; x++ {
			x0 := b.Min.X + x*b.Dx()/cols
			x1 := max(b.Min.X+(x+1)*b.Dx()/cols, x0+1)
			lum := meanLuma(img, x0, y0, x1, y1)
			idx := int(lum) * (len(ramp) - 1) / 255
			line.WriteRune(ramp[idx])
		}
		lines = append(lines, line.String())
	}
	return lines
}

func meanLuma(img image.Image, x0, y0, x1, y1 int) uint32 {
	// Sample at most 4x4 points per cell.
	stepX := max((x1-x0)/4, 1)
	stepY := max((y1-y0)/4, 1)
	var sum, n uint32
	for y := y0; y < y1; y += stepY {
		for x := x0; x < x1; x += stepX {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			sum += uint32(g.Y)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}
