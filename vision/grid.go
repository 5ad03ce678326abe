package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// ManifoldSize returns the rows and columns of a square grid holding n
// images. n must be a perfect square.
func ManifoldSize(n int) (int, int, error) {
	side := int(math.Round(math.Sqrt(float64(n))))
	if n < 1 || side*side != n {
		return 0, 0, fmt.Errorf("sample count %d is not a perfect square", n)
	}
	return side, side, nil
}

// MergeGrid tiles the rows of images (HWC, values in [-1, 1]) into a
// gridRows x gridCols image, row-major. Each tile is size x size pixels.
func MergeGrid(images *mat.Dense, gridRows, gridCols, size, channels int) (image.Image, error) {
	n, width := images.Dims()
	if n != gridRows*gridCols {
		return nil, fmt.Errorf("grid %dx%d needs %d images, got %d", gridRows, gridCols, gridRows*gridCols, n)
	}
	if width != size*size*channels {
		return nil, fmt.Errorf("image width %d does not match %dx%dx%d", width, size, size, channels)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	grid := image.NewRGBA(image.Rect(0, 0, gridCols*size, gridRows*size))
	for i := 0; i < n; i++ {
		row := images.RawRowView(i)
		offX := (i % gridCols) * size
		offY := (i / gridCols) * size

		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				p := row[(y*size+x)*channels:]
				var c color.RGBA
				if channels == 1 {
					v := toByte(p[0])
					c = color.RGBA{R: v, G: v, B: v, A: 255}
				} else {
					c = color.RGBA{R: toByte(p[0]), G: toByte(p[1]), B: toByte(p[2]), A: 255}
				}
				grid.SetRGBA(offX+x, offY+y, c)
			}
		}
	}
	return grid, nil
}

// toByte applies the inverse transform (x+1)/2 and quantises to 8 bits.
func toByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	u := (v + 1) / 2
	u = math.Max(0, math.Min(1, u))
	return uint8(math.Round(u * 255))
}

// SavePNG writes img to path through a temporary file and rename.
func SavePNG(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create sample directory: %w", err)
	}

	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary image file: %w", err)
	}
	tempPath := file.Name()

	if err := png.Encode(file, img); err != nil {
		file.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temporary image file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename image to %s: %w", path, err)
	}
	return nil
}
