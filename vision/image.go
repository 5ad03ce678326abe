// Package vision converts between decoded images and the flattened
// [-1, 1] rows the models train on, and tiles generated samples into grids.
package vision

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
)

// Decode decodes a JPEG or PNG image, resizes it to size x size with
// nearest-neighbour sampling and returns it in HWC order scaled to [-1, 1].
// channels must be 1 (luminance) or 3 (RGB).
func Decode(r io.Reader, size, channels int) ([]float64, error) {
	if size < 1 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	data := make([]float64, 0, size*size*channels)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)
			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}

			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			if channels == 1 {
				// Integer weights keep white at exactly 1 and black at 0.
				y := 299*r + 587*g + 114*b
				data = append(data, toSigned(float64(y)/(1000*65535.0)))
				continue
			}
			rVal := float64(r) / 65535.0
			gVal := float64(g) / 65535.0
			bVal := float64(b) / 65535.0
			data = append(data, toSigned(rVal), toSigned(gVal), toSigned(bVal))
		}
	}
	return data, nil
}

// toSigned maps [0, 1] onto [-1, 1].
func toSigned(v float64) float64 {
	return 2*v - 1
}

// LoadImages decodes image files concurrently, preserving order.
func LoadImages(paths []string, size, channels, maxWorkers int) ([][]float64, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([][]float64, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				file, err := os.Open(j.path)
				if err != nil {
					errs[j.index] = err
					continue
				}
				results[j.index], errs[j.index] = Decode(file, size, channels)
				file.Close()
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %s: %w", paths[i], err)
		}
	}
	return results, nil
}
