package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tsawler/go-wgancls/vision"
)

// maxLineSize bounds one JSON line; a 64x64x3 image in text is well below it.
const maxLineSize = 64 << 20

// ImageFormat describes how image_path entries are decoded.
type ImageFormat struct {
	Size     int // side length in pixels
	Channels int
}

// LoadJSONL reads one Example per line. Blank lines are skipped. Examples
// with an image_path instead of inline pixels are decoded with format.
func LoadJSONL(path string, format ImageFormat, opts ...MemoryOption) (*Memory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	var examples []Example
	var imagePaths []string
	var imageIndex []int

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ex Example
		if err := json.Unmarshal([]byte(text), &ex); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if len(ex.Image) == 0 && ex.ImagePath != "" {
			p := ex.ImagePath
			if !filepath.IsAbs(p) {
				p = filepath.Join(filepath.Dir(path), p)
			}
			imagePaths = append(imagePaths, p)
			imageIndex = append(imageIndex, len(examples))
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	if len(imagePaths) > 0 {
		images, err := vision.LoadImages(imagePaths, format.Size, format.Channels, runtime.NumCPU())
		if err != nil {
			return nil, err
		}
		for i, idx := range imageIndex {
			examples[idx].Image = images[i]
		}
	}

	ds, err := NewMemory(examples, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}
