package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tsawler/go-wgancls/vision"
)

// EventsFile is the name of the JSON lines file inside the logs directory.
const EventsFile = "events.jsonl"

// FileSink appends one JSON object per event to <dir>/events.jsonl and
// stores image events as PNG files under <dir>/images. It is safe for
// concurrent use.
type FileSink struct {
	dir  string
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	err  error // first write error, reported by Flush
}

// NewFileSink opens (or creates) the events file in dir for appending.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &FileSink{dir: dir, file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Path returns the location of the events file.
func (s *FileSink) Path() string {
	return filepath.Join(s.dir, EventsFile)
}

func (s *FileSink) Scalar(step int, name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		// JSON has no encoding for these; keep the event with a marker name.
		s.write(Event{Kind: ScalarEvent, Step: step, Name: name + "/nonfinite", Timestamp: time.Now()})
		return
	}
	s.write(Event{Kind: ScalarEvent, Step: step, Name: name, Value: value, Timestamp: time.Now()})
}

func (s *FileSink) Histogram(step int, name string, values []float64) {
	s.write(Event{Kind: HistogramEvent, Step: step, Name: name, Histogram: NewHistogram(values, DefaultBins), Timestamp: time.Now()})
}

func (s *FileSink) Images(step int, name string, grid image.Image) {
	path := filepath.Join(s.dir, "images", fmt.Sprintf("%s_%07d.png", sanitize(name), step))
	if err := vision.SavePNG(grid, path); err != nil {
		s.fail(err)
		return
	}
	s.write(Event{Kind: ImageEvent, Step: step, Name: name, ImagePath: path, Timestamp: time.Now()})
}

func (s *FileSink) write(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return
	}
	if err := s.enc.Encode(e); err != nil && s.err == nil {
		s.err = fmt.Errorf("failed to write %s event: %w", e.Name, err)
	}
}

func (s *FileSink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Flush writes buffered events to disk and returns the first error seen
// since the previous Flush.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	if s.buf != nil {
		if ferr := s.buf.Flush(); ferr != nil {
			err = errors.Join(err, fmt.Errorf("failed to flush events: %w", ferr))
		}
	}
	return err
}

func (s *FileSink) Close() error {
	err := s.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return err
	}
	if cerr := s.file.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.file, s.buf, s.enc = nil, nil, nil
	return err
}

// sanitize turns a summary name such as "health/nonfinite_steps" into a
// file name component.
func sanitize(name string) string {
	out := []rune(name)
	for i, r := range out {
		if r == '/' || r == '\\' || r == ' ' || r == ':' {
			out[i] = '_'
		}
	}
	return string(out)
}
