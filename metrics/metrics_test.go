package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewHistogram(t *testing.T) {
	h := NewHistogram([]float64{3, 0, 2, 1, math.NaN()}, 3)
	if h.Count != 4 {
		t.Fatalf("expected 4 finite values, got %d", h.Count)
	}
	if h.Min != 0 || h.Max != 3 || h.Mean != 1.5 {
		t.Errorf("unexpected summary: %+v", h)
	}
	want := []float64{1, 1, 2}
	for i, w := range want {
		if h.Counts[i] != w {
			t.Errorf("bucket %d = %f, want %f", i, h.Counts[i], w)
		}
	}
	if len(h.Edges) != 4 {
		t.Errorf("expected 4 edges, got %d", len(h.Edges))
	}
}

func TestNewHistogramDegenerate(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		count  int
	}{
		{"empty", nil, 0},
		{"constant", []float64{2, 2, 2}, 3},
		{"single", []float64{5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistogram(tt.values, 0)
			if h.Count != tt.count {
				t.Errorf("expected count %d, got %d", tt.count, h.Count)
			}
			if math.IsNaN(h.StdDev) {
				t.Error("standard deviation must be defined")
			}
			var total float64
			for _, c := range h.Counts {
				total += c
			}
			if int(total) != tt.count {
				t.Errorf("bucket counts sum to %f, want %d", total, tt.count)
			}
		})
	}
}

func testGrid() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

func TestFileSinkWritesEvents(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}

	sink.Scalar(1, "d_loss", 0.5)
	sink.Scalar(1, "g_loss", math.Inf(1))
	sink.Histogram(1, "z", []float64{-1, 0, 1})
	sink.Images(100, "g_sample", testGrid())
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	file, err := os.Open(filepath.Join(dir, EventsFile))
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid event line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Name != "d_loss" || events[0].Value != 0.5 {
		t.Errorf("unexpected scalar event %+v", events[0])
	}
	if events[1].Name != "g_loss/nonfinite" {
		t.Errorf("non-finite scalar should be marked, got %q", events[1].Name)
	}
	if events[2].Histogram == nil || events[2].Histogram.Count != 3 {
		t.Errorf("unexpected histogram event %+v", events[2])
	}
	if _, err := os.Stat(events[3].ImagePath); err != nil {
		t.Errorf("image file missing: %v", err)
	}
}

func TestFileSinkAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(dir)
		if err != nil {
			t.Fatal(err)
		}
		sink.Scalar(i, "d_loss", float64(i))
		if err := sink.Close(); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, EventsFile))
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines after reopening, got %d", lines)
	}
}

func TestHTTPSinkFlushPostsBatch(t *testing.T) {
	var received Batch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/api/plot" {
			t.Errorf("Expected /api/plot, got %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		json.NewEncoder(w).Encode(Response{Success: true, Accepted: len(received.Events)})
	}))
	defer server.Close()

	config := DefaultHTTPSinkConfig()
	config.BaseURL = server.URL
	config.RunName = "flowers"
	sink := NewHTTPSink(config)

	sink.Scalar(7, "d_loss", 1.25)
	sink.Histogram(7, "d_synthetic", []float64{0.1, 0.2})
	sink.Images(7, "g_sample", testGrid())
	if sink.Pending() != 3 {
		t.Fatalf("expected 3 pending events, got %d", sink.Pending())
	}

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sink.Pending() != 0 {
		t.Errorf("expected empty buffer after flush, got %d", sink.Pending())
	}
	if received.RunName != "flowers" || len(received.Events) != 3 {
		t.Fatalf("unexpected batch: %+v", received)
	}
	if len(received.Events[2].ImagePNG) == 0 {
		t.Error("image event should carry PNG bytes")
	}
}

func TestHTTPSinkRetries(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(Response{Success: false, Message: "busy"})
			return
		}
		json.NewEncoder(w).Encode(Response{Success: true})
	}))
	defer server.Close()

	sink := NewHTTPSink(HTTPSinkConfig{BaseURL: server.URL, Timeout: 5 * time.Second, RetryAttempts: 3, RetryDelay: time.Millisecond})
	sink.Scalar(1, "d_loss", 1)
	if err := sink.Flush(); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestHTTPSinkKeepsEventsOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := NewHTTPSink(HTTPSinkConfig{BaseURL: server.URL, Timeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond})
	sink.Scalar(1, "d_loss", 1)
	if err := sink.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
	if sink.Pending() != 1 {
		t.Errorf("failed events should stay buffered, got %d", sink.Pending())
	}
}

func TestHTTPSinkBoundsBacklogWhileFailing(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := NewHTTPSink(HTTPSinkConfig{
		BaseURL:        server.URL,
		Timeout:        time.Second,
		RetryAttempts:  2,
		RetryDelay:     50 * time.Millisecond,
		MaxPending:     20,
		FailureBackoff: time.Hour,
	})

	start := time.Now()
	for step := 1; step <= 5; step++ {
		for i := 0; i < 10; i++ {
			sink.Scalar(step, "d_loss", float64(i))
		}
		err := sink.Flush()
		if step == 1 && err == nil {
			t.Fatal("first flush should report the failure")
		}
		if step > 1 && err != nil {
			t.Errorf("step %d: flush during backoff should not fail, got %v", step, err)
		}
	}
	elapsed := time.Since(start)

	if got := sink.Pending(); got != 20 {
		t.Errorf("expected the backlog capped at 20, got %d", got)
	}
	if got := sink.Dropped(); got != 30 {
		t.Errorf("expected 30 dropped events, got %d", got)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("only the first flush should reach the server, got %d requests", got)
	}
	if !sink.BackingOff() {
		t.Error("sink should be backing off")
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("flushes during backoff should not wait, took %v", elapsed)
	}
}

func TestHTTPSinkResumesAfterBackoff(t *testing.T) {
	var healthy atomic.Bool
	var received int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var batch Batch
		if err := json.NewDecoder(r.Body).Decode(&batch); err == nil {
			atomic.AddInt32(&received, int32(len(batch.Events)))
		}
		json.NewEncoder(w).Encode(Response{Success: true})
	}))
	defer server.Close()

	now := time.Unix(1000, 0)
	sink := NewHTTPSink(HTTPSinkConfig{
		BaseURL:        server.URL,
		Timeout:        time.Second,
		RetryAttempts:  1,
		FailureBackoff: 10 * time.Second,
		MaxBackoff:     25 * time.Second,
	})
	sink.now = func() time.Time { return now }

	sink.Scalar(1, "d_loss", 1)
	if err := sink.Flush(); err == nil {
		t.Fatal("expected failure")
	}
	now = now.Add(11 * time.Second)
	if err := sink.Flush(); err == nil {
		t.Fatal("expected second failure")
	}
	// The second failure doubles the pause to 20s.
	now = now.Add(15 * time.Second)
	if !sink.BackingOff() {
		t.Error("expected a doubled backoff")
	}
	if err := sink.Flush(); err != nil {
		t.Errorf("flush during backoff should be skipped, got %v", err)
	}
	now = now.Add(6 * time.Second)
	if err := sink.Flush(); err == nil {
		t.Fatal("expected third failure")
	}
	sink.mu.Lock()
	pause := sink.backoff()
	sink.mu.Unlock()
	if pause != 25*time.Second {
		t.Errorf("backoff should be capped at 25s, got %v", pause)
	}

	healthy.Store(true)
	now = now.Add(26 * time.Second)
	sink.Scalar(2, "d_loss", 2)
	if err := sink.Flush(); err != nil {
		t.Fatalf("flush after recovery failed: %v", err)
	}
	if sink.Pending() != 0 || sink.BackingOff() {
		t.Errorf("expected an empty buffer and no backoff, pending=%d", sink.Pending())
	}
	if got := atomic.LoadInt32(&received); got != 2 {
		t.Errorf("expected both buffered events delivered, got %d", got)
	}
}

func TestHTTPSinkCheckHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewHTTPSink(HTTPSinkConfig{BaseURL: server.URL, Timeout: time.Second})
	if err := sink.CheckHealth(); err != nil {
		t.Errorf("expected healthy sidecar, got %v", err)
	}

	down := NewHTTPSink(HTTPSinkConfig{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	if err := down.CheckHealth(); err == nil {
		t.Error("expected health check to fail")
	}
}

type failingSink struct {
	Discard
	err error
}

func (f failingSink) Flush() error { return f.err }

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	boom := errors.New("boom")
	sink := Multi(a, nil, b, failingSink{err: boom})

	sink.Scalar(3, "g_loss", 2)
	sink.Histogram(3, "z", []float64{1})
	sink.Images(3, "g_sample", testGrid())

	for _, r := range []*Recorder{a, b} {
		if pts := r.Scalars("g_loss"); len(pts) != 1 || pts[0].Step != 3 || pts[0].Value != 2 {
			t.Errorf("unexpected scalars %v", pts)
		}
		if len(r.Histograms("z")) != 1 {
			t.Error("histogram not forwarded")
		}
		if steps := r.ImageSteps("g_sample"); len(steps) != 1 || steps[0] != 3 {
			t.Errorf("unexpected image steps %v", steps)
		}
	}

	if err := sink.Flush(); !errors.Is(err, boom) {
		t.Errorf("expected joined flush error, got %v", err)
	}
	if a.Flushes() != 1 || b.Flushes() != 1 {
		t.Error("every sink should be flushed despite the failure")
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !a.Closed() || !b.Closed() {
		t.Error("every sink should be closed")
	}

	if single := Multi(a); single != Sink(a) {
		t.Error("a single sink should be returned unwrapped")
	}
}
