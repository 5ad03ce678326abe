package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"net/http"
	"sync"
	"time"
)

// HTTPSinkConfig contains configuration for the sidecar metrics service.
type HTTPSinkConfig struct {
	BaseURL       string        `json:"base_url"`
	RunName       string        `json:"run_name"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`

	// MaxPending bounds the buffered events; the oldest are dropped first.
	MaxPending int `json:"max_pending"`
	// FailureBackoff is how long Flush stops sending after a failed batch.
	// It doubles with every consecutive failure up to MaxBackoff.
	FailureBackoff time.Duration `json:"failure_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultHTTPSinkConfig returns default configuration for the sidecar.
func DefaultHTTPSinkConfig() HTTPSinkConfig {
	return HTTPSinkConfig{
		BaseURL:       "http://localhost:8080",
		RunName:       "wgancls",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,

		MaxPending:     4096,
		FailureBackoff: 30 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// HTTPSink buffers events and posts them to the sidecar on Flush. While
// the sidecar is failing, Flush returns immediately and the buffer keeps
// only the newest MaxPending events.
type HTTPSink struct {
	config     HTTPSinkConfig
	httpClient *http.Client
	now        func() time.Time

	mu           sync.Mutex
	pending      []Event
	dropped      int
	failures     int
	backoffUntil time.Time
}

// NewHTTPSink creates a sidecar client.
func NewHTTPSink(config HTTPSinkConfig) *HTTPSink {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &HTTPSink{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		now:        time.Now,
	}
}

func (s *HTTPSink) Scalar(step int, name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		name += "/nonfinite"
		value = 0
	}
	s.add(Event{Kind: ScalarEvent, Step: step, Name: name, Value: value, Timestamp: time.Now()})
}

func (s *HTTPSink) Histogram(step int, name string, values []float64) {
	s.add(Event{Kind: HistogramEvent, Step: step, Name: name, Histogram: NewHistogram(values, DefaultBins), Timestamp: time.Now()})
}

func (s *HTTPSink) Images(step int, name string, grid image.Image) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, grid); err != nil {
		return
	}
	s.add(Event{Kind: ImageEvent, Step: step, Name: name, ImagePNG: buf.Bytes(), Timestamp: time.Now()})
}

func (s *HTTPSink) add(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.trimLocked()
	s.mu.Unlock()
}

// trimLocked drops the oldest events beyond MaxPending.
func (s *HTTPSink) trimLocked() {
	if s.config.MaxPending <= 0 || len(s.pending) <= s.config.MaxPending {
		return
	}
	excess := len(s.pending) - s.config.MaxPending
	s.dropped += excess
	s.pending = append([]Event(nil), s.pending[excess:]...)
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (s *HTTPSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// BackingOff reports whether Flush is currently skipping sends after a
// failure.
func (s *HTTPSink) BackingOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.backoffUntil)
}

// Pending returns the number of buffered events.
func (s *HTTPSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush sends the buffered events with retries. On failure the events stay
// buffered and sending pauses for the backoff period; Flush calls during
// that period return nil without touching the network.
func (s *HTTPSink) Flush() error {
	s.mu.Lock()
	if s.now().Before(s.backoffUntil) {
		s.mu.Unlock()
		return nil
	}
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	_, err := s.SendWithRetry(Batch{RunName: s.config.RunName, Events: events})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.pending = append(events, s.pending...)
		s.trimLocked()
		s.failures++
		s.backoffUntil = s.now().Add(s.backoff())
		return err
	}
	s.failures = 0
	s.backoffUntil = time.Time{}
	return nil
}

// backoff returns the pause after the current run of failures.
func (s *HTTPSink) backoff() time.Duration {
	d := s.config.FailureBackoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < s.failures; i++ {
		d *= 2
		if s.config.MaxBackoff > 0 && d >= s.config.MaxBackoff {
			return s.config.MaxBackoff
		}
	}
	return d
}

// Close makes one last attempt to send what is left, ignoring any backoff.
func (s *HTTPSink) Close() error {
	s.mu.Lock()
	s.backoffUntil = time.Time{}
	s.mu.Unlock()
	return s.Flush()
}

// Send posts one batch to /api/plot.
func (s *HTTPSink) Send(batch Batch) (*Response, error) {
	jsonData, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics batch: %w", err)
	}

	url := fmt.Sprintf("%s/api/plot", s.config.BaseURL)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-wgancls")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var response Response
	if err := json.Unmarshal(respBody, &response); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP request failed with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &response, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, response.Message)
	}
	return &response, nil
}

// SendWithRetry sends a batch, retrying up to the configured attempts.
func (s *HTTPSink) SendWithRetry(batch Batch) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.Send(batch)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < s.config.RetryAttempts-1 {
			time.Sleep(s.config.RetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to send metrics after %d attempts: %w", s.config.RetryAttempts, lastErr)
}

// CheckHealth checks if the sidecar is available.
func (s *HTTPSink) CheckHealth() error {
	url := fmt.Sprintf("%s/health", s.config.BaseURL)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
