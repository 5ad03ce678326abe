package metrics

import "time"

// EventKind identifies the payload carried by an Event.
type EventKind string

const (
	ScalarEvent    EventKind = "scalar"
	HistogramEvent EventKind = "histogram"
	ImageEvent     EventKind = "image"
)

// Event is the universal record written by the file sink and sent to the
// sidecar.
type Event struct {
	Kind      EventKind  `json:"kind"`
	Step      int        `json:"step"`
	Name      string     `json:"name"`
	Timestamp time.Time  `json:"timestamp"`
	Value     float64    `json:"value,omitempty"`
	Histogram *Histogram `json:"histogram,omitempty"`

	// ImagePath is set by the file sink, ImagePNG (base64 in JSON) by the
	// HTTP sink.
	ImagePath string `json:"image_path,omitempty"`
	ImagePNG  []byte `json:"image_png,omitempty"`
}

// Batch groups the events of one or more steps for a single sidecar request.
type Batch struct {
	RunName string  `json:"run_name"`
	Events  []Event `json:"events"`
}

// Response is the sidecar's reply to a posted batch.
type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Accepted  int    `json:"accepted,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}
