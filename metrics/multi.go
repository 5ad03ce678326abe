package metrics

import (
	"errors"
	"image"
)

type multiSink []Sink

// Multi fans every event out to all sinks. Flush and Close visit every
// sink and join their errors.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiSink) Scalar(step int, name string, value float64) {
	for _, s := range m {
		s.Scalar(step, name, value)
	}
}

func (m multiSink) Histogram(step int, name string, values []float64) {
	for _, s := range m {
		s.Histogram(step, name, values)
	}
}

func (m multiSink) Images(step int, name string, grid image.Image) {
	for _, s := range m {
		s.Images(step, name, grid)
	}
}

func (m multiSink) Flush() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
