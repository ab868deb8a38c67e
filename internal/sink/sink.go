// Package sink owns the virtual camera device that downstream applications
// read as a webcam. Exactly one device exists at a time; the bridge engine
// closes and reopens it whenever the output geometry or frame rate changes.
package sink

import (
	"fmt"
	"image"
)

// Config describes the device a sink is opened with.
type Config struct {
	Width  int
	Height int
	FPS    int
	Device string
}

// Sink is an open virtual camera device.
type Sink interface {
	// Send delivers one frame sized to the sink's configured geometry.
	Send(frame *image.RGBA) error

	// SleepUntilNextFrame blocks until the next output slot at the
	// configured frame rate. Callers invoke it once per delivered frame to
	// keep outbound pacing at the target rate.
	SleepUntilNextFrame()

	// Close releases the device.
	Close() error
}

// Opener creates a Sink for the given configuration. A failure is fatal for
// the current bridge run and is reported as an *InitError.
type Opener func(Config) (Sink, error)

// InitError wraps a device open failure with the backend that produced it.
type InitError struct {
	Backend string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("virtual camera init failed (%s): %v", e.Backend, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Open returns an Opener for the named backend writing to device.
// Backends: "v4l2" (direct v4l2loopback writes), "gst" (gst-launch-1.0
// subprocess), "auto" (v4l2 with gst fallback).
func Open(backend, device string) Opener {
	return func(cfg Config) (Sink, error) {
		cfg.Device = device

		switch backend {
		case "v4l2":
			return openV4L2(cfg)
		case "gst":
			return openGst(cfg)
		case "", "auto":
			s, err := openV4L2(cfg)
			if err == nil {
				return s, nil
			}
			return openGst(cfg)
		default:
			return nil, &InitError{Backend: backend, Err: fmt.Errorf("unknown sink backend")}
		}
	}
}
