package bridge

import "image"

// Status is the engine's coarse operating state.
type Status string

const (
	// StatusStopped means no worker is running; terminal until restarted.
	StatusStopped Status = "stopped"
	// StatusWaiting means the worker is running but has no attached source.
	StatusWaiting Status = "waiting"
	// StatusRunning means frames are flowing from source to sink.
	StatusRunning Status = "running"
	// StatusError means the worker hit a fatal condition and stopped;
	// terminal until restarted.
	StatusError Status = "error"
)

// State is an immutable snapshot published by the worker. Ownership transfers
// to the subscriber: the worker never retains or mutates a State (or its
// preview frame) after publishing it.
type State struct {
	Status     Status
	Message    string
	SourceName string
	// FPS is the measured output rate over the last whole second, 0 if unknown.
	FPS float64
	// Frame is an optional downscaled preview image.
	Frame *image.RGBA
}
