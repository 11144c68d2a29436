// Package capture acquires still frames from a camera stream. The polling
// controller holds the camera only for the duration of one cycle: Acquire,
// a handful of Frame calls, then exactly one Release on every exit path.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
)

// ErrCameraUnavailable is returned when the camera stream cannot be opened
// (device missing, endpoint down, permission denied). It aborts the current
// polling cycle only.
var ErrCameraUnavailable = errors.New("camera unavailable")

// Fallback raster size used when the stream's native resolution is unknown.
const (
	FallbackWidth  = 640
	FallbackHeight = 480
)

// Frame is one compressed still image grabbed from the stream.
type Frame struct {
	Data   []byte // JPEG bytes
	Width  int
	Height int
}

// DataURL renders the frame as a base64 data URL, the wire shape the face
// classification endpoint expects.
func (f Frame) DataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Stream is a live camera stream handle.
type Stream interface {
	// Frame grabs the current frame. A failed grab spoils one sub-poll
	// attempt, not the whole cycle.
	Frame(ctx context.Context) (Frame, error)
	// Release stops the stream. Must be called exactly once per Acquire;
	// implementations make repeat calls no-ops.
	Release()
}

// Source produces live streams on demand.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}
