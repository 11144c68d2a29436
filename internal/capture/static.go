package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
)

// StaticSource serves a synthesized frame without touching a device, for dev
// setups and tests where no camera endpoint exists (CAMERA_SKIP mode).
type StaticSource struct {
	frame Frame
}

// NewStaticSource builds a source yielding a flat gray 640x480 JPEG.
func NewStaticSource(quality int) (*StaticSource, error) {
	frame, err := synthFrame(quality)
	if err != nil {
		return nil, err
	}
	return &StaticSource{frame: frame}, nil
}

// synthFrame renders the flat gray fallback raster as a JPEG frame.
func synthFrame(quality int) (Frame, error) {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	img := image.NewRGBA(image.Rect(0, 0, FallbackWidth, FallbackHeight))
	gray := color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	for y := 0; y < FallbackHeight; y++ {
		for x := 0; x < FallbackWidth; x++ {
			img.SetRGBA(x, y, gray)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return Frame{}, err
	}
	return Frame{Data: buf.Bytes(), Width: FallbackWidth, Height: FallbackHeight}, nil
}

// Acquire returns a stream that repeats the synthesized frame.
func (s *StaticSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &staticStream{frame: s.frame}, nil
}

type staticStream struct {
	frame    Frame
	once     sync.Once
	released bool
}

func (s *staticStream) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.released {
		return Frame{}, ErrCameraUnavailable
	}
	return s.frame, nil
}

func (s *staticStream) Release() {
	s.once.Do(func() { s.released = true })
}
