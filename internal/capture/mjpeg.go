package capture

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/disintegration/imaging"
)

// MJPEGSource reads frames from an MJPEG-over-HTTP camera endpoint
// (multipart/x-mixed-replace), the usual surface of IP and USB streaming
// cameras.
type MJPEGSource struct {
	URL     string
	Quality int
	HTTP    *http.Client
}

// NewMJPEGSource creates a source for the given stream URL.
func NewMJPEGSource(url string, quality int) *MJPEGSource {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &MJPEGSource{
		URL:     url,
		Quality: quality,
		// No overall timeout: the stream stays open for the whole cycle.
		// Cancellation comes from the cycle context on the request.
		HTTP: &http.Client{},
	}
}

// Acquire opens the stream. The passed context bounds the stream's lifetime;
// cancelling it unblocks any in-flight Frame read.
func (s *MJPEGSource) Acquire(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: stream returned %s", ErrCameraUnavailable, resp.Status)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: not an mjpeg stream (%s)", ErrCameraUnavailable, resp.Header.Get("Content-Type"))
	}
	return &mjpegStream{
		body:    resp.Body,
		reader:  multipart.NewReader(resp.Body, params["boundary"]),
		quality: s.Quality,
	}, nil
}

type mjpegStream struct {
	body    io.ReadCloser
	reader  *multipart.Reader
	quality int
	once    sync.Once
}

// Frame reads the next part of the stream and re-encodes it at the
// configured JPEG quality, sized to the stream's native resolution (falling
// back to 640x480 when the part does not carry decodable dimensions).
func (m *mjpegStream) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	part, err := m.reader.NextPart()
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, fmt.Errorf("read stream part: %w", err)
	}
	raw, err := io.ReadAll(part)
	part.Close()
	if err != nil {
		return Frame{}, fmt.Errorf("read frame bytes: %w", err)
	}
	return encodeFrame(raw, m.quality)
}

// Release closes the stream exactly once; repeat calls are no-ops.
func (m *mjpegStream) Release() {
	m.once.Do(func() { m.body.Close() })
}

// encodeFrame normalizes raw camera bytes into the frame payload sent to the
// classifier: decoded, sized to the native resolution (640x480 fallback) and
// re-compressed at the requested quality. Bytes that do not decode at all
// yield the synthesized fallback raster so the sub-poll still has a payload.
func encodeFrame(raw []byte, quality int) (Frame, error) {
	width, height := FallbackWidth, FallbackHeight
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw)); err == nil {
		width, height = cfg.Width, cfg.Height
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return synthFrame(quality)
	}
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	return Frame{Data: buf.Bytes(), Width: width, Height: height}, nil
}
