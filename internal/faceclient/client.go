package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrClassificationFailed marks a network/endpoint failure during classify,
// distinct from a successful response that recognized zero faces. The
// polling cycle treats it as no recognition for that tick and retries on the
// next one.
var ErrClassificationFailed = errors.New("classification failed")

// Integration variants of the recognition endpoint.
const (
	ModeSearch = "search" // response: {faces: [{email, name}, ...]}
	ModeVerify = "verify" // response: {verified: bool, name: string}
)

// Face is one recognized identity in a classified frame.
type Face struct {
	Email      string  `json:"email"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	Mode    string
	Skip    bool
	HTTP    *http.Client
}

// New creates a client. Skip short-circuits all calls with a canned match,
// for environments without a recognition service.
func New(baseURL, mode string, skip bool) *Client {
	if mode != ModeVerify {
		mode = ModeSearch
	}
	return &Client{
		BaseURL: baseURL,
		Mode:    mode,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second, // well under the 15s cycle cap
		},
	}
}

// Classify submits one captured frame and returns the recognized faces.
// subject is the participant being polled; in verify mode the endpoint only
// answers whether that one identity is in frame, so a verified response maps
// to a single face carrying the subject's email.
func (c *Client) Classify(ctx context.Context, imageDataURL, room string, subject Face) ([]Face, error) {
	if c.Skip {
		return []Face{{Email: subject.Email, Name: subject.Name, Confidence: 0.95}}, nil
	}
	if imageDataURL == "" {
		return nil, fmt.Errorf("%w: image required", ErrClassificationFailed)
	}

	if c.Mode == ModeVerify {
		return c.classifyVerify(ctx, imageDataURL, room, subject)
	}
	return c.classifySearch(ctx, imageDataURL, room)
}

func (c *Client) classifySearch(ctx context.Context, imageDataURL, room string) ([]Face, error) {
	var out struct {
		Faces []Face `json:"faces"`
	}
	if err := c.post(ctx, "/classify", map[string]string{
		"image":    imageDataURL,
		"roomName": room,
	}, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

func (c *Client) classifyVerify(ctx context.Context, imageDataURL, room string, subject Face) ([]Face, error) {
	var out struct {
		Verified   bool    `json:"verified"`
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
		Message    string  `json:"message"`
	}
	if err := c.post(ctx, "/verify-face", map[string]string{
		"image":    imageDataURL,
		"roomName": room,
	}, &out); err != nil {
		return nil, err
	}
	if !out.Verified {
		return nil, nil
	}
	name := out.Name
	if name == "" {
		name = subject.Name
	}
	return []Face{{Email: subject.Email, Name: name, Confidence: out.Confidence}}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClassificationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClassificationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: %s", ErrClassificationFailed, resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrClassificationFailed, err)
	}
	return nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
