// Package backend is the HTTP client for the CoreCam API used by the stream
// health monitor to request server-side restarts.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mmuteeullah/CoreCam/internal/recordings"
	"github.com/mmuteeullah/CoreCam/internal/storage"
)

var (
	// ErrThrottled is returned when a restart request exceeds the client's
	// request budget.
	ErrThrottled = errors.New("backend request throttled")
	// ErrUnknownCamera is returned when the backend does not know the camera.
	ErrUnknownCamera = errors.New("unknown camera")
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Message)
}

// RestartResult is the answer to a single stream restart.
type RestartResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RestartAllResult is the answer to a restart of every stream. Status is
// success, partial or error.
type RestartAllResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Options configure a Client.
type Options struct {
	HTTPClient *http.Client
	// RestartsPerMinute bounds restart requests. Zero disables throttling.
	RestartsPerMinute int
	// Token is sent as a bearer token when set.
	Token string
}

// Client talks to the backend API.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	token   string
}

// New creates a Client for baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", baseURL)
	}
	c := &Client{base: u, http: opts.HTTPClient, token: opts.Token}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if n := opts.RestartsPerMinute; n > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return c, nil
}

// RestartStream asks the backend to restart the live stream of a camera.
func (c *Client) RestartStream(ctx context.Context, cameraID string) error {
	if err := c.allow(); err != nil {
		return err
	}
	var res RestartResult
	err := c.do(ctx, http.MethodPost, "/api/streams/"+url.PathEscape(cameraID)+"/restart", &res)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
		}
		return err
	}
	if !res.Success {
		return fmt.Errorf("restart %s: %s", cameraID, res.Message)
	}
	return nil
}

// RestartAll asks the backend to restart every live stream.
func (c *Client) RestartAll(ctx context.Context) (RestartAllResult, error) {
	if err := c.allow(); err != nil {
		return RestartAllResult{}, err
	}
	var res RestartAllResult
	if err := c.do(ctx, http.MethodPost, "/api/streams/restart-all", &res); err != nil {
		return RestartAllResult{}, err
	}
	return res, nil
}

// Recordings lists recordings per camera.
func (c *Client) Recordings(ctx context.Context) ([]recordings.Camera, error) {
	var out []recordings.Camera
	if err := c.do(ctx, http.MethodGet, "/api/recordings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BackupRecordings lists backup recordings per camera.
func (c *Client) BackupRecordings(ctx context.Context) ([]recordings.Camera, error) {
	var out []recordings.Camera
	if err := c.do(ctx, http.MethodGet, "/api/backup-recordings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DiskSpace reports free space of the recording paths.
func (c *Client) DiskSpace(ctx context.Context) (storage.DiskSpace, error) {
	var out storage.DiskSpace
	if err := c.do(ctx, http.MethodGet, "/api/admin/disk-space", &out); err != nil {
		return storage.DiskSpace{}, err
	}
	return out, nil
}

func (c *Client) allow() error {
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrThrottled
	}
	return nil
}

// do sends a request for path, which must already be escaped.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	p, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("escape path %q: %w", path, err)
	}
	u.Path = p
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(body, &msg)
		if msg.Message == "" {
			msg.Message = msg.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
