package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmuteeullah/CoreCam/internal/config"
	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

var (
	// ErrRebootLimited is returned when a camera was rebooted too often
	// within the reboot window.
	ErrRebootLimited = errors.New("camera reboot attempts exhausted")
	// ErrRebootFailed is returned when no reboot endpoint accepted the request.
	ErrRebootFailed = errors.New("no reboot endpoint accepted the request")
)

var rebootPaths = []string{
	"/restart",
	"/reboot",
	"/cgi-bin/restart.cgi",
	"/cgi-bin/reboot.cgi",
	"/api/restart",
	"/api/reboot",
}

// RebootTarget is the HTTP side of a camera derived from its stream URL.
type RebootTarget struct {
	Host     string
	Username string
	Password string
}

// RebootTargetFromURL extracts host and credentials from a stream URL. The
// stream port is dropped since reboot endpoints live on the web port.
func RebootTargetFromURL(raw string) (RebootTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RebootTarget{}, fmt.Errorf("parse camera url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return RebootTarget{}, fmt.Errorf("camera url %q has no host", raw)
	}
	t := RebootTarget{Host: host}
	if u.User != nil {
		t.Username = u.User.Username()
		t.Password, _ = u.User.Password()
	}
	return t, nil
}

// Endpoints lists the reboot URLs tried in order.
func (t RebootTarget) Endpoints(scheme string) []string {
	host := t.Host
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	out := make([]string, 0, len(rebootPaths))
	for _, p := range rebootPaths {
		out = append(out, scheme+"://"+host+p)
	}
	return out
}

// Rebooter asks cameras to reboot through their web interface, at most
// attempts times per window per camera.
type Rebooter struct {
	client   *http.Client
	attempts int
	window   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	// scheme is overridden in tests.
	scheme string
	// hostOverride redirects every request in tests.
	hostOverride string

	mu    sync.Mutex
	tries map[string][]time.Time
}

// NewRebooter creates a Rebooter.
func NewRebooter(attempts int, window time.Duration) *Rebooter {
	return &Rebooter{
		client:   &http.Client{Timeout: 5 * time.Second},
		attempts: attempts,
		window:   window,
		now:      time.Now,
		logger:   cclog.WithComponent("recovery"),
		scheme:   "http",
		tries:    make(map[string][]time.Time),
	}
}

// Reboot tries each endpoint until one answers 200.
func (r *Rebooter) Reboot(ctx context.Context, cam config.CameraConfig) error {
	if !r.allow(cam.ID) {
		return fmt.Errorf("%w: %d in %s", ErrRebootLimited, r.attempts, r.window)
	}
	target, err := RebootTargetFromURL(cam.URL)
	if err != nil {
		return err
	}
	if r.hostOverride != "" {
		target.Host = r.hostOverride
	}

	for _, endpoint := range target.Endpoints(r.scheme) {
		ok, err := r.try(ctx, endpoint, target)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			r.logger.Debug().Err(err).Str(cclog.FieldCamera, cam.ID).Str("endpoint", endpoint).Msg("reboot endpoint failed")
			continue
		}
		if ok {
			r.logger.Info().Str(cclog.FieldCamera, cam.ID).Str("endpoint", endpoint).Msg("camera accepted reboot request")
			return nil
		}
	}
	return ErrRebootFailed
}

func (r *Rebooter) try(ctx context.Context, endpoint string, t RebootTarget) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK, nil
}

// allow records an attempt unless the camera is over its budget.
func (r *Rebooter) allow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	recent := r.tries[id][:0]
	for _, t := range r.tries[id] {
		if now.Sub(t) < r.window {
			recent = append(recent, t)
		}
	}
	if r.attempts > 0 && len(recent) >= r.attempts {
		r.tries[id] = recent
		return false
	}
	r.tries[id] = append(recent, now)
	return true
}

// Reset forgets the attempts of one camera.
func (r *Rebooter) Reset(id string) {
	r.mu.Lock()
	delete(r.tries, id)
	r.mu.Unlock()
}
