package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"agentdesk/pkg/logger"
)

// Health is what the agent's health endpoint reports.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Prober checks that the agent is ready before a transport is opened.
type Prober interface {
	Probe(ctx context.Context) (*Health, error)
}

// HTTPProber polls an HTTP health endpoint with bounded retries.
type HTTPProber struct {
	URL        string
	Client     *http.Client
	Interval   time.Duration
	Timeout    time.Duration
	Retries    int
	Constraint *semver.Constraints
}

// NewHTTPProber builds a prober from the connection config.
func NewHTTPProber(cfg Config) (*HTTPProber, error) {
	p := &HTTPProber{
		URL:      cfg.HealthURL(),
		Client:   &http.Client{},
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.ProbeTimeout,
		Retries:  cfg.ProbeRetries,
	}
	if cfg.VersionConstraint != "" {
		c, err := semver.NewConstraint(cfg.VersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("parse version constraint %q: %w", cfg.VersionConstraint, err)
		}
		p.Constraint = c
	}
	return p, nil
}

// Probe polls until the endpoint answers 200 or retries run out.
func (p *HTTPProber) Probe(ctx context.Context) (*Health, error) {
	retries := p.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		h, err := p.probeOnce(ctx)
		if err == nil {
			if err := p.checkVersion(h); err != nil {
				return nil, err
			}
			return h, nil
		}
		lastErr = err
		logger.Debug().Err(err).Int("attempt", attempt).Str("url", p.URL).Msg("health probe failed")

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, probeFailure(ctx.Err(), attempt)
		case <-time.After(p.Interval):
		}
	}
	return nil, probeFailure(lastErr, retries)
}

func (p *HTTPProber) probeOnce(ctx context.Context) (*Health, error) {
	attemptCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	h := &Health{}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && len(body) > 0 {
		// a 200 with a non-JSON body still counts as ready
		_ = json.Unmarshal(body, h)
	}
	switch strings.ToLower(h.Status) {
	case "", "ok", "healthy", "ready":
		return h, nil
	default:
		return nil, fmt.Errorf("agent reports status %q", h.Status)
	}
}

func (p *HTTPProber) checkVersion(h *Health) error {
	if p.Constraint == nil {
		return nil
	}
	if h.Version == "" {
		logger.Warn().Msg("agent did not report a version; skipping compatibility check")
		return nil
	}
	v, err := semver.NewVersion(h.Version)
	if err != nil {
		return fmt.Errorf("%w: unparsable version %q", ErrIncompatibleAgent, h.Version)
	}
	if !p.Constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleAgent, v, p.Constraint)
	}
	return nil
}

func probeFailure(err error, attempts int) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: health probe after %d attempts: %v", ErrConnectionTimeout, attempts, err)
	}
	return fmt.Errorf("%w: health probe after %d attempts: %v", ErrUnavailable, attempts, err)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
