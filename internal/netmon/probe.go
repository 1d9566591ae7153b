package netmon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second

	// defaultProbeFailures is how many consecutive transport failures
	// flip the probe to offline. One blip is not enough.
	defaultProbeFailures = 2
)

// HTTPProbe polls a health URL. Any HTTP response counts as online since
// it proves the network path works; only transport failures count
// against connectivity.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Failures int
	Client   *http.Client
	Logger   *slog.Logger
}

// Name implements Source.
func (p *HTTPProbe) Name() string {
	return "http-probe"
}

// Watch implements Source.
func (p *HTTPProbe) Watch(ctx context.Context, report func(online bool)) error {
	if p.URL == "" {
		return fmt.Errorf("probe url is empty")
	}

	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	threshold := p.Failures
	if threshold <= 0 {
		threshold = defaultProbeFailures
	}

	failures := 0
	check := func() {
		if err := p.probe(ctx); err != nil {
			failures++
			if p.Logger != nil {
				p.Logger.Debug("health probe failed",
					slog.Int("consecutive", failures),
					slog.String("error", err.Error()),
				)
			}

			if failures >= threshold {
				report(false)
			}

			return
		}

		failures = 0
		report(true)
	}

	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}

func (p *HTTPProbe) probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.Body.Close()
}
