package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProber measures the wall time of a single HTTP GET
type HTTPProber struct {
	// URL is the full HTTP URL to probe (e.g., "http://10.20.3.2:9000/api/node/health")
	URL string

	// ExpectedStatusMin is the minimum acceptable HTTP status code (default: 200)
	ExpectedStatusMin int

	// ExpectedStatusMax is the maximum acceptable HTTP status code (default: 399)
	ExpectedStatusMax int

	// Client is the HTTP client to use (allows custom timeouts)
	Client *http.Client
}

// NewHTTPProber creates an HTTP prober with the given timeout
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:               url,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Probe performs the HTTP GET and measures its wall time
func (p *HTTPProber) Probe(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			RTT:       time.Since(start),
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			RTT:       time.Since(start),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	rtt := time.Since(start)
	healthy := resp.StatusCode >= p.ExpectedStatusMin && resp.StatusCode <= p.ExpectedStatusMax

	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, p.ExpectedStatusMin, p.ExpectedStatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		RTT:       rtt,
	}
}

// Kind returns the probe type
func (p *HTTPProber) Kind() Kind {
	return KindHTTP
}
