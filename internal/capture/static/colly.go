// Package static captures pages with a plain HTTP fetch through colly. It is
// the fallback capturer for hosts without a Chrome binary; the artifact is the
// raw HTML body instead of a screenshot.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps the downloaded body in bytes. Zero keeps colly's default.
	MaxBodySize int
}

// Capturer implements pipeline.Capturer using the Colly collector.
type Capturer struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Capturer.
func New(cfg Config) *Capturer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Capturer{cfg: cfg, base: c}
}

// Capture executes a single HTTP GET.
func (c *Capturer) Capture(ctx context.Context, req pipeline.CaptureRequest) (pipeline.Capture, error) {
	var (
		result   pipeline.Capture
		fetchErr error
	)
	start := time.Now()
	collector := c.buildCollector(start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return pipeline.Capture{}, pipeline.NewCaptureError(pipeline.ErrCodeScrapeTimeout, ctx.Err())
		}
		return pipeline.Capture{}, fmt.Errorf("static capture canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			return pipeline.Capture{}, classify(fmt.Errorf("fetch %s: %w", req.URL, err))
		}
	}
	return result, nil
}

func (c *Capturer) buildCollector(start time.Time, result *pipeline.Capture, fetchErr *error) *colly.Collector {
	collector := c.base.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	if c.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = c.cfg.MaxBodySize
	}
	collector.SetRequestTimeout(c.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		body := append([]byte(nil), r.Body...)
		contentType := "text/html"
		if r.Headers != nil && r.Headers.Get("Content-Type") != "" {
			contentType = r.Headers.Get("Content-Type")
		}
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = pipeline.Capture{
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			HTML:        string(body),
			Artifact:    body,
			ContentType: contentType,
			Duration:    time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &statusError{code: r.StatusCode, err: err}
			return
		}
		*fetchErr = err
	})
	return collector
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http status %d: %v", e.code, e.err)
}

func (e *statusError) Unwrap() error { return e.err }

func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(err.Error(), "Client.Timeout"):
		return pipeline.NewCaptureError(pipeline.ErrCodeScrapeTimeout, err)
	}
	var status *statusError
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &status) || errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return pipeline.NewCaptureError(pipeline.ErrCodeNavigationError, err)
	}
	return pipeline.NewCaptureError(pipeline.ErrCodeScrapeRuntime, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
