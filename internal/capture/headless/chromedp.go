// Package headless captures pages with headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

const (
	defaultNavTimeout  = 30 * time.Second
	defaultNetworkIdle = 500 * time.Millisecond
	screenshotQuality  = 100
)

// Config controls the behavior of the headless capturer.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// NetworkIdle is how long the page must have no request in flight before
	// it counts as settled.
	NetworkIdle    time.Duration
	ViewportWidth  int64
	ViewportHeight int64
	ExecPath       string
}

// errClosed is returned by Capture after Close.
var errClosed = errors.New("headless capturer closed")

// Capturer implements pipeline.Capturer. One Capturer holds one browser
// process, started lazily and restarted if it goes away; each Capture runs
// in its own tab that is closed on return.
type Capturer struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	start       func(allocator context.Context) (context.Context, context.CancelFunc, error)

	mu            sync.Mutex
	browser       context.Context
	browserCancel context.CancelFunc
}

// New creates a headless capturer. The browser starts on the first capture.
func New(cfg Config) (*Capturer, error) {
	if cfg.NavigationTimeout < 0 || cfg.NetworkIdle < 0 {
		return nil, fmt.Errorf("timeouts must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.NetworkIdle == 0 {
		cfg.NetworkIdle = defaultNetworkIdle
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1366
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 768
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Capturer{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		start:       startBrowser,
	}, nil
}

// startBrowser launches Chrome. The first context created on an allocator
// owns the browser process; contexts derived from it open tabs.
func startBrowser(allocator context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := chromedp.NewContext(allocator)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("start browser: %w", err)
	}
	return ctx, cancel, nil
}

// browserContext returns the running browser, starting it if needed.
func (c *Capturer) browserContext() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocator.Err() != nil {
		return nil, errClosed
	}
	if c.browser != nil && c.browser.Err() == nil {
		return c.browser, nil
	}
	browser, cancel, err := c.start(c.allocator)
	if err != nil {
		return nil, err
	}
	c.browser, c.browserCancel = browser, cancel
	return browser, nil
}

// resetBrowser drops browser if it is still the current one, so the next
// capture starts a fresh process.
func (c *Capturer) resetBrowser(browser context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != browser {
		return
	}
	c.browserCancel()
	c.browser, c.browserCancel = nil, nil
}

// Close shuts the browser down.
func (c *Capturer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCancel != nil {
		c.browserCancel()
		c.browser, c.browserCancel = nil, nil
	}
	c.allocCancel()
}

// Capture navigates to req.URL, waits for network quiescence and returns the
// rendered DOM together with a full-page PNG screenshot.
func (c *Capturer) Capture(ctx context.Context, req pipeline.CaptureRequest) (pipeline.Capture, error) {
	browser, err := c.browserContext()
	if err != nil {
		return pipeline.Capture{}, classify(ctx, err)
	}
	taskCtx, taskCancel := chromedp.NewContext(browser)
	defer taskCancel()
	// The tab hangs off the browser, so the caller's cancellation has to be
	// forwarded explicitly.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	meta := newResponseMeta()
	idle := newIdleWatcher(c.cfg.NetworkIdle)
	defer idle.stop()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.handle(ev)
	})

	if err := chromedp.Run(taskCtx); err != nil {
		if ctx.Err() == nil {
			c.resetBrowser(browser)
		}
		return pipeline.Capture{}, classify(ctx, fmt.Errorf("start tab: %w", err))
	}

	start := time.Now()
	navCtx, navCancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	err = chromedp.Run(navCtx,
		c.setupAction(),
		chromedp.Navigate(req.URL),
		idle.wait(),
	)
	navCancel()
	if err != nil {
		return pipeline.Capture{}, classify(ctx, fmt.Errorf("navigate %s: %w", req.URL, err))
	}

	var (
		title    string
		finalURL string
		html     string
		shot     []byte
	)
	err = chromedp.Run(taskCtx,
		chromedp.Title(&title),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.FullScreenshot(&shot, screenshotQuality),
	)
	if err != nil {
		return pipeline.Capture{}, classify(ctx, fmt.Errorf("capture %s: %w", req.URL, err))
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return pipeline.Capture{
		FinalURL:    responseURL,
		StatusCode:  status,
		Headers:     headers,
		Title:       title,
		HTML:        html,
		Artifact:    shot,
		ContentType: "image/png",
		Duration:    time.Since(start),
	}, nil
}

func (c *Capturer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(c.cfg.ViewportWidth, c.cfg.ViewportHeight, 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

// navigationMarkers are substrings Chrome uses for page load failures.
var navigationMarkers = []string{"net::ERR_", "page load error", "ERR_ABORTED", "invalid URL"}

// classify maps a chromedp failure to a pipeline error code. A canceled
// caller context is returned as-is so the worker can tell shutdown from a
// failed capture.
func classify(parent context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", context.Canceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(parent.Err(), context.DeadlineExceeded) {
		return pipeline.NewCaptureError(pipeline.ErrCodeScrapeTimeout, err)
	}
	msg := err.Error()
	for _, marker := range navigationMarkers {
		if strings.Contains(msg, marker) {
			return pipeline.NewCaptureError(pipeline.ErrCodeNavigationError, err)
		}
	}
	return pipeline.NewCaptureError(pipeline.ErrCodeScrapeRuntime, err)
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response is the navigation itself.
	if m.status != 0 {
		return
	}
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
