package static

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

func codeOf(t *testing.T, err error) pipeline.ErrorCode {
	t.Helper()
	var captureErr *pipeline.CaptureError
	require.True(t, errors.As(err, &captureErr), "expected CaptureError, got %v", err)
	return captureErr.Code
}

func TestCaptureReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "shield-test", r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><title>ok</title><body>hello</body></html>"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "shield-test", Timeout: time.Second})
	for i := 0; i < 2; i++ {
		got, err := c.Capture(context.Background(), pipeline.CaptureRequest{URL: srv.URL + "/page"})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, got.StatusCode)
		require.Equal(t, srv.URL+"/page", got.FinalURL)
		require.Contains(t, got.HTML, "hello")
		require.Equal(t, got.HTML, string(got.Artifact))
		require.Equal(t, "text/html; charset=utf-8", got.ContentType)
	}
}

func TestCaptureClassifiesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(Config{}).Capture(context.Background(), pipeline.CaptureRequest{URL: srv.URL})
	require.Error(t, err)
	require.Equal(t, pipeline.ErrCodeNavigationError, codeOf(t, err))
}

func TestCaptureTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Capture(ctx, pipeline.CaptureRequest{URL: srv.URL})
	require.Error(t, err)
	require.Equal(t, pipeline.ErrCodeScrapeTimeout, codeOf(t, err))
}

func TestClassifyFallsBackToRuntime(t *testing.T) {
	t.Parallel()

	require.Equal(t, pipeline.ErrCodeScrapeRuntime, codeOf(t, classify(errors.New("boom"))))
}
