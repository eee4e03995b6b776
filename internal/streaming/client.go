package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient talks to a streaming daemon exposing
//
//	GET {base}/streams/{contentId}/{fileIndex}/info -> StreamInfo JSON
//	GET {base}/streams/{contentId}/{fileIndex}      -> file bytes
type HTTPClient struct {
	base     string
	info     *http.Client
	streamer *http.Client
}

// DefaultHeaderTimeout bounds how long the daemon may take to answer a
// stream request before the first byte of the response headers.
const DefaultHeaderTimeout = 30 * time.Second

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHeaderTimeout overrides DefaultHeaderTimeout for stream requests.
func WithHeaderTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.streamer.Transport.(*http.Transport).ResponseHeaderTimeout = d
		}
	}
}

// NewHTTPClient returns a client for the daemon at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = DefaultHeaderTimeout
	c := &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		info: &http.Client{Timeout: 10 * time.Second},
		// Stream bodies are long lived, so only the header wait is bounded.
		streamer: &http.Client{Transport: tr},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) streamURL(loc Locator) string {
	return c.base + "/streams/" + url.PathEscape(loc.ContentID) + "/" + strconv.Itoa(loc.FileIndex)
}

// GetStreamInfo implements Service.
func (c *HTTPClient) GetStreamInfo(ctx context.Context, loc Locator) (StreamInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(loc)+"/info", nil)
	if err != nil {
		return StreamInfo{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.info.Do(req)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("stream info %s: %w", loc, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StreamInfo{}, fmt.Errorf("stream info %s: %w", loc, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return StreamInfo{}, fmt.Errorf("stream info %s: HTTP %d", loc, resp.StatusCode)
	}

	var info StreamInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return StreamInfo{}, fmt.Errorf("decode stream info %s: %w", loc, err)
	}
	return info, nil
}

// CreateStream implements Service. The caller owns the returned body.
func (c *HTTPClient) CreateStream(ctx context.Context, loc Locator) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(loc), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.streamer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", loc, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: %w", loc, ErrNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: HTTP %d", loc, resp.StatusCode)
	}
}
