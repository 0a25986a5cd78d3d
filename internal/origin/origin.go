// Package origin fetches media bytes and metadata from the origin server,
// the source of last resort when no peer holds a part.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrFetch marks a response with an unexpected status code.
var ErrFetch = errors.New("origin fetch failed")

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

func (r Range) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Client talks HTTP to the origin. A ranged fetch must answer 206, an
// unranged one 200; anything else is ErrFetch.
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
}

// Options configures a Client.
type Options struct {
	// Timeout bounds a single fetch. Default 30s.
	Timeout time.Duration
	Logger  *logrus.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Fetch downloads url, optionally restricted to a byte range.
func (c *Client) Fetch(ctx context.Context, url string, rng *Range) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	want := http.StatusOK
	if rng != nil {
		req.Header.Set("Range", rng.header())
		want = http.StatusPartialContent
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return nil, fmt.Errorf("%w: %s returned %d, want %d", ErrFetch, url, resp.StatusCode, want)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrFetch, url, err)
	}
	c.logger.Debugf("Fetched %d bytes from %s", len(data), url)
	return data, nil
}

// FetchJSON downloads url and decodes the body into out.
func (c *Client) FetchJSON(ctx context.Context, url string, out any) error {
	data, err := c.Fetch(ctx, url, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrFetch, url, err)
	}
	return nil
}
