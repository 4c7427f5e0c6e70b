// Package zplc talks to the upstream DID registry: a pure did → integer /
// integer → did oracle over HTTP.
package zplc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client wraps the oracle endpoint with timeouts and a named logger.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

// NewClient creates a client for the resolver at base (e.g.
// "http://127.0.0.1:2485").
func NewClient(base string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
		log:  log.Named("zplc"),
	}
}

// LookupDid resolves a did string to its registry number. A registry miss
// returns ok=false with a nil error; transport and server failures return
// an error so callers can distinguish "unknown" from "unavailable".
func (c *Client) LookupDid(ctx context.Context, did string) (id uint64, ok bool, err error) {
	body, status, err := c.get(ctx, did)
	if err != nil {
		return 0, false, err
	}
	if status == http.StatusNotFound {
		return 0, false, nil
	}
	if status < 200 || status > 299 {
		return 0, false, fmt.Errorf("zplc: got non-success response: %d", status)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(body), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("zplc: parse id: %w", err)
	}
	return n, true, nil
}

// ResolveID resolves a registry number back to its did string.
func (c *Client) ResolveID(ctx context.Context, id uint64) (string, error) {
	body, status, err := c.get(ctx, strconv.FormatUint(id, 10))
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("zplc: got non-success response: %d", status)
	}
	return strings.TrimSpace(body), nil
}

func (c *Client) get(ctx context.Context, path string) (body string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+path, nil)
	if err != nil {
		return "", 0, fmt.Errorf("zplc: build request: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("zplc: fetch: %w", err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return "", 0, fmt.Errorf("zplc: read body: %w", err)
	}
	return string(b), res.StatusCode, nil
}
