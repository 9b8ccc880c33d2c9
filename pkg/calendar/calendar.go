// Package calendar defines the external calendar collaborator contract
// of spec §6.6 — pull() → []RemoteChange and push(entity) →
// (version, etag) — and an HTTP implementation of it. The contract is
// deliberately vendor-agnostic: it talks to a documented generic REST
// surface (GET a change feed, PUT a single event) rather than any
// specific calendar provider's wire format, so the sync reconciler in
// internal/syncledger never needs to know which provider is on the
// other end.
//
// HTTPClient's shape — a token-bucket limiter guarding every request,
// a stats tracker keyed by operation, and rate-limit response headers
// inspected after the fact — is carried over from
// jra3-linear-fuse/internal/api.Client's query() method, generalized
// from a single GraphQL endpoint to a small REST verb set.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/internal/vaulterr"
)

// RemoteChange is one entry in a calendar collaborator's change feed, as
// returned by Pull. It carries enough of the remote's own bookkeeping
// (Version/ETag/LastModified) for the sync ledger (§6.5) to detect
// echoes and resolve conflicts without this package knowing about
// either concept.
type RemoteChange struct {
	RemoteID     string
	Version      string
	ETag         string
	LastModified time.Time
	Title        string
	Body         string
	// Header carries remote fields already mapped onto vaultd's header
	// vocabulary (start_ts, end_ts, tags, ...) so the reconciler can
	// upsert it through Host with no further translation.
	Header  map[string]any
	Deleted bool
}

// Client is the calendar collaborator contract of spec §6.6. Errors are
// always *vaulterr.RemoteError so the sync loop's backoff/dead-letter
// handling (via C8) can inspect RateLimit without parsing strings.
type Client interface {
	// Pull fetches every remote change with LastModified after since.
	// HTTPClient returns them in the order the change feed lists them;
	// the reconciler does not depend on the order.
	Pull(ctx context.Context, since time.Time) ([]RemoteChange, error)
	// Push sends a locally modified entity outward and returns the
	// remote's new version/etag for the ledger to record.
	Push(ctx context.Context, entity *vault.Entity) (version, etag string, err error)
}

// HTTPClient is the generic REST implementation of Client.
type HTTPClient struct {
	endpoint   string
	credential string
	httpClient *http.Client
	limiter    *rate.Limiter
	stats      *Stats
}

// Options configures an HTTPClient. A zero value is valid; RateLimitRPS
// defaults to 2 requests/second with a burst of 10 when <= 0, mirroring
// the teacher's "sustained rate with burst headroom for cold starts"
// choice.
type Options struct {
	RateLimitRPS float64
	Burst        int
	Timeout      time.Duration
}

// NewHTTPClient constructs an HTTPClient against endpoint, authenticating
// every request with credential as a bearer token.
func NewHTTPClient(endpoint, credential string, opts Options) *HTTPClient {
	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 2
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint:   endpoint,
		credential: credential,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		stats:      NewStats(),
	}
}

// Stats returns the client's call statistics for external inspection
// (e.g. a CLI "sync status" command).
func (c *HTTPClient) Stats() *Stats { return c.stats }

type changeFeedResponse struct {
	Changes []remoteChangeWire `json:"changes"`
}

type remoteChangeWire struct {
	RemoteID     string         `json:"remote_id"`
	Version      string         `json:"version"`
	ETag         string         `json:"etag"`
	LastModified time.Time      `json:"last_modified"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	Header       map[string]any `json:"header"`
	Deleted      bool           `json:"deleted"`
}

// Pull implements Client.
func (c *HTTPClient) Pull(ctx context.Context, since time.Time) ([]RemoteChange, error) {
	url := fmt.Sprintf("%s/changes?since=%s", c.endpoint, since.UTC().Format(time.RFC3339))

	var resp changeFeedResponse
	if err := c.do(ctx, "Pull", http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]RemoteChange, 0, len(resp.Changes))
	for _, w := range resp.Changes {
		out = append(out, RemoteChange{
			RemoteID:     w.RemoteID,
			Version:      w.Version,
			ETag:         w.ETag,
			LastModified: w.LastModified,
			Title:        w.Title,
			Body:         w.Body,
			Header:       w.Header,
			Deleted:      w.Deleted,
		})
	}
	return out, nil
}

type pushRequest struct {
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Header map[string]any `json:"header"`
}

type pushResponse struct {
	Version string `json:"version"`
	ETag    string `json:"etag"`
}

// Push implements Client.
func (c *HTTPClient) Push(ctx context.Context, entity *vault.Entity) (string, string, error) {
	var remoteID string
	if sync, ok := entity.Header["x-sync"].(map[string]any); ok {
		remoteID, _ = sync["remote_id"].(string)
	}
	if remoteID == "" {
		return "", "", &vaulterr.RemoteError{Op: "push", Err: fmt.Errorf("entity %s has no x-sync.remote_id", entity.ID())}
	}

	reqBody := pushRequest{
		Title:  vault.StringField(entity.Header, "title"),
		Body:   entity.Body,
		Header: entity.Header,
	}

	url := fmt.Sprintf("%s/events/%s", c.endpoint, remoteID)
	var resp pushResponse
	if err := c.do(ctx, "Push", http.MethodPut, url, reqBody, &resp); err != nil {
		return "", "", err
	}
	return resp.Version, resp.ETag, nil
}

// do executes one rate-limited REST call, recording stats and surfacing
// failures as *vaulterr.RemoteError.
func (c *HTTPClient) do(ctx context.Context, opName, method, url string, reqBody, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &vaulterr.RemoteError{Op: opName, Err: fmt.Errorf("rate limit wait cancelled: %w", err)}
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return &vaulterr.RemoteError{Op: opName, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &vaulterr.RemoteError{Op: opName, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.stats.Record(opName, time.Since(start), err)
		return &vaulterr.RemoteError{Op: opName, Err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	c.checkRateLimitHeaders(opName, resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.stats.Record(opName, time.Since(start), err)
		return &vaulterr.RemoteError{Op: opName, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		rlErr := fmt.Errorf("rate limited (status %d): %s", resp.StatusCode, string(respBody))
		c.stats.Record(opName, time.Since(start), rlErr)
		return &vaulterr.RemoteError{Op: opName, RateLimit: true, Err: rlErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
		c.stats.Record(opName, time.Since(start), httpErr)
		return &vaulterr.RemoteError{Op: opName, Err: httpErr}
	}

	c.stats.Record(opName, time.Since(start), nil)

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &vaulterr.RemoteError{Op: opName, Err: fmt.Errorf("parse response: %w", err)}
	}
	return nil
}

// checkRateLimitHeaders logs a warning when the remote's rate-limit
// headers indicate the budget is close to exhausted, mirroring the
// teacher's checkRateLimitHeaders against Linear's X-RateLimit-*
// response headers.
func (c *HTTPClient) checkRateLimitHeaders(opName string, resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	limit := resp.Header.Get("X-RateLimit-Limit")
	if remaining == "" || limit == "" {
		return
	}
	rem, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	lim, err := strconv.Atoi(limit)
	if err != nil || lim == 0 {
		return
	}
	if float64(rem)/float64(lim) < 0.20 {
		log.Printf("[calendar] %s: %d/%d requests remaining on this window", opName, rem, lim)
	}
}
