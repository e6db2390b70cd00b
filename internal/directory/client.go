package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/stream"
)

// Defaults for Config
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second
)

// ErrStationNotFound is returned by Lookup for stations the relay does not know
var ErrStationNotFound = errors.New("station not found")

// Config contains directory client configuration
type Config struct {
	BaseURL     string // relay HTTP address, e.g. http://127.0.0.1:8080
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Client queries a relay's station directory
type Client struct {
	config     Config
	base       *url.URL
	httpClient *http.Client
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

type stationList struct {
	TotalStations int                  `json:"total_stations"`
	Stations      []stream.StationInfo `json:"stations"`
}

// statusError is a non-2xx answer
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewClient creates a directory client. metrics may be nil.
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must use http or https, got '%s'", base.Scheme)
	}

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultBaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}

	return &Client{
		config: config,
		base:   base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		metrics: m,
	}, nil
}

// ListStations returns the relay's stations; liveOnly skips stations
// without a broadcaster
func (c *Client) ListStations(ctx context.Context, liveOnly bool) ([]stream.StationInfo, error) {
	query := url.Values{}
	if liveOnly {
		query.Set("live", "true")
	}

	var list stationList
	if err := c.get(ctx, "/api/stations", query, &list); err != nil {
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}
	return list.Stations, nil
}

// Lookup returns one station
func (c *Client) Lookup(ctx context.Context, id string) (stream.StationInfo, error) {
	if err := protocol.ValidateStationID(id); err != nil {
		return stream.StationInfo{}, err
	}

	var info stream.StationInfo
	err := c.get(ctx, "/api/stations/"+id, nil, &info)

	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return stream.StationInfo{}, fmt.Errorf("%w: %s", ErrStationNotFound, id)
	}
	if err != nil {
		return stream.StationInfo{}, fmt.Errorf("failed to look up station %s: %w", id, err)
	}
	return info, nil
}

// get performs a GET with retries and exponential backoff
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordDirectoryRequest()

	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordDirectoryRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.finish(false, startTime)
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, u.String(), out)
		if err == nil {
			c.finish(true, startTime)
			return nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}

	c.finish(false, startTime)
	return lastErr
}

// backoff returns the delay before attempt, doubling from BaseBackoff
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BaseBackoff << (attempt - 1)
	if d <= 0 || d > c.config.MaxBackoff {
		d = c.config.MaxBackoff
	}
	return d
}

func (c *Client) doRequest(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "otp-radio/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

// isRetryable reports whether err may go away on its own: transport
// failures, rate limiting and server errors
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}

	var ue *url.Error
	return errors.As(err, &ue)
}

func (c *Client) finish(success bool, startTime time.Time) {
	c.mu.Lock()
	if success {
		c.successRequests++
	} else {
		c.failedRequests++
	}
	c.mu.Unlock()

	c.metrics.RecordDirectoryResult(success, time.Since(startTime).Seconds())
}

func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// GetStats returns client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		TotalRetries:    c.totalRetries,
	}
	if c.totalRequests > 0 {
		stats.SuccessRate = float64(c.successRequests) / float64(c.totalRequests)
	}
	return stats
}
