// Package geo resolves client IP addresses to geo payloads through an
// ipgeolocation-style HTTP API, with a TTL cache in front of it.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/footfall/internal/activity"
)

// DefaultBaseURL is the lookup endpoint used when none is configured.
const DefaultBaseURL = "https://api.ipgeolocation.io/ipgeo"

// DefaultTimeout bounds a single upstream lookup.
const DefaultTimeout = 3 * time.Second

// DefaultCacheTTL is how long a resolved IP stays cached.
const DefaultCacheTTL = 24 * time.Hour

var (
	// ErrInvalidIP is returned for addresses that do not parse.
	ErrInvalidIP = errors.New("invalid ip address")
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("geo api key not configured")
	// ErrUpstream wraps non-2xx responses from the lookup API.
	ErrUpstream = errors.New("geo api error")
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Cache    Cache
	CacheTTL time.Duration
	// Transport is the base round tripper; it is wrapped with otelhttp.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client looks up IP geolocation.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	cache    Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewClient creates a Client. A nil cache disables caching.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.Transport
	if base == nil {
		base = &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		logger:   cfg.Logger,
	}
}

// apiResponse is the subset of the upstream payload we keep.
type apiResponse struct {
	City         string `json:"city"`
	StateProv    string `json:"state_prov"`
	CountryName  string `json:"country_name"`
	CountryCode2 string `json:"country_code2"`
	CountryCode3 string `json:"country_code3"`
	CountryFlag  string `json:"country_flag"`
	Zipcode      string `json:"zipcode"`
	Message      string `json:"message"`
}

// Lookup returns the normalized geo payload for ip.
func (c *Client) Lookup(ctx context.Context, ip string) (activity.Geo, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return activity.Geo{}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if !IsPublic(addr) {
		return activity.Geo{}, fmt.Errorf("%w: %s is not a public address", ErrInvalidIP, AnonymizeIP(addr.String()))
	}
	key := addr.String()

	if c.cache != nil {
		geo, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.WarnContext(ctx, "geo cache read failed",
				slog.String("ip", AnonymizeIP(key)),
				slog.String("error", err.Error()))
		} else if ok {
			return geo, nil
		}
	}

	if c.apiKey == "" {
		return activity.Geo{}, ErrNotConfigured
	}

	geo, err := c.fetch(ctx, key)
	if err != nil {
		return activity.Geo{}, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, geo, c.cacheTTL); err != nil {
			c.logger.WarnContext(ctx, "geo cache write failed",
				slog.String("ip", AnonymizeIP(key)),
				slog.String("error", err.Error()))
		}
	}
	return geo, nil
}

func (c *Client) fetch(ctx context.Context, ip string) (activity.Geo, error) {
	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	q.Set("ip", ip)
	q.Set("fields", "city,state_prov,country_name,country_code2,country_code3,country_flag,zipcode")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return activity.Geo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return activity.Geo{}, fmt.Errorf("failed to reach geo api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return activity.Geo{}, fmt.Errorf("failed to read geo api response: %w", err)
	}

	var payload apiResponse
	if err := json.Unmarshal(body, &payload); err != nil && resp.StatusCode < 300 {
		return activity.Geo{}, fmt.Errorf("failed to decode geo api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := payload.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return activity.Geo{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}

	geo := activity.Geo{
		City:         payload.City,
		StateProv:    payload.StateProv,
		CountryName:  payload.CountryName,
		CountryCode2: payload.CountryCode2,
		CountryCode3: payload.CountryCode3,
		CountryFlag:  payload.CountryFlag,
		Zipcode:      payload.Zipcode,
	}.Normalize()

	c.logger.DebugContext(ctx, "resolved ip geolocation",
		slog.String("ip", AnonymizeIP(ip)),
		slog.String("city", geo.City),
		slog.String("country_name", geo.CountryName))
	return geo, nil
}

// HealthCheck reports whether the lookup API answers at all.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach geo api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("geo api unhealthy: unexpected status code %d", resp.StatusCode)
	}
	return nil
}
