// Package tmdb is the fetch layer for TMDB. The engines never talk to it
// directly; they consume the decoded snapshots it returns.
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"psma/internal/cache"
	"psma/internal/domain"
	"psma/internal/upstream"
)

const (
	DefaultBaseURL = "https://api.themoviedb.org/3"
	providerName   = "tmdb"
)

// Attribution required by TMDB's watch-provider terms.
var WatchProviderAttribution = domain.Attribution{
	Required: true,
	Text:     "Watch provider data requires attribution to JustWatch per TMDB docs.",
	URL:      "https://developer.themoviedb.org/reference/tv-series-watch-providers",
}

type Client struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	HTTP      *http.Client
	Cache     *cache.Store // optional read-through for watch providers
	Log       zerolog.Logger
}

func New(apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL: DefaultBaseURL,
		APIKey:  apiKey,
		HTTP:    httpClient,
		Log:     zerolog.Nop(),
	}
}

// Configured reports whether an API key is present. The server answers 503
// on TMDB routes when it is not.
func (c *Client) Configured() bool { return c.APIKey != "" }

// SearchTV proxies TMDB's TV search without reshaping the payload.
func (c *Client) SearchTV(ctx context.Context, query, language string, includeAdult bool) (any, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("include_adult", strconv.FormatBool(includeAdult))
	if language != "" {
		params.Set("language", language)
	}
	raw, err := c.get(ctx, "/search/tv", params)
	if err != nil {
		return nil, err
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &upstream.Error{Provider: providerName, Err: err}
	}
	return data, nil
}

// WatchProvidersRaw returns the untouched watch-provider payload for the
// passthrough route.
func (c *Client) WatchProvidersRaw(ctx context.Context, seriesID int64) (any, error) {
	raw, err := c.watchProviderBytes(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &upstream.Error{Provider: providerName, Err: err}
	}
	return data, nil
}

// WatchProviders returns the typed snapshot the availability engine
// consumes. Unknown payload fields are dropped by decoding; a snapshot that
// does not decode at all is an upstream failure, not an engine concern.
func (c *Client) WatchProviders(ctx context.Context, seriesID int64) (domain.WatchProviders, error) {
	raw, err := c.watchProviderBytes(ctx, seriesID)
	if err != nil {
		return domain.WatchProviders{}, err
	}
	var snapshot domain.WatchProviders
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return domain.WatchProviders{}, &upstream.Error{Provider: providerName, Err: err}
	}
	return snapshot, nil
}

func (c *Client) watchProviderBytes(ctx context.Context, seriesID int64) ([]byte, error) {
	cacheKey := fmt.Sprintf("tv:%d:watch-providers", seriesID)
	if c.Cache != nil {
		if raw, err := c.Cache.Get(ctx, providerName, cacheKey); err == nil {
			c.Log.Debug().Int64("series_id", seriesID).Msg("tmdb cache hit")
			return raw, nil
		}
	}
	raw, err := c.get(ctx, fmt.Sprintf("/tv/%d/watch/providers", seriesID), url.Values{})
	if err != nil {
		return nil, err
	}
	if c.Cache != nil {
		if err := c.Cache.Put(ctx, providerName, cacheKey, raw); err != nil {
			c.Log.Warn().Err(err).Msg("tmdb cache write failed")
		}
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	params.Set("api_key", c.APIKey)
	reqURL := c.BaseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &upstream.Error{Provider: providerName, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	// The api_key lives in the query string; never log the full URL.
	c.Log.Debug().Str("upstream", providerName).Str("path", path).Msg("upstream_request")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &upstream.Error{Provider: providerName, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &upstream.Error{Provider: providerName, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &upstream.Error{Provider: providerName, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
