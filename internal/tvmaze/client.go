// Package tvmaze is a thin passthrough client for the TVmaze API.
package tvmaze

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"psma/internal/domain"
	"psma/internal/upstream"
)

const (
	DefaultBaseURL = "https://api.tvmaze.com"
	providerName   = "tvmaze"
)

var Attribution = domain.Attribution{
	Required: true,
	Text:     "Data from TVmaze (licensed CC BY-SA 4.0). Ensure attribution + ShareAlike compliance.",
	URL:      "https://www.tvmaze.com/api",
}

// AllowedEmbeds is the embed whitelist for show lookups.
var AllowedEmbeds = []string{
	"cast", "crew", "episodes", "seasons", "akas", "images", "nextepisode", "previousepisode",
}

type Client struct {
	BaseURL   string
	UserAgent string
	HTTP      *http.Client
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: DefaultBaseURL, HTTP: httpClient}
}

func (c *Client) SearchShows(ctx context.Context, q string) (any, error) {
	params := url.Values{}
	params.Set("q", q)
	return c.get(ctx, "/search/shows", params)
}

func (c *Client) Show(ctx context.Context, showID int64, embed string) (any, error) {
	params := url.Values{}
	if embed != "" {
		params.Set("embed", embed)
	}
	return c.get(ctx, fmt.Sprintf("/shows/%d", showID), params)
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (any, error) {
	reqURL := c.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &upstream.Error{Provider: providerName, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
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
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &upstream.Error{Provider: providerName, Err: err}
	}
	return data, nil
}
