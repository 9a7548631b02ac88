// Package redsis provides a client for the Redsis CRM activity API. Redsis
// models a pipeline card as an activity that sits on a numbered subfunnel and
// can only move one subfunnel at a time.
package redsis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

// Client defines the Redsis operations used by the CRM sync adapter.
type Client interface {
	GetActivity(ctx context.Context, code string) (*Activity, error)
	Advance(ctx context.Context, code string) (*Activity, error)
	Retreat(ctx context.Context, code string) (*Activity, error)
	SetOwner(ctx context.Context, code string, req OwnerRequest) error
	Subfunnels(ctx context.Context, funnelID string) ([]Subfunnel, error)
}

// Activity is a pipeline card.
type Activity struct {
	Code          string `json:"code"`
	FunnelID      string `json:"funnel_id"`
	SubfunnelCode int    `json:"subfunnel_code"`
	Locked        bool   `json:"locked"`
	OwnerID       string `json:"owner_id,omitempty"`
}

// OwnerRequest mirrors an ownership lock onto an activity.
type OwnerRequest struct {
	Locked  bool   `json:"locked"`
	OwnerID string `json:"owner_id,omitempty"`
}

// Subfunnel is one column of a funnel.
type Subfunnel struct {
	Code     int    `json:"code"`
	Name     string `json:"name"`
	Workable bool   `json:"workable"`
}

type subfunnelsResponse struct {
	Data []Subfunnel `json:"data"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets a per-second rate limit for API calls.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Redsis client for the given API base URL.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) GetActivity(ctx context.Context, code string) (*Activity, error) {
	var a Activity
	if err := c.do(ctx, http.MethodGet, activityPath(code), nil, &a); err != nil {
		return nil, eris.Wrapf(err, "redsis: get activity %s", code)
	}
	return &a, nil
}

func (c *httpClient) Advance(ctx context.Context, code string) (*Activity, error) {
	var a Activity
	if err := c.do(ctx, http.MethodPost, activityPath(code)+"/advance", nil, &a); err != nil {
		return nil, eris.Wrapf(err, "redsis: advance activity %s", code)
	}
	return &a, nil
}

func (c *httpClient) Retreat(ctx context.Context, code string) (*Activity, error) {
	var a Activity
	if err := c.do(ctx, http.MethodPost, activityPath(code)+"/retreat", nil, &a); err != nil {
		return nil, eris.Wrapf(err, "redsis: retreat activity %s", code)
	}
	return &a, nil
}

func (c *httpClient) SetOwner(ctx context.Context, code string, req OwnerRequest) error {
	if err := c.do(ctx, http.MethodPut, activityPath(code)+"/owner", req, nil); err != nil {
		return eris.Wrapf(err, "redsis: set owner %s", code)
	}
	return nil
}

func (c *httpClient) Subfunnels(ctx context.Context, funnelID string) ([]Subfunnel, error) {
	var resp subfunnelsResponse
	path := fmt.Sprintf("/funnels/%s/subfunnels", url.PathEscape(funnelID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "redsis: list subfunnels %s", funnelID)
	}
	return resp.Data, nil
}

func activityPath(code string) string {
	return "/activities/" + url.PathEscape(code)
}

func (c *httpClient) do(ctx context.Context, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit")
		}
	}

	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "send request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.FromHTTPStatus(resp.StatusCode,
			eris.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}
