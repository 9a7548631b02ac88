// Package sms provides a client for a JSON SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

// Client sends SMS messages.
type Client interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
}

// SendRequest is the request body for POST /messages.
type SendRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// SendResponse is the gateway acknowledgement.
type SendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Statuses the gateway uses for numbers that can never be delivered to.
var rejectedStatuses = map[string]bool{
	"rejected":    true,
	"blocked":     true,
	"invalid":     true,
	"unreachable": true,
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the gateway base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithSender sets the default sender id.
func WithSender(from string) Option {
	return func(c *httpClient) {
		c.sender = from
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	sender  string
	http    *http.Client
}

// NewClient creates an SMS gateway client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey: apiKey,
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

func (c *httpClient) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.To) == "" {
		return nil, resilience.NewPermanentError(eris.New("sms: recipient is required"), 0)
	}
	if req.From == "" {
		req.From = c.sender
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sms: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "sms: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "sms: send request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "sms: read response"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.FromHTTPStatus(resp.StatusCode,
			eris.Errorf("sms: unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	var result SendResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "sms: unmarshal response")
	}
	if rejectedStatuses[strings.ToLower(result.Status)] {
		return nil, resilience.NewPermanentError(
			eris.Errorf("sms: message %s: %s", result.Status, result.Error), resp.StatusCode)
	}
	return &result, nil
}
