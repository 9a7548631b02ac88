// Package whatsapp provides a client for an Evolution-style WhatsApp gateway,
// where every connected phone is addressed as a named instance.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

// Client sends WhatsApp messages through a gateway instance.
type Client interface {
	SendText(ctx context.Context, instance string, req SendTextRequest) (*SendTextResponse, error)
	InstanceState(ctx context.Context, instance string) (string, error)
}

// SendTextRequest is the request body for POST /message/sendText/{instance}.
type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay,omitempty"`
}

// SendTextResponse is the gateway acknowledgement for a queued message.
type SendTextResponse struct {
	Key    MessageKey `json:"key"`
	Status string     `json:"status"`
}

// MessageKey identifies a message on the WhatsApp network.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type instanceStateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the gateway base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
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
	http    *http.Client
}

// NewClient creates a WhatsApp gateway client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SendText(ctx context.Context, instance string, req SendTextRequest) (*SendTextResponse, error) {
	if instance == "" {
		return nil, resilience.NewPermanentError(eris.New("whatsapp: instance is required"), 0)
	}
	number := NormalizeNumber(req.Number)
	if number == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("whatsapp: invalid number %q", req.Number), 0)
	}
	req.Number = number

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "whatsapp: marshal request")
	}

	endpoint := c.baseURL + "/message/sendText/" + url.PathEscape(instance)
	respBody, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}

	var result SendTextResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "whatsapp: unmarshal response")
	}
	if result.Key.ID == "" {
		return nil, resilience.NewTransientError(eris.New("whatsapp: response missing message id"), 0)
	}
	return &result, nil
}

func (c *httpClient) InstanceState(ctx context.Context, instance string) (string, error) {
	endpoint := c.baseURL + "/instance/connectionState/" + url.PathEscape(instance)
	respBody, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	var result instanceStateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", eris.Wrap(err, "whatsapp: unmarshal state")
	}
	return result.Instance.State, nil
}

// do sends a request and classifies failures: network errors and 408/429/5xx
// are transient, every other non-2xx status is permanent.
func (c *httpClient) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, eris.Wrap(err, "whatsapp: create request")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "whatsapp: send request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "whatsapp: read response"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.FromHTTPStatus(resp.StatusCode,
			eris.Errorf("whatsapp: unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, nil
}

// NormalizeNumber strips formatting from a phone number, keeping digits only.
// Numbers shorter than 8 digits are rejected with an empty result.
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 8 {
		return ""
	}
	return b.String()
}
