package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

func TestSendText(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       string
		wantTransient bool
		wantPermanent bool
		wantID        string
	}{
		{
			name:   "success",
			status: http.StatusCreated,
			body:   `{"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": true, "id": "BAE5F1"}, "status": "PENDING"}`,
			wantID: "BAE5F1",
		},
		{
			name:          "server_error",
			status:        http.StatusBadGateway,
			body:          `{"error": "upstream"}`,
			wantErr:       "unexpected status 502",
			wantTransient: true,
		},
		{
			name:          "rate_limited",
			status:        http.StatusTooManyRequests,
			body:          `{}`,
			wantErr:       "unexpected status 429",
			wantTransient: true,
		},
		{
			name:          "bad_number",
			status:        http.StatusBadRequest,
			body:          `{"response": {"message": [{"exists": false}]}}`,
			wantErr:       "unexpected status 400",
			wantPermanent: true,
		},
		{
			name:          "missing_id",
			status:        http.StatusOK,
			body:          `{"key": {}, "status": "ERROR"}`,
			wantErr:       "missing message id",
			wantTransient: true,
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/message/sendText/sales-1", r.URL.Path)
				assert.Equal(t, "test-key", r.Header.Get("apikey"))

				var req SendTextRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "5511999999999", req.Number)
				assert.Equal(t, "Oi Ana", req.Text)

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL+"/"))
			resp, err := client.SendText(context.Background(), "sales-1", SendTextRequest{
				Number: "+55 (11) 99999-9999",
				Text:   "Oi Ana",
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, tt.wantTransient, resilience.IsTransient(err))
				assert.Equal(t, tt.wantPermanent, resilience.IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, resp.Key.ID)
		})
	}
}

func TestSendText_InvalidInputIsPermanent(t *testing.T) {
	client := NewClient("k", WithBaseURL("http://127.0.0.1:1"))

	_, err := client.SendText(context.Background(), "", SendTextRequest{Number: "5511999999999", Text: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))

	_, err = client.SendText(context.Background(), "inst", SendTextRequest{Number: "12-3", Text: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "invalid number")
}

func TestSendText_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient("k", WithBaseURL(url))
	_, err := client.SendText(context.Background(), "inst", SendTextRequest{Number: "5511999999999", Text: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestInstanceState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/instance/connectionState/sales-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"instance": {"instanceName": "sales-1", "state": "open"}}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL))
	state, err := client.InstanceState(context.Background(), "sales-1")
	require.NoError(t, err)
	assert.Equal(t, "open", state)
}

func TestNormalizeNumber(t *testing.T) {
	assert.Equal(t, "5511999999999", NormalizeNumber("+55 (11) 99999-9999"))
	assert.Equal(t, "", NormalizeNumber("123"))
	assert.Equal(t, "", NormalizeNumber(""))
}
