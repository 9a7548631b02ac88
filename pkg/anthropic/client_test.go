package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeAPI(t *testing.T, status int, body map[string]any, seen *map[string]any) Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return NewClient("test-key", option.WithBaseURL(ts.URL))
}

func messageBody(id, text string, usage map[string]any) map[string]any {
	return map[string]any{
		"id":          id,
		"type":        "message",
		"role":        "assistant",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"model":       "claude-haiku-4-5-20251001",
		"stop_reason": "end_turn",
		"usage":       usage,
	}
}

func TestClient_CreateMessage(t *testing.T) {
	c := fakeAPI(t, http.StatusOK, messageBody("msg_1", "Oi Ana, tudo bem?", map[string]any{
		"input_tokens": 10, "output_tokens": 5,
	}), nil)

	resp, err := c.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 256,
		Messages:  []Message{{Role: RoleUser, Content: "Write to Ana"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "Oi Ana, tudo bem?", resp.Text())
	assert.Equal(t, TokenUsage{InputTokens: 10, OutputTokens: 5}, resp.Usage)
}

func TestClient_CreateMessage_SendsSystemAndTemperature(t *testing.T) {
	var seen map[string]any
	c := fakeAPI(t, http.StatusOK, messageBody("msg_2", "ok", map[string]any{
		"input_tokens": 50, "output_tokens": 1, "cache_creation_input_tokens": 5000,
	}), &seen)

	temp := 0.5
	resp, err := c.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   64,
		System:      CachedSystem("agent prompt"),
		Messages:    []Message{{Role: RoleUser, Content: "go"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), resp.Usage.CacheCreationInputTokens)

	assert.InDelta(t, 0.5, seen["temperature"], 0.0001)
	system, ok := seen["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "agent prompt", system[0].(map[string]any)["text"])
}

func TestClient_CreateMessage_Error(t *testing.T) {
	c := fakeAPI(t, http.StatusInternalServerError, map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": "Internal server error"},
	}, nil)

	_, err := c.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages:  []Message{{Role: RoleUser, Content: "Hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
}
