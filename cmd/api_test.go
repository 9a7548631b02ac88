//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

const stagesYAML = `
funnels:
  - funnel_id: f1
    workable: workable
    stages:
      - {name: new, code: 10}
      - {name: workable, code: 20}
      - {name: won, code: 30}
`

const (
	testAPIKey = "k3y"
	testSecret = "s3cret"
)

// newTestEnv wires the app against a temp SQLite store with no channels and
// no CRM.
func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	dir := t.TempDir()
	stages := filepath.Join(dir, "stages.yaml")
	require.NoError(t, os.WriteFile(stages, []byte(stagesYAML), 0o600))

	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "api.db")},
		CRM:   config.CRMConfig{Provider: "none", StagesPath: stages},
		Dispatch: config.DispatchConfig{
			BatchSize:       50,
			DefaultTemplate: "Hi {{.FirstName}}",
		},
		Sync: config.SyncConfig{BatchSize: 10, Concurrency: 1, MaxAttempts: 3},
	}

	ctx := context.Background()
	st, err := initStore(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	env, err := wireApp(st)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPIClient(t *testing.T, env *appEnv) *apiClient {
	srv := httptest.NewServer(buildRouter(env, []string{"*"}, testAPIKey, testSecret))
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) (int, []byte) {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close() //nolint:errcheck

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, buf.Bytes()
}

// api calls an admin route with the API key.
func (c *apiClient) api(method, path string, body any) (int, []byte) {
	return c.do(method, path, body, map[string]string{"X-API-Key": testAPIKey})
}

func (c *apiClient) webhook(path string, body any) (int, []byte) {
	return c.do(http.MethodPost, path, body, map[string]string{"X-Webhook-Secret": testSecret})
}

func decodeBody[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func seedCampaign(t *testing.T, c *apiClient) {
	t.Helper()
	code, body := c.api(http.MethodPut, "/campaigns/camp-1", map[string]any{
		"name":              "Spring outreach",
		"messages_per_week": 2,
		"cold_days":         7,
		"priority_channel":  "whatsapp",
		"fallback_channels": []string{"email"},
		"is_active":         true,
	})
	require.Equal(t, http.StatusOK, code, string(body))
}

func enrollLead(t *testing.T, c *apiClient, leadID string) model.Participant {
	t.Helper()
	code, body := c.api(http.MethodPost, "/campaigns/camp-1/participants", map[string]any{
		"lead_id": leadID,
		"name":    "Ana Souza",
		"phone":   "+5511999990001",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	return decodeBody[model.Participant](t, body)
}

func TestAPI_Health(t *testing.T) {
	c := newAPIClient(t, newTestEnv(t))

	code, body := c.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, body)["status"])
}

func TestAPI_RequiresKey(t *testing.T) {
	c := newAPIClient(t, newTestEnv(t))

	code, _ := c.do(http.MethodGet, "/campaigns/", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.do(http.MethodGet, "/campaigns/", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.api(http.MethodGet, "/campaigns/", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAPI_Campaigns(t *testing.T) {
	c := newAPIClient(t, newTestEnv(t))
	seedCampaign(t, c)
	enrollLead(t, c, "lead-1")

	code, body := c.api(http.MethodGet, "/campaigns/camp-1", nil)
	require.Equal(t, http.StatusOK, code)
	view := decodeBody[map[string]any](t, body)
	assert.Equal(t, "Spring outreach", view["name"])
	counts := view["message_counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["pending"])

	code, _ = c.api(http.MethodGet, "/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = c.api(http.MethodPut, "/campaigns/bad", map[string]any{"priority_channel": "fax"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = c.api(http.MethodGet, "/campaigns/?active=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeBody[[]model.Campaign](t, body), 1)
}

func TestAPI_CampaignPauseResume(t *testing.T) {
	c := newAPIClient(t, newTestEnv(t))
	seedCampaign(t, c)
	enrollLead(t, c, "lead-1")
	enrollLead(t, c, "lead-2")

	code, body := c.api(http.MethodPost, "/campaigns/camp-1/pause", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, decodeBody[map[string]int](t, body)["participants"])

	code, body = c.api(http.MethodPost, "/campaigns/camp-1/resume", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, decodeBody[map[string]int](t, body)["participants"])
}

func TestAPI_Enroll(t *testing.T) {
	c := newAPIClient(t, newTestEnv(t))
	seedCampaign(t, c)

	p := enrollLead(t, c, "lead-1")
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, model.MessagePending, p.MessageStatus)

	code, _ := c.api(http.MethodPost, "/campaigns/camp-1/participants", map[string]any{"lead_id": "lead-2"})
	assert.Equal(t, http.StatusBadRequest, code, "no phone or email")

	code, _ = c.api(http.MethodPost, "/campaigns/missing/participants", map[string]any{"lead_id": "lead-3", "phone": "+1"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = c.api(http.MethodPost, "/campaigns/camp-1/participants", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := c.api(http.MethodPost, "/campaigns/camp-1/participants/bulk", []map[string]any{
		{"lead_id": "lead-1", "phone": "+1"},
		{"lead_id": "lead-4", "email": "bo@example.com"},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	res := decodeBody[map[string]int](t, body)
	assert.Equal(t, 2, res["requested"])
	assert.Equal(t, 1, res["created"])
}

func TestAPI_ParticipantLifecycle(t *testing.T) {
	c := newAPIClient(t, newTestEnv(t))
	seedCampaign(t, c)
	p := enrollLead(t, c, "lead-1")
	path := "/participants/" + p.ID

	code, body := c.api(http.MethodGet, "/participants/?campaign_id=camp-1&status=active", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeBody[[]model.Participant](t, body), 1)

	code, body = c.api(http.MethodPost, path+"/pause", nil)
	require.Equal(t, http.StatusOK, code)
	got := decodeBody[model.Participant](t, body)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.Equal(t, model.PauseManual, got.PauseReason)

	code, _ = c.api(http.MethodPost, path+"/resume", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = c.api(http.MethodPost, path+"/resume", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = c.api(http.MethodPost, path+"/reset", nil)
	assert.Equal(t, http.StatusConflict, code, "nothing to reset")

	code, body = c.api(http.MethodPost, path+"/responses", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, decodeBody[model.Participant](t, body).ResponseCount)

	code, body = c.api(http.MethodGet, path+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decodeBody[[]model.MessageRecord](t, body))

	code, _ = c.api(http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = c.api(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_PauseCompletedParticipantConflicts(t *testing.T) {
	env := newTestEnv(t)
	c := newAPIClient(t, env)
	seedCampaign(t, c)
	p := enrollLead(t, c, "lead-1")

	ok, err := env.Store.TransitionParticipant(context.Background(), p.ID, store.StatusChange{
		From: model.StatusActive, To: model.StatusCompleted,
	})
	require.NoError(t, err)
	require.True(t, ok)

	code, body := c.api(http.MethodPost, "/participants/"+p.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), "invalid participant status transition")
}

func TestAPI_Process(t *testing.T) {
	env := newTestEnv(t)
	c := newAPIClient(t, env)
	seedCampaign(t, c)
	enrollLead(t, c, "lead-1")

	code, body := c.api(http.MethodPost, "/campaigns/camp-1/process", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	res := decodeBody[map[string]any](t, body)
	assert.Equal(t, "camp-1", res["campaign_id"])

	code, _ = c.api(http.MethodGet, "/campaigns/camp-1/failures", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAPI_LeadOwnership(t *testing.T) {
	env := newTestEnv(t)
	c := newAPIClient(t, env)
	seedCampaign(t, c)
	p := enrollLead(t, c, "lead-1")

	code, body := c.api(http.MethodPost, "/leads/lead-1/assume", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, decodeBody[map[string]any](t, body)["locked"].(bool))

	got, err := env.Service.GetParticipant(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PauseOwnerLock, got.PauseReason)

	code, _ = c.api(http.MethodPost, "/leads/lead-1/assume", map[string]string{"user_id": "u2"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = c.api(http.MethodPost, "/leads/lead-1/release", map[string]string{"user_id": "u2"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = c.api(http.MethodPost, "/leads/lead-1/assume", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = c.api(http.MethodPost, "/leads/lead-1/release", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusOK, code)

	got, err = env.Service.GetParticipant(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestAPI_LeadStage(t *testing.T) {
	env := newTestEnv(t)
	c := newAPIClient(t, env)
	seedCampaign(t, c)
	enrollLead(t, c, "lead-1")

	code, body := c.api(http.MethodPost, "/leads/lead-1/stage", map[string]any{"stage": "won"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "won", decodeBody[map[string]string](t, body)["stage"])

	code, _ = c.api(http.MethodPost, "/leads/lead-1/stage", map[string]any{"stage": "lost"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = c.api(http.MethodPost, "/leads/lead-1/stage", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = c.api(http.MethodPost, "/leads/lead-1/stage", map[string]any{"stage": "workable", "async": true})
	assert.Equal(t, http.StatusAccepted, code)

	code, body = c.api(http.MethodGet, "/leads/lead-1", nil)
	require.Equal(t, http.StatusOK, code)
	view := decodeBody[map[string]any](t, body)
	assert.Equal(t, "won", view["current_stage"])
	assert.NotEmpty(t, view["history"])

	code, _ = c.api(http.MethodGet, "/leads/nobody", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_Webhooks(t *testing.T) {
	env := newTestEnv(t)
	c := newAPIClient(t, env)
	seedCampaign(t, c)
	enrollLead(t, c, "lead-1")

	code, _ := c.do(http.MethodPost, "/webhooks/crm/stage", map[string]any{"lead_id": "lead-1", "stage_code": 30}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := c.webhook("/webhooks/crm/stage", map[string]any{"lead_id": "lead-1", "stage_code": 30})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "won", decodeBody[map[string]string](t, body)["stage"])

	ps, err := env.Service.ListParticipants(context.Background(), model.ParticipantFilter{LeadID: "lead-1"})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, model.StatusPausedKanban, ps[0].Status)

	code, _ = c.webhook("/webhooks/crm/lock", map[string]any{"lead_id": "lead-1", "user_id": "crm-user", "locked": true})
	require.Equal(t, http.StatusOK, code)
	lead, err := env.Ownership.Status(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.True(t, lead.OwnerLock)
	assert.Equal(t, "crm-user", lead.OwnerID)

	code, _ = c.webhook("/webhooks/crm/lock", map[string]any{"lead_id": "lead-1", "user_id": "someone-else", "locked": false})
	require.Equal(t, http.StatusOK, code)
	lead, err = env.Ownership.Status(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.False(t, lead.OwnerLock)

	code, _ = c.webhook("/webhooks/crm/stage", map[string]any{"lead_id": "missing", "stage_code": 10})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWriteErr_Mapping(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, store.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	writeErr(rec, model.ErrUnknownStage)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	writeErr(rec, model.CheckTransition(model.StatusCompleted, model.StatusPaused))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	writeErr(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
