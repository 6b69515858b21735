package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tirs/engine/internal/audit"
	"github.com/tirs/engine/internal/config"
	"github.com/tirs/engine/internal/core"
	"github.com/tirs/engine/internal/engine"
	"github.com/tirs/engine/internal/fabric"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Forensics.SnapshotDir = t.TempDir()

	eng, err := engine.New(cfg, engine.Options{
		Store: audit.NewMemoryStore(),
		Bus:   fabric.NewLocalEventBus(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	srv := httptest.NewServer(NewServer(cfg, eng, nil).Router())
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestAnalyzeIntentEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/intents/analyze", engine.IntentRequest{
		AgentID:      "agent-1",
		AgentType:    "support",
		Text:         "summarize open tickets",
		Capabilities: []string{"read_tickets"},
		Allowed:      true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result core.AnalysisResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "agent-1", result.AgentID)
	assert.Len(t, result.Signals, 5)
	assert.Equal(t, core.StateActive, result.RunState)
}

func TestAnalyzeIntentValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/intents/analyze", map[string]string{"text": "no agent id"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	raw, err := http.Post(srv.URL+"/api/v1/intents/analyze", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestAgentStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/intents/analyze", engine.IntentRequest{
		AgentID: "agent-1", AgentType: "support", Text: "triage", Allowed: true,
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/agents/agent-1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status core.AgentStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 1, status.IntentCount)

	missing, err := http.Get(srv.URL + "/api/v1/agents/nobody/status")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestAppealConflictForLiveAgent(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/intents/analyze", engine.IntentRequest{
		AgentID: "agent-1", AgentType: "support", Text: "triage", Allowed: true,
	})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/appeals", AppealSubmission{
		AgentID:     "agent-1",
		RequestedBy: "alice",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDashboardEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/intents/analyze", engine.IntentRequest{
			AgentID:   fmt.Sprintf("agent-%d", i),
			AgentType: "support",
			Text:      "triage",
			Allowed:   true,
			Timestamp: time.Now(),
		})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/v1/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dash core.Dashboard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dash))
	assert.Equal(t, 3, dash.TotalAgents)
	assert.Equal(t, 3, dash.StateCounts[core.StateActive])
}

func TestAuditVerifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/intents/analyze", engine.IntentRequest{
		AgentID: "agent-1", AgentType: "support", Text: "triage", Allowed: true,
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/audit/verify")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report audit.VerifyReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Entries)
}

func TestAuditEntriesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/intents/analyze", engine.IntentRequest{
			AgentID: "agent-1", AgentType: "support", Text: fmt.Sprintf("triage %d", i), Allowed: true,
		})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/v1/audit/entries?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, uint64(2), body.Entries[1].Sequence)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/intents/analyze", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
