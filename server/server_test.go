package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaitext/plait/core/config"
	"github.com/plaitext/plait/core/version"
	"github.com/plaitext/plait/core/workspace"
)

func newTestServer(t *testing.T) (*httptest.Server, *workspace.Workspace) {
	t.Helper()

	ws, err := workspace.Init(context.Background(), t.TempDir(), workspace.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	srv := New(ws, config.Default().Server, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ws
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/v1/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListVersionsMarksActive(t *testing.T) {
	ts, _ := newTestServer(t)

	var versions []versionResponse
	resp := getJSON(t, ts.URL+"/v1/versions", &versions)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, versions, 1)
	assert.Equal(t, "main", versions[0].Name)
	assert.True(t, versions[0].Active)
}

func TestCreateVersion(t *testing.T) {
	ts, ws := newTestServer(t)
	ctx := context.Background()

	main, err := ws.Versions().Active(ctx)
	require.NoError(t, err)

	var created versionResponse
	resp := postJSON(t, ts.URL+"/v1/versions",
		createVersionRequest{Name: "stage", FromVersionID: main.ID}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "stage", created.Name)
	assert.Equal(t, main.ChangeSetID, created.ChangeSetID)

	// Duplicate names are a conflict.
	resp = postJSON(t, ts.URL+"/v1/versions",
		createVersionRequest{Name: "stage", FromVersionID: main.ID}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReadFilesAtVersion(t *testing.T) {
	ts, ws := newTestServer(t)
	ctx := context.Background()

	file, err := ws.Files().Insert(ctx, "doc.json", []byte(`{"hello":"world"}`), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	main, err := ws.Versions().Active(ctx)
	require.NoError(t, err)

	var listed []fileResponse
	resp := getJSON(t, fmt.Sprintf("%s/v1/versions/%s/files", ts.URL, main.ID), &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed, 1)
	assert.Equal(t, "doc.json", listed[0].Path)

	raw, err := http.Get(fmt.Sprintf("%s/v1/versions/%s/files/%s", ts.URL, main.ID, file.ID))
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)

	var doc map[string]string
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&doc))
	assert.Equal(t, "world", doc["hello"])
}

func TestReadFileUnknownVersionIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := getJSON(t, ts.URL+"/v1/versions/nope/files", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	ts, ws := newTestServer(t)
	ctx := context.Background()

	main, err := ws.Versions().Active(ctx)
	require.NoError(t, err)
	stage, err := ws.Versions().Create(ctx, version.CreateVersionOptions{
		FromVersionID: main.ID,
		Name:          "stage",
	})
	require.NoError(t, err)

	require.NoError(t, ws.Switch(ctx, stage.ID))
	_, err = ws.Files().Insert(ctx, "merged.json", []byte(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Settled(ctx))

	var proposal proposalResponse
	resp := postJSON(t, ts.URL+"/v1/proposals",
		createProposalRequest{SourceVersionID: stage.ID, TargetVersionID: main.ID}, &proposal)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "open", proposal.Status)

	// Self-proposals are rejected outright.
	resp = postJSON(t, ts.URL+"/v1/proposals",
		createProposalRequest{SourceVersionID: main.ID, TargetVersionID: main.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var accepted proposalResponse
	resp = postJSON(t, ts.URL+"/v1/proposals/"+proposal.ID+"/accept", struct{}{}, &accepted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", accepted.Status)

	// Accepting again conflicts.
	resp = postJSON(t, ts.URL+"/v1/proposals/"+proposal.ID+"/accept", struct{}{}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The merged file is readable under main.
	var listed []fileResponse
	resp = getJSON(t, fmt.Sprintf("%s/v1/versions/%s/files", ts.URL, main.ID), &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed, 1)
	assert.Equal(t, "merged.json", listed[0].Path)
}

func TestCORSHeadersPresent(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/versions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
