package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/event-intake/internal/ingest"
	"github.com/ignite/event-intake/internal/normalize"
)

func newTestServer(t *testing.T) (*httptest.Server, *ingest.MemoryStore) {
	t.Helper()
	store := ingest.NewMemoryStore()
	pipeline := ingest.NewPipeline(store, normalize.New(normalize.DefaultAliases()), nil)
	h := NewHandlers(pipeline, store, 3, 1<<20)
	srv := httptest.NewServer(SetupRoutes(h, NewHealthChecker(nil, nil)))
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

const eventBody = `{"source":"client_A","payload":{"metric":"revenue","amount":100,"timestamp":"2024-01-01T00:00:00Z"}}`

func TestIngestEndpointCreates(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", eventBody, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "created", body["status"])
	assert.NotEmpty(t, body["fingerprint"])
	canonical, ok := body["canonical"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "client_A", canonical["client_id"])
}

func TestIngestEndpointDuplicate(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", eventBody, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/events", eventBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "duplicate", body["status"])
}

func TestIngestEndpointInvalid(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", `{"source":"client_A","payload":{"metric":"revenue"}}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "invalid", body["status"])
	assert.NotEmpty(t, body["errors"])
	assert.Len(t, store.FailedEvents(), 1)
}

func TestIngestEndpointMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestIngestEndpointFaultInjection(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/events", eventBody, map[string]string{"X-Inject-Fault": "1"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, 0, store.NormalizedCount())

	// Retry without the header completes the interrupted write.
	resp = postJSON(t, srv.URL+"/api/events", eventBody, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 1, store.NormalizedCount())
}

func TestIngestBatchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	batch := fmt.Sprintf(`[%s,%s,{"source":"client_B","payload":{"metric":"x"}}]`, eventBody, eventBody)
	resp := postJSON(t, srv.URL+"/api/events/batch", batch, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	summary, ok := body["summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), summary["received"])
	assert.Equal(t, float64(1), summary["created"])
	assert.Equal(t, float64(1), summary["duplicates"])
	assert.Equal(t, float64(1), summary["invalid"])
}

func TestIngestBatchTooLarge(t *testing.T) {
	srv, _ := newTestServer(t)

	// The test server caps batches at 3.
	batch := fmt.Sprintf(`[%s,%s,%s,%s]`, eventBody, eventBody, eventBody, eventBody)
	resp := postJSON(t, srv.URL+"/api/events/batch", batch, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()
}

func TestListEventsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/api/events", eventBody, nil).Body.Close()
	other := strings.Replace(eventBody, "client_A", "client_B", 1)
	postJSON(t, srv.URL+"/api/events", other, nil).Body.Close()

	resp, err := http.Get(srv.URL + "/api/events?client=client_A")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])
	events, ok := body["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, events, 1)
	first := events[0].(map[string]interface{})
	assert.Equal(t, "client_A", first["client_id"])
}

func TestListEventsBadTimeFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/events?from=yesterday")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListFailedEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/api/events", `{"source":"client_A","payload":{"metric":"revenue"}}`, nil).Body.Close()

	resp, err := http.Get(srv.URL + "/api/events/failed")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])
	failed, ok := body["failed"].([]interface{})
	require.True(t, ok)
	require.Len(t, failed, 1)
	assert.Equal(t, "validation", failed[0].(map[string]interface{})["category"])
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/api/events", eventBody, nil).Body.Close()
	postJSON(t, srv.URL+"/api/events", eventBody, nil).Body.Close()

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["received"])
	assert.Equal(t, float64(1), body["created"])
	assert.Equal(t, float64(1), body["duplicates"])
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])
	checks, ok := body["checks"].(map[string]interface{})
	require.True(t, ok)
	db := checks["database"].(map[string]interface{})
	assert.Equal(t, "not_configured", db["status"])
}
