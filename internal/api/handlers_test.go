package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/sla"
	"b2chat-sync-service/internal/store"
	"b2chat-sync-service/internal/sync"
)

const testToken = "testtoken"

// stubPlatform scripts platform responses for handler tests. Pages past the
// script come back empty, which ends the extract loop.
type stubPlatform struct {
	contactPages []b2chat.ContactPage
	chatPages    []b2chat.ChatPage
	contactErr   error
	chatErr      error

	// Called before a contacts page is served.
	beforeContacts func()
}

func (s *stubPlatform) ExportContacts(ctx context.Context, req b2chat.ContactExportRequest) (*b2chat.ContactPage, error) {
	if s.beforeContacts != nil {
		s.beforeContacts()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.contactErr != nil {
		return nil, s.contactErr
	}
	page := b2chat.ContactPage{Page: req.Page}
	if req.Page >= 1 && req.Page <= len(s.contactPages) {
		page = s.contactPages[req.Page-1]
	}
	return &page, nil
}

func (s *stubPlatform) SearchChats(ctx context.Context, req b2chat.ChatSearchRequest) (*b2chat.ChatPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	page := b2chat.ChatPage{Page: req.Page}
	if req.Page >= 1 && req.Page <= len(s.chatPages) {
		page = s.chatPages[req.Page-1]
	}
	return &page, nil
}

func contactsPage(page, totalPages int, ids ...int64) b2chat.ContactPage {
	items := make([]b2chat.ContactItem, 0, len(ids))
	for _, id := range ids {
		raw := fmt.Sprintf(`{"contact_id": %d, "full_name": "Contact %d", "mobile_number": "+5730000%04d"}`, id, id, id)
		var c b2chat.Contact
		_ = json.Unmarshal([]byte(raw), &c)
		items = append(items, b2chat.ContactItem{Contact: c, Raw: json.RawMessage(raw)})
	}
	return b2chat.ContactPage{Items: items, Page: page, PageSize: len(items), TotalPages: totalPages}
}

type testServer struct {
	*httptest.Server
	store *store.SQLStore
}

func newTestServer(t *testing.T, platform sync.APIClient) *testServer {
	t.Helper()

	st, err := store.Open(config.DatabaseConfig{Driver: "sqlite", FilePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			AuthTokens: map[string]string{testToken: "tester"},
		},
		Sync: config.SyncConfig{
			ExtractPageSize:    100,
			TransformBatchSize: 50,
			MaxAttempts:        3,
			EventHistorySize:   100,
		},
		SLA: sla.Config{
			Thresholds: sla.Thresholds{Pickup: 5, Resolution: 480},
		},
	}

	manager, err := sync.NewManager(cfg, st, platform)
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(manager, cfg.Server).Routes())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, store: st}
}

// do issues a request with an optional bearer token and raw body and returns
// the status code and response bytes.
func do(t *testing.T, method, url, token, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// doJSON marshals the payload, sends it authenticated, and decodes the JSON
// response. A nil payload sends no body.
func doJSON(t *testing.T, method, url string, payload any) (int, map[string]any) {
	t.Helper()

	body := ""
	if payload != nil {
		buf, err := json.Marshal(payload)
		require.NoError(t, err)
		body = string(buf)
	}

	status, data := do(t, method, url, testToken, body)

	var decoded map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), "response body: %s", data)
	}
	return status, decoded
}

func TestHealthAndReadyAreOpen(t *testing.T) {
	ts := newTestServer(t, &stubPlatform{})

	status, body := do(t, http.MethodGet, ts.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, ready := doJSON(t, http.MethodGet, ts.URL+"/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", ready["status"])
}

func TestReadyReportsStoreDown(t *testing.T) {
	ts := newTestServer(t, &stubPlatform{})
	require.NoError(t, ts.store.Close())

	status, body := doJSON(t, http.MethodGet, ts.URL+"/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", body["status"])
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, &stubPlatform{})
	url := ts.URL + "/api/v1/sync/pending"

	status, data := do(t, http.MethodGet, url, "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, "missing bearer token", body["message"])

	status, data = do(t, http.MethodGet, url, "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "invalid token", body["message"])

	// The scheme is case-insensitive.
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflightBypassesAuth(t *testing.T) {
	ts := newTestServer(t, &stubPlatform{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/sync/extract", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestExtractRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, &stubPlatform{})
	url := ts.URL + "/api/v1/sync/extract"

	status, body := doJSON(t, http.MethodPost, url, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"])
	assert.Equal(t, "request body is required", body["message"])

	status, data := do(t, http.MethodPost, url, testToken, "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "malformed JSON body", body["message"])

	status, body = doJSON(t, http.MethodPost, url, map[string]any{"entityType": "tickets"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"])
	assert.Contains(t, body["message"], "unknown entity type")

	status, body = doJSON(t, http.MethodPost, url, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "entityType is required")
}

func TestExtractTransformEndToEnd(t *testing.T) {
	platform := &stubPlatform{contactPages: []b2chat.ContactPage{contactsPage(1, 1, 7, 8)}}
	ts := newTestServer(t, platform)
	base := ts.URL + "/api/v1/sync"

	status, body := doJSON(t, http.MethodPost, base+"/extract", map[string]any{
		"entityType": "contacts",
		"fullSync":   true,
	})
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	assert.Equal(t, store.RunStatusCompleted, body["status"])

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	syncID, _ := result["syncId"].(string)
	require.NotEmpty(t, syncID)
	assert.Equal(t, store.OperationFullSync, result["operation"])
	assert.Equal(t, float64(2), result["recordsFetched"])
	assert.Equal(t, float64(2), result["recordsStaged"])

	status, pend := doJSON(t, http.MethodGet, base+"/pending", nil)
	require.Equal(t, http.StatusOK, status)
	pending, ok := pend["pending"].([]any)
	require.True(t, ok)
	require.Len(t, pending, 1)
	first := pending[0].(map[string]any)
	assert.Equal(t, store.EntityContacts, first["entityType"])
	assert.Equal(t, float64(2), first["count"])

	status, list := doJSON(t, http.MethodGet, base+"/extracts?entityType=contacts", nil)
	require.Equal(t, http.StatusOK, status)
	runs, ok := list["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)
	run := runs[0].(map[string]any)
	assert.Equal(t, syncID, run["syncId"])
	assert.Equal(t, "api:tester", run["triggeredBy"])
	assert.Equal(t, store.RunStatusCompleted, run["status"])

	status, got := doJSON(t, http.MethodGet, base+"/extracts/"+syncID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, syncID, got["syncId"])

	status, tbody := doJSON(t, http.MethodPost, base+"/transform", map[string]any{
		"entityType":    "contacts",
		"extractSyncId": syncID,
	})
	require.Equal(t, http.StatusOK, status, "body: %v", tbody)
	assert.Equal(t, store.RunStatusCompleted, tbody["status"])

	tres, ok := tbody["result"].(map[string]any)
	require.True(t, ok)
	transformID, _ := tres["syncId"].(string)
	require.NotEmpty(t, transformID)
	assert.Equal(t, syncID, tres["extractSyncId"])
	assert.Equal(t, float64(2), tres["recordsProcessed"])
	assert.Equal(t, float64(2), tres["recordsCreated"])
	assert.Equal(t, float64(0), tres["recordsFailed"])

	status, tlist := doJSON(t, http.MethodGet, base+"/transforms?extractSyncId="+syncID, nil)
	require.Equal(t, http.StatusOK, status)
	truns, ok := tlist["runs"].([]any)
	require.True(t, ok)
	require.Len(t, truns, 1)
	trun := truns[0].(map[string]any)
	assert.Equal(t, transformID, trun["syncId"])
	assert.Equal(t, "api:tester", trun["triggeredBy"])

	status, tgot := doJSON(t, http.MethodGet, base+"/transforms/"+transformID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, transformID, tgot["syncId"])

	status, pend = doJSON(t, http.MethodGet, base+"/pending", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, pend["pending"])

	status, stats := doJSON(t, http.MethodGet, base+"/stats?days=7", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(7), stats["days"])
	assert.Equal(t, float64(1), stats["extractRuns"])
	assert.Equal(t, float64(1), stats["transformRuns"])
	assert.Equal(t, float64(2), stats["recordsFetched"])
	assert.Equal(t, float64(2), stats["recordsCreated"])

	status, ev := doJSON(t, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, status)
	events, ok := ev["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 6) // started, progress, completed per run
	evStats, ok := ev["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(6), evStats["totalEvents"])

	status, active := doJSON(t, http.MethodGet, base+"/runs/active", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, active["runs"])
}

func TestExtractAllReturnsBothResults(t *testing.T) {
	platform := &stubPlatform{contactPages: []b2chat.ContactPage{contactsPage(1, 1, 1)}}
	ts := newTestServer(t, platform)

	status, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sync/extract", map[string]any{
		"entityType": "all",
		"fullSync":   true,
	})
	require.Equal(t, http.StatusOK, status, "body: %v", body)

	assert.Equal(t, store.RunStatusCompleted, body["status"])
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	firstRes := results[0].(map[string]any)
	secondRes := results[1].(map[string]any)
	assert.Equal(t, store.EntityContacts, firstRes["entityType"])
	assert.Equal(t, store.EntityChats, secondRes["entityType"])
}

func TestWorstStatus(t *testing.T) {
	completed := &sync.ExtractResult{Status: store.RunStatusCompleted}
	cancelled := &sync.ExtractResult{Status: store.RunStatusCancelled}

	assert.Equal(t, store.RunStatusCompleted, worstStatus(nil))
	assert.Equal(t, store.RunStatusCompleted, worstStatus([]*sync.ExtractResult{completed, completed}))
	assert.Equal(t, store.RunStatusCancelled, worstStatus([]*sync.ExtractResult{completed, cancelled}))
}

func TestUnknownRunsReturn404(t *testing.T) {
	ts := newTestServer(t, &stubPlatform{})
	base := ts.URL + "/api/v1/sync"

	status, body := doJSON(t, http.MethodGet, base+"/extracts/01HXNOSUCHRUN", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
	assert.Equal(t, "no extract run with that id", body["message"])

	status, body = doJSON(t, http.MethodGet, base+"/transforms/01HXNOSUCHRUN", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no transform run with that id", body["message"])

	status, body = doJSON(t, http.MethodPost, base+"/runs/01HXNOSUCHRUN/cancel", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no active run with that id", body["message"])
}

func TestQueryValidation(t *testing.T) {
	ts := newTestServer(t, &stubPlatform{})
	base := ts.URL + "/api/v1/sync"

	tests := []struct {
		name    string
		url     string
		message string
	}{
		{"negative days", base + "/stats?days=-1", "days must be a non-negative integer"},
		{"non-integer days", base + "/stats?days=week", "days must be a non-negative integer"},
		{"negative limit", base + "/extracts?limit=-5", "limit must be a non-negative integer"},
		{"bad since", base + "/events?since=yesterday", "since must be RFC3339"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, http.MethodGet, tt.url, nil)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "invalid_request", body["error"])
			assert.Equal(t, tt.message, body["message"])
		})
	}

	status, _ := doJSON(t, http.MethodGet, base+"/events?since=2024-03-15T00:00:00Z&limit=10", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestExtractConflictWhileRunning(t *testing.T) {
	platform := &stubPlatform{contactPages: []b2chat.ContactPage{contactsPage(1, 1, 1)}}
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	platform.beforeContacts = func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}
	ts := newTestServer(t, platform)
	url := ts.URL + "/api/v1/sync/extract"

	firstStatus := make(chan int, 1)
	go func() {
		buf, _ := json.Marshal(map[string]any{"entityType": "contacts", "fullSync": true})
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
		if err != nil {
			firstStatus <- 0
			return
		}
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			firstStatus <- 0
			return
		}
		resp.Body.Close()
		firstStatus <- resp.StatusCode
	}()

	<-started // first extract is holding the entity lock

	status, body := doJSON(t, http.MethodPost, url, map[string]any{"entityType": "contacts"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "extract_running", body["error"])

	close(release)
	assert.Equal(t, http.StatusOK, <-firstStatus)
}

func TestUpstreamErrorMapping(t *testing.T) {
	platform := &stubPlatform{contactErr: &b2chat.APIError{
		Endpoint:   "/contacts/export",
		StatusCode: 503,
		Attempts:   3,
		Retryable:  true,
	}}
	ts := newTestServer(t, platform)
	url := ts.URL + "/api/v1/sync/extract"

	status, body := doJSON(t, http.MethodPost, url, map[string]any{"entityType": "contacts", "fullSync": true})
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "upstream_unavailable", body["error"])

	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/contacts/export", details["endpoint"])
	assert.Equal(t, float64(503), details["statusCode"])
	runID, _ := details["syncId"].(string)
	require.NotEmpty(t, runID, "failed runs still leave a manifest")

	status, got := doJSON(t, http.MethodGet, ts.URL+"/api/v1/sync/extracts/"+runID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.RunStatusFailed, got["status"])
	assert.NotEmpty(t, got["errorMessage"])

	// Non-retryable upstream failures map to a plain bad gateway.
	platform.contactErr = &b2chat.APIError{
		Endpoint:   "/contacts/export",
		StatusCode: 401,
		Attempts:   1,
	}
	status, body = doJSON(t, http.MethodPost, url, map[string]any{"entityType": "contacts", "fullSync": true})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "upstream_error", body["error"])
}
