package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptserver/internal/api"
	"scriptserver/internal/execution"
	"scriptserver/internal/schedule"
	"scriptserver/internal/scripts"
	"scriptserver/internal/store"
	"scriptserver/internal/timer"
)

const userHeader = "X-Forwarded-User"

var epoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

var scriptFiles = map[string]string{
	"hello.yaml": "command: echo hello\nschedulable: true\n",
	"greet.yaml": `
command: |-
  sh -c 'read line; echo "got $line"'
input_prompt: Name?
`,
	"private.yaml": `
command: echo secret
allowed_users: [alice]
parameters:
  - name: count
    type: int
    required: true
`,
}

type harness struct {
	server *httptest.Server
	token  string
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	for name, content := range scriptFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	catalog, err := scripts.Open(dir, []string{"root"}, logger)
	require.NoError(t, err)

	history, err := store.Open(ctx, t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	executions := execution.NewService(catalog, catalog, execution.WithHistory(history), execution.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executions.Shutdown(ctx)
	})

	wheel := timer.New(clockwork.NewFakeClockAt(epoch), logger)
	schedules := schedule.NewService(history, executions, wheel, schedule.WithLocation(time.UTC), schedule.WithLogger(logger))
	require.NoError(t, schedules.Start(ctx))
	t.Cleanup(schedules.Stop)

	srv := api.NewServer(api.Options{
		AuthToken:  token,
		UserHeader: userHeader,
		Executions: executions,
		Schedules:  schedules,
		Catalog:    catalog,
		History:    history,
		Logger:     logger,
		Location:   time.UTC,
	})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return &harness{server: server, token: token}
}

func (h *harness) do(t *testing.T, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	status, raw := h.doRaw(t, method, path, user, body)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return status, decoded
}

func (h *harness) doRaw(t *testing.T, method, path, user string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func errorCode(body map[string]any) string {
	envelope, _ := body["error"].(map[string]any)
	code, _ := envelope["code"].(string)
	return code
}

func (h *harness) waitStatus(t *testing.T, id, user, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		code, body := h.do(t, http.MethodGet, "/v1/executions/"+id, user, nil)
		return code == http.StatusOK && body["status"] == status
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAuthToken(t *testing.T) {
	h := newHarness(t, "s3cret")

	tests := []struct {
		scenario string
		given    func(*http.Request)
		status   int
	}{
		{"no token", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=s3cret" }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, h.server.URL+"/v1/scripts", nil)
			require.NoError(t, err)
			tt.given(req)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestListScriptsHonoursAllowedUsers(t *testing.T) {
	h := newHarness(t, "")

	names := func(user string) []string {
		status, body := h.do(t, http.MethodGet, "/v1/scripts", user, nil)
		require.Equal(t, http.StatusOK, status)
		var out []string
		for _, s := range body["scripts"].([]any) {
			out = append(out, s.(map[string]any)["name"].(string))
		}
		return out
	}
	assert.Equal(t, []string{"greet", "hello"}, names("bob"))
	assert.Equal(t, []string{"greet", "hello", "private"}, names("alice"))
	assert.Equal(t, []string{"greet", "hello", "private"}, names("root"))

	status, body := h.do(t, http.MethodPost, "/v1/scripts/reload", "bob", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))
	status, _ = h.do(t, http.MethodPost, "/v1/scripts/reload", "root", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestExecutionLifecycle(t *testing.T) {
	h := newHarness(t, "")

	status, body := h.do(t, http.MethodPost, "/v1/executions", "alice", map[string]any{"script": "hello"})
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)
	require.NotEmpty(t, id)
	h.waitStatus(t, id, "alice", "finished")

	status, body = h.do(t, http.MethodGet, "/v1/executions/"+id, "bob", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))

	require.Eventually(t, func() bool {
		status, body := h.do(t, http.MethodGet, "/v1/history/"+id, "alice", nil)
		return status == http.StatusOK && body["status"] == "finished"
	}, 5*time.Second, 20*time.Millisecond)

	status, raw := h.doRaw(t, http.MethodGet, "/v1/history/"+id+"/log", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello\n", string(raw))

	status, _ = h.do(t, http.MethodGet, "/v1/history/"+id, "bob", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = h.do(t, http.MethodGet, "/v1/history", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["executions"])
	status, body = h.do(t, http.MethodGet, "/v1/history?script=hello", "root", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["executions"], 1)

	status, body = h.do(t, http.MethodPost, "/v1/executions/"+id+"/stop", "alice", nil)
	assert.Equal(t, http.StatusAccepted, status, "stopping a finished execution is a no-op")
	assert.Equal(t, "finished", body["status"])

	status, _ = h.do(t, http.MethodDelete, "/v1/executions/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, body = h.do(t, http.MethodGet, "/v1/executions/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errorCode(body))
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t, "")

	tests := []struct {
		scenario string
		user     string
		given    map[string]any
		status   int
		code     string
	}{
		{"unknown script", "alice", map[string]any{"script": "nope"}, http.StatusNotFound, "not_found"},
		{"not allowed", "bob", map[string]any{"script": "private", "parameters": map[string]any{"count": 1}}, http.StatusForbidden, "forbidden"},
		{"missing parameter", "alice", map[string]any{"script": "private"}, http.StatusBadRequest, "invalid_parameter"},
		{"wrong type", "alice", map[string]any{"script": "private", "parameters": map[string]any{"count": "many"}}, http.StatusBadRequest, "invalid_parameter"},
		{"no script", "alice", map[string]any{}, http.StatusBadRequest, "invalid_parameter"},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			status, body := h.do(t, http.MethodPost, "/v1/executions", tt.user, tt.given)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errorCode(body))
		})
	}
}

func TestStreamRelaysInputAndOutput(t *testing.T) {
	h := newHarness(t, "")

	status, body := h.do(t, http.MethodPost, "/v1/executions", "alice", map[string]any{"script": "greet"})
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/executions/" + id + "/stream"
	header := http.Header{userHeader: []string{"alice"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first execution.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, execution.EventInput, first.Type)
	assert.Equal(t, "Name?", first.Data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("world")))

	var output strings.Builder
	for {
		var ev execution.Event
		err := conn.ReadJSON(&ev)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		if ev.Type == execution.EventOutput {
			output.WriteString(ev.Data.(string))
		}
	}
	assert.Equal(t, "got world\n", output.String())

	_, _, err = websocket.DefaultDialer.Dial(url, http.Header{userHeader: []string{"bob"}})
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestSchedules(t *testing.T) {
	h := newHarness(t, "")
	start := epoch.Add(time.Hour).Format(time.RFC3339)

	status, body := h.do(t, http.MethodPost, "/v1/schedules", "alice", map[string]any{
		"script_name": "hello",
		"schedule":    map[string]any{"repeatable": false, "start_datetime": start},
	})
	require.Equal(t, http.StatusCreated, status, body)
	id := body["id"].(string)
	assert.Equal(t, true, body["enabled"])
	assert.NotNil(t, body["next_fire_time"])

	status, body = h.do(t, http.MethodPost, "/v1/schedules", "alice", map[string]any{
		"script_name": "greet",
		"schedule":    map[string]any{"repeatable": false, "start_datetime": start},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_parameter", errorCode(body))

	status, body = h.do(t, http.MethodPost, "/v1/schedules", "alice", map[string]any{
		"script_name": "hello",
		"schedule":    map[string]any{"repeatable": true, "start_datetime": start, "repeat_unit": "fortnights", "repeat_period": 1},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_schedule", errorCode(body))

	status, body = h.do(t, http.MethodGet, "/v1/schedules", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["schedules"])
	status, body = h.do(t, http.MethodGet, "/v1/schedules", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["schedules"], 1)

	status, _ = h.do(t, http.MethodPost, "/v1/schedules/"+id+"/enabled", "bob", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusForbidden, status)
	status, body = h.do(t, http.MethodPost, "/v1/schedules/"+id+"/enabled", "alice", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["enabled"])
	assert.Nil(t, body["next_fire_time"])

	status, _ = h.do(t, http.MethodDelete, "/v1/schedules/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = h.do(t, http.MethodGet, "/v1/schedules/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSchedulePreview(t *testing.T) {
	h := newHarness(t, "")

	status, body := h.do(t, http.MethodPost, "/v1/schedules/preview", "alice", map[string]any{
		"schedule": map[string]any{
			"repeatable":     true,
			"start_datetime": epoch.Add(time.Hour).Format(time.RFC3339),
			"repeat_unit":    "days",
			"repeat_period":  1,
		},
		"count": 3,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"2026-03-02T13:00:00Z", "2026-03-03T13:00:00Z", "2026-03-04T13:00:00Z"}, body["next_times"])
}

func TestSettings(t *testing.T) {
	h := newHarness(t, "")

	status, body := h.do(t, http.MethodGet, "/v1/settings", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, schedule.DefaultRetentionMinutes, body["onetime_retention_minutes"])

	status, _ = h.do(t, http.MethodPut, "/v1/settings", "bob", map[string]any{"onetime_retention_minutes": 60})
	assert.Equal(t, http.StatusForbidden, status)
	status, body = h.do(t, http.MethodPut, "/v1/settings", "root", map[string]any{"onetime_retention_minutes": -5})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_parameter", errorCode(body))

	status, body = h.do(t, http.MethodPut, "/v1/settings", "root", map[string]any{"onetime_retention_minutes": 60})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 60, body["onetime_retention_minutes"])
}

func TestCronPreview(t *testing.T) {
	h := newHarness(t, "")

	status, body := h.do(t, http.MethodPost, "/v1/cron/preview", "", map[string]any{
		"expr":  "0 9 * * 1-5",
		"now":   "2026-03-06T10:00:00Z",
		"count": 2,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, []any{"2026-03-09T09:00:00Z", "2026-03-10T09:00:00Z"}, body["next_times"])

	status, body = h.do(t, http.MethodPost, "/v1/cron/preview", "", map[string]any{"expr": "@daily"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["valid"])
}
