package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/fanout/internal/apperr"
	"github.com/Tyrowin/fanout/internal/config"
	"github.com/Tyrowin/fanout/internal/metrics"
	"github.com/Tyrowin/fanout/internal/progress"
)

type testServer struct {
	*httptest.Server
	hub    *Hub
	origin string
}

func newTestServer(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	origin := "http://" + ts.Listener.Addr().String()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{origin}
	if tweak != nil {
		tweak(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	hub := NewHub(OptionsFromConfig(cfg), WithLogger(logger), WithMetrics(m))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	ts.Config.Handler = NewServer(hub, cfg, logger, m, reg).SetupRoutes()
	ts.Start()
	t.Cleanup(func() {
		cancel()
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
	})
	return &testServer{Server: ts, hub: hub, origin: origin}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", ts.origin)
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil reads frames until one of type typ arrives. A single websocket
// message may carry several newline-separated frames.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var f wireFrame
			require.NoError(t, json.Unmarshal(line, &f))
			if f.Type == typ {
				return f
			}
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestWebSocketJoinAndEmit(t *testing.T) {
	ts := newTestServer(t, nil)

	admin := ts.dial(t)
	readUntil(t, admin, TypeConnected)
	writeFrame(t, admin, TypeJoin, map[string]string{"role": "admin", "userId": "admin1"})
	joined := readUntil(t, admin, TypeJoined)
	assert.Contains(t, string(joined.Payload), "role:admin")

	user := ts.dial(t)
	readUntil(t, user, TypeConnected)
	writeFrame(t, user, TypeJoin, map[string]string{"role": "user", "userId": "u1"})
	readUntil(t, user, TypeJoined)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/emit", "", EmitRequest{
		Type:    "system:announcement",
		Payload: json.RawMessage(`{"text":"maintenance at noon"}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var res EmitResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, []string{"global"}, res.Rooms)
	assert.Equal(t, 2, res.Delivered)

	for _, conn := range []*websocket.Conn{admin, user} {
		f := readUntil(t, conn, "system:announcement")
		assert.JSONEq(t, `{"text":"maintenance at noon"}`, string(f.Payload))
	}
}

func TestWebSocketErrorsGoToActingSessionOnly(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := ts.dial(t)
	readUntil(t, conn, TypeConnected)
	writeFrame(t, conn, TypeJoin, map[string]string{"role": "pilot"})

	f := readUntil(t, conn, TypeError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, apperr.CodeValidation, payload.Code)
	assert.Equal(t, TypeJoin, payload.Op)
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	ts := newTestServer(t, nil)

	admin := ts.dial(t)
	readUntil(t, admin, TypeConnected)
	writeFrame(t, admin, TypeJoin, map[string]string{"role": "admin", "userId": "admin1"})
	readUntil(t, admin, TypeJoined)

	user := ts.dial(t)
	readUntil(t, user, TypeConnected)
	writeFrame(t, user, TypeJoin, map[string]string{"role": "user", "userId": "u1"})
	readUntil(t, user, TypeJoined)
	writeFrame(t, user, TypePresenceUpdate, map[string]string{"status": "online"})
	readUntil(t, admin, TypePresenceChanged)

	require.NoError(t, user.Close())

	f := readUntil(t, admin, TypePresenceChanged)
	var notice presenceNotice
	require.NoError(t, json.Unmarshal(f.Payload, &notice))
	assert.Equal(t, "u1", notice.UserID)
	assert.Equal(t, "offline", notice.Status)

	require.Eventually(t, func() bool {
		st, err := ts.hub.Stats()
		return err == nil && st.Sessions == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	ts := newTestServer(t, nil)

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health struct {
		Status string `json:"status"`
		Hub    Stats  `json:"hub"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Hub.Sessions)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/emit", "", EmitRequest{Type: "system:announcement"})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fanout_ingress_requests_total")
	assert.Contains(t, string(body), "fanout_sessions")
}

func TestIngressRequiresToken(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Ingress.Token = "s3cret" })
	req := EmitRequest{Type: "system:announcement"}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/emit", "", req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/emit", "wrong", req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/emit", "s3cret", req)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestIngressThrottle(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Ingress.RequestsPerMinute = 1
		c.Ingress.Burst = 1
	})

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/counters", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/counters", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(body), string(apperr.CodeRateLimited))
}

func TestIngressErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   apperr.Code
	}{
		{"bad kind", http.MethodPost, "/api/counters/transition", TransitionRequest{Category: "queue", Kind: "boom"}, http.StatusBadRequest, apperr.CodeValidation},
		{"unknown category", http.MethodPost, "/api/counters/transition", TransitionRequest{Category: "weather", Kind: "created", To: "SUNNY"}, http.StatusBadRequest, apperr.CodeValidation},
		{"unknown counters type", http.MethodGet, "/api/counters?types=weather", nil, http.StatusNotFound, apperr.CodeNotFound},
		{"missing body", http.MethodPost, "/api/emit", nil, http.StatusBadRequest, apperr.CodeValidation},
		{"unknown task", http.MethodPatch, "/api/progress/nope", map[string]any{"percent": 10}, http.StatusNotFound, apperr.CodeNotFound},
		{"sync without user", http.MethodPost, "/api/sync", SyncRequest{Type: "a", Action: "b"}, http.StatusBadRequest, apperr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, tt.method, ts.URL+tt.path, "", tt.body)
			require.Equal(t, tt.status, resp.StatusCode, string(body))
			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(body, &payload))
			assert.Equal(t, tt.code, payload.Code)
		})
	}
}

func TestIngressCountersAndProgress(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/counters/transition",
		"", TransitionRequest{Category: "queue", Kind: "created", To: "WAITING"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/counters/individual",
		"", map[string]any{"id": "user:u1:unread", "value": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/counters?types=queue&userId=u1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"waiting":1`)
	assert.Contains(t, string(body), "user:u1:unread")

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/progress", "", map[string]string{"userId": "u1", "label": "export"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var task progress.Task
	require.NoError(t, json.Unmarshal(body, &task))
	require.NotEmpty(t, task.ID)

	resp, body = doJSON(t, http.MethodPatch, ts.URL+"/api/progress/"+task.ID, "", map[string]any{"percent": 50, "message": "halfway"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPatch, ts.URL+"/api/progress/"+task.ID, "", map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, progress.Completed, task.Status)
	assert.Equal(t, float64(100), task.Percent)

	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/api/progress/"+task.ID, "", map[string]any{"status": "cancelled"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/progress/"+task.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}
