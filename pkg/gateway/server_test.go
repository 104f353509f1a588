package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/realty/pkg/agent"
	"github.com/harun/realty/pkg/classifier"
	"github.com/harun/realty/pkg/dispatch"
	"github.com/harun/realty/pkg/router"
	"github.com/harun/realty/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoAgent(name string) agent.Agent {
	return agent.Func{
		AgentName: name,
		Fn: func(ctx context.Context, prompt string, history agent.History) (interface{}, error) {
			if strings.Contains(prompt, "explode") {
				return nil, errors.New("agent exploded")
			}
			if err := history.AppendTurn(ctx, session.UserMessage(prompt), session.AssistantMessage("ok")); err != nil {
				return nil, err
			}
			return map[string]interface{}{"echo": prompt}, nil
		},
	}
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *session.Store) {
	t.Helper()

	backend, err := session.OpenJSONL(t.TempDir())
	require.NoError(t, err)
	store := session.NewStore(backend)
	t.Cleanup(func() { _ = store.Close() })

	d, err := dispatch.New(map[classifier.Category]agent.Agent{
		classifier.Email:    echoAgent("Email Agent"),
		classifier.Location: echoAgent("Location Agent"),
		classifier.General:  echoAgent("Realestate Agent"),
	})
	require.NoError(t, err)

	coordinator, err := router.New(router.Config{
		Classifier: classifier.NewDefault(),
		Sessions:   store,
		Dispatcher: d,
	})
	require.NoError(t, err)

	logger := zerolog.Nop()
	cfg := Config{
		Port:           0,
		RequestTimeout: 5 * time.Second,
		Handler:        coordinator,
		Sessions:       store,
		Logger:         &logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s, store
}

func postQuery(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, QueryPath, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestNewServerRequiresHandler(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestQueryNestedBody(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postQuery(t, s.Handler(), `{"query":{"prompt":"Can you email me about apartments?"},"session_input":{"session_id":"u1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Email Agent", resp["agent"])
	assert.Equal(t, "u1", resp["session_id"])
	assert.Equal(t, map[string]interface{}{"echo": "Can you email me about apartments?"}, resp["result"])
}

func TestQueryFlatBody(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postQuery(t, s.Handler(), `{"prompt":"Show me listings near downtown","session_id":"u2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp router.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Location Agent", resp.Agent)
	assert.Equal(t, "u2", resp.SessionID)
}

func TestQueryClientErrors(t *testing.T) {
	s, store := newTestServer(t, nil)

	cases := []struct {
		name   string
		body   string
		detail string
	}{
		{"empty prompt", `{"query":{"prompt":"  "},"session_input":{"session_id":"u1"}}`, "Prompt cannot be empty."},
		{"empty session", `{"prompt":"hello","session_id":""}`, "Session ID cannot be empty."},
		{"missing fields", `{}`, "Prompt cannot be empty."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postQuery(t, s.Handler(), tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.detail, decodeDetail(t, rec))
		})
	}

	rec := postQuery(t, s.Handler(), `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "Invalid JSON body")

	assert.Equal(t, 0, store.Len())
}

func TestQueryServerError(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postQuery(t, s.Handler(), `{"prompt":"please explode","session_id":"u1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "agent exploded", decodeDetail(t, rec))
}

func TestQueryMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, QueryPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestQueryRateLimited(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.RateLimit = 2
		c.RateWindow = time.Minute
	})
	h := s.Handler()

	for i := 0; i < 2; i++ {
		rec := postQuery(t, h, `{"prompt":"hi","session_id":"u1"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postQuery(t, h, `{"prompt":"hi","session_id":"u1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestQueryRejectedWhileShuttingDown(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.Stop(context.Background()))

	rec := postQuery(t, s.Handler(), `{"prompt":"hi","session_id":"u1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	postQuery(t, h, `{"prompt":"hi","session_id":"a"}`)
	postQuery(t, h, `{"prompt":"hi","session_id":"b"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["sessions"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	postQuery(t, h, `{"prompt":"hi","session_id":"a"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "realty_requests_total")
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.AllowedOrigins = []string{"https://listings.example"}
	})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, QueryPath, nil)
	req.Header.Set("Origin", "https://listings.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://listings.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"id":            "req-1",
		"query":         map[string]string{"prompt": "Can you email me?"},
		"session_input": map[string]string{"session_id": "ws1"},
	}))

	var resp FrameResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, http.StatusOK, resp.Status)
	require.NotNil(t, resp.Response)
	assert.Equal(t, "Email Agent", resp.Response.Agent)

	require.NoError(t, conn.WriteJSON(map[string]string{"id": "req-2", "prompt": "", "session_id": "ws1"}))
	resp = FrameResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "req-2", resp.ID)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "Prompt cannot be empty.", resp.Detail)
	assert.Nil(t, resp.Response)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp = FrameResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	clients := s.GetConnectedClients()
	require.Len(t, clients, 1)
	assert.Equal(t, "127.0.0.1", clients[0].IPAddress)
	assert.False(t, clients[0].Idle)
}

func TestStopClosesWebSocketClients(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	assert.Eventually(t, func() bool { return s.clients.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestQueryRequestShapes(t *testing.T) {
	var q QueryRequest
	require.NoError(t, json.Unmarshal([]byte(`{"query":{"prompt":"a"},"session_input":{"session_id":"b"},"prompt":"x"}`), &q))
	assert.Equal(t, "a", q.Prompt)
	assert.Equal(t, "b", q.SessionID)

	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","prompt":"p","session_id":"s"}`), &f))
	assert.Equal(t, "1", f.ID)
	assert.Equal(t, "p", f.Prompt)
	assert.Equal(t, "s", f.SessionID)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(req, true))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", clientIP(req, true))
	assert.Equal(t, "10.0.0.1", clientIP(req, false))

	req.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	assert.Equal(t, "10.0.0.3", clientIP(req, true))
	assert.Equal(t, "10.0.0.1", clientIP(req, false))
}

func TestRateLimitIgnoresForwardedForUnlessTrusted(t *testing.T) {
	send := func(h http.Handler, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, QueryPath, bytes.NewBufferString(`{"prompt":"hi","session_id":"u1"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("direct", func(t *testing.T) {
		s, _ := newTestServer(t, func(c *Config) {
			c.RateLimit = 1
			c.RateWindow = time.Minute
		})
		h := s.Handler()
		assert.Equal(t, http.StatusOK, send(h, "203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, send(h, "203.0.113.2"))
	})

	t.Run("behind proxy", func(t *testing.T) {
		s, _ := newTestServer(t, func(c *Config) {
			c.RateLimit = 1
			c.RateWindow = time.Minute
			c.TrustProxy = true
		})
		h := s.Handler()
		assert.Equal(t, http.StatusOK, send(h, "203.0.113.1"))
		assert.Equal(t, http.StatusOK, send(h, "203.0.113.2"))
		assert.Equal(t, http.StatusTooManyRequests, send(h, "203.0.113.1"))
	})
}

type blockingHandler struct {
	started chan struct{}
	done    chan error
}

func (b *blockingHandler) Handle(ctx context.Context, _, _ string) (*router.Response, error) {
	close(b.started)
	<-ctx.Done()
	b.done <- ctx.Err()
	return nil, ctx.Err()
}

func TestWebSocketDisconnectCancelsInFlightFrames(t *testing.T) {
	h := &blockingHandler{started: make(chan struct{}), done: make(chan error, 1)}
	s, _ := newTestServer(t, func(c *Config) {
		c.Handler = h
		c.RequestTimeout = time.Minute
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]string{"id": "slow", "prompt": "Find me a house", "session_id": "ws1"}))
	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	require.NoError(t, conn.Close())

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight frame was not cancelled after disconnect")
	}
	assert.Eventually(t, func() bool { return s.clients.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
