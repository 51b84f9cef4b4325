package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/wsrelay/internal/server"
	"github.com/Tyrowin/wsrelay/internal/testhelpers"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		method string
	}{
		{name: "GET request to health endpoint", method: http.MethodGet},
		{name: "POST request to health endpoint", method: http.MethodPost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", http.NoBody)
			rr := httptest.NewRecorder()

			server.HealthHandler(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
			assert.Equal(t, "wsrelay server is running!", rr.Body.String())
		})
	}
}

func TestStatusHandler(t *testing.T) {
	svc, ts, url := newTestServer(t, nil)

	conn, _ := testhelpers.MustConnect(t, url)
	joinRoom(t, conn, "lobby")

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+svc.Config().StatusPath)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Total   int            `json:"total"`
		Active  int            `json:"active"`
		Rooms   map[string]int `json:"rooms"`
		Uptime  *int64         `json:"uptime"`
		Message string         `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 1, body.Active)
	assert.Equal(t, map[string]int{"lobby": 1}, body.Rooms)
	require.NotNil(t, body.Uptime)
	assert.GreaterOrEqual(t, *body.Uptime, int64(0))
	assert.NotEmpty(t, body.Message)
}

func TestStatusHandler_RejectsNonGET(t *testing.T) {
	svc := server.NewService(nil, server.WithLogger(testhelpers.DiscardLogger()))

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rr := httptest.NewRecorder()
			svc.StatusHandler(rr, httptest.NewRequest(method, "/ws/status", http.NoBody))

			assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
			assert.Equal(t, http.MethodGet, rr.Header().Get("Allow"))
		})
	}
}

func TestWebSocketHandler_RejectsNonGET(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, ts.URL+"/ws")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketHandler_PlainGETIsNotUpgraded(t *testing.T) {
	svc, ts, _ := newTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/ws")
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, svc.ConnectionCount())
}
