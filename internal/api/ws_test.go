package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ainp-network/broker/internal/push"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHandleWebSocket_RejectsMissingDID(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(NewRouter(s, NewIdempotencyStore(time.Minute)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestHandleWebSocket_DeliversPushedMessage(t *testing.T) {
	s, _, did := newTestServer(t)
	srv := httptest.NewServer(NewRouter(s, NewIdempotencyStore(time.Minute)))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?did=" + did
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub.IsConnected(did) }, time.Second, 5*time.Millisecond)

	delivered := s.Hub.Send(did, push.Message{EnvelopeID: "env-1"})
	require.True(t, delivered)

	var msg push.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "env-1", msg.EnvelopeID)
}

func TestHandleWebSocket_UnregistersOnClientClose(t *testing.T) {
	s, _, did := newTestServer(t)
	srv := httptest.NewServer(NewRouter(s, NewIdempotencyStore(time.Minute)))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?did=" + did
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Hub.IsConnected(did) }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !s.Hub.IsConnected(did) }, time.Second, 5*time.Millisecond)
}
