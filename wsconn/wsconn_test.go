package wsconn_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkahng/turnframe/wsconn"
)

func TestServe_DispatchesByType(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	upgrader := wsconn.Upgrader(nil)

	received := make(chan string, 1)
	closed := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsconn.Serve(w, r, upgrader, log, func(ctx context.Context, c *wsconn.Conn) (map[string]wsconn.Handler, wsconn.Handler, func()) {
			handlers := map[string]wsconn.Handler{
				"echo": func(ctx context.Context, c *wsconn.Conn, data json.RawMessage) {
					var s string
					_ = json.Unmarshal(data, &s)
					received <- s
					_ = c.Send("echo", s)
				},
			}
			return handlers, nil, func() { close(closed) }
		})
	})

	s := httptest.NewServer(mux)
	defer s.Close()

	rawWS, _, err := gwebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer rawWS.Close()

	env := wsconn.Envelope{Type: "echo"}
	data, _ := json.Marshal("hello")
	env.Data = data
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, rawWS.WriteMessage(gwebsocket.TextMessage, payload))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	_, msg, err := rawWS.ReadMessage()
	require.NoError(t, err)
	var reply wsconn.Envelope
	require.NoError(t, json.Unmarshal(msg, &reply))
	assert.Equal(t, "echo", reply.Type)
	var replyData string
	require.NoError(t, json.Unmarshal(reply.Data, &replyData))
	assert.Equal(t, "hello", replyData)

	_ = rawWS.WriteControl(gwebsocket.CloseMessage, nil, time.Now().Add(time.Second))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup was not called on close")
	}
}

func TestEnvelope_RoundTrips(t *testing.T) {
	data, err := json.Marshal(map[string]int{"x": 1})
	require.NoError(t, err)
	env := wsconn.Envelope{Type: "sample", Data: data}
	b, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded wsconn.Envelope
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "sample", decoded.Type)
}
