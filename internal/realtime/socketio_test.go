package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
)

// socketIOServer runs script on every accepted connection after the
// Engine.IO open packet has been sent.
func socketIOServer(t *testing.T, script func(conn *websocket.Conn)) gateway.Tenant {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/socket.io/", r.URL.Path)
		assert.Equal(t, "4", r.URL.Query().Get("EIO"))
		assert.Equal(t, "websocket", r.URL.Query().Get("transport"))
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`)); err != nil {
			return
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return gateway.Tenant{ID: "acme", APIKey: "secret", BaseURL: srv.URL}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return ""
	}
	return string(data)
}

func send(conn *websocket.Conn, msg string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func TestWebsocketTransportInvalidNamespace(t *testing.T) {
	tenant := socketIOServer(t, func(conn *websocket.Conn) {
		assert.Equal(t, `40/acme,{"apikey":"secret"}`, readText(t, conn))
		send(conn, `44/acme,{"message":"Invalid namespace"}`)
		readText(t, conn)
	})

	tr, err := NewWebsocketTransport("")
	require.NoError(t, err)
	_, err = tr.Connect(context.Background(), tenant)
	require.Error(t, err)
	assert.True(t, IsInvalidNamespace(err))
}

func TestWebsocketTransportEvents(t *testing.T) {
	acks := make(chan string, 1)
	pongs := make(chan string, 1)
	tenant := socketIOServer(t, func(conn *websocket.Conn) {
		readText(t, conn)
		send(conn, `2`)
		send(conn, `40/acme,{"sid":"xyz"}`)
		pongs <- readText(t, conn)

		send(conn, `42/acme,["messages.upsert",{"event":"messages.upsert","instance":"acme","data":{"key":{"id":"m1"}}}]`)
		send(conn, `42/other,["messages.upsert",{}]`)
		send(conn, `42/acme,7["MESSAGES_UPDATE",{"event":"messages.update","instance":"acme","data":{"keyId":"m1","status":"READ"}}]`)
		acks <- readText(t, conn)
		send(conn, `2`)
		pongs <- readText(t, conn)
		send(conn, `41/acme,`)
		readText(t, conn)
	})

	tr, err := NewWebsocketTransport("")
	require.NoError(t, err)
	sock, err := tr.Connect(context.Background(), tenant)
	require.NoError(t, err)
	defer sock.Close()
	assert.Equal(t, "3", <-pongs)

	ev, err := sock.Next()
	require.NoError(t, err)
	assert.Equal(t, EventMessageUpsert, ev.Type)
	assert.Equal(t, "acme", ev.Instance)
	assert.JSONEq(t, `{"key":{"id":"m1"}}`, string(ev.Data))

	ev, err = sock.Next()
	require.NoError(t, err)
	assert.Equal(t, EventMessageUpdate, ev.Type)
	assert.Equal(t, "43/acme,7[]", <-acks)

	_, err = sock.Next()
	assert.ErrorIs(t, err, ErrServerDisconnect)
	assert.Equal(t, "3", <-pongs)
}

func TestWebsocketTransportWithManager(t *testing.T) {
	tenant := socketIOServer(t, func(conn *websocket.Conn) {
		readText(t, conn)
		send(conn, `40/acme,{"sid":"xyz"}`)
		send(conn, `42/acme,["messages.upsert",{"event":"messages.upsert","instance":"acme","data":{"key":{"id":"m1"}}}]`)
		for readText(t, conn) != "" {
		}
	})

	tr, err := NewWebsocketTransport("")
	require.NoError(t, err)
	m := NewManager(Options{Transport: tr})
	h, err := m.Open(context.Background(), tenant)
	require.NoError(t, err)

	got := make(chan Event, 1)
	h.On(EventMessageUpsert, func(ev Event) { got <- ev })

	select {
	case ev := <-got:
		assert.Equal(t, "messages.upsert", ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	m.Shutdown()
	assert.Equal(t, Disconnected, h.State())
}

func TestDecodePacket(t *testing.T) {
	p, err := decodePacket(`42/acme,12["ev",{"a":1}]`)
	require.NoError(t, err)
	assert.Equal(t, byte(socketEvent), p.Type)
	assert.Equal(t, "/acme", p.Namespace)
	assert.True(t, p.HasAck)
	assert.Equal(t, 12, p.AckID)

	p, err = decodePacket(`40`)
	require.NoError(t, err)
	assert.Equal(t, "/", p.Namespace)
	assert.Nil(t, p.Payload)

	p, err = decodePacket(`41/acme,`)
	require.NoError(t, err)
	assert.Equal(t, byte(socketDisconnect), p.Type)

	_, err = decodePacket(`3`)
	assert.Error(t, err)
	_, err = decodePacket(`42/acme,[broken`)
	assert.Error(t, err)

	msg, err := encodePacket(socketConnect, "/acme", map[string]string{"apikey": "k"})
	require.NoError(t, err)
	assert.Equal(t, `40/acme,{"apikey":"k"}`, msg)
}

func TestSocketURL(t *testing.T) {
	u, err := SocketURL(gateway.Tenant{ID: "acme", APIKey: "a b", BaseURL: "https://gw.example.com/"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://gw.example.com/socket.io/?"))
	assert.Contains(t, u, "EIO=4")
	assert.Contains(t, u, "transport=websocket")
	assert.Contains(t, u, "apikey=a+b")

	_, err = SocketURL(gateway.Tenant{BaseURL: "ftp://x"})
	assert.Error(t, err)
}
