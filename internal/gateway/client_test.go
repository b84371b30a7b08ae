package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, Tenant) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{})
	require.NoError(t, err)
	return c, Tenant{ID: "acme", APIKey: "secret", BaseURL: srv.URL}
}

func TestSendText(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/message/sendText/acme", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5511999990000@s.whatsapp.net", body["number"])
		assert.Equal(t, "hello", body["text"])

		_, _ = io.WriteString(w, `{"key":{"id":"SRV1","remoteJid":"5511999990000@s.whatsapp.net","fromMe":true},"messageTimestamp":"1700000000","status":"PENDING"}`)
	})

	res, err := c.SendText(context.Background(), tenant, "5511999990000@s.whatsapp.net", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SRV1", res.MessageID)
	assert.Equal(t, int64(1700000000), res.Timestamp)
	assert.Equal(t, StatusPending, res.Status)
}

func TestGatewayErrorCarriesMessage(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":400,"error":"Bad Request","response":{"message":[{"exists":false,"jid":"x","message":"number does not exist"}]}}`)
	})

	_, err := c.SendText(context.Background(), tenant, "123", "hi")
	require.Error(t, err)

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadRequest, gwErr.Status)
	assert.Equal(t, "number does not exist", gwErr.Message)
}

func TestErrorMessageFallbacks(t *testing.T) {
	assert.Equal(t, "a; b", errorMessage(400, []byte(`{"response":{"message":[["a"],"b"]}}`)))
	assert.Equal(t, "Unauthorized", errorMessage(401, []byte(`{"error":"Unauthorized"}`)))
	assert.Equal(t, "upstream down", errorMessage(502, []byte("upstream down")))
	assert.Equal(t, "Not Found", errorMessage(404, nil))
}

func TestSendMediaValidates(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	})

	_, err := c.SendMedia(context.Background(), tenant, "123@s.whatsapp.net", MediaMessage{Kind: "gif", Media: "x"})
	assert.Error(t, err)

	_, err = c.SendMedia(context.Background(), tenant, "123@s.whatsapp.net", MediaMessage{Kind: MediaImage})
	assert.Error(t, err)

	_, err = c.SendAudio(context.Background(), tenant, "", "x")
	assert.Error(t, err)
}

func TestSendMedia(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendMedia/acme", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "image", body["mediatype"])
		assert.Equal(t, "look", body["caption"])
		_, _ = io.WriteString(w, `{"key":{"id":"M1","remoteJid":"1@s.whatsapp.net","fromMe":true},"messageTimestamp":1700000001}`)
	})

	res, err := c.SendMedia(context.Background(), tenant, "1@s.whatsapp.net", MediaMessage{
		Kind: MediaImage, Media: "https://example.com/a.png", Caption: "look",
	})
	require.NoError(t, err)
	assert.Equal(t, "M1", res.MessageID)
}

func TestFetchChats(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/findChats/acme", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"id":"c1","remoteJid":"123@lid","pushName":"Ana","unreadCount":2,
			 "lastMessage":{"key":{"id":"m1","remoteJid":"123@lid","remoteJidAlt":"5511999990000@s.whatsapp.net"},
			 "message":{"conversation":"hi"},"messageTimestamp":{"low":1700000000,"high":0}}},
			{"id":"c2","remoteJid":"777@s.whatsapp.net","updatedAt":"2024-01-01T00:00:00Z"}
		]`)
	})

	chats, err := c.FetchChats(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, chats, 2)

	assert.Equal(t, "Ana", chats[0].DisplayName())
	assert.Equal(t, Int64(2), chats[0].UnreadCount)
	assert.Equal(t, int64(1700000000), chats[0].Timestamp())
	assert.Equal(t, "5511999990000@s.whatsapp.net", chats[0].LastMessage.Key.RemoteJIDAlt)
	assert.Equal(t, int64(1704067200), chats[1].Timestamp())
}

func TestFetchMessagesMergesAndOrders(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body findMessagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 50, body.Offset)
		switch body.Where.Key.RemoteJID {
		case "123@lid":
			_, _ = io.WriteString(w, `{"messages":{"total":2,"records":[
				{"key":{"id":"b","remoteJid":"123@lid"},"messageTimestamp":20},
				{"key":{"id":"shared","remoteJid":"123@lid"},"messageTimestamp":15}]}}`)
		case "5511999990000@s.whatsapp.net":
			_, _ = io.WriteString(w, `[
				{"key":{"id":"a","remoteJid":"5511999990000@s.whatsapp.net"},"messageTimestamp":10},
				{"key":{"id":"shared","remoteJid":"5511999990000@s.whatsapp.net"},"messageTimestamp":15}]`)
		default:
			t.Errorf("unexpected remote jid %q", body.Where.Key.RemoteJID)
		}
	})

	records, err := c.FetchMessages(context.Background(), tenant,
		[]string{"123@lid", "", "5511999990000@s.whatsapp.net"}, 1, 50)
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Key.ID)
	}
	assert.Equal(t, []string{"a", "shared", "b"}, ids)
}

func TestFetchProfilePictureIsCached(t *testing.T) {
	var calls int32
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.WriteString(w, `{"wuid":"1@s.whatsapp.net","profilePictureUrl":"https://pps.example/1.jpg"}`)
	})

	for i := 0; i < 3; i++ {
		url, err := c.FetchProfilePicture(context.Background(), tenant, "1@s.whatsapp.net")
		require.NoError(t, err)
		assert.Equal(t, "https://pps.example/1.jpg", url)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLogoutForgetsOnlyOwnAvatars(t *testing.T) {
	var calls sync.Map
	c, acme := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n, _ := calls.LoadOrStore(r.URL.Path, new(int32))
		atomic.AddInt32(n.(*int32), 1)
		if r.Method == http.MethodPost {
			_, _ = io.WriteString(w, `{"profilePictureUrl":"https://pps.example`+r.URL.Path+`.jpg"}`)
		}
	})
	globex := Tenant{ID: "globex", APIKey: "other", BaseURL: acme.BaseURL}
	count := func(path string) int32 {
		n, ok := calls.Load(path)
		if !ok {
			return 0
		}
		return atomic.LoadInt32(n.(*int32))
	}
	ctx := context.Background()

	for _, tenant := range []Tenant{acme, globex} {
		_, err := c.FetchProfilePicture(ctx, tenant, "1@s.whatsapp.net")
		require.NoError(t, err)
	}
	require.NoError(t, c.LogoutInstance(ctx, acme))

	for _, tenant := range []Tenant{acme, globex} {
		_, err := c.FetchProfilePicture(ctx, tenant, "1@s.whatsapp.net")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), count("/chat/fetchProfilePictureUrl/acme"))
	assert.Equal(t, int32(1), count("/chat/fetchProfilePictureUrl/globex"))
}

func TestMarkRead(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/markMessageAsRead/acme", r.URL.Path)
		var body struct {
			ReadMessages []readMessage `json:"readMessages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.ReadMessages, 1)
		assert.Equal(t, "m1", body.ReadMessages[0].ID)
		assert.False(t, body.ReadMessages[0].FromMe)
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, c.MarkRead(context.Background(), tenant, []ReadTarget{{RemoteJID: "1@s.whatsapp.net", MessageID: "m1"}}))
	require.NoError(t, c.MarkRead(context.Background(), tenant, nil))
}

func TestInstanceLifecycle(t *testing.T) {
	c, tenant := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instance/connectionState/acme":
			_, _ = io.WriteString(w, `{"instance":{"instanceName":"acme","state":"open"}}`)
		case "/instance/connect/acme":
			_, _ = io.WriteString(w, `{"pairingCode":"WZYEH1YY","code":"2@abc","count":1}`)
		case "/instance/restart/acme":
			assert.Equal(t, http.MethodPost, r.Method)
		case "/instance/logout/acme":
			assert.Equal(t, http.MethodDelete, r.Method)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	state, err := c.ProbeConnectionState(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	qr, err := c.ConnectInstance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "2@abc", qr.Code)
	assert.Equal(t, "WZYEH1YY", qr.PairingCode)

	require.NoError(t, c.RestartInstance(ctx, tenant))
	require.NoError(t, c.LogoutInstance(ctx, tenant))
}

func TestMissingTenant(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	_, err = c.FetchChats(context.Background(), Tenant{})
	assert.Error(t, err)
}

func TestParseStatusCode(t *testing.T) {
	assert.Equal(t, StatusRead, ParseStatusCode("READ"))
	assert.Equal(t, StatusDeliveryAck, ParseStatusCode("delivery_ack"))
	assert.Equal(t, StatusServerAck, ParseStatusCode(float64(2)))
	assert.Equal(t, StatusPlayed, ParseStatusCode("5"))
	assert.Equal(t, StatusUnknown, ParseStatusCode("weird"))
	assert.Equal(t, StatusUnknown, ParseStatusCode(nil))
}
