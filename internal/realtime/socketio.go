package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
)

// Engine.IO packet types.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineNoop    = '6'
)

// Socket.IO packet types.
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketAck          = '3'
	socketConnectError = '4'
)

var (
	// ErrServerDisconnect is returned when the server closes the namespace.
	ErrServerDisconnect = errors.New("realtime: io server disconnect")
	// ErrClosed is returned by a socket or handle that was closed locally.
	ErrClosed = errors.New("realtime: closed")
)

// ConnectError is the server's refusal of a namespace connection.
type ConnectError struct {
	Namespace string
	Message   string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("realtime: connect %s: %s", e.Namespace, e.Message)
}

// IsInvalidNamespace reports whether the namespace is not registered on the
// server yet, which is how the gateway signals a hibernating instance.
func (e *ConnectError) IsInvalidNamespace() bool {
	return strings.EqualFold(strings.TrimSpace(e.Message), "Invalid namespace")
}

// IsInvalidNamespace reports whether err carries an invalid namespace refusal.
func IsInvalidNamespace(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.IsInvalidNamespace()
}

// packet is a decoded Socket.IO packet carried in an Engine.IO message.
type packet struct {
	Type      byte
	Namespace string
	AckID     int
	HasAck    bool
	Payload   json.RawMessage
}

func decodePacket(msg string) (packet, error) {
	if len(msg) < 2 || msg[0] != engineMessage {
		return packet{}, fmt.Errorf("not a message packet: %q", msg)
	}
	p := packet{Type: msg[1], Namespace: "/"}
	rest := msg[2:]

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:end]
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return packet{}, fmt.Errorf("invalid ack id: %w", err)
		}
		p.AckID, p.HasAck = id, true
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return packet{}, fmt.Errorf("invalid packet payload")
		}
		p.Payload = json.RawMessage(rest)
	}
	return p, nil
}

func encodePacket(typ byte, namespace string, payload interface{}) (string, error) {
	var b strings.Builder
	b.WriteByte(engineMessage)
	b.WriteByte(typ)
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		b.Write(data)
	}
	return b.String(), nil
}

// eventArgs splits an event payload ["name", arg...] into name and first
// argument.
func eventArgs(payload json.RawMessage) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(payload, &args); err != nil || len(args) == 0 {
		return "", nil, fmt.Errorf("invalid event payload")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("invalid event name: %w", err)
	}
	if len(args) < 2 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// Transport opens realtime connections to a tenant namespace.
type Transport interface {
	Connect(ctx context.Context, t gateway.Tenant) (Socket, error)
}

// Socket is one connected namespace.
type Socket interface {
	// Next blocks until the next event. It returns ErrServerDisconnect when
	// the server closes the namespace and ErrClosed after Close.
	Next() (Event, error)
	Close() error
}

// WebsocketTransport speaks Socket.IO v5 over a WebSocket.
type WebsocketTransport struct {
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
}

// NewWebsocketTransport creates a transport, optionally dialing through a
// proxy.
func NewWebsocketTransport(proxyURL string) (*WebsocketTransport, error) {
	dialer := *websocket.DefaultDialer
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(u)
	}
	return &WebsocketTransport{Dialer: &dialer, HandshakeTimeout: 20 * time.Second}, nil
}

// SocketURL returns the Engine.IO WebSocket endpoint for a tenant.
func SocketURL(t gateway.Tenant) (string, error) {
	u, err := url.Parse(strings.TrimRight(t.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("apikey", t.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// Connect dials the tenant namespace and completes the Socket.IO handshake.
// A refused namespace is returned as *ConnectError.
func (tr *WebsocketTransport) Connect(ctx context.Context, t gateway.Tenant) (Socket, error) {
	endpoint, err := SocketURL(t)
	if err != nil {
		return nil, err
	}
	dialer := tr.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := tr.HandshakeTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("apikey", t.APIKey)
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := &wsSocket{conn: conn, namespace: "/" + t.ID}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.handshake(t.APIKey, time.Now().Add(timeout)); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("realtime handshake: %w", ctx.Err())
		}
		return nil, err
	}
	return s, nil
}

type wsSocket struct {
	conn      *websocket.Conn
	namespace string
	interval  time.Duration
	timeout   time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

func (s *wsSocket) write(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *wsSocket) read(deadline time.Time) (string, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *wsSocket) handshake(apiKey string, deadline time.Time) error {
	msg, err := s.read(deadline)
	if err != nil {
		return fmt.Errorf("realtime open: %w", err)
	}
	if len(msg) == 0 || msg[0] != engineOpen {
		return fmt.Errorf("realtime open: unexpected packet %q", msg)
	}
	var open openPayload
	if err := json.Unmarshal([]byte(msg[1:]), &open); err != nil {
		return fmt.Errorf("realtime open: %w", err)
	}
	s.interval = time.Duration(open.PingInterval) * time.Millisecond
	s.timeout = time.Duration(open.PingTimeout) * time.Millisecond

	connect, err := encodePacket(socketConnect, s.namespace, map[string]string{"apikey": apiKey})
	if err != nil {
		return err
	}
	if err := s.write(connect); err != nil {
		return fmt.Errorf("realtime connect: %w", err)
	}

	for {
		msg, err := s.read(deadline)
		if err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		switch {
		case msg == string(enginePing):
			if err := s.write(string(enginePong)); err != nil {
				return err
			}
			continue
		case len(msg) == 0 || msg[0] != engineMessage:
			continue
		}
		p, err := decodePacket(msg)
		if err != nil || p.Namespace != s.namespace {
			continue
		}
		switch p.Type {
		case socketConnect:
			return nil
		case socketConnectError:
			return &ConnectError{Namespace: s.namespace, Message: connectErrorMessage(p.Payload)}
		}
	}
}

func connectErrorMessage(payload json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	var text string
	if err := json.Unmarshal(payload, &text); err == nil {
		return text
	}
	return string(payload)
}

func (s *wsSocket) readDeadline() time.Time {
	if s.interval <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.interval + s.timeout)
}

func (s *wsSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *wsSocket) Next() (Event, error) {
	for {
		msg, err := s.read(s.readDeadline())
		if err != nil {
			if s.isClosed() {
				return Event{}, ErrClosed
			}
			return Event{}, fmt.Errorf("realtime read: %w", err)
		}
		if msg == "" {
			continue
		}
		switch msg[0] {
		case enginePing:
			if err := s.write(string(enginePong)); err != nil {
				return Event{}, fmt.Errorf("realtime pong: %w", err)
			}
			continue
		case engineClose:
			return Event{}, fmt.Errorf("realtime: transport closed by server")
		case engineNoop, enginePong:
			continue
		case engineMessage:
		default:
			continue
		}

		p, err := decodePacket(msg)
		if err != nil || p.Namespace != s.namespace {
			continue
		}
		switch p.Type {
		case socketDisconnect:
			return Event{}, ErrServerDisconnect
		case socketConnectError:
			return Event{}, &ConnectError{Namespace: s.namespace, Message: connectErrorMessage(p.Payload)}
		case socketEvent:
			name, arg, err := eventArgs(p.Payload)
			if err != nil {
				continue
			}
			if p.HasAck {
				_ = s.write(fmt.Sprintf("%c%c%s,%d[]", engineMessage, socketAck, s.namespace, p.AckID))
			}
			return newEvent(name, arg), nil
		}
	}
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if msg, err := encodePacket(socketDisconnect, s.namespace, nil); err == nil {
		_ = s.write(msg)
	}
	return s.conn.Close()
}
