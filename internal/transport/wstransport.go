package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trustgraph/notifyd/internal/codec"
	"trustgraph/notifyd/internal/logging"
	"trustgraph/notifyd/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the wire envelope exchanged with a websocket client. Every
// outbound frame expects exactly one reply frame carrying Ack/ClientError
// before the send call returns, making delivery synchronous from the
// engine's point of view.
type frame struct {
	Op             string `json:"op"`
	StreamType     string `json:"stream_type,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	VersionID      string `json:"version_id,omitempty"`
	PayloadOld     []byte `json:"payload_old,omitempty"`
	PayloadNew     []byte `json:"payload_new,omitempty"`
	Ack            bool   `json:"ack,omitempty"`
	ClientError    string `json:"client_error,omitempty"`
}

// conn is one connected client's persistent socket plus the serialization
// lock needed because gorilla/websocket forbids concurrent writers.
type conn struct {
	mu  sync.Mutex
	ws  *websocket.Conn
	log *logging.Logger
}

// WSTransport is the reference Transport implementation. It serves an
// http.Handler that upgrades incoming requests to websockets and keys live
// connections by the transport id the caller assigns at registration time
// (the client_id the connecting client supplies, stored as
// model.Client.TransportID; not the repository's own Client.ID).
type WSTransport struct {
	mu    sync.RWMutex
	conns map[string]*conn
	log   *logging.Logger

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewWSTransport constructs an empty transport ready to accept connections.
func NewWSTransport(log *logging.Logger) *WSTransport {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &WSTransport{
		conns:      make(map[string]*conn),
		log:        log,
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// newWSTransportWithTimings is used by tests that need to observe an
// unresponsive peer without waiting out the production keepalive cadence.
func newWSTransportWithTimings(log *logging.Logger, writeW, pongW, pingP time.Duration) *WSTransport {
	t := NewWSTransport(log)
	t.writeWait, t.pongWait, t.pingPeriod = writeW, pongW, pingP
	return t
}

// Upgrade promotes an HTTP request to a websocket and registers it under
// transportID, replacing any prior connection with that id. It starts a
// background pong/deadline pump and returns once the handshake completes.
func (t *WSTransport) Upgrade(w http.ResponseWriter, r *http.Request, transportID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("transport: upgrade: %w", err)
	}
	c := &conn{ws: ws, log: t.log.With(logging.String("transport_id", transportID))}
	t.mu.Lock()
	t.conns[transportID] = c
	t.mu.Unlock()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(t.pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(t.pongWait))
		return nil
	})
	go t.pingLoop(transportID, c)
	return nil
}

// Forget removes a connection from the registry without closing it,
// useful when the caller has already decided to disconnect the client.
func (t *WSTransport) Forget(transportID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, transportID)
}

func (t *WSTransport) pingLoop(transportID string, c *conn) {
	ticker := time.NewTicker(t.pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
		err := c.ws.WriteMessage(websocket.PingMessage, nil)
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("ping failed, dropping connection", logging.Error(err))
			t.Forget(transportID)
			return
		}
	}
}

func (t *WSTransport) get(transportID string) (*conn, error) {
	t.mu.RLock()
	c, ok := t.conns[transportID]
	t.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindDisconnected, Err: fmt.Errorf("no connection registered for %q", transportID)}
	}
	return c, nil
}

// roundTrip writes f and blocks for the single reply frame, honoring ctx
// cancellation. It is the synchronous request/response primitive every
// Send* method is built from.
func (t *WSTransport) roundTrip(ctx context.Context, transportID string, f frame) error {
	c, err := t.get(transportID)
	if err != nil {
		return err
	}

	type result struct {
		reply frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
		if err := c.ws.WriteJSON(f); err != nil {
			done <- result{err: &Error{Kind: KindDisconnected, Err: err}}
			return
		}
		var reply frame
		c.ws.SetReadDeadline(time.Now().Add(t.pongWait))
		if err := c.ws.ReadJSON(&reply); err != nil {
			done <- result{err: &Error{Kind: KindDisconnected, Err: err}}
			return
		}
		done <- result{reply: reply}
	}()

	select {
	case <-ctx.Done():
		return &Error{Kind: KindCancelled, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if !r.reply.Ack {
			return &Error{Kind: KindClientError, Err: fmt.Errorf("%s", r.reply.ClientError)}
		}
		return nil
	}
}

func (t *WSTransport) SendIdentityChanged(ctx context.Context, transportID string, old, newer *model.Identity) error {
	return t.sendChanged(ctx, transportID, model.StreamIdentity, old, newer)
}

func (t *WSTransport) SendTrustChanged(ctx context.Context, transportID string, old, newer *model.Trust) error {
	return t.sendChanged(ctx, transportID, model.StreamTrust, old, newer)
}

func (t *WSTransport) SendScoreChanged(ctx context.Context, transportID string, old, newer *model.Score) error {
	return t.sendChanged(ctx, transportID, model.StreamScore, old, newer)
}

func (t *WSTransport) sendChanged(ctx context.Context, transportID string, st model.StreamType, old, newer model.Entity) error {
	oldBuf, err := codec.EncodeEntity(old)
	if err != nil {
		return &Error{Kind: KindBugError, Err: err}
	}
	newBuf, err := codec.EncodeEntity(newer)
	if err != nil {
		return &Error{Kind: KindBugError, Err: err}
	}
	return t.roundTrip(ctx, transportID, frame{
		Op:         "changed",
		StreamType: st.String(),
		PayloadOld: oldBuf,
		PayloadNew: newBuf,
	})
}

func (t *WSTransport) SendBeginOrEndSynchronization(ctx context.Context, transportID, subscriptionID, versionID string, kind SyncKind, streamType model.StreamType) error {
	op := "begin_sync"
	if kind == SyncEnd {
		op = "end_sync"
	}
	return t.roundTrip(ctx, transportID, frame{
		Op:             op,
		StreamType:     streamType.String(),
		SubscriptionID: subscriptionID,
		VersionID:      versionID,
	})
}

func (t *WSTransport) SendUnsubscribed(ctx context.Context, transportID string, streamType model.StreamType, subscriptionID string) error {
	return t.roundTrip(ctx, transportID, frame{
		Op:             "unsubscribed",
		StreamType:     streamType.String(),
		SubscriptionID: subscriptionID,
	})
}
