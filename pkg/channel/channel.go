// Package channel is the wire layer of the dual-channel model. It serves
// two websocket endpoints per scene over gorilla/websocket with CBOR
// payloads: the sync channel streams versioned document change events in
// commit order, and the presence channel carries lossy high-frequency
// presence frames in both directions. Keeping the two on separate sockets
// means a burst of cursor traffic can never delay a committed document
// change, and vice versa.
package channel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/slatecanvas/slate/internal/codec"
	"github.com/slatecanvas/slate/pkg/logger"
	"github.com/slatecanvas/slate/pkg/models"
)

const (
	// writeWait bounds a single frame write before the connection is
	// considered dead.
	writeWait = 10 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// DefaultUpgrader mirrors the dialer configuration on the server side:
// compression on, cbor subprotocol.
var DefaultUpgrader = &gorilla.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
	CheckOrigin:       func(*http.Request) bool { return true },
}

// DocumentSource is the store surface the sync channel needs: a snapshot
// for the initial resync plus the live event subscription.
type DocumentSource interface {
	Page(pageID models.PageID) []*models.Node
	Subscribe(pageID models.PageID) (<-chan models.ChangeEvent, func())
}

// PresenceHub is the presence surface the presence channel drives.
type PresenceHub interface {
	Join(sceneID models.SceneID, userID models.ActorID, displayName, color string)
	Leave(sceneID models.SceneID, userID models.ActorID)
	Subscribe(sceneID models.SceneID) (<-chan []*models.PresenceRecord, func())
	SetCursor(sceneID models.SceneID, owner, by models.ActorID, cur models.Cursor) error
	SetSelection(sceneID models.SceneID, owner, by models.ActorID, selection []models.NodeID) error
	SetGesture(sceneID models.SceneID, owner, by models.ActorID, g *models.Gesture) error
	SetViewport(sceneID models.SceneID, owner, by models.ActorID, vp models.Viewport) error
}

// Hub upgrades HTTP requests into sync and presence websocket sessions.
type Hub struct {
	log      logger.Logger
	docs     DocumentSource
	presence PresenceHub

	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	upgrader    *gorilla.Upgrader
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithUpgrader overrides the websocket upgrader.
func WithUpgrader(u *gorilla.Upgrader) Option {
	return func(h *Hub) { h.upgrader = u }
}

// NewHub wires the document store and presence channel into a websocket hub.
func NewHub(docs DocumentSource, presence PresenceHub, opts ...Option) *Hub {
	c := codec.NewCBOR()
	h := &Hub{
		log:         logger.Nop(),
		docs:        docs,
		presence:    presence,
		marshaler:   c,
		unmarshaler: c,
		upgrader:    DefaultUpgrader,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// conn serializes frame writes on one websocket. gorilla allows a single
// writer at a time; the ping ticker and the event pump share this lock.
type conn struct {
	ws        *gorilla.Conn
	marshaler codec.Marshaler
	writeMu   sync.Mutex
}

func (c *conn) writeFrame(v any) error {
	data, err := c.marshaler.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(gorilla.BinaryMessage, data)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(gorilla.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) close() {
	deadline := time.Now().Add(writeWait)
	msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
	c.writeMu.Lock()
	_ = c.ws.WriteControl(gorilla.CloseMessage, msg, deadline)
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// isExpectedClose reports whether a read error is an ordinary disconnect
// rather than something worth logging loudly.
func isExpectedClose(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return gorilla.IsCloseError(err,
		gorilla.CloseNormalClosure,
		gorilla.CloseGoingAway,
		gorilla.CloseNoStatusReceived,
	)
}

// keepAlive pings until the connection dies or ctx is done. The read side
// extends the deadline on every pong.
func (h *Hub) keepAlive(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) (*conn, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &conn{ws: ws, marshaler: h.marshaler}, nil
}
