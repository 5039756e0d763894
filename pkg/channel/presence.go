package channel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slatecanvas/slate/pkg/models"
)

// PresenceFrameKind discriminates inbound presence frames.
type PresenceFrameKind string

const (
	FrameCursor    PresenceFrameKind = "cursor"
	FrameSelection PresenceFrameKind = "selection"
	FrameGesture   PresenceFrameKind = "gesture"
	FrameViewport  PresenceFrameKind = "viewport"
)

// PresenceFrame is one client-to-server presence update. Exactly the field
// matching Kind is set; a gesture frame with a nil Gesture clears the draft.
type PresenceFrame struct {
	Kind      PresenceFrameKind `cbor:"kind"`
	Cursor    *models.Cursor    `cbor:"cursor,omitempty"`
	Selection []models.NodeID   `cbor:"selection,omitempty"`
	Gesture   *models.Gesture   `cbor:"gesture,omitempty"`
	Viewport  *models.Viewport  `cbor:"viewport,omitempty"`
}

// PeerFrame is the server-to-client fan-out: the full peer map of the scene
// after a change. Latest-wins, no history.
type PeerFrame struct {
	Peers []*models.PresenceRecord `cbor:"peers"`
}

// Identity is the authenticated participant of a presence session, supplied
// by the identity layer outside the core.
type Identity struct {
	UserID      models.ActorID
	DisplayName string
	Color       string
}

// ServePresence upgrades the request into a presence session: the user is
// joined on connect, inbound frames update their own record, peer maps fan
// out as they change, and the record is removed entirely on disconnect.
func (h *Hub) ServePresence(w http.ResponseWriter, r *http.Request, sceneID models.SceneID, id Identity) {
	c, err := h.upgrade(w, r)
	if err != nil {
		h.log.Warn("presence upgrade failed", "scene", sceneID.String(), "error", err)
		return
	}
	defer c.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peerMaps, unsubscribe := h.presence.Subscribe(sceneID)
	defer unsubscribe()

	h.presence.Join(sceneID, id.UserID, id.DisplayName, id.Color)
	defer h.presence.Leave(sceneID, id.UserID)

	go h.keepAlive(ctx, c)

	readErr := make(chan error, 1)
	go h.readPresence(c, sceneID, id.UserID, readErr)

	h.log.Debug("presence session started",
		"scene", sceneID.String(), "user", id.UserID.String())
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if !isExpectedClose(err) {
				h.log.Warn("presence read failed",
					"scene", sceneID.String(), "user", id.UserID.String(), "error", err)
			}
			return
		case peers, open := <-peerMaps:
			if !open {
				return
			}
			if err := c.writeFrame(PeerFrame{Peers: peers}); err != nil {
				h.log.Warn("presence write failed",
					"scene", sceneID.String(), "user", id.UserID.String(), "error", err)
				return
			}
		}
	}
}

// readPresence decodes inbound frames and applies them for the session
// user. Frames for other users cannot be expressed: ownership is bound to
// the connection, so permission checks reduce to owner == by.
func (h *Hub) readPresence(c *conn, sceneID models.SceneID, userID models.ActorID, readErr chan<- error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var frame PresenceFrame
		if err := h.unmarshaler.Unmarshal(data, &frame); err != nil {
			h.log.Warn("presence frame rejected",
				"scene", sceneID.String(), "user", userID.String(), "error", err)
			continue
		}
		if err := h.applyPresence(sceneID, userID, frame); err != nil {
			h.log.Warn("presence frame rejected",
				"scene", sceneID.String(), "user", userID.String(),
				"kind", string(frame.Kind), "error", err)
		}
	}
}

func (h *Hub) applyPresence(sceneID models.SceneID, userID models.ActorID, frame PresenceFrame) error {
	switch frame.Kind {
	case FrameCursor:
		if frame.Cursor == nil {
			return fmt.Errorf("cursor frame without cursor")
		}
		return h.presence.SetCursor(sceneID, userID, userID, *frame.Cursor)
	case FrameSelection:
		return h.presence.SetSelection(sceneID, userID, userID, frame.Selection)
	case FrameGesture:
		return h.presence.SetGesture(sceneID, userID, userID, frame.Gesture)
	case FrameViewport:
		if frame.Viewport == nil {
			return fmt.Errorf("viewport frame without viewport")
		}
		return h.presence.SetViewport(sceneID, userID, userID, *frame.Viewport)
	default:
		return fmt.Errorf("unknown presence frame kind %q", frame.Kind)
	}
}
