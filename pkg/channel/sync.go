package channel

import (
	"context"
	"net/http"

	"github.com/slatecanvas/slate/pkg/models"
)

// SyncFrame is one message on the document sync channel. On connect the
// server replays the current page as snapshot frames before switching to
// live events, so a reconnecting client recovers from any dropped events
// without a separate resync protocol.
type SyncFrame struct {
	// Snapshot marks frames belonging to the initial replay. The last
	// snapshot frame has End set; an empty page sends a single frame with
	// Snapshot and End set and no node.
	Snapshot bool `cbor:"snapshot,omitempty"`
	End      bool `cbor:"end,omitempty"`

	Kind models.ChangeKind `cbor:"kind,omitempty"`
	Node *models.Node      `cbor:"node,omitempty"`
}

// ServeSync upgrades the request and streams document change events for a
// page until the client disconnects.
func (h *Hub) ServeSync(w http.ResponseWriter, r *http.Request, pageID models.PageID) {
	c, err := h.upgrade(w, r)
	if err != nil {
		h.log.Warn("sync upgrade failed", "page", pageID.String(), "error", err)
		return
	}
	defer c.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the snapshot is read so no commit between the two
	// can be missed. Events already contained in the snapshot re-deliver
	// harmlessly: versions are monotonic, clients apply by version.
	events, unsubscribe := h.docs.Subscribe(pageID)
	defer unsubscribe()

	if err := h.sendSnapshot(c, pageID); err != nil {
		h.log.Warn("sync snapshot failed", "page", pageID.String(), "error", err)
		return
	}

	go h.keepAlive(ctx, c)

	// Drain the read side to process control frames and notice disconnects.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ws.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	h.log.Debug("sync session started", "page", pageID.String())
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if !isExpectedClose(err) {
				h.log.Warn("sync read failed", "page", pageID.String(), "error", err)
			}
			return
		case ev, open := <-events:
			if !open {
				return
			}
			frame := SyncFrame{Kind: ev.Kind, Node: ev.Node}
			if err := c.writeFrame(frame); err != nil {
				h.log.Warn("sync write failed", "page", pageID.String(), "error", err)
				return
			}
		}
	}
}

func (h *Hub) sendSnapshot(c *conn, pageID models.PageID) error {
	nodes := h.docs.Page(pageID)
	for _, n := range nodes {
		if err := c.writeFrame(SyncFrame{Snapshot: true, Kind: models.ChangeCreated, Node: n}); err != nil {
			return err
		}
	}
	return c.writeFrame(SyncFrame{Snapshot: true, End: true})
}
