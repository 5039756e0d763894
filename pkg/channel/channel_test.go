package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatecanvas/slate/internal/codec"
	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/presence"
	"github.com/slatecanvas/slate/pkg/store"
)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame[T any](t *testing.T, conn *gorilla.Conn) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame T
	require.NoError(t, codec.NewCBOR().Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *gorilla.Conn, v any) {
	t.Helper()
	data, err := codec.NewCBOR().Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.BinaryMessage, data))
}

func TestSyncChannelStreamsSnapshotThenLiveEvents(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	defer st.Close()
	pageID := models.NewPageID()
	actor := models.NewActorID()

	frameID, err := st.Create(ctx, store.CreateRequest{
		PageID:   pageID,
		Type:     models.NodeTypeFrame,
		Geometry: models.FrameGeometry{Width: 800, Height: 600},
	}, actor)
	require.NoError(t, err)

	rectID, err := st.Create(ctx, store.CreateRequest{
		PageID:   pageID,
		ParentID: &frameID,
		Type:     models.NodeTypeRectangle,
		Geometry: models.RectangleGeometry{Width: 100, Height: 100},
	}, actor)
	require.NoError(t, err)

	hub := NewHub(st, presence.New())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSync(w, r, pageID)
	}))
	defer server.Close()

	conn := dial(t, wsURL(server, "/sync"))

	// Snapshot replay: both nodes, parent before child, then the end marker.
	var snapshot []*models.Node
	for {
		frame := readFrame[SyncFrame](t, conn)
		require.True(t, frame.Snapshot)
		if frame.End {
			break
		}
		require.Equal(t, models.ChangeCreated, frame.Kind)
		snapshot = append(snapshot, frame.Node)
	}
	require.Len(t, snapshot, 2)
	assert.Equal(t, frameID, snapshot[0].ID)
	assert.Equal(t, rectID, snapshot[1].ID)
	geom, ok := snapshot[1].Geometry.Geometry.(models.RectangleGeometry)
	require.True(t, ok)
	assert.Equal(t, float64(100), geom.Width)

	// A committed update arrives as a live frame.
	x := 42.0
	require.NoError(t, st.Update(ctx, rectID, store.Patch{X: &x}, actor))

	live := readFrame[SyncFrame](t, conn)
	assert.False(t, live.Snapshot)
	assert.Equal(t, models.ChangeUpdated, live.Kind)
	require.NotNil(t, live.Node)
	assert.Equal(t, rectID, live.Node.ID)
	assert.Equal(t, 42.0, live.Node.X)
	assert.Equal(t, int64(2), live.Node.Version)
}

func TestSyncChannelEmptyPageSendsBareEndMarker(t *testing.T) {
	st := store.New()
	defer st.Close()
	hub := NewHub(st, presence.New())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSync(w, r, models.NewPageID())
	}))
	defer server.Close()

	conn := dial(t, wsURL(server, "/sync"))
	frame := readFrame[SyncFrame](t, conn)
	assert.True(t, frame.Snapshot)
	assert.True(t, frame.End)
	assert.Nil(t, frame.Node)
}

// waitForPeers reads peer frames until the predicate holds or the deadline
// hits. Peer fan-out is latest-wins, so intermediate maps may be skipped.
func waitForPeers(t *testing.T, conn *gorilla.Conn, ok func([]*models.PresenceRecord) bool) []*models.PresenceRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame PeerFrame
		require.NoError(t, codec.NewCBOR().Unmarshal(data, &frame))
		if ok(frame.Peers) {
			return frame.Peers
		}
	}
	t.Fatal("peer condition not reached before deadline")
	return nil
}

func TestPresenceChannelFansOutAndRemovesOnDisconnect(t *testing.T) {
	pc := presence.New()
	hub := NewHub(store.New(), pc)
	sceneID := models.NewSceneID()
	alice := Identity{UserID: models.NewActorID(), DisplayName: "alice", Color: "#ff0000"}
	bob := Identity{UserID: models.NewActorID(), DisplayName: "bob", Color: "#00ff00"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id Identity
		switch r.URL.Query().Get("user") {
		case "alice":
			id = alice
		case "bob":
			id = bob
		}
		hub.ServePresence(w, r, sceneID, id)
	}))
	defer server.Close()

	aliceConn := dial(t, wsURL(server, "/presence?user=alice"))
	bobConn := dial(t, wsURL(server, "/presence?user=bob"))

	// Bob sees both participants once his join fans out.
	waitForPeers(t, bobConn, func(peers []*models.PresenceRecord) bool {
		return len(peers) == 2
	})

	// Alice moves her cursor; bob observes it.
	writeFrame(t, aliceConn, PresenceFrame{Kind: FrameCursor, Cursor: &models.Cursor{X: 7, Y: 9}})
	peers := waitForPeers(t, bobConn, func(peers []*models.PresenceRecord) bool {
		for _, p := range peers {
			if p.UserID == alice.UserID && p.Cursor.X == 7 {
				return true
			}
		}
		return false
	})
	for _, p := range peers {
		if p.UserID == alice.UserID {
			assert.Equal(t, "alice", p.DisplayName)
			assert.Equal(t, float64(9), p.Cursor.Y)
		}
	}

	// Alice disconnects; her record is removed, not marked offline.
	require.NoError(t, aliceConn.Close())
	waitForPeers(t, bobConn, func(peers []*models.PresenceRecord) bool {
		if len(peers) != 1 {
			return false
		}
		return peers[0].UserID == bob.UserID
	})
}

func TestPresenceGestureClearReachesPeersImmediately(t *testing.T) {
	pc := presence.New()
	hub := NewHub(store.New(), pc)
	sceneID := models.NewSceneID()
	alice := Identity{UserID: models.NewActorID(), DisplayName: "alice", Color: "#ff0000"}
	bob := Identity{UserID: models.NewActorID(), DisplayName: "bob", Color: "#00ff00"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := alice
		if r.URL.Query().Get("user") == "bob" {
			id = bob
		}
		hub.ServePresence(w, r, sceneID, id)
	}))
	defer server.Close()

	aliceConn := dial(t, wsURL(server, "/presence?user=alice"))
	bobConn := dial(t, wsURL(server, "/presence?user=bob"))
	waitForPeers(t, bobConn, func(peers []*models.PresenceRecord) bool {
		return len(peers) == 2
	})

	target := models.NewNodeID()
	writeFrame(t, aliceConn, PresenceFrame{Kind: FrameGesture, Gesture: &models.Gesture{
		Type:         models.GestureMove,
		TargetNodeID: target,
		X:            10,
		Y:            10,
	}})
	waitForPeers(t, bobConn, func(peers []*models.PresenceRecord) bool {
		for _, p := range peers {
			if p.UserID == alice.UserID && p.Gesture != nil {
				return true
			}
		}
		return false
	})

	// The clear lands inside the gesture throttle window.
	writeFrame(t, aliceConn, PresenceFrame{Kind: FrameGesture, Gesture: nil})
	waitForPeers(t, bobConn, func(peers []*models.PresenceRecord) bool {
		for _, p := range peers {
			if p.UserID == alice.UserID {
				return p.Gesture == nil
			}
		}
		return false
	})
}
