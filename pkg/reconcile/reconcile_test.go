package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/store"
)

type commitCall struct {
	nodeID models.NodeID
	patch  store.Patch
}

type fakeCommitter struct {
	mu    sync.Mutex
	calls []commitCall
}

func (f *fakeCommitter) Update(_ context.Context, nodeID models.NodeID, patch store.Patch, _ models.ActorID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commitCall{nodeID: nodeID, patch: patch})
	return nil
}

func (f *fakeCommitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCommitter) last() commitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestLayer() (*Layer, *fakeCommitter, *fakeClock) {
	committer := &fakeCommitter{}
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	viewer := models.NewActorID()
	return New(committer, viewer, WithClock(clock.Now)), committer, clock
}

func TestOverrideWinsUntilConfirmed(t *testing.T) {
	layer, _, _ := newTestLayer()
	ctx := context.Background()
	nodeID := models.NewNodeID()

	require.NoError(t, layer.Nudge(ctx, nodeID, 40, 60, 1))

	confirmed := &models.Node{ID: nodeID, X: 10, Y: 10, Version: 1}
	x, y := layer.ResolvedPose(confirmed)
	assert.Equal(t, float64(40), x)
	assert.Equal(t, float64(60), y)

	// A confirmed change far from the override is an in-flight older commit:
	// the override must hold, no snap-back.
	layer.ObserveChange(models.ChangeEvent{
		Kind: models.ChangeUpdated,
		Node: &models.Node{ID: nodeID, X: 25, Y: 30, Version: 2},
	})
	x, y = layer.ResolvedPose(confirmed)
	assert.Equal(t, float64(40), x)
	assert.Equal(t, float64(60), y)
	assert.True(t, layer.Manipulating(nodeID))

	// The matching confirmation releases it.
	layer.ObserveChange(models.ChangeEvent{
		Kind: models.ChangeUpdated,
		Node: &models.Node{ID: nodeID, X: 40.2, Y: 59.9, Version: 3},
	})
	assert.False(t, layer.Manipulating(nodeID))
	x, y = layer.ResolvedPose(confirmed)
	assert.Equal(t, float64(10), x)
	assert.Equal(t, float64(10), y)
}

func TestCommitCadenceIsThrottled(t *testing.T) {
	layer, committer, clock := newTestLayer()
	ctx := context.Background()
	nodeID := models.NewNodeID()

	// A burst of frame-rate samples at one instant produces one transaction.
	for i := 0; i < 20; i++ {
		require.NoError(t, layer.Nudge(ctx, nodeID, float64(i), float64(i), 1))
	}
	assert.Equal(t, 1, committer.count())
	assert.Equal(t, float64(0), *committer.last().patch.X)

	// After a cadence interval the next sample goes out.
	clock.Advance(time.Second / DefaultCommitHz)
	require.NoError(t, layer.Nudge(ctx, nodeID, 50, 50, 1))
	assert.Equal(t, 2, committer.count())
}

func TestFlushSendsLatestPendingSample(t *testing.T) {
	layer, committer, _ := newTestLayer()
	ctx := context.Background()
	nodeID := models.NewNodeID()

	for i := 0; i < 5; i++ {
		require.NoError(t, layer.Nudge(ctx, nodeID, float64(i*10), 0, 1))
	}
	require.Equal(t, 1, committer.count())

	// Gesture ends: the last sample must reach the store even inside the
	// throttle window.
	require.NoError(t, layer.Flush(ctx))
	require.Equal(t, 2, committer.count())
	assert.Equal(t, float64(40), *committer.last().patch.X)

	// Nothing pending now.
	require.NoError(t, layer.Flush(ctx))
	assert.Equal(t, 2, committer.count())
}

func TestDirtyOverrideSurvivesExactMatch(t *testing.T) {
	layer, _, _ := newTestLayer()
	ctx := context.Background()
	nodeID := models.NewNodeID()

	require.NoError(t, layer.Nudge(ctx, nodeID, 10, 10, 1)) // committed
	require.NoError(t, layer.Nudge(ctx, nodeID, 30, 30, 1)) // pending

	// The confirmation of the first commit matches the latest sample's
	// committed predecessor but a fresher sample is still pending: hold.
	layer.ObserveChange(models.ChangeEvent{
		Kind: models.ChangeUpdated,
		Node: &models.Node{ID: nodeID, X: 30, Y: 30, Version: 2},
	})
	assert.True(t, layer.Manipulating(nodeID))
}

func TestRemovalClearsOverride(t *testing.T) {
	layer, _, _ := newTestLayer()
	ctx := context.Background()
	nodeID := models.NewNodeID()

	require.NoError(t, layer.Nudge(ctx, nodeID, 5, 5, 1))
	layer.ObserveChange(models.ChangeEvent{
		Kind: models.ChangeRemoved,
		Node: &models.Node{ID: nodeID, Version: 2},
	})
	assert.False(t, layer.Manipulating(nodeID))
}

func TestReleaseDropsOverride(t *testing.T) {
	layer, _, _ := newTestLayer()
	nodeID := models.NewNodeID()

	require.NoError(t, layer.Nudge(context.Background(), nodeID, 5, 5, 1))
	layer.Release(nodeID)
	assert.False(t, layer.Manipulating(nodeID))
}

func TestStaleGhostIsNeverRendered(t *testing.T) {
	layer, _, clock := newTestLayer()
	peer := models.NewActorID()
	target := models.NewNodeID()

	fresh := &models.PresenceRecord{
		UserID: peer,
		Color:  "#00ff00",
		Gesture: &models.Gesture{
			Type:         models.GestureMove,
			TargetNodeID: target,
			UpdatedAt:    clock.Now(),
		},
	}
	ghosts := layer.Ghosts([]*models.PresenceRecord{fresh})
	require.Len(t, ghosts, 1)
	assert.Equal(t, peer, ghosts[0].UserID)

	// Past the staleness window the same record is ignored even though it
	// is still present in the peer map.
	clock.Advance(DefaultGhostStaleness + time.Second)
	assert.Empty(t, layer.Ghosts([]*models.PresenceRecord{fresh}))
}

func TestGhostSuppressedWhileViewerManipulatesSameNode(t *testing.T) {
	layer, _, clock := newTestLayer()
	peer := models.NewActorID()
	target := models.NewNodeID()

	rec := &models.PresenceRecord{
		UserID: peer,
		Gesture: &models.Gesture{
			Type:         models.GestureResize,
			TargetNodeID: target,
			UpdatedAt:    clock.Now(),
		},
	}
	require.Len(t, layer.Ghosts([]*models.PresenceRecord{rec}), 1)

	require.NoError(t, layer.Nudge(context.Background(), target, 1, 1, 1))
	assert.Empty(t, layer.Ghosts([]*models.PresenceRecord{rec}))

	layer.Release(target)
	assert.Len(t, layer.Ghosts([]*models.PresenceRecord{rec}), 1)
}

func TestOwnAndEmptyGesturesAreNotGhosts(t *testing.T) {
	committer := &fakeCommitter{}
	viewer := models.NewActorID()
	layer := New(committer, viewer)

	own := &models.PresenceRecord{
		UserID: viewer,
		Gesture: &models.Gesture{
			Type:         models.GestureMove,
			TargetNodeID: models.NewNodeID(),
			UpdatedAt:    time.Now(),
		},
	}
	idle := &models.PresenceRecord{UserID: models.NewActorID()}
	assert.Empty(t, layer.Ghosts([]*models.PresenceRecord{own, idle}))
}
