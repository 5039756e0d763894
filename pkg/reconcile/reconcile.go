// Package reconcile merges a client's own optimistic edits with confirmed
// document state and with peer presence ghosts.
//
// While a node is being dragged, the layer holds a local {x,y} override that
// wins over whatever the store last confirmed, so the shape tracks the
// pointer instead of snapping back to a stale position mid-commit. Commits
// are throttled: pointer samples arrive at frame rate, but only a bounded
// cadence of them turns into store transactions, with the final sample
// flushed when the gesture ends. An override is released only once a
// confirmed change lands within tolerance of it.
package reconcile

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/slatecanvas/slate/pkg/logger"
	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/store"
)

// DefaultCommitHz bounds how many pointer samples per second become store
// transactions during a drag.
const DefaultCommitHz = 10

// DefaultTolerance is the positional slack, in scene units, within which a
// confirmed value counts as matching the local override.
const DefaultTolerance = 0.5

// DefaultGhostStaleness is how old a peer gesture may be and still render.
const DefaultGhostStaleness = 2 * time.Second

// Committer commits positional patches. *store.Store satisfies it.
type Committer interface {
	Update(ctx context.Context, nodeID models.NodeID, patch store.Patch, actor models.ActorID) error
}

type override struct {
	x, y        float64
	baseVersion int64
	dirty       bool
}

// Layer is the per-client reconciliation state for one viewer.
type Layer struct {
	log       logger.Logger
	clock     func() time.Time
	committer Committer
	viewer    models.ActorID

	tolerance float64
	staleness time.Duration
	commits   *rate.Limiter

	mu        sync.Mutex
	overrides map[models.NodeID]*override
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Layer) { l.log = log }
}

// WithClock overrides the time source used for throttling and staleness.
func WithClock(clock func() time.Time) Option {
	return func(l *Layer) { l.clock = clock }
}

// WithTolerance overrides the confirmation tolerance.
func WithTolerance(tol float64) Option {
	return func(l *Layer) { l.tolerance = tol }
}

// WithGhostStaleness overrides the peer-gesture staleness window.
func WithGhostStaleness(d time.Duration) Option {
	return func(l *Layer) { l.staleness = d }
}

// WithCommitRate overrides the commit cadence in transactions per second.
func WithCommitRate(hz float64) Option {
	return func(l *Layer) { l.commits = rate.NewLimiter(rate.Limit(hz), 1) }
}

// New returns a reconciliation layer for one viewer.
func New(committer Committer, viewer models.ActorID, opts ...Option) *Layer {
	l := &Layer{
		log:       logger.Nop(),
		clock:     time.Now,
		committer: committer,
		viewer:    viewer,
		tolerance: DefaultTolerance,
		staleness: DefaultGhostStaleness,
		commits:   rate.NewLimiter(rate.Limit(DefaultCommitHz), 1),
		overrides: make(map[models.NodeID]*override),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Nudge records a pointer sample for a node being manipulated. The override
// applies visually at once; a store transaction is submitted only when the
// commit cadence allows, and the latest sample stays pending otherwise.
// baseVersion is the node version the viewer last saw confirmed.
func (l *Layer) Nudge(ctx context.Context, nodeID models.NodeID, x, y float64, baseVersion int64) error {
	now := l.clock()

	l.mu.Lock()
	o := l.overrides[nodeID]
	if o == nil {
		o = &override{}
		l.overrides[nodeID] = o
	}
	o.x, o.y = x, y
	o.baseVersion = baseVersion
	o.dirty = true
	allowed := l.commits.AllowN(now, 1)
	if allowed {
		o.dirty = false
	}
	l.mu.Unlock()

	if !allowed {
		return nil
	}
	return l.submit(ctx, nodeID, x, y, baseVersion)
}

// Flush submits every pending sample immediately, bypassing the cadence.
// Called when a gesture ends so the final position always reaches the store.
func (l *Layer) Flush(ctx context.Context) error {
	type pendingCommit struct {
		id          models.NodeID
		x, y        float64
		baseVersion int64
	}

	l.mu.Lock()
	var pending []pendingCommit
	for id, o := range l.overrides {
		if o.dirty {
			o.dirty = false
			pending = append(pending, pendingCommit{id: id, x: o.x, y: o.y, baseVersion: o.baseVersion})
		}
	}
	l.mu.Unlock()

	for _, p := range pending {
		if err := l.submit(ctx, p.id, p.x, p.y, p.baseVersion); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) submit(ctx context.Context, nodeID models.NodeID, x, y float64, baseVersion int64) error {
	err := l.committer.Update(ctx, nodeID, store.Patch{
		X:           &x,
		Y:           &y,
		BaseVersion: baseVersion,
	}, l.viewer)
	if err != nil {
		l.log.Warn("optimistic commit failed", "node", nodeID.String(), "error", err)
	}
	return err
}

// Release drops a node's override without waiting for confirmation, e.g.
// when the viewer abandons a gesture and the last durable commit stands.
func (l *Layer) Release(nodeID models.NodeID) {
	l.mu.Lock()
	delete(l.overrides, nodeID)
	l.mu.Unlock()
}

// ObserveChange feeds one confirmed change event into the layer. A change
// matching a live override within tolerance confirms the edit and clears
// the override; a non-matching change leaves it in place so the shape does
// not snap back while a newer commit is still in flight. A removal clears
// unconditionally.
func (l *Layer) ObserveChange(ev models.ChangeEvent) {
	if ev.Node == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.overrides[ev.Node.ID]
	if !ok {
		return
	}
	if ev.Kind == models.ChangeRemoved {
		delete(l.overrides, ev.Node.ID)
		return
	}
	if o.dirty {
		// A fresher sample has not been committed yet. Even an exact match
		// only confirms an intermediate position.
		o.baseVersion = ev.Node.Version
		return
	}
	if math.Abs(ev.Node.X-o.x) <= l.tolerance && math.Abs(ev.Node.Y-o.y) <= l.tolerance {
		delete(l.overrides, ev.Node.ID)
		return
	}
	o.baseVersion = ev.Node.Version
}

// ResolvedPose returns the position to render for a node: the local
// override when one is live, otherwise the confirmed value.
func (l *Layer) ResolvedPose(n *models.Node) (x, y float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.overrides[n.ID]; ok {
		return o.x, o.y
	}
	return n.X, n.Y
}

// Manipulating reports whether the viewer currently holds an override on
// the node.
func (l *Layer) Manipulating(nodeID models.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.overrides[nodeID]
	return ok
}

// Ghost is a peer gesture the renderer should preview.
type Ghost struct {
	UserID  models.ActorID
	Color   string
	Gesture models.Gesture
}

// Ghosts filters the current peer map down to renderable gesture previews.
// A gesture qualifies only when it belongs to someone else, is fresher than
// the staleness window, and does not target a node the viewer is locally
// manipulating, since two competing previews of one node is worse than none.
func (l *Layer) Ghosts(peers []*models.PresenceRecord) []Ghost {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Ghost
	for _, p := range peers {
		if p.UserID == l.viewer || p.Gesture == nil {
			continue
		}
		if now.Sub(p.Gesture.UpdatedAt) > l.staleness {
			continue
		}
		if _, held := l.overrides[p.Gesture.TargetNodeID]; held {
			continue
		}
		out = append(out, Ghost{UserID: p.UserID, Color: p.Color, Gesture: *p.Gesture})
	}
	return out
}
