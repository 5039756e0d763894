// Package presence implements the ephemeral, high-frequency half of the
// dual-channel model: per-user cursor, selection, gesture, and viewport
// state fanned out to every participant of a scene.
//
// Presence is deliberately everything the node store is not. Records are
// never versioned, never persisted, and owned exclusively by one user; a
// write from anyone else is a permission error. Updates are lossy: each of
// the four field classes has its own rate limiter, and an update arriving
// inside the throttle window is dropped rather than queued. The one
// exception is clearing a gesture: a nil gesture always applies immediately,
// because a dropped clear leaves a stuck ghost on every peer's canvas. On disconnect or liveness timeout the record is removed entirely,
// not marked offline.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/slatecanvas/slate/pkg/constants"
	"github.com/slatecanvas/slate/pkg/logger"
	"github.com/slatecanvas/slate/pkg/models"
)

// Default throttle rates per update class, in updates per second.
const (
	CursorHz    = 30
	SelectionHz = 5
	GestureHz   = 20
	ViewportHz  = 5
)

// DefaultLivenessTimeout is how long a record survives without any update
// before the sweeper removes it.
const DefaultLivenessTimeout = 30 * time.Second

type entry struct {
	rec *models.PresenceRecord

	cursor    *rate.Limiter
	selection *rate.Limiter
	gesture   *rate.Limiter
	viewport  *rate.Limiter
}

// Channel tracks the presence records of every scene and fans out peer maps
// to subscribers.
type Channel struct {
	log   logger.Logger
	clock func() time.Time
	ttl   time.Duration

	mu     sync.RWMutex
	scenes map[models.SceneID]map[models.ActorID]*entry

	subMu   sync.RWMutex
	subs    map[models.SceneID]map[uint64]chan []*models.PresenceRecord
	nextSub uint64
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithClock overrides the time source. Throttle decisions and liveness use
// it, which keeps tests deterministic.
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithLivenessTimeout overrides the sweep deadline.
func WithLivenessTimeout(ttl time.Duration) Option {
	return func(c *Channel) { c.ttl = ttl }
}

// New returns an empty channel.
func New(opts ...Option) *Channel {
	c := &Channel{
		log:    logger.Nop(),
		clock:  time.Now,
		ttl:    DefaultLivenessTimeout,
		scenes: make(map[models.SceneID]map[models.ActorID]*entry),
		subs:   make(map[models.SceneID]map[uint64]chan []*models.PresenceRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join registers a participant and announces the new peer map.
func (c *Channel) Join(sceneID models.SceneID, userID models.ActorID, displayName, color string) {
	c.mu.Lock()
	if c.scenes[sceneID] == nil {
		c.scenes[sceneID] = make(map[models.ActorID]*entry)
	}
	c.scenes[sceneID][userID] = &entry{
		rec: &models.PresenceRecord{
			UserID:      userID,
			DisplayName: displayName,
			Color:       color,
			Viewport:    models.Viewport{Scale: 1},
			LastSeen:    c.clock(),
		},
		cursor:    rate.NewLimiter(rate.Limit(CursorHz), 1),
		selection: rate.NewLimiter(rate.Limit(SelectionHz), 1),
		gesture:   rate.NewLimiter(rate.Limit(GestureHz), 1),
		viewport:  rate.NewLimiter(rate.Limit(ViewportHz), 1),
	}
	c.mu.Unlock()

	c.log.Debug("peer joined", "scene", sceneID.String(), "user", userID.String())
	c.broadcast(sceneID)
}

// Leave removes a participant's record entirely and announces the shrunken
// peer map. Leaving twice is harmless.
func (c *Channel) Leave(sceneID models.SceneID, userID models.ActorID) {
	c.mu.Lock()
	peers, ok := c.scenes[sceneID]
	if ok {
		delete(peers, userID)
		if len(peers) == 0 {
			delete(c.scenes, sceneID)
		}
	}
	c.mu.Unlock()

	if ok {
		c.log.Debug("peer left", "scene", sceneID.String(), "user", userID.String())
		c.broadcast(sceneID)
	}
}

// SetCursor updates the owner's pointer position, throttled to CursorHz.
func (c *Channel) SetCursor(sceneID models.SceneID, owner, by models.ActorID, cur models.Cursor) error {
	return c.apply(sceneID, owner, by, func(e *entry, now time.Time) bool {
		if !e.cursor.AllowN(now, 1) {
			return false
		}
		e.rec.Cursor = cur
		return true
	})
}

// SetSelection replaces the owner's selection set, throttled to SelectionHz.
func (c *Channel) SetSelection(sceneID models.SceneID, owner, by models.ActorID, selection []models.NodeID) error {
	sel := make([]models.NodeID, len(selection))
	copy(sel, selection)
	return c.apply(sceneID, owner, by, func(e *entry, now time.Time) bool {
		if !e.selection.AllowN(now, 1) {
			return false
		}
		e.rec.Selection = sel
		return true
	})
}

// SetGesture updates the owner's in-progress gesture draft, throttled to
// GestureHz. A nil gesture is a clear and always applies immediately,
// bypassing the throttle: peers must drop the ghost within one round trip.
func (c *Channel) SetGesture(sceneID models.SceneID, owner, by models.ActorID, g *models.Gesture) error {
	return c.apply(sceneID, owner, by, func(e *entry, now time.Time) bool {
		if g == nil {
			e.rec.Gesture = nil
			return true
		}
		if !e.gesture.AllowN(now, 1) {
			return false
		}
		draft := *g
		if draft.StartedAt.IsZero() {
			draft.StartedAt = now
		}
		draft.UpdatedAt = now
		e.rec.Gesture = &draft
		return true
	})
}

// SetViewport updates the owner's visible region, throttled to ViewportHz.
func (c *Channel) SetViewport(sceneID models.SceneID, owner, by models.ActorID, vp models.Viewport) error {
	return c.apply(sceneID, owner, by, func(e *entry, now time.Time) bool {
		if !e.viewport.AllowN(now, 1) {
			return false
		}
		e.rec.Viewport = vp
		return true
	})
}

// apply runs one ownership-checked mutation. fn reports whether the record
// changed; dropped (throttled) updates still refresh liveness but do not
// fan out.
func (c *Channel) apply(sceneID models.SceneID, owner, by models.ActorID, fn func(e *entry, now time.Time) bool) error {
	if owner != by {
		return fmt.Errorf("%w: %s cannot write presence of %s", constants.ErrPermissionDenied, by, owner)
	}

	now := c.clock()

	c.mu.Lock()
	e, ok := c.scenes[sceneID][owner]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: no presence for %s in scene %s", constants.ErrNotFound, owner, sceneID)
	}
	e.rec.LastSeen = now
	changed := fn(e, now)
	c.mu.Unlock()

	if changed {
		c.broadcast(sceneID)
	}
	return nil
}

// Peers returns clones of every record in a scene, ordered by user ID for
// deterministic fan-out.
func (c *Channel) Peers(sceneID models.SceneID) []*models.PresenceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peersLocked(sceneID)
}

func (c *Channel) peersLocked(sceneID models.SceneID) []*models.PresenceRecord {
	peers := c.scenes[sceneID]
	out := make([]*models.PresenceRecord, 0, len(peers))
	for _, e := range peers {
		out = append(out, e.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out
}

// Subscribe delivers the full peer map of a scene after every applied
// change. Delivery is latest-wins: a slow subscriber skips intermediate
// states instead of queueing them.
func (c *Channel) Subscribe(sceneID models.SceneID) (<-chan []*models.PresenceRecord, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextSub++
	id := c.nextSub
	ch := make(chan []*models.PresenceRecord, 1)

	if c.subs[sceneID] == nil {
		c.subs[sceneID] = make(map[uint64]chan []*models.PresenceRecord)
	}
	c.subs[sceneID][id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if scene, ok := c.subs[sceneID]; ok {
			if s, ok := scene[id]; ok {
				delete(scene, id)
				close(s)
			}
		}
	}
	return ch, cancel
}

func (c *Channel) broadcast(sceneID models.SceneID) {
	c.mu.RLock()
	peers := c.peersLocked(sceneID)
	c.mu.RUnlock()

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs[sceneID] {
		// Replace a pending undelivered peer map with the fresh one.
		select {
		case ch <- peers:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- peers:
			default:
			}
		}
	}
}

// ExpireStale removes every record whose liveness deadline passed and
// announces the change per affected scene. Returns how many records were
// removed.
func (c *Channel) ExpireStale() int {
	now := c.clock()

	c.mu.Lock()
	var affected []models.SceneID
	removed := 0
	for sceneID, peers := range c.scenes {
		sceneTouched := false
		for userID, e := range peers {
			if now.Sub(e.rec.LastSeen) > c.ttl {
				delete(peers, userID)
				removed++
				sceneTouched = true
				c.log.Info("presence expired", "scene", sceneID.String(), "user", userID.String())
			}
		}
		if len(peers) == 0 {
			delete(c.scenes, sceneID)
		}
		if sceneTouched {
			affected = append(affected, sceneID)
		}
	}
	c.mu.Unlock()

	for _, sceneID := range affected {
		c.broadcast(sceneID)
	}
	return removed
}

// Run sweeps stale records until ctx is done. Interval defaults to a
// quarter of the liveness timeout.
func (c *Channel) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireStale()
		}
	}
}
