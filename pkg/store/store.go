// Package store implements the durable, versioned node collection at the
// center of the scene graph core.
//
// Nodes live in an arena keyed by NodeID with parent references by ID, so
// structural invariants (no cycles, unique sibling order keys) are checked
// by walking IDs before anything is written. Every mutation runs as an
// optimistic transaction through [txn.Coordinator]: the read phase snapshots
// the versions of every node it touches without blocking writers, and the
// commit phase re-validates those versions under the write lock, so a racing
// committed write forces a conflict and a single silent retry. Multi-node
// operations (group, ungroup, reparent) validate and apply every write under
// one lock acquisition; a partially applied group is never observable.
//
// Committed changes fan out to per-page subscribers as [models.ChangeEvent]
// values. Subscription channels are buffered; a subscriber that stops
// draining loses events (with a warning) rather than stalling commits, and
// is expected to resynchronize from a page snapshot.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slatecanvas/slate/pkg/constants"
	"github.com/slatecanvas/slate/pkg/logger"
	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/transform"
	"github.com/slatecanvas/slate/pkg/txn"
)

const subscriberBuffer = 64

// Persister is the optional durable backend behind the in-memory arena.
// Apply receives every write of one committed transaction and must apply
// them atomically; an error aborts the whole transaction before the arena
// or any subscriber observes it.
type Persister interface {
	Apply(ctx context.Context, writes []Write) error
	LoadPage(ctx context.Context, pageID models.PageID) ([]*models.Node, error)
	Close() error
}

// Write is one node-level effect of a committed transaction.
type Write struct {
	Kind models.ChangeKind
	// Node is the committed snapshot, or the last pre-delete state for
	// removals.
	Node *models.Node
}

// Store is the versioned node collection for one document.
type Store struct {
	coord   *txn.Coordinator
	log     logger.Logger
	clock   func() time.Time
	persist Persister

	mu     sync.RWMutex
	nodes  map[models.NodeID]*models.Node
	loaded map[models.PageID]struct{}

	subMu   sync.RWMutex
	subs    map[models.PageID]map[uint64]chan models.ChangeEvent
	nextSub uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithPersister attaches a durable backend.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		log:    logger.Nop(),
		clock:  time.Now,
		nodes:  make(map[models.NodeID]*models.Node),
		loaded: make(map[models.PageID]struct{}),
		subs:   make(map[models.PageID]map[uint64]chan models.ChangeEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.coord = txn.NewCoordinator(s.log)
	return s
}

// LoadPage hydrates the arena with the persisted nodes of a page. Each page
// is hydrated at most once per process; in-memory nodes are never replaced,
// and loaded nodes do not generate change events.
func (s *Store) LoadPage(ctx context.Context, pageID models.PageID) error {
	if s.persist == nil {
		return nil
	}

	s.mu.RLock()
	_, done := s.loaded[pageID]
	s.mu.RUnlock()
	if done {
		return nil
	}

	nodes, err := s.persist.LoadPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("load page %s: %w", pageID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.loaded[pageID]; done {
		return nil
	}
	s.loaded[pageID] = struct{}{}
	for _, n := range nodes {
		if _, exists := s.nodes[n.ID]; !exists {
			s.nodes[n.ID] = n.Clone()
		}
	}
	return nil
}

// Get returns a snapshot of one node.
func (s *Store) Get(nodeID models.NodeID) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrNotFound, nodeID)
	}
	return n.Clone(), nil
}

// Page returns snapshots of every node on a page, ordered parent-first and
// by order key among siblings.
func (s *Store) Page(pageID models.PageID) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Node
	var walk func(parentID *models.NodeID)
	walk = func(parentID *models.NodeID) {
		for _, child := range s.childrenLocked(pageID, parentID) {
			out = append(out, child.Clone())
			id := child.ID
			walk(&id)
		}
	}
	walk(nil)
	return out
}

// Children returns ordered snapshots of the children of parentID on a page.
// A nil parentID lists the page roots.
func (s *Store) Children(pageID models.PageID, parentID *models.NodeID) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := s.childrenLocked(pageID, parentID)
	out := make([]*models.Node, len(children))
	for i, c := range children {
		out[i] = c.Clone()
	}
	return out
}

// WorldPose returns the absolute position and rotation of a node, composed
// from its ancestor chain.
func (s *Store) WorldPose(nodeID models.NodeID) (transform.Pose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return transform.Pose{}, fmt.Errorf("%w: %s", constants.ErrNotFound, nodeID)
	}
	parentWorld, err := s.worldOfLocked(n.ParentID)
	if err != nil {
		return transform.Pose{}, err
	}
	local := transform.FromPose(n.X, n.Y, n.Rotation)
	return transform.Decompose(transform.Compose(parentWorld, local)), nil
}

// Subscribe registers a change listener for one page. The returned cancel
// func unregisters it and closes the channel. Events arrive in commit order;
// a full buffer drops the event for that subscriber.
func (s *Store) Subscribe(pageID models.PageID) (<-chan models.ChangeEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextSub++
	id := s.nextSub
	ch := make(chan models.ChangeEvent, subscriberBuffer)

	if s.subs[pageID] == nil {
		s.subs[pageID] = make(map[uint64]chan models.ChangeEvent)
	}
	s.subs[pageID][id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if page, ok := s.subs[pageID]; ok {
			if c, ok := page[id]; ok {
				delete(page, id)
				close(c)
			}
		}
	}
	return ch, cancel
}

// Close releases the persister, if any.
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}

// --------------------------------------------------
// Transaction internals
// --------------------------------------------------

// readStamp pins the version of a node observed during the read phase.
type readStamp struct {
	id      models.NodeID
	version int64
}

// commit validates every read stamp under the write lock, applies the
// writes, persists them, and fans out events. Either everything applies or
// nothing does.
func (s *Store) commit(ctx context.Context, reads []readStamp, writes []Write) error {
	s.mu.Lock()

	for _, r := range reads {
		current, ok := s.nodes[r.id]
		if !ok || current.Version != r.version {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", constants.ErrVersionConflict, r.id)
		}
	}

	if err := s.checkSiblingKeysLocked(writes); err != nil {
		s.mu.Unlock()
		return err
	}

	if s.persist != nil {
		if err := s.persist.Apply(ctx, writes); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("persist: %w", err)
		}
	}

	for _, w := range writes {
		switch w.Kind {
		case models.ChangeRemoved:
			delete(s.nodes, w.Node.ID)
		default:
			s.nodes[w.Node.ID] = w.Node.Clone()
		}
	}
	s.mu.Unlock()

	for _, w := range writes {
		s.emit(models.ChangeEvent{Kind: w.Kind, PageID: w.Node.PageID, Node: w.Node.Clone()})
	}
	return nil
}

// checkSiblingKeysLocked validates the order-key uniqueness invariant
// against the post-apply state: arena contents overlaid with the pending
// writes. A duplicate key means a racing writer claimed the same slot; the
// transaction conflicts and the retry recomputes its keys.
func (s *Store) checkSiblingKeysLocked(writes []Write) error {
	overlay := make(map[models.NodeID]*models.Node, len(writes))
	removed := make(map[models.NodeID]struct{})
	for _, w := range writes {
		if w.Kind == models.ChangeRemoved {
			removed[w.Node.ID] = struct{}{}
			continue
		}
		overlay[w.Node.ID] = w.Node
	}

	lookup := func(id models.NodeID) (*models.Node, bool) {
		if _, gone := removed[id]; gone {
			return nil, false
		}
		if n, ok := overlay[id]; ok {
			return n, true
		}
		n, ok := s.nodes[id]
		return n, ok
	}

	for _, w := range writes {
		if w.Kind == models.ChangeRemoved {
			continue
		}
		for id := range s.nodes {
			other, ok := lookup(id)
			if !ok || other.ID == w.Node.ID {
				continue
			}
			if other.PageID == w.Node.PageID &&
				sameParent(other.ParentID, w.Node.ParentID) &&
				other.OrderKey == w.Node.OrderKey {
				return fmt.Errorf("%w: order key %v taken among siblings of %s",
					constants.ErrVersionConflict, w.Node.OrderKey, w.Node.ID)
			}
		}
	}
	return nil
}

func (s *Store) emit(ev models.ChangeEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs[ev.PageID] {
		select {
		case ch <- ev:
		default:
			s.log.Warn("subscriber behind, dropping change event",
				"page", ev.PageID.String(), "node", ev.Node.ID.String())
		}
	}
}

// --------------------------------------------------
// Arena helpers (callers hold s.mu)
// --------------------------------------------------

func (s *Store) childrenLocked(pageID models.PageID, parentID *models.NodeID) []*models.Node {
	var out []*models.Node
	for _, n := range s.nodes {
		if n.PageID != pageID {
			continue
		}
		if !sameParent(n.ParentID, parentID) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey < out[j].OrderKey })
	return out
}

func sameParent(a, b *models.NodeID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ancestorNodesLocked returns the chain of nodes from the root down to and
// including the node parentID points at. A nil parentID yields an empty
// chain. A broken link is reported as ErrNotFound.
func (s *Store) ancestorNodesLocked(parentID *models.NodeID) ([]*models.Node, error) {
	var rev []*models.Node
	seen := make(map[models.NodeID]struct{})
	for id := parentID; id != nil; {
		if _, dup := seen[*id]; dup {
			return nil, fmt.Errorf("%w: ancestor chain of %s", constants.ErrCycleRejected, *id)
		}
		seen[*id] = struct{}{}

		n, ok := s.nodes[*id]
		if !ok {
			return nil, fmt.Errorf("%w: ancestor %s", constants.ErrNotFound, *id)
		}
		rev = append(rev, n)
		id = n.ParentID
	}
	// Collected child-first; the transform fold wants root-first.
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev, nil
}

func (s *Store) worldOfLocked(parentID *models.NodeID) (transform.Matrix, error) {
	chain, err := s.ancestorNodesLocked(parentID)
	if err != nil {
		return transform.Identity(), err
	}
	mats := make([]transform.Matrix, len(chain))
	for i, n := range chain {
		mats[i] = transform.FromPose(n.X, n.Y, n.Rotation)
	}
	return transform.WorldTransform(mats), nil
}

// stampChainLocked appends read stamps for every ancestor of parentID, so a
// transform computed from the chain conflicts if any ancestor moves before
// commit.
func (s *Store) stampChainLocked(parentID *models.NodeID, reads []readStamp) ([]readStamp, error) {
	chain, err := s.ancestorNodesLocked(parentID)
	if err != nil {
		return reads, err
	}
	for _, n := range chain {
		reads = append(reads, readStamp{id: n.ID, version: n.Version})
	}
	return reads, nil
}

// isAncestorLocked reports whether candidate appears in the parent chain of
// node (or is node itself), the check that rejects reparent cycles before
// any write.
func (s *Store) isAncestorLocked(candidate, node models.NodeID) bool {
	if candidate == node {
		return true
	}
	seen := make(map[models.NodeID]struct{})
	for id := &node; id != nil; {
		if _, dup := seen[*id]; dup {
			return true // already cyclic, refuse to make it worse
		}
		seen[*id] = struct{}{}

		n, ok := s.nodes[*id]
		if !ok {
			return false
		}
		if n.ParentID != nil && *n.ParentID == candidate {
			return true
		}
		id = n.ParentID
	}
	return false
}
