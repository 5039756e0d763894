package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slatecanvas/slate/pkg/constants"
	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/order"
)

// CreateRequest describes a node to insert. The new node is appended after
// the current last sibling of ParentID on PageID.
type CreateRequest struct {
	PageID   models.PageID
	ParentID *models.NodeID // nil creates a page root
	Type     models.NodeType
	Geometry models.Geometry
	X        float64
	Y        float64
	Rotation float64
	Opacity  float64
	Style    models.Style
}

// Patch is a field-granularity update. Nil fields are untouched; set fields
// win last-writer-wins at commit.
//
// BaseVersion, when non-zero, is the node version the caller's state was
// derived from. A mismatch counts as a version conflict: the coordinator
// silently retries once, and the retry re-applies the patch against the
// refreshed version (field-level last-writer-wins), so a stale editor's
// field write lands without clobbering the whole node.
type Patch struct {
	X        *float64
	Y        *float64
	Rotation *float64
	Opacity  *float64
	Style    *models.Style
	Geometry models.Geometry
	Visible  *bool
	Locked   *bool

	BaseVersion int64
}

// Create inserts a new node and returns its ID. The parent, when given,
// must exist and be a container; unlike mutations of a vanished target,
// creating under a missing parent is a caller error and surfaces
// ErrNotFound.
func (s *Store) Create(ctx context.Context, req CreateRequest, actor models.ActorID) (models.NodeID, error) {
	if req.Opacity == 0 {
		req.Opacity = 1
	}

	var created models.NodeID
	err := s.coord.Execute(ctx, "create", func(ctx context.Context, _ int) error {
		s.mu.RLock()
		var reads []readStamp
		var parent *models.Node
		if req.ParentID != nil {
			p, ok := s.nodes[*req.ParentID]
			if !ok {
				s.mu.RUnlock()
				return fmt.Errorf("%w: parent %s", constants.ErrNotFound, *req.ParentID)
			}
			if !p.IsContainer() {
				s.mu.RUnlock()
				return fmt.Errorf("parent %s is a %s, not a container", p.ID, p.Type)
			}
			parent = p.Clone()
			reads = append(reads, readStamp{id: parent.ID, version: parent.Version})
		}

		siblings := s.childrenLocked(req.PageID, req.ParentID)
		var prev *float64
		if len(siblings) > 0 {
			last := siblings[len(siblings)-1].OrderKey
			prev = &last
		}
		s.mu.RUnlock()

		key, err := order.Midpoint(prev, nil)
		if err != nil {
			return err // appending never exhausts
		}

		now := s.clock()
		node := &models.Node{
			ID:        models.NewNodeID(),
			PageID:    req.PageID,
			ParentID:  req.ParentID,
			Type:      req.Type,
			OrderKey:  key,
			X:         req.X,
			Y:         req.Y,
			Rotation:  req.Rotation,
			Opacity:   req.Opacity,
			Geometry:  models.GeometryEnvelope{Geometry: req.Geometry},
			Style:     req.Style,
			Visible:   true,
			Version:   1,
			CreatedBy: actor,
			CreatedAt: now,
			UpdatedBy: actor,
			UpdatedAt: now,
		}

		writes := []Write{{Kind: models.ChangeCreated, Node: node}}
		if parent != nil {
			writes = append(writes, containerWrite(parent, actor, now))
		}
		if err := s.commit(ctx, reads, writes); err != nil {
			return err
		}
		created = node.ID
		return nil
	})
	return created, err
}

// Update applies a field patch to one node. A vanished target is a warned
// no-op, not an error.
func (s *Store) Update(ctx context.Context, nodeID models.NodeID, patch Patch, actor models.ActorID) error {
	return s.coord.Execute(ctx, "update", func(ctx context.Context, attempt int) error {
		s.mu.RLock()
		current, ok := s.nodes[nodeID]
		if !ok {
			s.mu.RUnlock()
			s.log.Warn("update target vanished, skipping", "node", nodeID.String())
			return nil
		}
		node := current.Clone()
		s.mu.RUnlock()

		// The caller's base version only gates the first attempt; the retry
		// re-applies against whatever is current (last writer wins).
		if attempt == 0 && patch.BaseVersion != 0 && patch.BaseVersion != node.Version {
			return fmt.Errorf("%w: %s at v%d, patch based on v%d",
				constants.ErrVersionConflict, nodeID, node.Version, patch.BaseVersion)
		}

		stamp := readStamp{id: nodeID, version: node.Version}
		applyPatch(node, patch)
		node.Version++
		node.UpdatedBy = actor
		node.UpdatedAt = s.clock()

		return s.commit(ctx, []readStamp{stamp}, []Write{{Kind: models.ChangeUpdated, Node: node}})
	})
}

func applyPatch(n *models.Node, p Patch) {
	if p.X != nil {
		n.X = *p.X
	}
	if p.Y != nil {
		n.Y = *p.Y
	}
	if p.Rotation != nil {
		n.Rotation = *p.Rotation
	}
	if p.Opacity != nil {
		n.Opacity = *p.Opacity
	}
	if p.Style != nil {
		n.Style = *p.Style
	}
	if p.Geometry != nil {
		n.Geometry = models.GeometryEnvelope{Geometry: p.Geometry}
	}
	if p.Visible != nil {
		n.Visible = *p.Visible
	}
	if p.Locked != nil {
		n.Locked = *p.Locked
	}
}

// containerWrite bumps a container's version when it gains a child. The bump
// makes the insertion conflict with any transaction that stamped the
// container earlier, in particular a delete or ungroup that listed its
// children before the child existed.
func containerWrite(parent *models.Node, actor models.ActorID, now time.Time) Write {
	bumped := parent.Clone()
	bumped.Version++
	bumped.UpdatedBy = actor
	bumped.UpdatedAt = now
	return Write{Kind: models.ChangeUpdated, Node: bumped}
}

// Delete removes a node and all of its descendants in one transaction. A
// vanished target is a warned no-op.
func (s *Store) Delete(ctx context.Context, nodeID models.NodeID) error {
	return s.coord.Execute(ctx, "delete", func(ctx context.Context, _ int) error {
		s.mu.RLock()
		root, ok := s.nodes[nodeID]
		if !ok {
			s.mu.RUnlock()
			s.log.Warn("delete target vanished, skipping", "node", nodeID.String())
			return nil
		}

		// Deepest first so the durable layer never holds a child without
		// its subtree root's deletion pending in the same batch.
		var doomed []*models.Node
		var collect func(n *models.Node)
		collect = func(n *models.Node) {
			id := n.ID
			for _, child := range s.childrenLocked(n.PageID, &id) {
				collect(child)
			}
			doomed = append(doomed, n.Clone())
		}
		collect(root)
		s.mu.RUnlock()

		reads := make([]readStamp, len(doomed))
		writes := make([]Write, len(doomed))
		for i, n := range doomed {
			reads[i] = readStamp{id: n.ID, version: n.Version}
			writes[i] = Write{Kind: models.ChangeRemoved, Node: n}
		}
		return s.commit(ctx, reads, writes)
	})
}

// ReorderSibling moves a node between two of its current siblings without
// changing its parent. prevID and nextID are the desired neighbors; nil
// prevID means the front of the run, nil nextID the end, both nil appends.
// When float precision between the neighbors is exhausted the entire
// sibling run is reindexed to evenly spaced keys in the same transaction.
func (s *Store) ReorderSibling(ctx context.Context, nodeID models.NodeID, prevID, nextID *models.NodeID, actor models.ActorID) error {
	return s.coord.Execute(ctx, "reorder", func(ctx context.Context, _ int) error {
		s.mu.RLock()
		current, ok := s.nodes[nodeID]
		if !ok {
			s.mu.RUnlock()
			s.log.Warn("reorder target vanished, skipping", "node", nodeID.String())
			return nil
		}
		node := current.Clone()

		siblings := s.childrenLocked(node.PageID, node.ParentID)
		prev, next, err := s.resolveNeighborsLocked(node, siblings, prevID, nextID)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		s.mu.RUnlock()

		reads := []readStamp{{id: node.ID, version: node.Version}}
		if prev != nil {
			reads = append(reads, readStamp{id: prev.ID, version: prev.Version})
		}
		if next != nil {
			reads = append(reads, readStamp{id: next.ID, version: next.Version})
		}

		var prevKey, nextKey *float64
		if prev != nil {
			prevKey = &prev.OrderKey
		}
		if next != nil {
			nextKey = &next.OrderKey
		}

		now := s.clock()
		key, err := order.Midpoint(prevKey, nextKey)
		if errors.Is(err, order.ErrPrecisionExhausted) {
			return s.reindexAndPlace(ctx, node, siblings, prevID, reads, nil, actor, now)
		}
		if err != nil {
			return err
		}

		node.OrderKey = key
		node.Version++
		node.UpdatedBy = actor
		node.UpdatedAt = now
		return s.commit(ctx, reads, []Write{{Kind: models.ChangeUpdated, Node: node}})
	})
}

// resolveNeighborsLocked maps the requested neighbor IDs onto the current
// sibling run, excluding the moving node itself. Both-nil means append,
// which resolves prev to the current last sibling.
func (s *Store) resolveNeighborsLocked(node *models.Node, siblings []*models.Node, prevID, nextID *models.NodeID) (prev, next *models.Node, err error) {
	rest := make([]*models.Node, 0, len(siblings))
	for _, sib := range siblings {
		if sib.ID != node.ID {
			rest = append(rest, sib)
		}
	}

	find := func(id models.NodeID) (*models.Node, error) {
		for _, sib := range rest {
			if sib.ID == id {
				return sib, nil
			}
		}
		return nil, fmt.Errorf("%w: neighbor %s is not a sibling of %s", constants.ErrNotFound, id, node.ID)
	}

	if prevID == nil && nextID == nil {
		if len(rest) > 0 {
			prev = rest[len(rest)-1]
		}
		return prev, nil, nil
	}
	if prevID != nil {
		if prev, err = find(*prevID); err != nil {
			return nil, nil, err
		}
	}
	if nextID != nil {
		if next, err = find(*nextID); err != nil {
			return nil, nil, err
		}
	}
	return prev, next, nil
}

// reindexAndPlace rewrites the order keys of an entire sibling run with the
// moving node spliced in after prevID (or at the front when prevID is nil).
// Everything commits atomically; sibling versions bump because their keys
// are rewritten. The caller's read stamps and extra writes join the commit,
// so stamps collected before the exhaustion was detected (ancestor chains,
// container bumps) still gate it.
func (s *Store) reindexAndPlace(ctx context.Context, node *models.Node, siblings []*models.Node, prevID *models.NodeID, reads []readStamp, extra []Write, actor models.ActorID, now time.Time) error {
	rest := make([]*models.Node, 0, len(siblings))
	for _, sib := range siblings {
		if sib.ID != node.ID {
			rest = append(rest, sib.Clone())
		}
	}

	pos := 0
	if prevID != nil {
		for i, sib := range rest {
			if sib.ID == *prevID {
				pos = i + 1
				break
			}
		}
	}

	run := make([]*models.Node, 0, len(rest)+1)
	run = append(run, rest[:pos]...)
	run = append(run, node)
	run = append(run, rest[pos:]...)

	keys := order.Reindex(len(run))
	writes := make([]Write, 0, len(run)+len(extra))
	for i, n := range run {
		reads = append(reads, readStamp{id: n.ID, version: n.Version})
		if n.OrderKey == keys[i] && n.ID != node.ID {
			continue
		}
		n.OrderKey = keys[i]
		n.Version++
		n.UpdatedBy = actor
		n.UpdatedAt = now
		writes = append(writes, Write{Kind: models.ChangeUpdated, Node: n})
	}
	writes = append(writes, extra...)

	s.log.Info("order keys exhausted, reindexed sibling run",
		"page", node.PageID.String(), "siblings", len(run))
	return s.commit(ctx, reads, writes)
}
