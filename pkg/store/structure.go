package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/slatecanvas/slate/pkg/constants"
	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/order"
	"github.com/slatecanvas/slate/pkg/transform"
)

// Reparent moves a node under a new parent while preserving its absolute
// world position and rotation. The node's local transform is recomputed from
// the world transforms of the old and new parent, and its order key is
// allocated between prevID and nextID among the new siblings (both nil
// appends).
//
// A reparent that would make the node its own descendant returns
// ErrCycleRejected before anything is written. A vanished node or
// destination is a warned no-op.
func (s *Store) Reparent(ctx context.Context, nodeID models.NodeID, newParentID *models.NodeID, prevID, nextID *models.NodeID, actor models.ActorID) error {
	return s.coord.Execute(ctx, "reparent", func(ctx context.Context, _ int) error {
		s.mu.RLock()
		current, ok := s.nodes[nodeID]
		if !ok {
			s.mu.RUnlock()
			s.log.Warn("reparent target vanished, skipping", "node", nodeID.String())
			return nil
		}
		node := current.Clone()

		reads := []readStamp{{id: node.ID, version: node.Version}}

		// Set when the destination is an existing container actually gaining
		// the node; its version bump makes the move conflict with a
		// concurrent delete or ungroup of the destination.
		var gained *models.Node

		if newParentID != nil {
			parent, ok := s.nodes[*newParentID]
			if !ok {
				s.mu.RUnlock()
				s.log.Warn("reparent destination vanished, skipping",
					"node", nodeID.String(), "parent", newParentID.String())
				return nil
			}
			if !parent.IsContainer() {
				s.mu.RUnlock()
				return fmt.Errorf("destination %s is a %s, not a container", parent.ID, parent.Type)
			}
			if parent.PageID != node.PageID {
				s.mu.RUnlock()
				return fmt.Errorf("destination %s is on another page", parent.ID)
			}
			if s.isAncestorLocked(nodeID, *newParentID) {
				s.mu.RUnlock()
				return fmt.Errorf("%w: %s into %s", constants.ErrCycleRejected, nodeID, *newParentID)
			}
			if !sameParent(node.ParentID, newParentID) {
				gained = parent.Clone()
			}
		}

		oldWorld, err := s.worldOfLocked(node.ParentID)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		newWorld, err := s.worldOfLocked(newParentID)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		if reads, err = s.stampChainLocked(node.ParentID, reads); err != nil {
			s.mu.RUnlock()
			return err
		}
		if reads, err = s.stampChainLocked(newParentID, reads); err != nil {
			s.mu.RUnlock()
			return err
		}

		targetSiblings := s.childrenLocked(node.PageID, newParentID)
		prev, next, err := s.resolveNeighborsLocked(node, targetSiblings, prevID, nextID)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		s.mu.RUnlock()

		pose := transform.ReparentLocal(oldWorld, transform.FromPose(node.X, node.Y, node.Rotation), newWorld)
		node.ParentID = cloneID(newParentID)
		node.X, node.Y, node.Rotation = pose.X, pose.Y, pose.Rotation

		now := s.clock()

		var prevKey, nextKey *float64
		if prev != nil {
			prevKey = &prev.OrderKey
			reads = append(reads, readStamp{id: prev.ID, version: prev.Version})
		}
		if next != nil {
			nextKey = &next.OrderKey
			reads = append(reads, readStamp{id: next.ID, version: next.Version})
		}

		var bump []Write
		if gained != nil {
			bump = append(bump, containerWrite(gained, actor, now))
		}

		key, err := order.Midpoint(prevKey, nextKey)
		if errors.Is(err, order.ErrPrecisionExhausted) {
			return s.reindexAndPlace(ctx, node, targetSiblings, prevID, reads, bump, actor, now)
		}
		if err != nil {
			return err
		}

		node.OrderKey = key
		node.Version++
		node.UpdatedBy = actor
		node.UpdatedAt = now
		writes := append([]Write{{Kind: models.ChangeUpdated, Node: node}}, bump...)
		return s.commit(ctx, reads, writes)
	})
}

// Group wraps the given nodes in a new group node under parentID. The group
// takes the minimum order key of the selected nodes as its anchor, carries
// an identity local transform, and each member is reparented into it with
// its absolute position preserved. Creation and every member move commit as
// one transaction. Vanished members are skipped with a warning; if none
// remain the call fails with ErrNotFound.
func (s *Store) Group(ctx context.Context, nodeIDs []models.NodeID, pageID models.PageID, parentID *models.NodeID, actor models.ActorID) (models.NodeID, error) {
	var groupID models.NodeID
	err := s.coord.Execute(ctx, "group", func(ctx context.Context, _ int) error {
		s.mu.RLock()

		var members []*models.Node
		var reads []readStamp
		for _, id := range nodeIDs {
			n, ok := s.nodes[id]
			if !ok {
				s.log.Warn("group member vanished, skipping", "node", id.String())
				continue
			}
			if n.PageID != pageID {
				s.mu.RUnlock()
				return fmt.Errorf("member %s is on another page", id)
			}
			members = append(members, n.Clone())
			reads = append(reads, readStamp{id: n.ID, version: n.Version})
		}
		if len(members) == 0 {
			s.mu.RUnlock()
			return fmt.Errorf("%w: no group members remain", constants.ErrNotFound)
		}

		var parent *models.Node
		if parentID != nil {
			p, ok := s.nodes[*parentID]
			if !ok {
				s.mu.RUnlock()
				return fmt.Errorf("%w: parent %s", constants.ErrNotFound, *parentID)
			}
			if !p.IsContainer() {
				s.mu.RUnlock()
				return fmt.Errorf("parent %s is a %s, not a container", p.ID, p.Type)
			}
			for _, m := range members {
				if s.isAncestorLocked(m.ID, *parentID) {
					s.mu.RUnlock()
					return fmt.Errorf("%w: %s into %s", constants.ErrCycleRejected, m.ID, *parentID)
				}
			}
			parent = p.Clone()
		}

		parentWorld, err := s.worldOfLocked(parentID)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		if reads, err = s.stampChainLocked(parentID, reads); err != nil {
			s.mu.RUnlock()
			return err
		}

		memberWorlds := make([]transform.Matrix, len(members))
		for i, m := range members {
			w, err := s.worldOfLocked(m.ParentID)
			if err != nil {
				s.mu.RUnlock()
				return err
			}
			memberWorlds[i] = w
			if reads, err = s.stampChainLocked(m.ParentID, reads); err != nil {
				s.mu.RUnlock()
				return err
			}
		}

		targetSiblings := s.childrenLocked(pageID, parentID)
		s.mu.RUnlock()

		// The group anchors at the minimum selected key so it occupies the
		// slot of the front-most member.
		anchor := members[0].OrderKey
		for _, m := range members[1:] {
			if m.OrderKey < anchor {
				anchor = m.OrderKey
			}
		}

		// Members grouped out of a different parent keep keys from that
		// parent's run, so the anchor can land on a key an existing target
		// sibling holds. Nudge it into the gap after the occupant.
		anchor, err = nudgeAnchor(anchor, targetSiblings, members)
		if err != nil {
			return err
		}

		now := s.clock()
		group := &models.Node{
			ID:        models.NewNodeID(),
			PageID:    pageID,
			ParentID:  cloneID(parentID),
			Type:      models.NodeTypeGroup,
			OrderKey:  anchor,
			Opacity:   1,
			Geometry:  models.GeometryEnvelope{Geometry: models.GroupGeometry{}},
			Visible:   true,
			Version:   1,
			CreatedBy: actor,
			CreatedAt: now,
			UpdatedBy: actor,
			UpdatedAt: now,
		}

		// Members keep their visual stacking order inside the group. The
		// group's local transform is the identity, so the group world equals
		// the parent world.
		sort.SliceStable(members, func(i, j int) bool { return members[i].OrderKey < members[j].OrderKey })
		keys := order.Reindex(len(members))

		writes := []Write{{Kind: models.ChangeCreated, Node: group}}
		if parent != nil {
			writes = append(writes, containerWrite(parent, actor, now))
		}
		gid := group.ID
		for i, m := range members {
			pose := transform.ReparentLocal(memberWorlds[i], transform.FromPose(m.X, m.Y, m.Rotation), parentWorld)
			m.ParentID = &gid
			m.X, m.Y, m.Rotation = pose.X, pose.Y, pose.Rotation
			m.OrderKey = keys[i]
			m.Version++
			m.UpdatedBy = actor
			m.UpdatedAt = now
			writes = append(writes, Write{Kind: models.ChangeUpdated, Node: m})
		}

		if err := s.commit(ctx, reads, writes); err != nil {
			return err
		}
		groupID = group.ID
		return nil
	})
	return groupID, err
}

// nudgeAnchor resolves a collision between a proposed group anchor key and
// the target sibling run. Siblings that are about to move into the group
// vacate their keys and are ignored. On a collision the anchor moves to the
// midpoint between the occupant and its successor, falling back to an append
// after the run when that gap is exhausted.
func nudgeAnchor(anchor float64, siblings, members []*models.Node) (float64, error) {
	moving := make(map[models.NodeID]struct{}, len(members))
	for _, m := range members {
		moving[m.ID] = struct{}{}
	}

	var keys []float64 // ascending, childrenLocked sorts
	for _, sib := range siblings {
		if _, gone := moving[sib.ID]; !gone {
			keys = append(keys, sib.OrderKey)
		}
	}

	for i, k := range keys {
		if k != anchor {
			continue
		}
		var next *float64
		if i+1 < len(keys) {
			next = &keys[i+1]
		}
		nudged, err := order.Midpoint(&keys[i], next)
		if errors.Is(err, order.ErrPrecisionExhausted) {
			last := keys[len(keys)-1]
			return order.Midpoint(&last, nil) // appending never exhausts
		}
		return nudged, err
	}
	return anchor, nil
}

// Ungroup dissolves a group: every child is reparented back to the group's
// former parent with its world position preserved, taking order keys spliced
// into the group's old slot, and the group node is deleted. Listing the
// children, moving them, and the delete commit as one transaction, so a
// concurrent insert into the group conflicts rather than losing a node.
func (s *Store) Ungroup(ctx context.Context, groupID models.NodeID, actor models.ActorID) error {
	return s.coord.Execute(ctx, "ungroup", func(ctx context.Context, _ int) error {
		s.mu.RLock()
		current, ok := s.nodes[groupID]
		if !ok {
			s.mu.RUnlock()
			s.log.Warn("ungroup target vanished, skipping", "group", groupID.String())
			return nil
		}
		if current.Type != models.NodeTypeGroup {
			s.mu.RUnlock()
			return fmt.Errorf("node %s is a %s, not a group", groupID, current.Type)
		}
		group := current.Clone()

		reads := []readStamp{{id: group.ID, version: group.Version}}

		gid := group.ID
		children := make([]*models.Node, 0)
		for _, c := range s.childrenLocked(group.PageID, &gid) {
			children = append(children, c.Clone())
			reads = append(reads, readStamp{id: c.ID, version: c.Version})
		}

		parentWorld, err := s.worldOfLocked(group.ParentID)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		var rerr error
		if reads, rerr = s.stampChainLocked(group.ParentID, reads); rerr != nil {
			s.mu.RUnlock()
			return rerr
		}

		siblings := s.childrenLocked(group.PageID, group.ParentID)
		s.mu.RUnlock()

		groupWorld := transform.Compose(parentWorld, transform.FromPose(group.X, group.Y, group.Rotation))

		now := s.clock()
		for _, c := range children {
			pose := transform.ReparentLocal(groupWorld, transform.FromPose(c.X, c.Y, c.Rotation), parentWorld)
			c.ParentID = cloneID(group.ParentID)
			c.X, c.Y, c.Rotation = pose.X, pose.Y, pose.Rotation
			c.Version++
			c.UpdatedBy = actor
			c.UpdatedAt = now
		}

		keys, ok := spliceKeys(siblings, group.ID, len(children))
		if !ok {
			// The slot around the group cannot absorb the children: respace
			// the whole run with the children in the group's place.
			return s.ungroupReindex(ctx, group, children, siblings, reads, actor)
		}
		for i, c := range children {
			c.OrderKey = keys[i]
		}

		writes := make([]Write, 0, len(children)+1)
		for _, c := range children {
			writes = append(writes, Write{Kind: models.ChangeUpdated, Node: c})
		}
		writes = append(writes, Write{Kind: models.ChangeRemoved, Node: group})
		return s.commit(ctx, reads, writes)
	})
}

// spliceKeys allocates n ascending keys that fit between the neighbors of
// the removed node within its sibling run. ok is false when midpoint
// precision runs out before all n keys are placed.
func spliceKeys(siblings []*models.Node, removed models.NodeID, n int) ([]float64, bool) {
	if n == 0 {
		return nil, true
	}

	var prevKey, nextKey *float64
	for i, sib := range siblings {
		if sib.ID != removed {
			continue
		}
		if i > 0 {
			k := siblings[i-1].OrderKey
			prevKey = &k
		}
		if i+1 < len(siblings) {
			k := siblings[i+1].OrderKey
			nextKey = &k
		}
		break
	}

	keys := make([]float64, 0, n)
	lo := prevKey
	for i := 0; i < n; i++ {
		k, err := order.Midpoint(lo, nextKey)
		if err != nil {
			return nil, false
		}
		keys = append(keys, k)
		lo = &keys[len(keys)-1]
	}
	return keys, true
}

// ungroupReindex is the exhaustion path of Ungroup: the former parent's
// entire sibling run is respaced with the children substituted for the
// group. Sibling stamps join the read set so a racing reorder conflicts.
func (s *Store) ungroupReindex(ctx context.Context, group *models.Node, children, siblings []*models.Node, reads []readStamp, actor models.ActorID) error {
	now := s.clock()

	run := make([]*models.Node, 0, len(siblings)+len(children))
	for _, sib := range siblings {
		if sib.ID == group.ID {
			run = append(run, children...)
			continue
		}
		clone := sib.Clone()
		reads = append(reads, readStamp{id: sib.ID, version: sib.Version})
		clone.Version++
		clone.UpdatedBy = actor
		clone.UpdatedAt = now
		run = append(run, clone)
	}

	keys := order.Reindex(len(run))
	writes := make([]Write, 0, len(run)+1)
	for i, n := range run {
		n.OrderKey = keys[i]
		writes = append(writes, Write{Kind: models.ChangeUpdated, Node: n})
	}
	writes = append(writes, Write{Kind: models.ChangeRemoved, Node: group})

	s.log.Info("ungroup exhausted sibling precision, reindexed run",
		"group", group.ID.String(), "siblings", len(run))
	return s.commit(ctx, reads, writes)
}

func cloneID(id *models.NodeID) *models.NodeID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
