package models

import "time"

// GestureType classifies an in-progress manipulation broadcast to peers.
type GestureType string

const (
	GestureMove   GestureType = "move"
	GestureResize GestureType = "resize"
	GestureRotate GestureType = "rotate"
	GestureDraw   GestureType = "draw"
)

// Cursor is a pointer position in scene coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the visible region of a participant's canvas.
type Viewport struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

// Gesture is the draft state of a manipulation that has not been committed
// to the node store yet. Peers render it as a ghost preview.
type Gesture struct {
	Type         GestureType `json:"type"`
	TargetNodeID NodeID      `json:"target_node_id"`
	X            float64     `json:"x"`
	Y            float64     `json:"y"`
	Width        float64     `json:"width,omitempty"`
	Height       float64     `json:"height,omitempty"`
	Rotation     float64     `json:"rotation,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// PresenceRecord is the ephemeral per-user state of one scene participant.
// It is owned exclusively by its user, never versioned, and removed outright
// on disconnect or liveness timeout rather than marked offline.
type PresenceRecord struct {
	UserID      ActorID   `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	Cursor      Cursor    `json:"cursor"`
	Selection   []NodeID  `json:"selection,omitempty"`
	Gesture     *Gesture  `json:"gesture,omitempty"`
	Viewport    Viewport  `json:"viewport"`
	LastSeen    time.Time `json:"last_seen"`
}

// Clone returns a deep copy safe to fan out to readers.
func (p *PresenceRecord) Clone() *PresenceRecord {
	c := *p
	if p.Selection != nil {
		c.Selection = make([]NodeID, len(p.Selection))
		copy(c.Selection, p.Selection)
	}
	if p.Gesture != nil {
		g := *p.Gesture
		c.Gesture = &g
	}
	return &c
}
