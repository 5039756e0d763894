package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// NodeType represents the kind of a scene node
type NodeType string

const (
	NodeTypeFrame     NodeType = "frame"
	NodeTypeGroup     NodeType = "group"
	NodeTypeRectangle NodeType = "rectangle"
	NodeTypeEllipse   NodeType = "ellipse"
	NodeTypeLine      NodeType = "line"
	NodeTypeText      NodeType = "text"
)

// Geometry is the type-specific shape data of a node, modeled as a tagged
// union: each node type carries exactly the fields it needs instead of one
// struct with many optional fields.
type Geometry interface {
	NodeType() NodeType
}

// RectangleGeometry describes rectangles and frames with explicit bounds.
type RectangleGeometry struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (RectangleGeometry) NodeType() NodeType { return NodeTypeRectangle }

// EllipseGeometry describes an ellipse by its radii.
type EllipseGeometry struct {
	RadiusX float64 `json:"radius_x"`
	RadiusY float64 `json:"radius_y"`
}

func (EllipseGeometry) NodeType() NodeType { return NodeTypeEllipse }

// LineGeometry describes a segment by its endpoints, parent-relative.
type LineGeometry struct {
	StartX float64 `json:"start_x"`
	StartY float64 `json:"start_y"`
	EndX   float64 `json:"end_x"`
	EndY   float64 `json:"end_y"`
}

func (LineGeometry) NodeType() NodeType { return NodeTypeLine }

// TextGeometry describes a text run.
type TextGeometry struct {
	Content  string  `json:"content"`
	FontSize float64 `json:"font_size"`
}

func (TextGeometry) NodeType() NodeType { return NodeTypeText }

// FrameGeometry is a container with explicit bounds that clips children.
type FrameGeometry struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (FrameGeometry) NodeType() NodeType { return NodeTypeFrame }

// GroupGeometry is an empty marker: a group's extent is the union of its
// children and carries no intrinsic shape data.
type GroupGeometry struct{}

func (GroupGeometry) NodeType() NodeType { return NodeTypeGroup }

// GeometryEnvelope wraps a Geometry with its discriminator for the wire and
// for persistence.
type GeometryEnvelope struct {
	Geometry Geometry
}

type geometryEnvelopeWire struct {
	Kind NodeType        `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e GeometryEnvelope) MarshalJSON() ([]byte, error) {
	if e.Geometry == nil {
		return json.Marshal(geometryEnvelopeWire{Kind: NodeTypeGroup})
	}
	data, err := json.Marshal(e.Geometry)
	if err != nil {
		return nil, err
	}
	return json.Marshal(geometryEnvelopeWire{Kind: e.Geometry.NodeType(), Data: data})
}

func (e *GeometryEnvelope) UnmarshalJSON(data []byte) error {
	var wire geometryEnvelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	geom, err := NewGeometry(wire.Kind)
	if err != nil {
		return err
	}
	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, geom); err != nil {
			return err
		}
	}
	e.Geometry = deref(geom)
	return nil
}

type geometryEnvelopeCBORWire struct {
	Kind NodeType        `cbor:"kind"`
	Data cbor.RawMessage `cbor:"data,omitempty"`
}

func (e GeometryEnvelope) MarshalCBOR() ([]byte, error) {
	if e.Geometry == nil {
		return cbor.Marshal(geometryEnvelopeCBORWire{Kind: NodeTypeGroup})
	}
	data, err := cbor.Marshal(e.Geometry)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(geometryEnvelopeCBORWire{Kind: e.Geometry.NodeType(), Data: data})
}

func (e *GeometryEnvelope) UnmarshalCBOR(data []byte) error {
	var wire geometryEnvelopeCBORWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return err
	}
	geom, err := NewGeometry(wire.Kind)
	if err != nil {
		return err
	}
	if len(wire.Data) > 0 {
		if err := cbor.Unmarshal(wire.Data, geom); err != nil {
			return err
		}
	}
	e.Geometry = deref(geom)
	return nil
}

// NewGeometry returns a zero-valued geometry pointer for the given node type.
func NewGeometry(t NodeType) (Geometry, error) {
	switch t {
	case NodeTypeFrame:
		return &FrameGeometry{}, nil
	case NodeTypeGroup:
		return &GroupGeometry{}, nil
	case NodeTypeRectangle:
		return &RectangleGeometry{}, nil
	case NodeTypeEllipse:
		return &EllipseGeometry{}, nil
	case NodeTypeLine:
		return &LineGeometry{}, nil
	case NodeTypeText:
		return &TextGeometry{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
}

func deref(g Geometry) Geometry {
	switch v := g.(type) {
	case *FrameGeometry:
		return *v
	case *GroupGeometry:
		return *v
	case *RectangleGeometry:
		return *v
	case *EllipseGeometry:
		return *v
	case *LineGeometry:
		return *v
	case *TextGeometry:
		return *v
	default:
		return g
	}
}

// Style is the paint applied to a node. Unset fields inherit defaults at
// render time; the core only stores them.
type Style struct {
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
}

// Node is a versioned element of the scene graph. Local transform fields
// (X, Y, Rotation) are always relative to the parent, never world space.
// ParentID is an ID reference, not a pointer: the store keeps nodes in an
// arena keyed by ID so the parent chain can be validated for cycles by
// walking IDs before any write.
type Node struct {
	ID       NodeID   `json:"id"`
	PageID   PageID   `json:"page_id"`
	ParentID *NodeID  `json:"parent_id,omitempty"` // nil for page roots
	Type     NodeType `json:"type"`

	// OrderKey sorts the node among siblings of the same parent. Unique
	// within (PageID, ParentID).
	OrderKey float64 `json:"order_key"`

	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	Opacity  float64 `json:"opacity"`

	Geometry GeometryEnvelope `json:"geometry"`
	Style    Style            `json:"style"`

	Visible bool `json:"visible"`
	Locked  bool `json:"locked"`

	// Version increases by exactly one on every committed write. Optimistic
	// concurrency compares it before applying a patch.
	Version int64 `json:"version"`

	CreatedBy ActorID   `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedBy ActorID   `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of the store. Geometry values
// are stored by value inside the envelope, so a shallow copy of everything
// but ParentID suffices.
func (n *Node) Clone() *Node {
	c := *n
	if n.ParentID != nil {
		pid := *n.ParentID
		c.ParentID = &pid
	}
	return &c
}

// IsContainer reports whether the node may hold children.
func (n *Node) IsContainer() bool {
	return n.Type == NodeTypeFrame || n.Type == NodeTypeGroup
}
