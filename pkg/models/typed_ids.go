package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// NodeID is a typed ID for scene nodes
type NodeID struct {
	uuid uuid.UUID
}

func NewNodeID() NodeID {
	return NodeID{uuid: uuid.New()}
}

func NewNodeIDFromUUID(id uuid.UUID) NodeID {
	return NodeID{uuid: id}
}

func ParseNodeID(s string) (NodeID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node ID: %w", err)
	}
	return NodeID{uuid: id}, nil
}

func (n NodeID) UUID() uuid.UUID { return n.uuid }
func (n NodeID) String() string  { return n.uuid.String() }
func (n NodeID) IsZero() bool    { return n.uuid == uuid.Nil }

func (n NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.uuid.String())
}

func (n *NodeID) UnmarshalJSON(data []byte) error {
	return unmarshalJSONID(&n.uuid, data)
}

func (n NodeID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(n.uuid.String())
}

func (n *NodeID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORID(&n.uuid, data)
}

func (n NodeID) Value() (driver.Value, error) {
	if n.IsZero() {
		return nil, nil
	}
	return n.uuid.String(), nil
}

func (n *NodeID) Scan(value any) error {
	return scanUUID(&n.uuid, value)
}

// PageID is a typed ID for pages, the partitioning key of the node store
type PageID struct {
	uuid uuid.UUID
}

func NewPageID() PageID {
	return PageID{uuid: uuid.New()}
}

func ParsePageID(s string) (PageID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PageID{}, fmt.Errorf("invalid page ID: %w", err)
	}
	return PageID{uuid: id}, nil
}

func (p PageID) UUID() uuid.UUID { return p.uuid }
func (p PageID) String() string  { return p.uuid.String() }
func (p PageID) IsZero() bool    { return p.uuid == uuid.Nil }

func (p PageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.uuid.String())
}

func (p *PageID) UnmarshalJSON(data []byte) error {
	return unmarshalJSONID(&p.uuid, data)
}

func (p PageID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(p.uuid.String())
}

func (p *PageID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORID(&p.uuid, data)
}

func (p PageID) Value() (driver.Value, error) {
	if p.IsZero() {
		return nil, nil
	}
	return p.uuid.String(), nil
}

func (p *PageID) Scan(value any) error {
	return scanUUID(&p.uuid, value)
}

// SceneID is a typed ID for scenes, the partitioning key of presence
type SceneID struct {
	uuid uuid.UUID
}

func NewSceneID() SceneID {
	return SceneID{uuid: uuid.New()}
}

func ParseSceneID(s string) (SceneID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SceneID{}, fmt.Errorf("invalid scene ID: %w", err)
	}
	return SceneID{uuid: id}, nil
}

func (s SceneID) UUID() uuid.UUID { return s.uuid }
func (s SceneID) String() string  { return s.uuid.String() }
func (s SceneID) IsZero() bool    { return s.uuid == uuid.Nil }

func (s SceneID) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.uuid.String())
}

func (s *SceneID) UnmarshalJSON(data []byte) error {
	return unmarshalJSONID(&s.uuid, data)
}

func (s SceneID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(s.uuid.String())
}

func (s *SceneID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORID(&s.uuid, data)
}

// ActorID identifies the author of a mutation. It is supplied by the
// identity layer; the core attributes writes to it but never authenticates.
type ActorID struct {
	uuid uuid.UUID
}

func NewActorID() ActorID {
	return ActorID{uuid: uuid.New()}
}

func ParseActorID(s string) (ActorID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ActorID{}, fmt.Errorf("invalid actor ID: %w", err)
	}
	return ActorID{uuid: id}, nil
}

func (a ActorID) UUID() uuid.UUID { return a.uuid }
func (a ActorID) String() string  { return a.uuid.String() }
func (a ActorID) IsZero() bool    { return a.uuid == uuid.Nil }

func (a ActorID) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.uuid.String())
}

func (a *ActorID) UnmarshalJSON(data []byte) error {
	return unmarshalJSONID(&a.uuid, data)
}

func (a ActorID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(a.uuid.String())
}

func (a *ActorID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORID(&a.uuid, data)
}

func (a ActorID) Value() (driver.Value, error) {
	if a.IsZero() {
		return nil, nil
	}
	return a.uuid.String(), nil
}

func (a *ActorID) Scan(value any) error {
	return scanUUID(&a.uuid, value)
}

func unmarshalJSONID(dst *uuid.UUID, data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}

func unmarshalCBORID(dst *uuid.UUID, data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}

func scanUUID(dst *uuid.UUID, value any) error {
	if value == nil {
		*dst = uuid.Nil
		return nil
	}
	switch v := value.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*dst = id
	case []byte:
		id, err := uuid.Parse(string(v))
		if err != nil {
			return err
		}
		*dst = id
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}
