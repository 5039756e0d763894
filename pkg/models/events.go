package models

// ChangeKind discriminates node change events on the document channel.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// ChangeEvent is one committed mutation fanned out to subscribers of a page.
// Node is a snapshot at the committed version; for removals it is the last
// state before deletion.
type ChangeEvent struct {
	Kind   ChangeKind `json:"kind"`
	PageID PageID     `json:"page_id"`
	Node   *Node      `json:"node"`
}
