// Package models defines the data model of the scene graph core: versioned
// [Node] records partitioned by page, the tagged-union [Geometry] variants
// carried per node type, and the ephemeral [PresenceRecord] state broadcast
// between participants.
//
// The two halves obey very different rules. Nodes are durable and guarded by
// optimistic concurrency: every committed write increments Version, and the
// store rejects writes made against a stale version. Presence records are
// never versioned; each one is owned by a single user, overwritten in place
// at high frequency, and deleted entirely when its user disconnects.
//
// IDs are typed wrappers around UUIDs so a NodeID can never be passed where
// a PageID is expected. Parent references are IDs rather than pointers,
// which keeps the tree an arena that can be checked for cycles by walking
// the ID chain before a reparent commits.
package models
