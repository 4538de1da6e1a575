// Package node is the public surface over node rows: creation under an
// optional parent, lookup, reparenting, and recursive removal.
package node

import (
	"context"
	"time"

	"github.com/cameron/datahog/estate"
	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/row"
)

// Create makes a new node under ctx. A nil parent creates a root node
// on an admin-chosen shard; otherwise the node lands on its parent's
// shard with a child edge at index. Returns the new node's id.
func Create(ctx context.Context, p pool.Pool, reg *registry.Registry, parent *uint64, ctxID int, index int, timeout *time.Duration) (uint64, error) {
	return plans.CreateNode(ctx, p, reg, parent, ctxID, index, timeout)
}

// Get returns id's node row, or nil if no live row exists.
func Get(ctx context.Context, p pool.Pool, id uint64, timeout *time.Duration) (*row.Node, error) {
	return plans.GetNode(ctx, p, id, timeout)
}

// List returns parent's child edges for ctx in list order.
func List(ctx context.Context, p pool.Pool, parent uint64, ctxID int, timeout *time.Duration) ([]row.Edge, error) {
	return plans.ListEdges(ctx, p, parent, ctxID, timeout)
}

// Move reparents id from base to newBase, inserting the new edge at
// index. Returns false if the old edge wasn't there or the new parent
// already has the child.
func Move(ctx context.Context, p pool.Pool, id uint64, ctxID int, base, newBase uint64, index int, timeout *time.Duration) (bool, error) {
	return plans.MoveNode(ctx, p, id, ctxID, base, newBase, index, timeout)
}

// Remove removes id and its entire estate: every descendant node, their
// properties, aliases, names, relationships, and all the dependent
// lookup rows on whatever shards they live on. base names the parent
// whose edge anchors id; returns false if that edge doesn't exist.
func Remove(ctx context.Context, p pool.Pool, reg *registry.Registry, id uint64, ctxID int, base uint64, timeout *time.Duration) (bool, error) {
	return estate.RemoveNode(ctx, p, reg, id, ctxID, base, timeout)
}
