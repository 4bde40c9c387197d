// Package tags resolves distribution expressions to concrete membership.
//
// A distribution expression is a formula over user and tag identifiers
// ("<u1> + @eng - @contractors"). The directory service resolves batches
// of expressions remotely; this package fronts it with a TTL cache, a
// coalescing batch executor and a rate limiter so concurrent callers
// across the core collapse into single remote round trips.
package tags

import (
	"context"
	"errors"
)

var (
	// ErrEmptyExpression reports a blank or missing expression. This is
	// a programmer error and never reaches the network.
	ErrEmptyExpression = errors.New("tags: empty distribution expression")
	// ErrOffline reports that the resolver is offline and no cached
	// value, even stale, was available.
	ErrOffline = errors.New("tags: resolver offline")
)

// WarningKind classifies structured resolution warnings.
type WarningKind string

const (
	// WarnDeadTag marks a referenced tag that no longer resolves to
	// anyone.
	WarnDeadTag WarningKind = "deadTag"
	// WarnEmpty marks an expression that resolved to zero members.
	WarnEmpty WarningKind = "empty"
)

// Warning is a structured diagnostic produced during resolution.
type Warning struct {
	Kind WarningKind `json:"kind"`
	Tag  string      `json:"tag,omitempty"`
	Text string      `json:"text"`
}

// Distribution is the resolved form of an expression.
type Distribution struct {
	// Universal is the canonical normalized expression.
	Universal string `json:"universal"`
	// Pretty is a human-readable rendering.
	Pretty string `json:"pretty"`
	// UserIDs is the flattened member list.
	UserIDs        []string  `json:"userids"`
	IncludedTagIDs []string  `json:"includedTagids,omitempty"`
	ExcludedTagIDs []string  `json:"excludedTagids,omitempty"`
	MonitorIDs     []string  `json:"monitorids,omitempty"`
	Warnings       []Warning `json:"warnings,omitempty"`

	// Stale marks a value served past its TTL because the resolver was
	// offline.
	Stale bool `json:"-"`
}

// HasUser reports membership of id in the flattened user list.
func (d *Distribution) HasUser(id string) bool {
	for _, u := range d.UserIDs {
		if u == id {
			return true
		}
	}
	return false
}

// User is a directory user record.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// Tag is a directory tag record.
type Tag struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// DirectoryClient is the remote directory/identity service. Batch
// resolution is a network call with no caching of its own.
type DirectoryClient interface {
	ResolveTagsBatch(ctx context.Context, expressions []string) ([]*Distribution, error)
	UserLookup(ctx context.Context, userID string) (*User, error)
	TagLookup(ctx context.Context, tagID string) (*Tag, error)
}

// ResolveOptions modifies a ResolveBatch call.
type ResolveOptions struct {
	// Refresh bypasses the cache for every requested expression.
	Refresh bool
}
