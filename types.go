package parquedb

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the kinds of entries appended to a collection's event
// log (§3 "Event", §4.6).
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is a single entry in a collection's WAL: an append-only, ordered
// record of a mutation applied to an entity.
type Event struct {
	Collection string         `json:"collection"`
	EntityID   string         `json:"entity_id"`
	Type       EventType      `json:"type"`
	Seq        uint64         `json:"seq"`
	Data       map[string]any `json:"data,omitempty"`    // full document for create
	Update     map[string]any `json:"update,omitempty"`  // update-operator document for update
	Timestamp  time.Time      `json:"timestamp"`
	CommitID   string         `json:"commit_id,omitempty"`
}

// Entity is the materialized view of a document after replaying its events,
// as returned by the Query Engine.
type Entity struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
	Version    uint64         `json:"version"` // last applied event seq
	UpdatedAt  time.Time      `json:"updated_at"`
	Deleted    bool           `json:"deleted"`
}

// NewEntityID mints a fresh entity identifier.
func NewEntityID() string {
	return uuid.New().String()
}

// Ref is a named pointer into the commit DAG: a branch, tag, or the symbolic
// HEAD (§4.9).
type Ref struct {
	Name      string `json:"name"`
	CommitID  string `json:"commit_id,omitempty"`
	Symbolic  string `json:"symbolic,omitempty"` // e.g. "refs/heads/main" for HEAD
}

// SubscriptionFilter narrows which events a subscription receives.
type SubscriptionFilter struct {
	Collections []string         `json:"collections,omitempty"`
	Ops         []EventType      `json:"ops,omitempty"`
	Match       map[string]any `json:"match,omitempty"` // simple equality predicate on Data/Update
}

// Subscription represents a registered interest in a stream of events,
// dispatched by the Subscription Manager (§4.12).
type Subscription struct {
	ID           string              `json:"id"`
	ConnectionID string              `json:"connection_id"`
	Filter       SubscriptionFilter  `json:"filter"`
	LastSeq      uint64              `json:"last_seq"`
	CreatedAt    time.Time           `json:"created_at"`
}

// NewSubscriptionID mints a fresh subscription identifier.
func NewSubscriptionID() string {
	return uuid.New().String()
}

// NewConnectionID mints a fresh connection identifier.
func NewConnectionID() string {
	return uuid.New().String()
}
