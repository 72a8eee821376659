package models

import (
	"encoding/json"
	"time"
)

// ClientGroup is one logical replica identity. It owns the monotonically
// increasing cvr_version counter that pull cookies are minted from.
type ClientGroup struct {
	ID         string    `json:"id"`
	UserID     string    `json:"-"`
	CvrVersion int64     `json:"cvr_version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Client is one physical connection within a client group. LastMutationID is
// strictly increasing; pushes at or below it are replays.
type Client struct {
	ID             string    `json:"id"`
	ClientGroupID  string    `json:"-"`
	LastMutationID int64     `json:"last_mutation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Entry is one row of the flat replicated key/value space. Version bumps on
// every write and drives the CVR diff.
type Entry struct {
	UserID  string `json:"-"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// CVR is a persisted client view record: the row versions a replica was last
// sent, keyed by entry key.
type CVR struct {
	ID            string
	ClientGroupID string
	Entries       map[string]int64
	CreatedAt     time.Time
}

// Cookie is the opaque pull token. Order mirrors the group's cvr_version at
// mint time; CvrID names the persisted view the order belongs to, so a cookie
// from a superseded or unknown CVR is detectable.
type Cookie struct {
	Order int64  `json:"order"`
	CvrID string `json:"cvrID"`
}

// PullRequest is the body of POST /pull. A nil Cookie means first sync.
type PullRequest struct {
	ClientGroupID string  `json:"clientGroupId" binding:"required"`
	Cookie        *Cookie `json:"cookie"`
}

// PatchOp is one put or del in a pull patch.
type PatchOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	OpPut = "put"
	OpDel = "del"
)

// PullResponse is the body of a successful pull.
type PullResponse struct {
	LastMutationIDs map[string]int64 `json:"lastMutationIds"`
	Patch           []PatchOp        `json:"patch"`
	Cookie          Cookie           `json:"cookie"`
}

// Mutation is one client-originated mutation within a push batch. ID is not
// validated at the binding layer: an id at or below the client's
// last-mutation-id, zero included, is an already-applied no-op.
type Mutation struct {
	ClientID string          `json:"clientId" binding:"required"`
	ID       int64           `json:"id"`
	Name     string          `json:"name" binding:"required"`
	Args     json.RawMessage `json:"args"`
}

// PushRequest is the body of POST /push. Mutations apply in array order.
type PushRequest struct {
	ClientGroupID string     `json:"clientGroupId" binding:"required"`
	Mutations     []Mutation `json:"mutations" binding:"required"`
}
