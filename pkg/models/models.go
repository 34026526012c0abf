package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EdgeType represents the kind of directed relationship between two users.
type EdgeType string

// Edge type constants. The set is closed.
const (
	EdgeFollow EdgeType = "follow"
	EdgeMute   EdgeType = "mute"
	EdgeBlock  EdgeType = "block"
)

// EdgeTypes lists every supported edge type in a stable order.
var EdgeTypes = []EdgeType{EdgeFollow, EdgeMute, EdgeBlock}

// Valid reports whether t is one of the supported edge types.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeFollow, EdgeMute, EdgeBlock:
		return true
	}
	return false
}

// RelLabel returns the relationship type used in the graph store.
func (t EdgeType) RelLabel() string {
	switch t {
	case EdgeFollow:
		return "FOLLOWS"
	case EdgeMute:
		return "MUTES"
	case EdgeBlock:
		return "BLOCKS"
	}
	return ""
}

// ParseEdgeType parses a case-insensitive edge type name.
func ParseEdgeType(s string) (EdgeType, error) {
	t := EdgeType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown edge type %q (use: follow, mute, block)", s)
	}
	return t, nil
}

// Edge is a directed relationship from one user to another.
type Edge struct {
	FromID    string    `json:"from_user_id"`
	ToID      string    `json:"to_user_id"`
	Type      EdgeType  `json:"edge_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the identifying triple of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{FromID: e.FromID, ToID: e.ToID, Type: e.Type}
}

// EdgeKey uniquely identifies an edge.
type EdgeKey struct {
	FromID string   `json:"from_user_id"`
	ToID   string   `json:"to_user_id"`
	Type   EdgeType `json:"edge_type"`
}

func (k EdgeKey) String() string {
	return strings.Join([]string{k.FromID, string(k.Type), k.ToID}, "->")
}

// EdgePage is one page of a neighbor listing.
type EdgePage struct {
	UserIDs    []string `json:"user_ids"`
	TotalCount int      `json:"total_count"`
	HasMore    bool     `json:"has_more"`
}

// GraphStats holds per-user edge counts. It is computed on demand and is
// not transactionally consistent with concurrent writes.
type GraphStats struct {
	UserID         string `json:"user_id"`
	FollowersCount int    `json:"followers_count"`
	FollowingCount int    `json:"following_count"`
	MutedCount     int    `json:"muted_count"`
	BlockedCount   int    `json:"blocked_count"`
}

// ParseUserID parses an opaque user identifier into its canonical form.
func ParseUserID(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", s, err)
	}
	return id.String(), nil
}

// MicrosToTime converts a stored Unix microsecond timestamp to UTC time.
func MicrosToTime(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
