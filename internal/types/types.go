package types

import (
	"fmt"
	"time"
)

// Role classifies the RBAC scope granted to a service identity
type Role string

const (
	RoleView         Role = "view"
	RoleEdit         Role = "edit"
	RoleAdmin        Role = "admin"
	RoleClusterAdmin Role = "cluster-admin"
	RoleCustom       Role = "custom"
)

// ParseRole validates a role classification string
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleView, RoleEdit, RoleAdmin, RoleClusterAdmin, RoleCustom:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role classification %q", s)
	}
}

// ClusterRole returns the built-in cluster role a predefined classification maps to.
// Custom roles resolve through their reference instead.
func (r Role) ClusterRole(customRef string) string {
	if r == RoleCustom {
		return customRef
	}
	return string(r)
}

// ClusterStatus is the last observed reachability of a stored cluster
type ClusterStatus string

const (
	ClusterUnknown     ClusterStatus = "unknown"
	ClusterConnected   ClusterStatus = "connected"
	ClusterUnreachable ClusterStatus = "unreachable"
)

// Outcome is the result recorded for an audited action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// SessionKind distinguishes the two kinds of live handles
type SessionKind string

const (
	SessionShell   SessionKind = "shell"
	SessionCluster SessionKind = "cluster"
)

// SessionSummary is the operational view of a registered session
type SessionSummary struct {
	ID         string        `json:"session_id"`
	Kind       SessionKind   `json:"kind"`
	Label      string        `json:"host"`
	Connected  bool          `json:"connected"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
	Age        time.Duration `json:"-"`
	AgeSeconds int64         `json:"age_seconds"`
}

// TunnelMessage represents WebSocket tunnel messages
type TunnelMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ExecRequest represents a command execution request
type ExecRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Timeout string   `json:"timeout,omitempty"`
}

// ExecResponse represents command execution response
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// FileOperation represents file system operations
type FileOperation struct {
	Operation string `json:"operation"` // read, list
	Path      string `json:"path"`
}

// FileOperationResponse represents file operation response
type FileOperationResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}
