// Package server implements SawitDB's network front-end: a line-framed JSON
// protocol over TCP dispatched onto a worker pool that owns the database
// files. One database file is owned by at most one worker at a time; sticky
// routing by path enforces that without file locking.
package server

import (
	"errors"
	"regexp"
)

// ───────────────────────────────────────────────────────────────────────────
// Wire protocol
// ───────────────────────────────────────────────────────────────────────────
//
// Both directions carry newline-delimited UTF-8 JSON objects. A request is
// {type, payload?}; a response always carries a type field, and errors are
// {type:"error", error:message}.

// MaxLineBytes is the inbound buffer cap: a connection that sends more
// than this without a newline is closed.
const MaxLineBytes = 1 << 20

// Request is one inbound frame.
type Request struct {
	Type    string         `json:"type"`
	Payload RequestPayload `json:"payload,omitempty"`
}

// RequestPayload is the union of request parameters.
type RequestPayload struct {
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Database string         `json:"database,omitempty"`
	Query    string         `json:"query,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Response frames. Only the fields for the type in use are set.
type Response struct {
	Type          string   `json:"type"`
	Error         string   `json:"error,omitempty"`
	Message       string   `json:"message,omitempty"`
	Result        any      `json:"result,omitempty"`
	Query         string   `json:"query,omitempty"`
	ExecutionTime float64  `json:"executionTime,omitempty"` // milliseconds
	Databases     []string `json:"databases,omitempty"`
	Database      string   `json:"database,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
	Stats         any      `json:"stats,omitempty"`
	Version       string   `json:"version,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
}

// Protocol-level errors.
var (
	ErrAuthRequired = errors.New("Authentication required")
	ErrAuth         = errors.New("invalid credentials")
	ErrProtocol     = errors.New("protocol error")
	ErrTimeout      = errors.New("query timeout")
	ErrWorkerCrash  = errors.New("worker crashed")
	ErrNoDatabase   = errors.New("no database selected")
	ErrBadDBName    = errors.New("invalid database name")
)

// dbNameRe validates database names; anything else risks path traversal.
var dbNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidDBName reports whether a client-supplied database name is safe.
func ValidDBName(name string) bool {
	return name != "" && dbNameRe.MatchString(name)
}

func errorResponse(err error) Response {
	return Response{Type: "error", Error: err.Error()}
}
