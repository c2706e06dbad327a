package server

import (
	"github.com/google/uuid"

	"github.com/sawitdb/sawitdb/internal/engine"
)

// Session is the only mutable per-connection state: whether the client
// authenticated, which database file is current, and the transaction
// buffer. Statements for one session always route to the worker owning its
// current database, so the buffer needs no locking.
type Session struct {
	ID            string
	Authenticated bool
	Database      string // absolute path of the current database file
	Tx            *engine.TxBuffer
}

// NewSession returns a fresh unauthenticated session.
func NewSession() *Session {
	return &Session{ID: uuid.NewString(), Tx: engine.NewTxBuffer()}
}
