package engine

import (
	"errors"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Transaction buffer
// ───────────────────────────────────────────────────────────────────────────
//
// BEGIN starts a per-session buffer; INSERT/UPDATE/DELETE commands queue in
// order instead of applying. COMMIT replays them against the live executors
// and stops at the first failure (which rolls the rest back by discarding
// the buffer); ROLLBACK discards. While a transaction is active, SELECTs
// read the committed state only — buffered changes are invisible even to
// their own session.

// Transaction-control errors.
var (
	ErrTxActive    = errors.New("transaction already active")
	ErrTxNotActive = errors.New("no active transaction")
)

// TxBuffer is the ordered list of buffered mutations for one session.
type TxBuffer struct {
	ops    []*Command
	active bool
}

// NewTxBuffer returns an inactive buffer.
func NewTxBuffer() *TxBuffer { return &TxBuffer{} }

// IsActive reports whether a transaction is open.
func (tx *TxBuffer) IsActive() bool { return tx.active }

// Begin opens a transaction. BEGIN inside an active transaction is an error.
func (tx *TxBuffer) Begin() error {
	if tx.active {
		return ErrTxActive
	}
	tx.active = true
	tx.ops = tx.ops[:0]
	return nil
}

// Buffer queues a mutating command.
func (tx *TxBuffer) Buffer(cmd *Command) error {
	if !tx.active {
		return ErrTxNotActive
	}
	tx.ops = append(tx.ops, cmd)
	return nil
}

// Rollback discards the buffer.
func (tx *TxBuffer) Rollback() error {
	if !tx.active {
		return ErrTxNotActive
	}
	tx.active = false
	tx.ops = tx.ops[:0]
	return nil
}

// Commit replays the buffered commands in order through apply. The first
// failure aborts the replay and discards the remainder, mirroring a
// rollback of the unapplied tail.
func (tx *TxBuffer) Commit(apply func(*Command) error) error {
	if !tx.active {
		return ErrTxNotActive
	}
	ops := tx.ops
	tx.active = false
	tx.ops = nil
	for i, op := range ops {
		if err := apply(op); err != nil {
			return fmt.Errorf("commit aborted at operation %d: %w", i+1, err)
		}
	}
	return nil
}

// Len returns the number of buffered operations.
func (tx *TxBuffer) Len() int { return len(tx.ops) }
