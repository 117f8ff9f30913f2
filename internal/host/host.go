// Package host defines the boundary contract between the copilot engine
// and the application it drives. The engine only ever sees these
// interfaces; the host's command runtime and data model stay opaque.
package host

import "go.starlark.net/starlark"

// ControlID is the stable identity of a mutable host value. IDs survive
// renames and reordering; snapshots and restores are keyed by them.
type ControlID string

// EntityID is the stable identity of a top-level addressable entity
// (a track or bus in the reference host).
type EntityID string

// Disposition selects how a value write propagates to linked controls.
type Disposition int

const (
	// NoPropagation writes only the addressed control. Rollback uses
	// this so restoring one value never fans out through host-side
	// control groups.
	NoPropagation Disposition = iota
	// UseGroup lets the host apply its own group linkage.
	UseGroup
)

// Control is one registered mutable value.
type Control interface {
	ID() ControlID
	Value() float64
	SetValue(v float64, disp Disposition)
	// Hidden reports whether the control is internal to the host and
	// must be excluded from snapshots.
	Hidden() bool
}

// Session is the live host the copilot drives. All methods are called from
// the engine's owning goroutine; implementations need not be safe for
// concurrent use.
type Session interface {
	// Controls enumerates every registered control, hidden ones included.
	Controls() []Control
	// ControlByID resolves a control by stable identity. A control may
	// have disappeared since it was enumerated.
	ControlByID(id ControlID) (Control, bool)

	// EntityIDs enumerates the currently existing top-level entities.
	EntityIDs() []EntityID
	// RemoveEntities removes the given entities as one batch.
	RemoveEntities(ids []EntityID) error

	// UndoDepth reports the current depth of the host's own linear
	// undo stack.
	UndoDepth() int
	// Undo pops and replays up to n undo entries, bounded by the
	// available depth. It returns the number actually undone.
	Undo(n int) int

	// BeginTransaction opens a reversible command that collects the
	// side effects of subsequent operations into one undo entry.
	BeginTransaction(name string)
	// CommitTransaction closes the open transaction, pushing it onto
	// the undo stack. No-op when none is open.
	CommitTransaction()
	// AbortTransaction discards the open transaction without pushing
	// an undo entry. No-op when none is open.
	AbortTransaction()
	// TransactionOpen reports whether a transaction is open.
	TransactionOpen() bool

	// Describe renders the current host state as text for the agent.
	// The format is opaque to the engine.
	Describe() string
	// Catalog renders the static capability documentation given to the
	// agent alongside every request.
	Catalog() string

	// Builtins returns the script namespace commands execute against.
	// print output from scripts does not flow through here; the
	// executor redirects it separately.
	Builtins() starlark.StringDict
}
