// Package undo keeps one rollback record per copilot task: a snapshot
// of every visible control value and every entity taken before the
// first command runs, plus a count of the host undo entries the task
// pushed. Restore replays those native entries, then reconciles any
// control drift the native replay missed, then removes entities the
// task created.
package undo

import (
	"mixpilot/internal/host"
)

// Record is a single-task rollback ledger. A new Snapshot overwrites the
// previous record; there is no history of copilot undos.
type Record struct {
	Description string

	values      map[host.ControlID]float64
	entities    map[host.EntityID]bool
	depthBefore int
	nativeCount int
	valid       bool
}

// Snapshot captures the session's current state as the rollback baseline.
// Hidden controls are excluded; they are host internals that restoring
// would corrupt.
func (r *Record) Snapshot(sess host.Session, description string) {
	r.Description = description
	r.values = make(map[host.ControlID]float64)
	for _, ctl := range sess.Controls() {
		if ctl.Hidden() {
			continue
		}
		r.values[ctl.ID()] = ctl.Value()
	}
	r.entities = make(map[host.EntityID]bool)
	for _, id := range sess.EntityIDs() {
		r.entities[id] = true
	}
	r.depthBefore = sess.UndoDepth()
	r.nativeCount = 0
	r.valid = true
}

// AfterExecution records how many undo entries the task pushed onto the
// host's native stack. Called after each successful command so the count
// tracks multi-step tasks.
func (r *Record) AfterExecution(sess host.Session) {
	if !r.valid {
		return
	}
	count := sess.UndoDepth() - r.depthBefore
	if count < 0 {
		count = 0
	}
	r.nativeCount = count
}

// Reconcile adjusts the native replay count after the host's undo stack
// changed outside the copilot (the user pressed undo themselves). Entries
// the user already undid must not be undone again by Restore.
func (r *Record) Reconcile(currentDepth int) {
	if !r.valid {
		return
	}
	remaining := currentDepth - r.depthBefore
	if remaining < 0 {
		remaining = 0
	}
	if remaining < r.nativeCount {
		r.nativeCount = remaining
	}
}

// NativeUndoCount reports how many native undo entries Restore would
// replay.
func (r *Record) NativeUndoCount() int {
	if !r.valid {
		return 0
	}
	return r.nativeCount
}

// Valid reports whether a restorable snapshot is held.
func (r *Record) Valid() bool {
	return r.valid
}

// Clear drops the record. Restore on a cleared record is a no-op.
func (r *Record) Clear() {
	r.valid = false
	r.values = nil
	r.entities = nil
	r.nativeCount = 0
	r.Description = ""
}

// Restore rolls the session back to the snapshot and clears the record.
// Order matters: native undo entries are replayed first so structural
// changes with their own undo data unwind through the host, then control
// values are forced back (without group propagation, so linked controls
// are not dragged along), then entities created after the snapshot are
// removed in one batch. Controls or entities that no longer exist are
// skipped. Running Restore twice is safe; the second call does nothing.
func (r *Record) Restore(sess host.Session) error {
	if !r.valid {
		return nil
	}
	defer r.Clear()

	if r.nativeCount > 0 {
		sess.Undo(r.nativeCount)
	}

	for id, saved := range r.values {
		ctl, ok := sess.ControlByID(id)
		if !ok {
			continue
		}
		if ctl.Value() != saved {
			ctl.SetValue(saved, host.NoPropagation)
		}
	}

	var created []host.EntityID
	for _, id := range sess.EntityIDs() {
		if !r.entities[id] {
			created = append(created, id)
		}
	}
	if len(created) > 0 {
		return sess.RemoveEntities(created)
	}
	return nil
}
