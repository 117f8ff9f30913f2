// Package mixer is an in-memory mixing console implementing host.Session.
// It is the reference host: real applications embed the engine against
// their own session, but the CLI and the engine tests drive this one.
package mixer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"mixpilot/internal/host"
)

// Track kinds accepted by add_track.
const (
	KindAudio = "audio"
	KindMIDI  = "midi"
	KindBus   = "bus"
)

type track struct {
	id         host.EntityID
	name       string
	kind       string
	gainDB     float64
	pan        float64 // -1 full left .. +1 full right
	muted      bool
	processors []string
}

type undoEntry struct {
	name     string
	inverses []func()
}

type transaction struct {
	name     string
	inverses []func()
}

// Mixer is the in-memory session. Not safe for concurrent use; the
// engine drives it from one goroutine.
type Mixer struct {
	tracks []*track
	nextID int
	stack  []undoEntry
	txn    *transaction

	// monitorLevel backs the hidden monitor control. It is host
	// plumbing, not session state, so snapshots must skip it.
	monitorLevel float64

	// OnHistoryChange fires after every change to the undo stack depth,
	// committed transactions and replayed undos alike.
	OnHistoryChange func(depth int)
}

// New returns an empty mixer.
func New() *Mixer {
	return &Mixer{nextID: 1, monitorLevel: 0.0}
}

// NewDemo returns a mixer pre-populated with a small session, for the
// CLI's demo mode.
func NewDemo() *Mixer {
	m := New()
	for _, t := range []struct {
		name, kind string
		gain, pan  float64
	}{
		{"Drums", KindAudio, -2.0, 0},
		{"Bass", KindAudio, -1.5, 0},
		{"Keys", KindMIDI, -4.0, -0.3},
		{"Vox", KindAudio, 0.0, 0},
		{"Mix Bus", KindBus, 0.0, 0},
	} {
		tr := m.addTrack(t.name, t.kind)
		tr.gainDB = t.gain
		tr.pan = t.pan
	}
	// The demo session starts with a clean history.
	m.stack = nil
	return m
}

func (m *Mixer) addTrack(name, kind string) *track {
	tr := &track{
		id:   host.EntityID(fmt.Sprintf("t%d", m.nextID)),
		name: name,
		kind: kind,
	}
	m.nextID++
	m.tracks = append(m.tracks, tr)

	id := tr.id
	m.recordInverse("add track "+name, func() {
		m.deleteByID(id)
	})
	return tr
}

func (m *Mixer) deleteByID(id host.EntityID) (*track, int) {
	for i, tr := range m.tracks {
		if tr.id == id {
			m.tracks = append(m.tracks[:i], m.tracks[i+1:]...)
			return tr, i
		}
	}
	return nil, -1
}

func (m *Mixer) trackByName(name string) *track {
	for _, tr := range m.tracks {
		if strings.EqualFold(tr.name, name) {
			return tr
		}
	}
	return nil
}

func (m *Mixer) removeTrack(tr *track) {
	removed, idx := m.deleteByID(tr.id)
	if removed == nil {
		return
	}
	m.recordInverse("remove track "+removed.name, func() {
		if idx > len(m.tracks) {
			idx = len(m.tracks)
		}
		m.tracks = append(m.tracks[:idx], append([]*track{removed}, m.tracks[idx:]...)...)
	})
}

func (m *Mixer) renameTrack(tr *track, newName string) {
	old := tr.name
	tr.name = newName
	m.recordInverse(fmt.Sprintf("rename %s to %s", old, newName), func() {
		tr.name = old
	})
}

func (m *Mixer) addProcessor(tr *track, proc string) {
	tr.processors = append(tr.processors, proc)
	m.recordInverse("add "+proc+" to "+tr.name, func() {
		for i := len(tr.processors) - 1; i >= 0; i-- {
			if tr.processors[i] == proc {
				tr.processors = append(tr.processors[:i], tr.processors[i+1:]...)
				return
			}
		}
	})
}

func (m *Mixer) removeProcessor(tr *track, proc string) bool {
	for i, p := range tr.processors {
		if strings.EqualFold(p, proc) {
			removed := tr.processors[i]
			idx := i
			tr.processors = append(tr.processors[:i], tr.processors[i+1:]...)
			m.recordInverse("remove "+removed+" from "+tr.name, func() {
				if idx > len(tr.processors) {
					idx = len(tr.processors)
				}
				tr.processors = append(tr.processors[:idx], append([]string{removed}, tr.processors[idx:]...)...)
			})
			return true
		}
	}
	return false
}

// recordInverse attaches the inverse of a structural change to the open
// transaction, or pushes it as a standalone undo entry when none is
// open. Control value changes never come through here; rollback covers
// them via snapshots.
func (m *Mixer) recordInverse(name string, inverse func()) {
	if m.txn != nil {
		m.txn.inverses = append(m.txn.inverses, inverse)
		return
	}
	m.stack = append(m.stack, undoEntry{name: name, inverses: []func(){inverse}})
	m.historyChanged()
}

func (m *Mixer) historyChanged() {
	if m.OnHistoryChange != nil {
		m.OnHistoryChange(len(m.stack))
	}
}

// --- host.Session ---

func (m *Mixer) Controls() []host.Control {
	var out []host.Control
	for _, tr := range m.tracks {
		out = append(out,
			&gainControl{tr: tr},
			&panControl{tr: tr},
			&muteControl{tr: tr},
		)
	}
	out = append(out, &monitorControl{m: m})
	return out
}

func (m *Mixer) ControlByID(id host.ControlID) (host.Control, bool) {
	for _, ctl := range m.Controls() {
		if ctl.ID() == id {
			return ctl, true
		}
	}
	return nil, false
}

func (m *Mixer) EntityIDs() []host.EntityID {
	out := make([]host.EntityID, len(m.tracks))
	for i, tr := range m.tracks {
		out[i] = tr.id
	}
	return out
}

// RemoveEntities is the rollback path: removals are silent and push no
// undo entries.
func (m *Mixer) RemoveEntities(ids []host.EntityID) error {
	for _, id := range ids {
		m.deleteByID(id)
	}
	return nil
}

func (m *Mixer) UndoDepth() int { return len(m.stack) }

func (m *Mixer) Undo(n int) int {
	if n > len(m.stack) {
		n = len(m.stack)
	}
	for i := 0; i < n; i++ {
		entry := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]
		for j := len(entry.inverses) - 1; j >= 0; j-- {
			entry.inverses[j]()
		}
	}
	if n > 0 {
		m.historyChanged()
	}
	return n
}

func (m *Mixer) BeginTransaction(name string) {
	if m.txn != nil {
		m.AbortTransaction()
	}
	m.txn = &transaction{name: name}
}

func (m *Mixer) CommitTransaction() {
	if m.txn == nil {
		return
	}
	txn := m.txn
	m.txn = nil
	if len(txn.inverses) == 0 {
		return
	}
	m.stack = append(m.stack, undoEntry{name: txn.name, inverses: txn.inverses})
	m.historyChanged()
}

func (m *Mixer) AbortTransaction() {
	m.txn = nil
}

func (m *Mixer) TransactionOpen() bool { return m.txn != nil }

// Describe renders the session in the one-track-per-line format given to
// the model with every request.
func (m *Mixer) Describe() string {
	if len(m.tracks) == 0 {
		return "(empty session)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tracks (%d):\n", len(m.tracks))
	for i, tr := range m.tracks {
		fmt.Fprintf(&b, "%d. %s (%s) | %.1f dB | Pan: %s", i+1, tr.name, tr.kind, tr.gainDB, formatPan(tr.pan))
		if tr.muted {
			b.WriteString(" | Muted")
		}
		if len(tr.processors) > 0 {
			b.WriteString(" | FX: " + strings.Join(tr.processors, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPan(pan float64) string {
	switch {
	case math.Abs(pan) < 0.005:
		return "C"
	case pan < 0:
		return fmt.Sprintf("L%d", int(math.Round(-pan*100)))
	default:
		return fmt.Sprintf("R%d", int(math.Round(pan*100)))
	}
}

// Catalog documents the command surface. The text is handed to the model
// verbatim, so it stays terse and example-driven.
func (m *Mixer) Catalog() string {
	kinds := []string{KindAudio, KindMIDI, KindBus}
	sort.Strings(kinds)
	return `Available commands (Starlark):
  tracks() -> list of track names
  track_info(name) -> dict with name, kind, gain_db, pan, muted, processors
  add_track(name, kind="audio") -> creates a track (kinds: ` + strings.Join(kinds, ", ") + `)
  remove_track(name)
  rename_track(old, new)
  set_gain(name, db)        # gain in dB, e.g. -3.0
  set_pan(name, pan)        # -1.0 full left .. 1.0 full right, 0 center
  set_mute(name, muted)     # True or False
  get_gain(name) -> float
  get_pan(name) -> float
  get_mute(name) -> bool
  add_processor(name, processor)
  remove_processor(name, processor)
  begin_undo(description)   # open one undo entry for the changes below
  commit_undo()             # close it
Track names are matched case-insensitively.`
}
