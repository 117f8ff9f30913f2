package mixer

import (
	"strings"
	"testing"

	"mixpilot/internal/executor"
	"mixpilot/internal/host"
)

func TestDescribeFormat(t *testing.T) {
	m := NewDemo()
	m.trackByName("Vox").muted = true
	m.trackByName("Drums").processors = []string{"Compressor"}

	got := m.Describe()
	for _, want := range []string{
		"Tracks (5):",
		"1. Drums (audio) | -2.0 dB | Pan: C | FX: Compressor",
		"3. Keys (midi) | -4.0 dB | Pan: L30",
		"4. Vox (audio) | 0.0 dB | Pan: C | Muted",
		"5. Mix Bus (bus)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Describe missing %q:\n%s", want, got)
		}
	}
}

func TestDescribeEmpty(t *testing.T) {
	if got := New().Describe(); got != "(empty session)" {
		t.Fatalf("Describe = %q", got)
	}
}

func TestControlIDsSurviveRename(t *testing.T) {
	m := NewDemo()
	tr := m.trackByName("Bass")
	id := host.ControlID(string(tr.id) + "/gain")

	ctl, ok := m.ControlByID(id)
	if !ok {
		t.Fatal("gain control not found")
	}
	m.renameTrack(tr, "Low End")

	again, ok := m.ControlByID(id)
	if !ok {
		t.Fatal("gain control lost after rename")
	}
	if again.ID() != ctl.ID() {
		t.Fatalf("control identity changed: %q -> %q", ctl.ID(), again.ID())
	}
}

func TestMonitorControlIsHidden(t *testing.T) {
	m := New()
	hidden := 0
	for _, ctl := range m.Controls() {
		if ctl.Hidden() {
			hidden++
			if ctl.ID() != "monitor/level" {
				t.Fatalf("unexpected hidden control %q", ctl.ID())
			}
		}
	}
	if hidden != 1 {
		t.Fatalf("hidden controls = %d, want 1", hidden)
	}
}

func TestTransactionGroupsStructuralChanges(t *testing.T) {
	m := NewDemo()

	m.BeginTransaction("restructure")
	m.addTrack("Synth", KindMIDI)
	m.renameTrack(m.trackByName("Keys"), "Piano")
	m.CommitTransaction()

	if m.UndoDepth() != 1 {
		t.Fatalf("depth = %d, want one grouped entry", m.UndoDepth())
	}

	if n := m.Undo(1); n != 1 {
		t.Fatalf("Undo returned %d", n)
	}
	if m.trackByName("Synth") != nil {
		t.Fatal("undo did not remove added track")
	}
	if m.trackByName("Keys") == nil {
		t.Fatal("undo did not revert rename")
	}
}

func TestCommitEmptyTransactionPushesNothing(t *testing.T) {
	m := NewDemo()
	m.BeginTransaction("noop")
	m.CommitTransaction()
	if m.UndoDepth() != 0 {
		t.Fatalf("depth = %d", m.UndoDepth())
	}
}

func TestAbortDiscardsTransaction(t *testing.T) {
	m := NewDemo()
	m.BeginTransaction("half")
	m.addTrack("Synth", KindMIDI)
	m.AbortTransaction()

	// The change itself stands; only the undo entry is discarded.
	if m.trackByName("Synth") == nil {
		t.Fatal("abort reverted the change")
	}
	if m.UndoDepth() != 0 {
		t.Fatalf("depth = %d, want 0", m.UndoDepth())
	}
}

func TestStructuralChangeOutsideTransaction(t *testing.T) {
	m := New()
	m.addTrack("Solo", KindAudio)
	if m.UndoDepth() != 1 {
		t.Fatalf("depth = %d, want standalone entry", m.UndoDepth())
	}
}

func TestRemoveEntitiesIsSilent(t *testing.T) {
	m := NewDemo()
	ids := m.EntityIDs()
	if err := m.RemoveEntities(ids[:2]); err != nil {
		t.Fatalf("RemoveEntities: %v", err)
	}
	if len(m.EntityIDs()) != 3 {
		t.Fatalf("entities left = %d", len(m.EntityIDs()))
	}
	if m.UndoDepth() != 0 {
		t.Fatalf("rollback removal pushed undo entries: depth %d", m.UndoDepth())
	}
}

func TestUndoRestoresRemovedTrackInPlace(t *testing.T) {
	m := NewDemo()
	m.removeTrack(m.trackByName("Bass"))
	if m.trackByName("Bass") != nil {
		t.Fatal("track not removed")
	}

	m.Undo(1)
	tr := m.trackByName("Bass")
	if tr == nil {
		t.Fatal("undo did not restore track")
	}
	if m.tracks[1] != tr {
		t.Fatal("track not restored at original position")
	}
	if tr.gainDB != -1.5 {
		t.Fatalf("restored gain = %v", tr.gainDB)
	}
}

func TestOnHistoryChange(t *testing.T) {
	m := NewDemo()
	var depths []int
	m.OnHistoryChange = func(d int) { depths = append(depths, d) }

	m.BeginTransaction("t")
	m.addTrack("Synth", KindMIDI)
	m.CommitTransaction()
	m.Undo(1)

	if len(depths) != 2 || depths[0] != 1 || depths[1] != 0 {
		t.Fatalf("depths = %v", depths)
	}
}

func TestBuiltinsViaExecutor(t *testing.T) {
	m := NewDemo()
	cmd := `
begin_undo("adjust the rhythm section")
set_gain("bass", -6.0)
set_pan("drums", 0.25)
set_mute("vox", True)
rename_track("Keys", "Piano")
commit_undo()
print("adjusted %d tracks" % len(tracks()))
`
	var out []string
	if err := executor.Execute(m, cmd, func(s string) { out = append(out, s) }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := m.trackByName("Bass").gainDB; got != -6.0 {
		t.Fatalf("bass gain = %v", got)
	}
	if got := m.trackByName("Drums").pan; got != 0.25 {
		t.Fatalf("drums pan = %v", got)
	}
	if !m.trackByName("Vox").muted {
		t.Fatal("vox not muted")
	}
	if m.trackByName("Piano") == nil {
		t.Fatal("rename did not apply")
	}
	// Value changes ride the snapshot; only the rename needs an entry.
	if m.UndoDepth() != 1 {
		t.Fatalf("depth = %d", m.UndoDepth())
	}
	if len(out) != 1 || out[0] != "adjusted 5 tracks" {
		t.Fatalf("out = %v", out)
	}
}

func TestBuiltinErrors(t *testing.T) {
	m := NewDemo()
	for _, cmd := range []string{
		`set_gain("nope", -3.0)`,
		`add_track("Drums")`,
		`add_track("X", kind="video")`,
		`remove_processor("Bass", "Reverb")`,
	} {
		if err := executor.Execute(m, cmd, nil); err == nil {
			t.Errorf("command %q succeeded, want error", cmd)
		}
	}
}
