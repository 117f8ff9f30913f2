package copilot

import (
	"errors"
	"strings"
	"testing"

	"mixpilot/internal/anthropic"
	"mixpilot/internal/conversation"
	"mixpilot/internal/mixer"
)

type sendCall struct {
	system     string
	turns      []conversation.Turn
	onComplete func(string)
	onError    func(error)
	onDelta    func(string)
}

type fakeTransport struct {
	sends     []sendCall
	cancelled int
	noKey     bool
}

func (f *fakeTransport) Send(system string, turns []conversation.Turn, onComplete func(string), onError func(error), onDelta func(string)) error {
	f.sends = append(f.sends, sendCall{system, turns, onComplete, onError, onDelta})
	return nil
}

func (f *fakeTransport) Cancel()      { f.cancelled++ }
func (f *fakeTransport) Busy() bool   { return false }
func (f *fakeTransport) HasKey() bool { return !f.noKey }

func (f *fakeTransport) last(t *testing.T) sendCall {
	t.Helper()
	if len(f.sends) == 0 {
		t.Fatal("no request was sent")
	}
	return f.sends[len(f.sends)-1]
}

type recorder struct {
	chats    []string
	systems  []string
	statuses []string
	finished []Outcome
	reasons  []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		AppendChat:   func(speaker, text string) { r.chats = append(r.chats, speaker+": "+text) },
		AppendSystem: func(text string) { r.systems = append(r.systems, text) },
		SetStatus:    func(text string) { r.statuses = append(r.statuses, text) },
		Finished: func(outcome Outcome, reason string) {
			r.finished = append(r.finished, outcome)
			r.reasons = append(r.reasons, reason)
		},
	}
}

func (r *recorder) systemContaining(t *testing.T, substr string) {
	t.Helper()
	for _, s := range r.systems {
		if strings.Contains(s, substr) {
			return
		}
	}
	t.Fatalf("no system message containing %q in %v", substr, r.systems)
}

func newEngine(t *testing.T) (*Engine, *mixer.Mixer, *fakeTransport, *recorder) {
	t.Helper()
	m := mixer.NewDemo()
	tr := &fakeTransport{}
	rec := &recorder{}
	conv := conversation.NewStore("You drive a mixing console.", conversation.Params{})
	e := New(m, tr, conv, Options{}, rec.callbacks(), nil)
	return e, m, tr, rec
}

const renameReply = "Renaming the track.\n```starlark\n" +
	"begin_undo(\"rename\")\nrename_track(\"Keys\", \"Piano\")\ncommit_undo()\n```"

func TestMultiStepContinuation(t *testing.T) {
	e, m, tr, _ := newEngine(t)

	if err := e.Start("rename the Keys track to Piano"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.State() != StateThinking {
		t.Fatalf("state = %v", e.State())
	}
	if len(tr.sends) != 1 {
		t.Fatalf("sends = %d", len(tr.sends))
	}

	// First request carries the enriched user turn.
	first := tr.last(t)
	if first.system != "You drive a mixing console." {
		t.Fatalf("system prompt = %q", first.system)
	}
	lastTurn := first.turns[len(first.turns)-1]
	if !strings.Contains(lastTurn.Content, "Current session state:") {
		t.Fatalf("request not enriched: %q", lastTurn.Content)
	}
	if !strings.HasSuffix(lastTurn.Content, "User request: rename the Keys track to Piano") {
		t.Fatalf("missing literal request: %q", lastTurn.Content)
	}

	// Reply with a command but no completion marker: the engine
	// executes it and sends a continuation request.
	first.onComplete(renameReply)

	if got := len(tr.sends); got != 2 {
		t.Fatalf("sends after step 1 = %d, want continuation", got)
	}
	second := tr.last(t)
	contTurn := second.turns[len(second.turns)-1]
	if !strings.Contains(contTurn.Content, "Step completed successfully.") {
		t.Fatalf("continuation turn = %q", contTurn.Content)
	}
	if !strings.Contains(contTurn.Content, "Continue with the next step") {
		t.Fatalf("continuation turn = %q", contTurn.Content)
	}

	// The rename happened on the host.
	if got := m.Describe(); !strings.Contains(got, "Piano") {
		t.Fatalf("host state:\n%s", got)
	}

	// Model signals completion on step 2.
	second.onComplete("All done. [DONE]")
	if e.Busy() {
		t.Fatal("engine still busy")
	}
	if !e.CanUndo() {
		t.Fatal("ledger invalid after clean finish")
	}
}

func TestSingleStepWithMarkerFinishes(t *testing.T) {
	e, m, tr, rec := newEngine(t)

	if err := e.Start("rename Keys to Piano"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.last(t).onComplete(renameReply + "\n[DONE]")

	if len(tr.sends) != 1 {
		t.Fatalf("sends = %d, want no continuation", len(tr.sends))
	}
	if len(rec.finished) != 1 || rec.finished[0] != OutcomeDone {
		t.Fatalf("finished = %v", rec.finished)
	}

	// Explicit undo reverts the whole task.
	e.PerformUndo()
	if got := m.Describe(); strings.Contains(got, "Piano") {
		t.Fatalf("undo did not revert rename:\n%s", got)
	}
	if e.CanUndo() {
		t.Fatal("record still valid after undo")
	}
}

func TestTextOnlyReplyEndsWorkflow(t *testing.T) {
	e, _, tr, rec := newEngine(t)

	if err := e.Start("what tracks do I have?"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.last(t).onComplete("You have five tracks. [DONE]")

	if e.Busy() {
		t.Fatal("engine still busy after text-only reply")
	}
	if len(rec.finished) != 1 || rec.finished[0] != OutcomeDone {
		t.Fatalf("finished = %v", rec.finished)
	}
	// The displayed explanation has the marker stripped.
	for _, c := range rec.chats {
		if strings.Contains(c, "[DONE]") {
			t.Fatalf("marker leaked into chat: %q", c)
		}
	}
}

func TestStepLimitStopsWorkflow(t *testing.T) {
	e, _, tr, rec := newEngine(t)

	if err := e.Start("do something endless"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reply := "```starlark\nset_gain(\"Bass\", -2.0)\n```"
	for i := 0; i < DefaultMaxSteps; i++ {
		tr.last(t).onComplete(reply)
	}

	// Ten executions, but only nine continuations: the tenth hits the cap.
	if got := len(tr.sends); got != DefaultMaxSteps {
		t.Fatalf("sends = %d, want %d", got, DefaultMaxSteps)
	}
	if e.Busy() {
		t.Fatal("engine still busy after step limit")
	}
	rec.systemContaining(t, "Step limit (10) reached")
	if !e.CanUndo() {
		t.Fatal("partial work must stay undoable after step limit")
	}
}

func TestRetryThenRollback(t *testing.T) {
	e, m, tr, rec := newEngine(t)

	if err := e.Start("lower the bass"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The script changes a value, then faults.
	failing := "```starlark\nset_gain(\"Bass\", -9.0)\nno_such_function()\n```"
	tr.last(t).onComplete(failing)

	// One automatic retry, carrying the error text back to the model.
	if len(tr.sends) != 2 {
		t.Fatalf("sends = %d, want retry request", len(tr.sends))
	}
	retryTurn := tr.last(t).turns[len(tr.last(t).turns)-1]
	if !strings.Contains(retryTurn.Content, "The script failed with this error:") {
		t.Fatalf("retry turn = %q", retryTurn.Content)
	}
	if !strings.Contains(retryTurn.Content, "no_such_function") {
		t.Fatalf("retry turn missing fault detail: %q", retryTurn.Content)
	}

	// Second failure: rollback and abort.
	tr.last(t).onComplete(failing)

	if len(tr.sends) != 2 {
		t.Fatalf("sends = %d after exhausted retry", len(tr.sends))
	}
	if len(rec.finished) != 1 || rec.finished[0] != OutcomeAborted {
		t.Fatalf("finished = %v", rec.finished)
	}
	if e.CanUndo() {
		t.Fatal("record still valid after failure rollback")
	}
	if got := m.Describe(); !strings.Contains(got, "Bass (audio) | -1.5 dB") {
		t.Fatalf("bass gain not rolled back:\n%s", got)
	}
	rec.systemContaining(t, "Changes rolled back.")
}

func TestNativeUndoReplayAndReconciliation(t *testing.T) {
	e, m, tr, _ := newEngine(t)

	if err := e.Start("rename everything"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	reply := "```starlark\n" +
		"begin_undo(\"r1\")\nrename_track(\"Drums\", \"D1\")\ncommit_undo()\n" +
		"begin_undo(\"r2\")\nrename_track(\"Bass\", \"B1\")\ncommit_undo()\n" +
		"begin_undo(\"r3\")\nrename_track(\"Vox\", \"V1\")\ncommit_undo()\n" +
		"```\n[DONE]"
	tr.last(t).onComplete(reply)

	if m.UndoDepth() != 3 {
		t.Fatalf("host depth = %d, want 3 task entries", m.UndoDepth())
	}

	// The user undoes one entry with the host's own undo; the ledger
	// must not undo it again.
	m.Undo(1)
	e.HostHistoryChanged(m.UndoDepth())

	e.PerformUndo()

	got := m.Describe()
	for _, name := range []string{"Drums", "Bass", "Vox"} {
		if !strings.Contains(got, name) {
			t.Fatalf("%s not restored:\n%s", name, got)
		}
	}
	if m.UndoDepth() != 0 {
		t.Fatalf("host depth after full rollback = %d", m.UndoDepth())
	}
}

func TestCancelDiscardsLateCallbacks(t *testing.T) {
	e, m, tr, rec := newEngine(t)

	if err := e.Start("rename Keys to Piano"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	call := tr.last(t)

	e.Cancel()
	if tr.cancelled != 1 {
		t.Fatalf("transport.Cancel called %d times", tr.cancelled)
	}
	if len(rec.finished) != 1 || rec.finished[0] != OutcomeCancelled {
		t.Fatalf("finished = %v", rec.finished)
	}

	// The in-flight response arrives after cancellation: discarded.
	call.onComplete(renameReply)
	call.onError(errors.New("late"))

	if len(tr.sends) != 1 {
		t.Fatalf("stale response triggered a new request")
	}
	if got := m.Describe(); strings.Contains(got, "Piano") {
		t.Fatalf("stale response was executed:\n%s", got)
	}
	if len(rec.finished) != 1 {
		t.Fatalf("finished fired again: %v", rec.finished)
	}
}

func TestTransportErrorAbortsWithHint(t *testing.T) {
	e, _, tr, rec := newEngine(t)

	if err := e.Start("rename Keys to Piano"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.last(t).onError(&anthropic.ProtocolError{Status: 401, Message: "invalid x-api-key"})

	if len(rec.finished) != 1 || rec.finished[0] != OutcomeAborted {
		t.Fatalf("finished = %v", rec.finished)
	}
	rec.systemContaining(t, "API key may be invalid")
}

func TestRateLimitHint(t *testing.T) {
	e, _, tr, rec := newEngine(t)
	if err := e.Start("x"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.last(t).onError(&anthropic.ProtocolError{Status: 429, Message: "rate limited"})
	rec.systemContaining(t, "Rate limited")
}

func TestUndoIntercept(t *testing.T) {
	e, _, tr, rec := newEngine(t)

	if err := e.Start("undo that"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(tr.sends) != 0 {
		t.Fatal("undo request reached the transport")
	}
	rec.systemContaining(t, "Nothing to undo.")
}

func TestIsUndoRequest(t *testing.T) {
	for _, yes := range []string{"undo", "  UNDO  ", "Undo that", "revert", "take that back", "undo last action"} {
		if !IsUndoRequest(yes) {
			t.Errorf("IsUndoRequest(%q) = false", yes)
		}
	}
	for _, no := range []string{"undo the rename of track 3", "please revert the bass gain", ""} {
		if IsUndoRequest(no) {
			t.Errorf("IsUndoRequest(%q) = true", no)
		}
	}
}

func TestStartRejections(t *testing.T) {
	e, _, _, _ := newEngine(t)
	if err := e.Start("first"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start("second"); !errors.Is(err, anthropic.ErrBusy) {
		t.Fatalf("busy Start returned %v", err)
	}

	noKey := &fakeTransport{noKey: true}
	conv := conversation.NewStore("sys", conversation.Params{})
	e2 := New(mixer.NewDemo(), noKey, conv, Options{}, Callbacks{}, nil)
	if err := e2.Start("hello"); err == nil {
		t.Fatal("Start without credentials succeeded")
	}
}

func TestStreamedReplyNotRepeated(t *testing.T) {
	e, _, tr, rec := newEngine(t)

	var deltas []string
	e.cb.StreamDelta = func(d string) { deltas = append(deltas, d) }

	if err := e.Start("hello"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	call := tr.last(t)
	call.onDelta("Hello ")
	call.onDelta("there.")
	call.onComplete("Hello there. [DONE]")

	if len(deltas) != 2 {
		t.Fatalf("deltas = %v", deltas)
	}
	// "You: hello" only; the streamed reply must not be appended again.
	for _, c := range rec.chats {
		if strings.HasPrefix(c, "Copilot:") {
			t.Fatalf("streamed reply repeated in chat: %q", c)
		}
	}
}
