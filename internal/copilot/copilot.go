// Package copilot is the workflow orchestrator: it turns one user
// request into a bounded sequence of think/execute steps, feeding
// execution results back to the model until it signals completion, the
// step cap is hit, a retry is exhausted, or the user cancels. Every
// task is covered by a rollback snapshot taken before the first
// command runs.
package copilot

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"mixpilot/internal/anthropic"
	"mixpilot/internal/conversation"
	"mixpilot/internal/executor"
	"mixpilot/internal/host"
	"mixpilot/internal/undo"
)

// Workflow bounds.
const (
	DefaultMaxSteps   = 10
	DefaultRetryLimit = 1
)

// State is the orchestrator's externally visible mode.
type State int

const (
	StateIdle State = iota
	StateThinking
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateThinking:
		return "thinking"
	case StateExecuting:
		return "executing"
	default:
		return "idle"
	}
}

// Outcome is how a workflow ended.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeAborted
	OutcomeCancelled
)

// WorkflowAbort is the terminal error of a workflow that did not finish
// cleanly: retry exhausted, or a transport failure mid-task.
type WorkflowAbort struct {
	Reason string
	Err    error
}

func (e *WorkflowAbort) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *WorkflowAbort) Unwrap() error { return e.Err }

// Transport sends one request at a time to the model provider. All
// callbacks are delivered on the engine's owning goroutine.
type Transport interface {
	Send(systemPrompt string, turns []conversation.Turn, onComplete func(string), onError func(error), onDelta func(string)) error
	Cancel()
	Busy() bool
	HasKey() bool
}

// Callbacks are the engine's UI surface. Nil fields are skipped.
type Callbacks struct {
	// AppendChat shows a conversational message. speaker is "You" or
	// "Copilot".
	AppendChat func(speaker, text string)
	// AppendSystem shows an engine status message in the chat log.
	AppendSystem func(text string)
	// SetStatus updates the one-line status indicator.
	SetStatus func(text string)
	// StreamDelta shows incremental response text as it arrives.
	StreamDelta func(text string)
	// Finished fires once per workflow, after the final system message.
	Finished func(outcome Outcome, reason string)
}

// Options tunes the workflow loop.
type Options struct {
	MaxSteps   int
	RetryLimit int
}

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.RetryLimit < 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.RetryLimit == 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	return o
}

// Engine drives the workflow. All methods must be called from the
// owning goroutine; the transport's callbacks arrive there too.
type Engine struct {
	sess      host.Session
	transport Transport
	conv      *conversation.Store
	cb        Callbacks
	opts      Options
	logger    *log.Logger

	rec         undo.Record
	state       State
	active      bool
	step        int
	retryCount  int
	wasStreamed bool

	// gen invalidates in-flight callbacks: a response whose generation
	// does not match the current one belongs to a cancelled workflow.
	gen int
}

// New wires an engine. conv carries the system prompt and history.
func New(sess host.Session, transport Transport, conv *conversation.Store, opts Options, cb Callbacks, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		sess:      sess,
		transport: transport,
		conv:      conv,
		cb:        cb,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// State reports the current workflow state.
func (e *Engine) State() State { return e.state }

// Busy reports whether a workflow is active.
func (e *Engine) Busy() bool { return e.active }

// CanUndo reports whether a completed task can still be reverted.
func (e *Engine) CanUndo() bool { return e.rec.Valid() }

// undoPhrases are the literal requests intercepted before a workflow
// starts; asking the model to undo its own work would just generate
// more commands.
var undoPhrases = map[string]bool{
	"undo":             true,
	"undo that":        true,
	"undo this":        true,
	"revert":           true,
	"revert that":      true,
	"take that back":   true,
	"undo last":        true,
	"undo last action": true,
}

// IsUndoRequest reports whether text is a plain undo request.
func IsUndoRequest(text string) bool {
	return undoPhrases[strings.ToLower(strings.TrimSpace(text))]
}

// Start begins a workflow for one user request. Undo requests are
// intercepted and never reach the model. Returns an error when a
// workflow is already active or no credentials are configured.
func (e *Engine) Start(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if e.active {
		return anthropic.ErrBusy
	}
	if e.sess == nil {
		return &executor.ConfigError{Reason: "no host session"}
	}
	if !e.transport.HasKey() {
		return &executor.ConfigError{Reason: "no API key configured; set ANTHROPIC_API_KEY or add one to the credentials file"}
	}

	e.appendChat("You", text)

	if IsUndoRequest(text) {
		e.PerformUndo()
		return nil
	}

	// The snapshot is taken before anything runs; it is the baseline
	// every later rollback restores to.
	e.rec.Snapshot(e.sess, text)

	e.conv.Append(conversation.Turn{Role: conversation.RoleUser, Content: text})
	e.conv.Prune(e.sess.Describe(), e.sess.Catalog())

	e.active = true
	e.gen++
	e.step = 1
	e.retryCount = 0
	e.state = StateThinking
	e.setStatus(fmt.Sprintf("Step %d: Thinking...", e.step))
	e.sendRequest()
	return nil
}

// Cancel stops the active workflow. The transport's eventual cancelled
// callback is discarded; partial work is retained and remains
// undoable.
func (e *Engine) Cancel() {
	if !e.active {
		return
	}
	e.logger.Printf("[copilot] workflow cancelled at step %d", e.step)
	e.transport.Cancel()
	e.gen++
	e.finish(OutcomeCancelled, "Cancelled. Partial work retained. (Type 'undo' to revert)")
}

// PerformUndo rolls back the last completed task, if any.
func (e *Engine) PerformUndo() {
	if !e.rec.Valid() {
		e.appendSystem("Nothing to undo.")
		return
	}
	desc := e.rec.Description
	if err := e.rec.Restore(e.sess); err != nil {
		e.appendSystem("Undo failed: " + err.Error())
		return
	}
	if desc == "" {
		e.appendSystem("Undone.")
	} else {
		e.appendSystem(fmt.Sprintf("Undone: %q", desc))
	}
}

// HostHistoryChanged reconciles the rollback record when the host's
// undo stack changes outside an active workflow (the user pressed the
// host's own undo). Changes during a workflow are the engine's own and
// are tracked by the ledger directly.
func (e *Engine) HostHistoryChanged(depth int) {
	if e.active {
		return
	}
	e.rec.Reconcile(depth)
}

func (e *Engine) sendRequest() {
	gen := e.gen
	e.wasStreamed = false
	turns := e.conv.BuildRequest(e.sess.Describe(), e.sess.Catalog())
	err := e.transport.Send(e.conv.SystemPrompt(), turns,
		func(text string) {
			if gen == e.gen {
				e.onResponse(text)
			}
		},
		func(err error) {
			if gen == e.gen {
				e.onError(err)
			}
		},
		func(delta string) {
			if gen == e.gen {
				e.wasStreamed = true
				if e.cb.StreamDelta != nil {
					e.cb.StreamDelta(delta)
				}
			}
		})
	if err != nil {
		e.onError(err)
	}
}

func (e *Engine) onResponse(response string) {
	// History keeps the verbatim reply, completion marker and all, so
	// the model sees its own protocol on later turns.
	e.conv.Append(conversation.Turn{Role: conversation.RoleAgent, Content: response})

	explanation := executor.ExtractExplanation(response)
	command := executor.ExtractCommand(response)
	done := executor.HasDoneMarker(response)

	// Streamed text is already on screen; do not repeat it.
	if !e.wasStreamed && explanation != "" {
		e.appendChat("Copilot", explanation)
	}

	if command == "" {
		if explanation == "" && !e.wasStreamed {
			e.appendChat("Copilot", response)
		}
		e.finish(OutcomeDone, "Done.")
		return
	}

	e.state = StateExecuting
	e.setStatus(fmt.Sprintf("Step %d: Executing...", e.step))
	e.appendSystem(fmt.Sprintf("Step %d: Executing script:", e.step))
	e.appendSystem(command)

	var output []string
	err := executor.Execute(e.sess, command, func(line string) {
		e.appendSystem("> " + line)
		output = append(output, line)
	})

	if err != nil {
		e.onExecutionFailure(err)
		return
	}

	e.rec.AfterExecution(e.sess)

	if done {
		e.finish(OutcomeDone, "All steps completed. (Type 'undo' to revert)")
		return
	}
	if e.step >= e.opts.MaxSteps {
		e.appendSystem(fmt.Sprintf("Step limit (%d) reached. Stopping workflow.", e.opts.MaxSteps))
		e.finish(OutcomeDone, "Step limit reached. Partial work retained. (Type 'undo' to revert)")
		return
	}
	e.continueWorkflow(strings.Join(output, "\n"))
}

func (e *Engine) onExecutionFailure(execErr error) {
	e.appendSystem("Execution error: " + execErr.Error())
	e.logger.Printf("[copilot] step %d failed: %v", e.step, execErr)

	if e.retryCount < e.opts.RetryLimit {
		e.retryCount++
		retry := "The script failed with this error: " + execErr.Error() +
			"\n\nPlease fix the code and try again."
		e.conv.Append(conversation.Turn{Role: conversation.RoleUser, Content: retry})
		e.conv.Prune(e.sess.Describe(), e.sess.Catalog())

		e.state = StateThinking
		e.setStatus("Retrying...")
		e.sendRequest()
		return
	}

	// Retry exhausted: roll everything back. The failing script may
	// have committed some work before faulting, so the native count is
	// recomputed from the current depth first.
	if e.sess.TransactionOpen() {
		e.sess.AbortTransaction()
	}
	e.rec.AfterExecution(e.sess)
	if err := e.rec.Restore(e.sess); err != nil {
		e.appendSystem("Rollback failed: " + err.Error())
	} else {
		e.appendSystem("Changes rolled back.")
	}
	e.finish(OutcomeAborted, "Workflow aborted due to execution error.")
}

func (e *Engine) onError(err error) {
	e.appendSystem("Error: " + err.Error())

	var pe *anthropic.ProtocolError
	if errors.As(err, &pe) {
		switch pe.Status {
		case 401:
			e.appendSystem("Your API key may be invalid. Please check your configuration.")
		case 429:
			e.appendSystem("Rate limited. Please wait a moment and try again.")
		}
	}

	e.finish(OutcomeAborted, "Workflow aborted due to error.")
}

func (e *Engine) continueWorkflow(output string) {
	e.step++
	e.retryCount = 0

	cont := "Step completed successfully."
	if output != "" {
		cont += " Output:\n" + output
	}
	cont += "\n\nContinue with the next step, or respond with " +
		executor.DoneMarker + " if all steps are complete."

	e.conv.Append(conversation.Turn{Role: conversation.RoleUser, Content: cont})
	e.conv.Prune(e.sess.Describe(), e.sess.Catalog())

	e.state = StateThinking
	e.setStatus(fmt.Sprintf("Step %d: Thinking...", e.step))
	e.sendRequest()
}

// finish is the single terminal funnel: every workflow ends here
// exactly once, whatever the path.
func (e *Engine) finish(outcome Outcome, reason string) {
	if !e.active {
		return
	}
	e.active = false
	e.state = StateIdle
	e.step = 0
	e.retryCount = 0

	if reason != "" {
		e.appendSystem(reason)
	}
	e.setStatus("Idle")
	if e.cb.Finished != nil {
		e.cb.Finished(outcome, reason)
	}
}

func (e *Engine) appendChat(speaker, text string) {
	if e.cb.AppendChat != nil {
		e.cb.AppendChat(speaker, text)
	}
}

func (e *Engine) appendSystem(text string) {
	if e.cb.AppendSystem != nil {
		e.cb.AppendSystem(text)
	}
}

func (e *Engine) setStatus(text string) {
	if e.cb.SetStatus != nil {
		e.cb.SetStatus(text)
	}
}
