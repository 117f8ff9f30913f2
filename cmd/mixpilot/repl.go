package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"mixpilot/internal/config"
	"mixpilot/internal/conversation"
	"mixpilot/internal/copilot"
	"mixpilot/internal/logging"
	"mixpilot/internal/mixer"
	"mixpilot/internal/runloop"
	"mixpilot/internal/transcript"
)

// promptExit unwinds the go-prompt run loop from inside key bindings.
type promptExit struct{}

var commandSuggestions = []prompt.Suggest{
	{Text: ":help", Description: "Show available commands"},
	{Text: ":state", Description: "Print the current console state"},
	{Text: ":undo", Description: "Revert the last completed task"},
	{Text: ":cancel", Description: "Cancel the running workflow"},
	{Text: ":sessions", Description: "List stored transcript sessions"},
	{Text: ":quit", Description: "Exit Mixpilot"},
}

// app owns the terminal side of the copilot: it feeds user input to the
// engine on the run loop and renders engine callbacks as they arrive.
// All callback fields are touched only on the loop goroutine.
type app struct {
	cfg        config.Config
	loop       *runloop.Loop
	engine     *copilot.Engine
	conv       *conversation.Store
	store      *transcript.Store
	mix        *mixer.Mixer
	slog       *logging.StructuredLogger
	sessionKey string
	render     *glamour.TermRenderer
	isTTY      bool

	workflowDone chan struct{}
	sigCh        chan os.Signal
	streaming    bool
	persisted    int
}

func newApp(cfg config.Config, loop *runloop.Loop, conv *conversation.Store, store *transcript.Store, mix *mixer.Mixer, slog *logging.StructuredLogger, sessionKey string, isTTY bool) *app {
	var renderer *glamour.TermRenderer
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(0),
		); err == nil {
			renderer = r
		}
	}

	a := &app{
		cfg:          cfg,
		loop:         loop,
		conv:         conv,
		store:        store,
		mix:          mix,
		slog:         slog,
		sessionKey:   sessionKey,
		render:       renderer,
		isTTY:        isTTY,
		workflowDone: make(chan struct{}, 1),
		sigCh:        make(chan os.Signal, 1),
	}
	signal.Notify(a.sigCh, os.Interrupt)
	return a
}

// callbacks bridges engine events onto the terminal. The user's own
// input is not echoed back; everything else prints as it arrives.
func (a *app) callbacks() copilot.Callbacks {
	return copilot.Callbacks{
		AppendChat: func(speaker, text string) {
			if speaker == "You" {
				return
			}
			a.endStream()
			a.printMarkdown(text)
		},
		AppendSystem: func(text string) {
			a.endStream()
			fmt.Println(text)
		},
		SetStatus: func(text string) {
			if strings.TrimSpace(text) == "" || text == "Idle" {
				return
			}
			a.endStream()
			fmt.Println("· " + text)
		},
		StreamDelta: func(text string) {
			a.streaming = true
			fmt.Print(text)
		},
		Finished: func(outcome copilot.Outcome, reason string) {
			a.endStream()
			a.persistTurns()
			a.slog.Info("workflow finished", map[string]interface{}{
				"outcome": int(outcome),
				"reason":  reason,
			})
			select {
			case a.workflowDone <- struct{}{}:
			default:
			}
		},
	}
}

// endStream terminates a partially printed streamed reply before other
// output interleaves with it.
func (a *app) endStream() {
	if a.streaming {
		fmt.Println()
		a.streaming = false
	}
}

func (a *app) printMarkdown(text string) {
	if a.render == nil || strings.TrimSpace(text) == "" {
		fmt.Printf("%s\n", text)
		return
	}
	rendered, err := a.render.Render(text)
	if err != nil {
		a.slog.Error("markdown render failed", map[string]interface{}{"error": err.Error()})
		fmt.Printf("%s\n", text)
		return
	}
	fmt.Print(strings.TrimRight(rendered, "\n") + "\n")
}

// persistTurns appends any conversation turns not yet stored to the
// transcript database. Runs on the loop goroutine.
func (a *app) persistTurns() {
	turns := a.conv.Turns()
	ctx := context.Background()
	for _, turn := range turns[a.persisted:] {
		if err := a.store.AppendTurn(ctx, a.sessionKey, turn); err != nil {
			a.slog.Error("persist turn failed", map[string]interface{}{"error": err.Error()})
			return
		}
		a.persisted++
	}
}

// submit hands one request to the engine and blocks until the workflow
// finishes. Ctrl+C while waiting cancels the workflow instead of the
// process.
func (a *app) submit(line string) {
	type startResult struct {
		err     error
		started bool
	}
	resCh := make(chan startResult, 1)
	ok := a.loop.Post(func() {
		err := a.engine.Start(line)
		resCh <- startResult{err: err, started: a.engine.Busy()}
	})
	if !ok {
		return
	}

	res := <-resCh
	if res.err != nil {
		fmt.Printf("Error: %v\n", res.err)
		return
	}
	if !res.started {
		return
	}

	for {
		select {
		case <-a.workflowDone:
			return
		case <-a.sigCh:
			a.loop.Post(func() { a.engine.Cancel() })
		}
	}
}

// cancelInFlight cancels a running workflow, reporting whether one was
// active. Safe to call from any goroutine.
func (a *app) cancelInFlight() bool {
	ch := make(chan bool, 1)
	ok := a.loop.Post(func() {
		busy := a.engine.Busy()
		if busy {
			a.engine.Cancel()
		}
		ch <- busy
	})
	if !ok {
		return false
	}
	return <-ch
}

func (a *app) handleLine(line string) (exit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, ":") {
		return a.handleCommand(line)
	}
	a.submit(line)
	return false
}

func (a *app) handleCommand(line string) (exit bool) {
	switch strings.Fields(line)[0] {
	case ":help":
		fmt.Println("Commands:")
		fmt.Println("  :state     print the current console state")
		fmt.Println("  :undo      revert the last completed task")
		fmt.Println("  :cancel    cancel the running workflow")
		fmt.Println("  :sessions  list stored transcript sessions")
		fmt.Println("  :quit      exit")
		fmt.Println("Anything else is sent to the copilot. Type 'undo' to revert the last change.")
	case ":state":
		ch := make(chan string, 1)
		if a.loop.Post(func() { ch <- a.mix.Describe() }) {
			fmt.Println(<-ch)
		}
	case ":undo":
		a.submit("undo")
	case ":cancel":
		if !a.cancelInFlight() {
			fmt.Println("No workflow running.")
		}
	case ":sessions":
		sessions, err := a.store.ListSessions(context.Background())
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		printSessionList(sessions)
	case ":quit", ":exit", ":q":
		return true
	default:
		fmt.Printf("Unknown command %q. Type :help for commands.\n", line)
	}
	return false
}

// run starts the interactive loop and blocks until the user exits.
func (a *app) run() error {
	fmt.Printf("Mixpilot ready (session %s). Type :help for commands, 'undo' to revert the last change.\n", a.sessionKey)
	if a.isTTY {
		return a.runPrompt()
	}
	return a.runNonInteractive()
}

func (a *app) runPrompt() (err error) {
	history := loadInputHistory(a.cfg.HistoryPath)
	tracker := newInterruptTracker(2 * time.Second)

	var restore func()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if state, terr := term.GetState(fd); terr == nil {
			restore = func() { _ = term.Restore(fd, state) }
		}
	}
	if restore != nil {
		defer restore()
	}

	var exitRequested atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(promptExit); ok {
				err = nil
				return
			}
			panic(r)
		}
	}()

	executor := func(in string) {
		if exitRequested.Load() {
			return
		}
		line := strings.TrimSpace(in)
		if line == "" {
			return
		}
		history.Add(line)
		if a.handleLine(line) {
			exitRequested.Store(true)
			panic(promptExit{})
		}
	}

	p := prompt.New(
		executor,
		commandCompleter,
		prompt.OptionHistory(history.Entries()),
		prompt.OptionTitle("Mixpilot"),
		prompt.OptionLivePrefix(func() (string, bool) {
			return fmt.Sprintf("[%s] > ", a.sessionKey), true
		}),
		prompt.OptionAddKeyBind(
			prompt.KeyBind{
				Key: prompt.ControlC,
				Fn: func(buf *prompt.Buffer) {
					if a.cancelInFlight() {
						fmt.Println("\n(Current workflow cancelled.)")
						return
					}
					if tracker.secondPress() {
						fmt.Println("\nReceived second Ctrl+C, exiting.")
						exitRequested.Store(true)
						panic(promptExit{})
					}
					fmt.Println("\n(Press Ctrl+C again within 2s to exit)")
				},
			},
			prompt.KeyBind{
				Key: prompt.ControlD,
				Fn: func(buf *prompt.Buffer) {
					if buf.Text() == "" {
						exitRequested.Store(true)
						panic(promptExit{})
					}
				},
			},
			prompt.KeyBind{
				Key: prompt.Escape,
				Fn: func(buf *prompt.Buffer) {
					if a.cancelInFlight() {
						fmt.Println("\n(Workflow cancelled.)")
					}
				},
			},
		),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return exitRequested.Load()
		}),
	)

	p.Run()
	return nil
}

func commandCompleter(doc prompt.Document) []prompt.Suggest {
	word := doc.GetWordBeforeCursor()
	prefix := strings.TrimLeft(doc.TextBeforeCursor(), " \t")
	if !strings.HasPrefix(prefix, ":") {
		return nil
	}
	return prompt.FilterHasPrefix(commandSuggestions, word, true)
}

func (a *app) runNonInteractive() error {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("[%s] > ", a.sessionKey)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if a.handleLine(strings.TrimRight(line, "\r\n")) {
			return nil
		}
	}
}

// interruptTracker distinguishes a stray Ctrl+C from a deliberate
// double press.
type interruptTracker struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
}

func newInterruptTracker(window time.Duration) *interruptTracker {
	return &interruptTracker{window: window}
}

func (t *interruptTracker) secondPress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	second := !t.last.IsZero() && now.Sub(t.last) <= t.window
	t.last = now
	return second
}
