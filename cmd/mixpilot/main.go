package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"mixpilot/internal/anthropic"
	"mixpilot/internal/config"
	"mixpilot/internal/conversation"
	"mixpilot/internal/copilot"
	"mixpilot/internal/credentials"
	"mixpilot/internal/logging"
	"mixpilot/internal/mixer"
	"mixpilot/internal/prompts"
	"mixpilot/internal/runloop"
	"mixpilot/internal/transcript"
)

// Version is set via -ldflags during build
var Version = "dev"

func main() {
	var (
		resumeKey    = flag.String("resume", "", "Resume a stored session key")
		listSessions = flag.Bool("list-sessions", false, "List stored sessions and exit")
		promptFlag   = flag.String("p", "", "Execute a single request and exit (non-interactive mode)")
		emptyConsole = flag.Bool("empty", false, "Start with an empty console instead of the demo session")
		setupFlag    = flag.Bool("setup", false, "Run credential setup wizard")
		versionFlag  = flag.Bool("version", false, "Print version and exit")
	)
	flag.StringVar(promptFlag, "prompt", "", "Execute a single request and exit (non-interactive mode)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("Mixpilot version %s\n", Version)
		return
	}

	credManager := credentials.NewManager()

	if *setupFlag {
		if _, err := credentials.Onboard(credManager); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
		return
	}

	if err := config.EnsureDefaultConfig(); err != nil {
		log.Fatalf("Failed to ensure default config: %v", err)
	}
	cfg, err := config.LoadUserConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	apiKey := credManager.Resolve()
	isTTY := term.IsTerminal(int(os.Stdin.Fd()))
	if apiKey == "" && isTTY && *promptFlag == "" && !*listSessions {
		creds, err := credentials.Onboard(credManager)
		if err != nil {
			log.Fatalf("Credential setup failed: %v", err)
		}
		apiKey = creds.AnthropicAPIKey
	}

	logger, logCloser := logging.Setup(cfg.LogPath)
	defer logCloser.Close()
	slog := logging.NewStructuredLogger(logger, "main", false)

	store, err := transcript.Open(cfg.TranscriptPath)
	if err != nil {
		log.Fatalf("Failed to open transcript store: %v", err)
	}
	defer store.Close()

	if *listSessions {
		sessions, err := store.ListSessions(context.Background())
		if err != nil {
			log.Fatalf("Failed to list sessions: %v", err)
		}
		printSessionList(sessions)
		return
	}

	sessionKey := strings.TrimSpace(*resumeKey)
	resuming := sessionKey != ""
	if sessionKey == "" {
		sessionKey = time.Now().Format("20060102-150405")
	}

	loop := runloop.New()
	go loop.Run()
	defer loop.Close()

	var mix *mixer.Mixer
	if *emptyConsole {
		mix = mixer.New()
	} else {
		mix = mixer.NewDemo()
	}
	prompts.SetCatalog(mix.Catalog())

	conv := conversation.NewStore(prompts.Combine(cfg.SystemPrompt), conversation.Params{
		CharsPerToken:  cfg.CharsPerToken,
		MaxInputTokens: cfg.MaxInputTokens,
		TargetTokens:   cfg.PruneTargetTokens,
		MinKeepPairs:   cfg.MinKeepPairs,
	})
	if resuming {
		turns, err := store.LoadSession(context.Background(), sessionKey)
		if err != nil {
			log.Fatalf("Failed to resume session %q: %v", sessionKey, err)
		}
		for _, turn := range turns {
			conv.Append(turn)
		}
		fmt.Printf("(resumed session %s with %d turns)\n", sessionKey, len(turns))
	}

	client := anthropic.NewClient(apiKey, anthropic.Options{
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		MaxTokens:      cfg.MaxTokens,
		Stream:         cfg.Stream,
		RequestTimeout: cfg.RequestTimeout(),
		ConnectTimeout: cfg.ConnectTimeout(),
		StallGrace:     cfg.StreamStallGrace(),
	}, loop, logger)

	app := newApp(cfg, loop, conv, store, mix, slog, sessionKey, isTTY)
	engine := copilot.New(mix, client, conv, copilot.Options{
		MaxSteps:   cfg.MaxSteps,
		RetryLimit: cfg.RetryLimit,
	}, app.callbacks(), logger)
	app.engine = engine
	app.persisted = conv.Len()
	mix.OnHistoryChange = engine.HostHistoryChanged

	slog.Info("session ready", map[string]interface{}{
		"session": sessionKey,
		"model":   cfg.Model,
		"stream":  cfg.Stream,
	})

	if *promptFlag != "" {
		app.submit(strings.TrimSpace(*promptFlag))
		return
	}

	if err := app.run(); err != nil {
		log.Fatalf("REPL failed: %v", err)
	}
}

func printSessionList(sessions []transcript.Session) {
	if len(sessions) == 0 {
		fmt.Println("No stored sessions yet.")
		return
	}
	fmt.Printf("Stored sessions (%d):\n", len(sessions))
	for i, sess := range sessions {
		fmt.Printf("  %d) %s  (%d turns, last used %s)\n",
			i+1, sess.Key, sess.Turns, sess.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}
