// Package prompts builds the system prompt handed to the model: the
// built-in instructions, the host's command reference, and an optional
// user-supplied addendum from the config file.
package prompts

import (
	_ "embed"
	"strings"
	"sync"
)

//go:embed system_mixpilot.txt
var baseSystemPrompt string

var (
	catalogMu sync.RWMutex
	catalog   string
)

// Base returns the built-in Mixpilot system prompt.
func Base() string {
	return strings.TrimSpace(baseSystemPrompt)
}

// Combine joins the built-in prompt with the host's command reference
// and an optional user-provided prompt.
func Combine(user string) string {
	var sections []string
	sections = append(sections, Base())

	if ref := getCatalog(); ref != "" {
		sections = append(sections, "## Command Reference\n"+ref)
	}

	if trimmed := strings.TrimSpace(user); trimmed != "" {
		sections = append(sections, trimmed)
	}

	return strings.Join(sections, "\n\n")
}

// SetCatalog installs the host's command reference. The host calls this
// once at startup; the reference depends on which session type is
// loaded.
func SetCatalog(ref string) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog = strings.TrimSpace(ref)
}

func getCatalog() string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	return catalog
}
