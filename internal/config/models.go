package config

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"
)

//go:embed model-contexts.json
var modelContextsJSON []byte

var (
	modelContexts     map[string]int
	modelContextsOnce sync.Once
)

// defaultContextTokens is assumed for models missing from the embedded
// table, so unknown model names stay usable.
const defaultContextTokens = 200000

func loadModelContexts() {
	modelContextsOnce.Do(func() {
		modelContexts = make(map[string]int)
		// A broken embed falls through to the default for every model.
		_ = json.Unmarshal(modelContextsJSON, &modelContexts)
	})
}

// ModelContextTokens returns the context window of a model in tokens.
func ModelContextTokens(model string) int {
	loadModelContexts()
	if n, ok := modelContexts[strings.ToLower(strings.TrimSpace(model))]; ok && n > 0 {
		return n
	}
	return defaultContextTokens
}
