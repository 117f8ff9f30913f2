// Package conversation holds the ordered turn history sent to the model,
// with a character-based token estimate and a front-pruning policy that
// keeps requests inside the provider's input budget.
package conversation

// Turn roles use the provider's wire values so stored history can be
// serialized verbatim.
const (
	RoleUser  = "user"
	RoleAgent = "assistant"
)

// Turn is one message in the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes the estimator and the pruning policy. Zero values fall
// back to the defaults below.
type Params struct {
	CharsPerToken  int
	MaxInputTokens int
	TargetTokens   int
	MinKeepPairs   int
}

const (
	defaultCharsPerToken  = 4
	defaultMaxInputTokens = 100000
	defaultTargetTokens   = 80000
	defaultMinKeepPairs   = 2
)

func (p Params) withDefaults() Params {
	if p.CharsPerToken <= 0 {
		p.CharsPerToken = defaultCharsPerToken
	}
	if p.MaxInputTokens <= 0 {
		p.MaxInputTokens = defaultMaxInputTokens
	}
	if p.TargetTokens <= 0 {
		p.TargetTokens = defaultTargetTokens
	}
	if p.MinKeepPairs <= 0 {
		p.MinKeepPairs = defaultMinKeepPairs
	}
	return p
}

// Store is the append-only turn history. Turns are only ever removed from
// the front, by Prune. Not safe for concurrent use; the orchestrator owns
// it on a single goroutine.
type Store struct {
	systemPrompt string
	turns        []Turn
	params       Params
}

// NewStore returns an empty history. systemPrompt is not a turn but is
// counted by the estimator, since it accompanies every request.
func NewStore(systemPrompt string, params Params) *Store {
	return &Store{
		systemPrompt: systemPrompt,
		params:       params.withDefaults(),
	}
}

// SystemPrompt returns the prompt that accompanies every request.
func (s *Store) SystemPrompt() string {
	return s.systemPrompt
}

// Append adds a turn to the end of the history.
func (s *Store) Append(turn Turn) {
	s.turns = append(s.turns, turn)
}

// Turns exposes a copy of the stored history.
func (s *Store) Turns() []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of stored turns.
func (s *Store) Len() int {
	return len(s.turns)
}

// Clear drops all turns.
func (s *Store) Clear() {
	s.turns = s.turns[:0]
}

func (s *Store) estimateText(text string) int {
	return (len(text) + s.params.CharsPerToken - 1) / s.params.CharsPerToken
}

// EstimateTokens approximates the input token count of the next request:
// system prompt, every stored turn, and the snapshot and catalog strings
// that BuildRequest will inject into the final user turn. The injected
// text is counted without being stored.
func (s *Store) EstimateTokens(snapshot, catalog string) int {
	total := s.estimateText(s.systemPrompt)
	for _, turn := range s.turns {
		total += s.estimateText(turn.Role) + s.estimateText(turn.Content)
	}
	total += s.estimateText(snapshot)
	total += s.estimateText(catalog)
	return total
}

// Prune drops turns from the front while the estimate exceeds the hard
// budget, stopping once it falls to the lower target so a single oversized
// exchange does not wipe the whole history. At least MinKeepPairs
// user/agent pairs are retained, and after dropping, leading agent turns
// are removed so the history always starts with a user turn.
func (s *Store) Prune(snapshot, catalog string) {
	if s.EstimateTokens(snapshot, catalog) <= s.params.MaxInputTokens {
		return
	}

	minKeep := s.params.MinKeepPairs * 2
	for len(s.turns) > minKeep && s.EstimateTokens(snapshot, catalog) > s.params.TargetTokens {
		s.turns = s.turns[1:]
	}

	for len(s.turns) > 0 && s.turns[0].Role != RoleUser {
		s.turns = s.turns[1:]
	}
}

// BuildRequest returns the turns to send. Only the final user turn is
// enriched: the fresh snapshot and catalog are prefixed and the literal
// original request is appended. Stored history is never mutated.
func (s *Store) BuildRequest(snapshot, catalog string) []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)

	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleUser {
			continue
		}
		out[i].Content = "Current session state:\n" + snapshot +
			"\n\n" + catalog +
			"\nUser request: " + out[i].Content
		break
	}
	return out
}
