// Package retrieval implements the C7 context assembler: it reads the
// profile and event stores (never writes to them) and renders a single
// token-budgeted context string for prompt injection.
package retrieval

// Options is the per-call "config_overrides" the façade's
// GetConversationContext/GetRelevantProfiles accept, layered on top of the
// engine-wide Config.
type Options struct {
	MaxTokenSize      int
	ProfileEventRatio float64

	OnlyTopics      []string
	PreferTopics    []string
	TopicLimits     map[string]int
	MaxSubtopicSize int

	FullProfileAndOnlySearchEvent bool
	MaxPreviousChats              int

	EventSimilarityThreshold float64
	EventWindowDays          int
	FillWindowWithEvents     bool
}

// DefaultOptions returns the engine's baseline retrieval behavior: a 4096
// token budget split 60/40 between profile and events, no topic
// restrictions, the LLM filter enabled, and no gap-fill.
func DefaultOptions() Options {
	return Options{
		MaxTokenSize:             4096,
		ProfileEventRatio:        0.6,
		MaxSubtopicSize:          0,
		MaxPreviousChats:         6,
		EventSimilarityThreshold: 0.7,
		EventWindowDays:          0,
		FillWindowWithEvents:     false,
	}
}

// Options is used as-is by the assembler: it is the caller's complete
// override set, not merged field-by-field against DefaultOptions. A caller
// that wants the baseline behavior passes DefaultOptions(); a caller that
// explicitly sets MaxTokenSize to 0 gets an empty context back, since a
// zero-or-negative budget leaves no room to render anything (4.7's token
// accounting is the sole gate, with no implicit floor).
