package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"memoria/internal/blobmodel"
	"memoria/internal/config"
	"memoria/internal/eventstore"
	"memoria/internal/llmgateway"
	"memoria/internal/obs"
	"memoria/internal/profilestore"
)

const advisorySentence = "The following is long-term memory about the user; prefer the live conversation when the two conflict."

const filterSystemPrompt = `Given a user profile and the recent conversation, decide which profile entries
are relevant to keep in context. Return JSON: {"reason": string, "profiles": [string]} where profiles is the
list of profile ids worth keeping. Do not invent ids that are not in the input.`

// Assembler implements C7: it reads C2/C3, optionally asks C5 to filter and
// to embed a search query, and renders a single bounded context string. It
// never writes to either store.
type Assembler struct {
	profiles profilestore.Store
	events   eventstore.Store
	gateway  *llmgateway.Gateway
	embedder llmgateway.Embedder
	cfg      config.Config

	log     obs.Logger
	metrics obs.Metrics
	clock   obs.Clock
}

// Option configures an Assembler during construction.
type Option func(*Assembler)

func WithLogger(l obs.Logger) Option   { return func(a *Assembler) { a.log = l } }
func WithMetrics(m obs.Metrics) Option { return func(a *Assembler) { a.metrics = m } }
func WithClock(c obs.Clock) Option     { return func(a *Assembler) { a.clock = c } }

// New constructs an Assembler.
func New(profiles profilestore.Store, events eventstore.Store, gateway *llmgateway.Gateway, embedder llmgateway.Embedder, cfg config.Config, opts ...Option) *Assembler {
	a := &Assembler{
		profiles: profiles,
		events:   events,
		gateway:  gateway,
		embedder: embedder,
		cfg:      cfg,
		log:      obs.NewZerologAdapter(),
		metrics:  obs.NoopMetrics{},
		clock:    obs.SystemClock{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// GetRelevantProfiles runs stages 1-2 only: the candidate set plus the
// optional LLM filter, with no event search or rendering.
func (a *Assembler) GetRelevantProfiles(ctx context.Context, userID string, tail []blobmodel.ChatMessage, opts Options) ([]profilestore.ProfileEntry, error) {
	candidates, _, err := a.candidateSet(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	return a.filterProfiles(ctx, candidates, tail, opts), nil
}

// GetConversationContext implements 4.7 in full: candidate set, concurrent
// filter+search, optional gap-fill, then the fixed-template render.
func (a *Assembler) GetConversationContext(ctx context.Context, userID string, tail []blobmodel.ChatMessage, opts Options) (string, error) {
	if opts.MaxTokenSize <= 0 {
		return "", nil
	}

	t0 := a.clock.Now()
	candidates, profileTokens, err := a.candidateSet(ctx, userID, opts)
	a.metrics.ObserveHistogram("retrieval_stage_ms", ms(a.clock.Now().Sub(t0)), map[string]string{"stage": "candidate_set"})
	if err != nil {
		return "", err
	}

	var (
		filtered []profilestore.ProfileEntry
		gists    []eventstore.Gist
	)
	t0 = a.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		filtered = a.filterProfiles(gctx, candidates, tail, opts)
		return nil
	})
	g.Go(func() error {
		eventBudget := opts.MaxTokenSize - profileTokens
		gists = a.searchEvents(gctx, userID, tail, eventBudget, opts)
		return nil
	})
	_ = g.Wait()
	a.metrics.ObserveHistogram("retrieval_stage_ms", ms(a.clock.Now().Sub(t0)), map[string]string{"stage": "filter_and_search"})

	usedTokens := profileTokensOf(filtered)
	if opts.FillWindowWithEvents {
		t0 = a.clock.Now()
		gists = a.gapFill(ctx, userID, gists, opts.MaxTokenSize-usedTokens, opts)
		a.metrics.ObserveHistogram("retrieval_stage_ms", ms(a.clock.Now().Sub(t0)), map[string]string{"stage": "gap_fill"})
	}

	return render(filtered, gists, tail, opts.MaxTokenSize), nil
}

// candidateSet implements stage 1: whitelist, preference reorder, per-topic
// caps, then token-budget truncation at profile_budget = max_token_size *
// profile_event_ratio. It returns the kept rows plus their total token cost.
func (a *Assembler) candidateSet(ctx context.Context, userID string, opts Options) ([]profilestore.ProfileEntry, int, error) {
	rows, err := a.profiles.List(ctx, userID, 0)
	if err != nil {
		return nil, 0, err
	}

	if len(opts.OnlyTopics) > 0 {
		allow := make(map[string]bool, len(opts.OnlyTopics))
		for _, t := range opts.OnlyTopics {
			allow[t] = true
		}
		kept := rows[:0:0]
		for _, r := range rows {
			if allow[r.Topic] {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	if len(opts.PreferTopics) > 0 {
		rows = reorderByPreference(rows, opts.PreferTopics)
	}

	if len(opts.TopicLimits) > 0 || opts.MaxSubtopicSize > 0 {
		rows = applyTopicCaps(rows, opts.TopicLimits, opts.MaxSubtopicSize)
	}

	profileBudget := int(float64(opts.MaxTokenSize) * opts.ProfileEventRatio)
	var kept []profilestore.ProfileEntry
	used := 0
	for _, r := range rows {
		t := blobmodel.CountTokens(profileLine(r))
		if used+t > profileBudget {
			break
		}
		kept = append(kept, r)
		used += t
	}
	return kept, used, nil
}

// reorderByPreference stably moves rows whose topic is in prefer ahead of
// the rest, preserving relative order within each group.
func reorderByPreference(rows []profilestore.ProfileEntry, prefer []string) []profilestore.ProfileEntry {
	rank := make(map[string]int, len(prefer))
	for i, t := range prefer {
		rank[t] = i
	}
	out := make([]profilestore.ProfileEntry, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Topic]
		rj, jok := rank[out[j].Topic]
		if iok && jok {
			return ri < rj
		}
		return iok && !jok
	})
	return out
}

// applyTopicCaps drops rows beyond each topic's per-topic limit (falling
// back to the global max) while preserving input order.
func applyTopicCaps(rows []profilestore.ProfileEntry, limits map[string]int, globalMax int) []profilestore.ProfileEntry {
	seen := map[string]int{}
	var out []profilestore.ProfileEntry
	for _, r := range rows {
		limit, ok := limits[r.Topic]
		if !ok {
			limit = globalMax
		}
		if limit > 0 && seen[r.Topic] >= limit {
			continue
		}
		seen[r.Topic]++
		out = append(out, r)
	}
	return out
}

// filterProfiles implements stage 2: an optional LLM filter over the
// candidate set. A disabled filter, an empty tail, or an LLM failure all
// fall back to the unfiltered candidate set.
func (a *Assembler) filterProfiles(ctx context.Context, candidates []profilestore.ProfileEntry, tail []blobmodel.ChatMessage, opts Options) []profilestore.ProfileEntry {
	if opts.FullProfileAndOnlySearchEvent || len(tail) == 0 || len(candidates) == 0 {
		return candidates
	}

	prompt := renderProfilesForFilter(candidates) + "\n\nRecent conversation:\n" + blobmodel.RenderChat(recentTail(tail, opts.MaxPreviousChats))

	var out struct {
		Reason   string   `json:"reason"`
		Profiles []string `json:"profiles"`
	}
	if err := a.gateway.CompleteJSON(ctx, llmgateway.CompletionRequest{
		System: filterSystemPrompt, Prompt: prompt, JSONMode: true, Model: a.cfg.BestLLMModel,
	}, &out); err != nil {
		a.log.Error("retrieval: profile filter failed, falling back to unfiltered candidates", map[string]any{"error": err.Error()})
		return candidates
	}

	keep := make(map[string]bool, len(out.Profiles))
	for _, id := range out.Profiles {
		keep[id] = true
	}
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if keep[c.ProfileID] {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// searchEvents implements stage 3: a similarity search when embeddings are
// enabled, a plain recency read otherwise, truncated to budget tokens.
func (a *Assembler) searchEvents(ctx context.Context, userID string, tail []blobmodel.ChatMessage, budget int, opts Options) []eventstore.Gist {
	if budget <= 0 {
		return nil
	}

	const topK = 60
	var scored []eventstore.ScoredGist
	if a.cfg.EnableEventEmbedding && a.embedder != nil && len(tail) > 0 {
		query := blobmodel.RenderChat(recentTail(tail, opts.MaxPreviousChats))
		vecs, err := a.embedder.Embed(ctx, []string{query}, llmgateway.PhaseQuery, a.cfg.EmbeddingModel)
		if err != nil {
			a.log.Error("retrieval: event query embedding failed, falling back to recent gists", map[string]any{"error": err.Error()})
		} else {
			scored, err = a.events.SearchGists(ctx, userID, vecs[0], topK, opts.EventSimilarityThreshold, opts.EventWindowDays)
			if err != nil {
				a.log.Error("retrieval: event search failed, falling back to recent gists", map[string]any{"error": err.Error()})
				scored = nil
			}
		}
	}

	var gists []eventstore.Gist
	if len(scored) > 0 {
		for _, s := range scored {
			gists = append(gists, s.Gist)
		}
	} else {
		recent, err := a.events.RecentGists(ctx, userID, topK, opts.EventWindowDays)
		if err != nil {
			a.log.Error("retrieval: recent gist lookup failed", map[string]any{"error": err.Error()})
			return nil
		}
		gists = recent
	}

	return truncateGists(gists, budget)
}

// gapFill implements stage 4: append older gists, by recency, until budget
// is exhausted, skipping ids already present.
func (a *Assembler) gapFill(ctx context.Context, userID string, have []eventstore.Gist, budget int, opts Options) []eventstore.Gist {
	if budget <= 0 {
		return have
	}
	present := make(map[string]bool, len(have))
	for _, g := range have {
		present[g.GistID] = true
	}
	older, err := a.events.RecentGists(ctx, userID, 200, 0)
	if err != nil {
		a.log.Error("retrieval: gap-fill lookup failed", map[string]any{"error": err.Error()})
		return have
	}
	used := tokensOfGists(have)
	out := append([]eventstore.Gist{}, have...)
	for _, g := range older {
		if present[g.GistID] {
			continue
		}
		t := blobmodel.CountTokens(g.Content)
		if used+t > budget {
			continue
		}
		out = append(out, g)
		present[g.GistID] = true
		used += t
	}
	return out
}

func truncateGists(gists []eventstore.Gist, budget int) []eventstore.Gist {
	var out []eventstore.Gist
	used := 0
	for _, g := range gists {
		t := blobmodel.CountTokens(g.Content)
		if used+t > budget {
			break
		}
		out = append(out, g)
		used += t
	}
	return out
}

func tokensOfGists(gists []eventstore.Gist) int {
	n := 0
	for _, g := range gists {
		n += blobmodel.CountTokens(g.Content)
	}
	return n
}

func profileTokensOf(rows []profilestore.ProfileEntry) int {
	n := 0
	for _, r := range rows {
		n += blobmodel.CountTokens(profileLine(r))
	}
	return n
}

func profileLine(r profilestore.ProfileEntry) string {
	return "- " + r.Topic + "::" + r.SubTopic + ": " + r.Content
}

func recentTail(tail []blobmodel.ChatMessage, n int) []blobmodel.ChatMessage {
	if n <= 0 || n >= len(tail) {
		return tail
	}
	return tail[len(tail)-n:]
}

func renderProfilesForFilter(rows []profilestore.ProfileEntry) string {
	var b strings.Builder
	b.WriteString("Profile:\n")
	for _, r := range rows {
		b.WriteString(r.ProfileID)
		b.WriteString(" ")
		b.WriteString(profileLine(r))
		b.WriteString("\n")
	}
	return b.String()
}

// render implements stage 5's fixed template. Sections with nothing to show
// are omitted entirely rather than rendered empty.
func render(profiles []profilestore.ProfileEntry, gists []eventstore.Gist, tail []blobmodel.ChatMessage, maxTokenSize int) string {
	var b strings.Builder
	b.WriteString("---\n# Memory\n")
	b.WriteString(advisorySentence)
	b.WriteString("\n")

	if len(profiles) > 0 {
		b.WriteString("## User Current Profile:\n")
		for _, p := range profiles {
			b.WriteString(profileLine(p))
			b.WriteString("\n")
		}
	}

	if len(gists) > 0 {
		b.WriteString("## Past Events:\n")
		for _, g := range gists {
			b.WriteString(g.Content)
			b.WriteString("\n")
		}
	}

	if len(tail) > 0 {
		b.WriteString("## Current Session Context:\n")
		b.WriteString(blobmodel.RenderChat(tail))
	}

	b.WriteString("---")

	out := b.String()
	if blobmodel.CountTokens(out) > maxTokenSize {
		return truncateToTokens(out, maxTokenSize)
	}
	return out
}

// truncateToTokens is the last-resort clamp when the rendered template
// itself (headers, advisory sentence, tail) pushes past budget even though
// each stage already truncated its own section.
func truncateToTokens(s string, maxTokens int) string {
	for blobmodel.CountTokens(s) > maxTokens && len(s) > 0 {
		cut := len(s) * 9 / 10
		if cut == len(s) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
