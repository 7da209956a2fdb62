package extraction

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"memoria/internal/blobmodel"
	"memoria/internal/bufferstore"
	"memoria/internal/config"
	"memoria/internal/eventstore"
	"memoria/internal/llmgateway"
	"memoria/internal/memerr"
	"memoria/internal/obs"
	"memoria/internal/profilestore"
	"memoria/internal/taxonomy"
)

// Pipeline implements the C6 extraction pipeline, adapted from the
// teacher's rag/service.Service: same functional-options construction and
// per-stage histogram timing via Metrics.ObserveHistogram.
type Pipeline struct {
	profiles profilestore.Store
	events   eventstore.Store
	gateway  *llmgateway.Gateway
	embedder llmgateway.Embedder
	taxonomy taxonomy.Config
	cfg      config.Config

	log     obs.Logger
	metrics obs.Metrics
	clock   obs.Clock
}

// Option configures a Pipeline during construction.
type Option func(*Pipeline)

func WithLogger(l obs.Logger) Option   { return func(p *Pipeline) { p.log = l } }
func WithMetrics(m obs.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }
func WithClock(c obs.Clock) Option     { return func(p *Pipeline) { p.clock = c } }

// New constructs a Pipeline.
func New(profiles profilestore.Store, events eventstore.Store, gateway *llmgateway.Gateway, embedder llmgateway.Embedder, tax taxonomy.Config, cfg config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		profiles: profiles,
		events:   events,
		gateway:  gateway,
		embedder: embedder,
		taxonomy: tax,
		cfg:      cfg,
		log:      obs.NewZerologAdapter(),
		metrics:  obs.NoopMetrics{},
		clock:    obs.SystemClock{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// Run implements stage 1 (compose + split) and, for single-split batches,
// delegates straight to runSplit; for multi-split batches it fans the
// splits out concurrently (stage 1's "bounded by errgroup" requirement)
// and merges their results (stage 7).
func (p *Pipeline) Run(ctx context.Context, userID string, batch []blobmodel.Blob) (bufferstore.ExtractionResult, error) {
	if len(batch) == 0 {
		return bufferstore.ExtractionResult{}, nil
	}

	t0 := p.clock.Now()
	groups := splitOnBoundaries(batch, p.cfg.MaxChatBlobBufferProcessTokenSize, p.gateway.CountTokensCached)
	p.metrics.ObserveHistogram("extraction_stage_ms", ms(p.clock.Now().Sub(t0)), map[string]string{"stage": "compose"})

	if len(groups) == 1 {
		return p.runSplit(ctx, userID, groups[0])
	}

	results := make([]bufferstore.ExtractionResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			r, err := p.runSplit(gctx, userID, group)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return bufferstore.ExtractionResult{}, err
	}
	return mergeSplitResults(results), nil
}

// mergeSplitResults implements stage 7: concatenate per-split results and
// dedupe add/update ids across splits.
func mergeSplitResults(results []bufferstore.ExtractionResult) bufferstore.ExtractionResult {
	merged := bufferstore.ExtractionResult{UpdateDelta: map[string]string{}}
	seenAdd := map[string]bool{}
	seenUpdate := map[string]bool{}
	var eventIDs []string
	for _, r := range results {
		for _, id := range r.AddIDs {
			if !seenAdd[id] {
				seenAdd[id] = true
				merged.AddIDs = append(merged.AddIDs, id)
			}
		}
		for _, id := range r.UpdateIDs {
			if !seenUpdate[id] {
				seenUpdate[id] = true
				merged.UpdateIDs = append(merged.UpdateIDs, id)
			}
		}
		merged.DeleteIDs = append(merged.DeleteIDs, r.DeleteIDs...)
		for k, v := range r.UpdateDelta {
			merged.UpdateDelta[k] = v
		}
		if r.EventID != "" {
			eventIDs = append(eventIDs, r.EventID)
		}
	}
	if len(eventIDs) > 0 {
		merged.EventID = eventIDs[0]
	}
	return merged
}

// runSplit implements stages 2-6 over a single, already-bounded group of
// blobs.
func (p *Pipeline) runSplit(ctx context.Context, userID string, batch []blobmodel.Blob) (bufferstore.ExtractionResult, error) {
	composed := compose(batch)

	t0 := p.clock.Now()
	facts, err := p.extractFacts(ctx, composed)
	p.metrics.ObserveHistogram("extraction_stage_ms", ms(p.clock.Now().Sub(t0)), map[string]string{"stage": "fact_extraction"})
	if err != nil {
		return bufferstore.ExtractionResult{}, err
	}
	facts = p.validateFacts(facts)
	if len(facts) == 0 {
		return bufferstore.ExtractionResult{}, nil
	}

	t0 = p.clock.Now()
	existing, err := p.profiles.List(ctx, userID, 0)
	p.metrics.ObserveHistogram("extraction_stage_ms", ms(p.clock.Now().Sub(t0)), map[string]string{"stage": "load_existing"})
	if err != nil {
		return bufferstore.ExtractionResult{}, err
	}
	index := make(map[string]profilestore.ProfileEntry, len(existing))
	for _, e := range existing {
		index[profileKey(e.Topic, e.SubTopic)] = e
	}

	t0 = p.clock.Now()
	mutations, err := p.planMerge(ctx, userID, facts, index)
	p.metrics.ObserveHistogram("extraction_stage_ms", ms(p.clock.Now().Sub(t0)), map[string]string{"stage": "merge_planning"})
	if err != nil {
		return bufferstore.ExtractionResult{}, err
	}
	if len(mutations) == 0 {
		return bufferstore.ExtractionResult{}, nil
	}

	beforeProfiles := snapshotBefore(mutations, index)

	t0 = p.clock.Now()
	result, err := p.apply(ctx, userID, mutations)
	p.metrics.ObserveHistogram("extraction_stage_ms", ms(p.clock.Now().Sub(t0)), map[string]string{"stage": "apply"})
	if err != nil {
		return bufferstore.ExtractionResult{}, err
	}

	t0 = p.clock.Now()
	eventID := p.synthesizeEvent(ctx, userID, composed, mutations, beforeProfiles)
	p.metrics.ObserveHistogram("extraction_stage_ms", ms(p.clock.Now().Sub(t0)), map[string]string{"stage": "event_synthesis"})
	result.EventID = eventID

	return result, nil
}

func profileKey(topic, subTopic string) string { return topic + "\x00" + subTopic }

// snapshotBefore captures the pre-merge content of every row an update or
// delete mutation is about to touch, for the event's audit trail — the
// `before_profiles` field the original lindorm-memobase merge result
// carries (SPEC_FULL.md §12).
func snapshotBefore(mutations []plannedMutation, index map[string]profilestore.ProfileEntry) map[string]string {
	byID := make(map[string]profilestore.ProfileEntry, len(index))
	for _, e := range index {
		byID[e.ProfileID] = e
	}
	before := map[string]string{}
	for _, m := range mutations {
		if m.Action != actionUpdate && m.Action != actionDelete {
			continue
		}
		if e, ok := byID[m.ProfileID]; ok {
			before[m.ProfileID] = e.Content
		}
	}
	return before
}

// validateFacts applies stage-2's topic/sub_topic/memo validation rules.
func (p *Pipeline) validateFacts(facts []Fact) []Fact {
	subtopicCap := taxonomy.SubTopicCap(p.cfg.MaxProfileSubtopics)
	seenSubtopics := map[string]map[string]bool{}

	out := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.Memo == "" {
			continue
		}
		topic := f.Topic
		if !p.taxonomy.Allows(topic) {
			if p.cfg.ProfileStrictMode {
				continue
			}
			topic = taxonomy.FallbackTopic
		}
		seen := seenSubtopics[topic]
		if seen == nil {
			seen = map[string]bool{}
			seenSubtopics[topic] = seen
		}
		if !seen[f.SubTopic] && len(seen) >= subtopicCap {
			continue
		}
		seen[f.SubTopic] = true
		out = append(out, Fact{Topic: topic, SubTopic: f.SubTopic, Memo: f.Memo})
	}
	return out
}

// extractFacts implements stage 2's single JSON-mode LLM call, wrapped in
// retryTransport so a transient ServiceUnavailable gets the bounded-attempt
// retry §4.5 calls for (JSON-parse failures are already handled inside
// CompleteJSON itself and never reach here as ServiceUnavailable).
func (p *Pipeline) extractFacts(ctx context.Context, composed string) ([]Fact, error) {
	var fb factBatch
	err := retryTransport(ctx, func() error {
		return p.gateway.CompleteJSON(ctx, llmgateway.CompletionRequest{
			System:   factExtractionSystemPrompt,
			Prompt:   composed,
			JSONMode: true,
			Model:    p.cfg.BestLLMModel,
		}, &fb)
	})
	if err != nil {
		return nil, err
	}
	return fb.Facts, nil
}

// planMerge implements stage 4: for each fact, classify add/update/delete/
// keep, resolving same-batch ties by letting the later fact overwrite the
// earlier fact's planned mutation in memory before any storage call.
func (p *Pipeline) planMerge(ctx context.Context, userID string, facts []Fact, index map[string]profilestore.ProfileEntry) ([]plannedMutation, error) {
	var mutations []plannedMutation
	pending := map[string]int{} // key -> index into mutations, for same-batch tie resolution

	for _, f := range facts {
		key := profileKey(f.Topic, f.SubTopic)
		existing, hasExisting := index[key]

		if !hasExisting {
			if i, ok := pending[key]; ok {
				mutations[i].Content = f.Memo
				mutations[i].Delta = f.Memo
				continue
			}
			mutations = append(mutations, plannedMutation{
				Action: actionAdd, Topic: f.Topic, SubTopic: f.SubTopic, Content: f.Memo, Delta: f.Memo,
			})
			pending[key] = len(mutations) - 1
			continue
		}

		verdict, err := p.mergeVerdict(ctx, existing.Content, f.Memo)
		if err != nil {
			return nil, err
		}
		switch verdict.Action {
		case actionKeep:
			continue
		case actionDelete:
			if !p.cfg.ProfileValidateMode {
				continue
			}
			confirmed, err := p.confirmDelete(ctx, existing.Content)
			if err != nil {
				return nil, err
			}
			if !confirmed {
				continue
			}
			mutations = append(mutations, plannedMutation{Action: actionDelete, ProfileID: existing.ProfileID})
		default: // append, replace
			content := verdict.Memo
			if content == "" {
				content = f.Memo
			}
			if i, ok := pending[key]; ok {
				mutations[i].Content = content
				mutations[i].Delta = f.Memo
				continue
			}
			mutations = append(mutations, plannedMutation{
				Action: actionUpdate, ProfileID: existing.ProfileID, Topic: f.Topic, SubTopic: f.SubTopic,
				Content: content, Delta: f.Memo,
			})
			pending[key] = len(mutations) - 1
		}
	}
	return mutations, nil
}

func (p *Pipeline) mergeVerdict(ctx context.Context, existingMemo, newMemo string) (mergeVerdict, error) {
	prompt := "Existing memo: " + existingMemo + "\nNew fact: " + newMemo
	var v mergeVerdict
	err := retryTransport(ctx, func() error {
		return p.gateway.CompleteJSON(ctx, llmgateway.CompletionRequest{
			System: mergeVerdictSystemPrompt, Prompt: prompt, JSONMode: true, Model: p.cfg.BestLLMModel,
		}, &v)
	})
	return v, err
}

func (p *Pipeline) confirmDelete(ctx context.Context, memo string) (bool, error) {
	var c deleteConfirmation
	err := retryTransport(ctx, func() error {
		return p.gateway.CompleteJSON(ctx, llmgateway.CompletionRequest{
			System: deleteConfirmSystemPrompt, Prompt: memo, JSONMode: true, Model: p.cfg.BestLLMModel,
		}, &c)
	})
	if err != nil {
		return false, err
	}
	return c.Confirmed, nil
}

// apply implements stage 5: deletes, then updates, then adds, with a
// single retry on storage errors and the surviving mutation ids tracked
// for stage 6/7.
func (p *Pipeline) apply(ctx context.Context, userID string, mutations []plannedMutation) (bufferstore.ExtractionResult, error) {
	var deletes, updates, adds []plannedMutation
	for _, m := range mutations {
		switch m.Action {
		case actionDelete:
			deletes = append(deletes, m)
		case actionUpdate:
			updates = append(updates, m)
		case actionAdd:
			adds = append(adds, m)
		}
	}

	result := bufferstore.ExtractionResult{UpdateDelta: map[string]string{}}

	if len(deletes) > 0 {
		ids := make([]string, len(deletes))
		for i, m := range deletes {
			ids[i] = m.ProfileID
		}
		if err := withRetry(func() error {
			_, err := p.profiles.Delete(ctx, userID, ids)
			return err
		}); err != nil {
			return result, err
		}
		result.DeleteIDs = ids
	}

	if len(updates) > 0 {
		specs := make([]profilestore.ProfileUpdate, len(updates))
		for i, m := range updates {
			specs[i] = profilestore.ProfileUpdate{ProfileID: m.ProfileID, Content: m.Content}
		}
		var applied []string
		if err := withRetry(func() error {
			var err error
			applied, err = p.profiles.Update(ctx, userID, specs)
			return err
		}); err != nil {
			return result, err
		}
		result.UpdateIDs = applied
		for _, m := range updates {
			result.UpdateDelta[m.ProfileID] = m.Delta
		}
	}

	if len(adds) > 0 {
		specs := make([]profilestore.NewProfile, len(adds))
		for i, m := range adds {
			specs[i] = profilestore.NewProfile{Topic: m.Topic, SubTopic: m.SubTopic, Content: m.Content}
		}
		var ids []string
		if err := withRetry(func() error {
			var err error
			ids, err = p.profiles.Add(ctx, userID, specs)
			return err
		}); err != nil {
			return result, err
		}
		result.AddIDs = ids
		for i, id := range ids {
			result.UpdateDelta[id] = adds[i].Delta
		}
	}

	return result, nil
}

const maxTransportAttempts = 2

// retryTransport retries fn with linear backoff (200ms times the attempt
// number) while it keeps failing with ServiceUnavailable, up to
// maxTransportAttempts total attempts (one retry), per §4.5's "retried by the
// extraction pipeline with bounded attempts" — any other error kind, or
// context cancellation, returns immediately without consuming remaining
// attempts.
func retryTransport(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		err = fn()
		if err == nil || !memerr.IsKind(err, memerr.ServiceUnavailable) {
			return err
		}
		if attempt == maxTransportAttempts {
			break
		}
		backoff := time.Duration(200*attempt) * time.Millisecond
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func withRetry(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	} else if err2 := fn(); err2 != nil {
		return memerr.InternalWrap(err2, "storage operation failed after retry")
	}
	return nil
}

// synthesizeEvent implements stage 6. It is best-effort: a failure here
// never fails the batch, matching SPEC_FULL.md 4.6's "event_id=null"
// degradation.
func (p *Pipeline) synthesizeEvent(ctx context.Context, userID, composed string, mutations []plannedMutation, beforeProfiles map[string]string) string {
	var synth eventSynthesis
	err := p.gateway.CompleteJSON(ctx, llmgateway.CompletionRequest{
		System: eventSynthesisSystemPrompt, Prompt: composed, JSONMode: true, Model: p.cfg.SummaryLLMModel,
	}, &synth)
	if err != nil {
		p.log.Error("extraction: event synthesis failed, profile mutations preserved", map[string]any{"error": err.Error()})
		return ""
	}

	eventData := map[string]any{
		"summary":         synth.Summary,
		"mutation_count":  len(mutations),
		"merge_plan":      mutations,
		"before_profiles": beforeProfiles,
	}
	eventID, err := p.events.PutEvent(ctx, userID, eventData, nil)
	if err != nil {
		p.log.Error("extraction: failed to persist event", map[string]any{"error": err.Error()})
		return ""
	}

	if !p.cfg.EnableEventEmbedding || p.embedder == nil {
		for _, g := range synth.Gists {
			_, _ = p.events.PutGist(ctx, userID, eventID, g, nil)
		}
		return eventID
	}

	vecs, err := p.embedder.Embed(ctx, synth.Gists, llmgateway.PhaseIndex, p.cfg.EmbeddingModel)
	if err != nil {
		p.log.Error("extraction: gist embedding failed, gists stored without vectors", map[string]any{"error": err.Error()})
		vecs = make([][]float32, len(synth.Gists))
	}
	for i, g := range synth.Gists {
		var vec []float32
		if i < len(vecs) {
			vec = vecs[i]
		}
		_, _ = p.events.PutGist(ctx, userID, eventID, g, vec)
	}
	return eventID
}
