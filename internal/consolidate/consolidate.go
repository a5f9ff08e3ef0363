// Package consolidate implements the consolidation pipeline (spec §4.5):
// the six-stage process that moves information between the episodic,
// semantic and procedural tiers. Grounded on bd's internal/compact
// package, which runs a similarly staged, counter-reporting sweep over
// bd's issue graph; generalized here from issue compaction to memory
// consolidation, with golang.org/x/sync/errgroup and semaphore bounding
// the fan-out the compactor also uses for its batched rewrites, and
// cenkalti/backoff retrying transient adapter failures the way bd's
// sync package retries transient git-remote errors.
package consolidate

import (
	"context"
	"fmt"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/episodic"
	"github.com/cortexmem/engine/internal/procedural"
	"github.com/cortexmem/engine/internal/semantic"
	"github.com/cortexmem/engine/internal/types"
	"github.com/cortexmem/engine/internal/vecmath"
)

// Consolidator runs the six-stage pipeline over the three durable
// tiers.
type Consolidator struct {
	episodic   *episodic.Tier
	semantic   *semantic.Tier
	procedural *procedural.Tier
	clock      clockadapter.Clock
	cfg        engineconfig.ConsolidatorConfig
	lease      *Lease
	log        *zap.Logger
}

// New builds a Consolidator over the three durable tiers.
func New(ep *episodic.Tier, sem *semantic.Tier, proc *procedural.Tier, clock clockadapter.Clock, cfg engineconfig.ConsolidatorConfig, lease *Lease, log *zap.Logger) *Consolidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consolidator{episodic: ep, semantic: sem, procedural: proc, clock: clock, cfg: cfg, lease: lease, log: log}
}

// stageFn runs one pipeline stage, mutating report in place.
type stageFn func(ctx context.Context, c *Consolidator, report *Report) error

// Run executes the full pipeline as a sweep ("dream"): all six stages,
// holding the lease exclusively for stages 2-6.
func (c *Consolidator) Run(ctx context.Context) (*Report, error) {
	start := c.clock.Now()
	report := &Report{}

	if err := c.runStage(ctx, "frequency_relevance", report, stageFrequencyRelevance, false); err != nil {
		return report, err
	}

	release := c.lease.Acquire()
	defer release()

	stages := []struct {
		name string
		fn   stageFn
	}{
		{"decay", stageDecay},
		{"pattern_extraction", stagePatternExtraction},
		{"duplicate_merge", stageDuplicateMerge},
		{"knowledge_linking", stageKnowledgeLinking},
		{"retirement", stageRetirement},
	}
	for _, s := range stages {
		if err := c.runStage(ctx, s.name, report, s.fn, true); err != nil {
			return report, err
		}
	}

	report.DurationMS = c.clock.Now().Sub(start).Milliseconds()
	return report, nil
}

// RunIncremental runs only stage 1, over every stored episode; it takes
// no batch of episode ids and does not limit the update to newly stored
// episodes. Per spec §5 this never requires the consolidation lease
// and may run concurrently with an in-progress sweep.
func (c *Consolidator) RunIncremental(ctx context.Context) (*Report, error) {
	start := c.clock.Now()
	report := &Report{}
	if err := c.runStage(ctx, "frequency_relevance", report, stageFrequencyRelevance, false); err != nil {
		return report, err
	}
	report.DurationMS = c.clock.Now().Sub(start).Milliseconds()
	return report, nil
}

func (c *Consolidator) runStage(ctx context.Context, name string, report *Report, fn stageFn, exclusive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := func() error { return fn(ctx, c, report) }
	err := retryTransient(ctx, c.cfg.MaxStageRetries, op)
	if err != nil {
		report.StageErrors = append(report.StageErrors, fmt.Sprintf("%s: %v", name, err))
		c.log.Warn("consolidation stage failed", zap.String("stage", name), zap.Error(err))
		if !c.cfg.ContinueOnStageError {
			return err
		}
	}
	return nil
}

// retryTransient retries op with exponential backoff while it fails
// with a Transient AdapterFailure, making at most maxRetries retries
// after the first attempt (a maxRetries of zero or less counts as one).
func retryTransient(ctx context.Context, maxRetries int, op func() error) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if types.IsTransient(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, bo)
}

// stageFrequencyRelevance is stage 1: recompute frequency (similar-
// embedding occurrence count within the recent window) and relevance
// (cosine to the recent workspace activity centroid) for every
// episode, fanning out across disjoint episodes with a bounded
// semaphore since per-episode work touches no shared state until the
// final persisted write (spec §5 "disjoint entities may run in
// parallel").
func stageFrequencyRelevance(ctx context.Context, c *Consolidator, report *Report) error {
	all, err := c.episodic.All(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}

	window := all
	if len(window) > 50 {
		window = window[:50]
	}
	embeddings := make([][]float32, 0, len(window))
	for _, e := range window {
		if len(e.Embedding) > 0 {
			embeddings = append(embeddings, []float32(e.Embedding))
		}
	}
	centroid := vecmath.Centroid(embeddings)

	sem := semaphore.NewWeighted(8)
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range all {
		e := e
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			frequency := 0.0
			if len(e.Embedding) > 0 {
				count := 0
				for _, other := range window {
					if other.ID == e.ID || len(other.Embedding) == 0 {
						continue
					}
					if vecmath.Cosine(e.Embedding, other.Embedding) >= c.cfg.ClusterThreshold {
						count++
					}
				}
				frequency = clamp01(float64(count) / float64(nonZero(len(window)-1)))
			}
			relevance := 0.0
			if len(e.Embedding) > 0 && len(centroid) > 0 {
				relevance = clamp01(vecmath.Cosine(e.Embedding, centroid))
			}
			if err := c.episodic.UpdateFrequencyRelevance(gctx, e, frequency, relevance); err != nil {
				return err
			}
			prior := make([][]float32, 0, len(window))
			for _, other := range window {
				if other.ID == e.ID || len(other.Embedding) == 0 {
					continue
				}
				prior = append(prior, []float32(other.Embedding))
			}
			return c.episodic.RecomputeImportance(gctx, e, prior)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	report.EpisodesProcessed += len(all)
	return nil
}

func nonZero(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stageDecay is stage 2: decay stale importance, then forget anything
// that falls below the threshold.
func stageDecay(ctx context.Context, c *Consolidator, report *Report) error {
	_, err := c.episodic.ApplyDecay(ctx, c.cfg.DecayInterval.Std(), c.cfg.DecayFactor)
	if err != nil {
		return err
	}
	dropped, err := c.episodic.Forget(ctx, c.cfg.ForgetThreshold)
	if err != nil {
		return err
	}
	report.MemoriesDecayed += dropped
	return nil
}

// stagePatternExtraction is stage 3: greedy cosine agglomeration of
// Success episodes into patterns (spec §4.5 stage 3).
func stagePatternExtraction(ctx context.Context, c *Consolidator, report *Report) error {
	successes, err := c.episodic.ByOutcome(ctx, types.OutcomeSuccess, 0)
	if err != nil {
		return err
	}
	linked, err := c.linkedEpisodeIDs(ctx)
	if err != nil {
		return err
	}

	candidates := make([]*types.Episode, 0, len(successes))
	for _, e := range successes {
		if len(e.Embedding) == 0 || linked[e.ID] {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Importance > candidates[j].Importance })

	used := make(map[types.ID]bool)
	for _, seed := range candidates {
		if used[seed.ID] {
			continue
		}
		cluster := []*types.Episode{seed}
		used[seed.ID] = true
		for _, cand := range candidates {
			if used[cand.ID] || cand.Type != seed.Type {
				continue
			}
			if vecmath.Cosine(seed.Embedding, cand.Embedding) >= c.cfg.ClusterThreshold {
				cluster = append(cluster, cand)
				used[cand.ID] = true
			}
		}
		if len(cluster) < c.cfg.MinClusterSize {
			for _, e := range cluster {
				delete(used, e.ID)
			}
			used[seed.ID] = true // the seed itself stays consumed even if its cluster was too small
			continue
		}
		pattern := buildPattern(cluster)
		if err := c.procedural.Store(ctx, pattern); err != nil {
			return err
		}
		report.PatternsExtracted++
	}
	return nil
}

func (c *Consolidator) linkedEpisodeIDs(ctx context.Context) (map[types.ID]bool, error) {
	patterns, err := c.procedural.All(ctx)
	if err != nil {
		return nil, err
	}
	linked := make(map[types.ID]bool)
	for _, p := range patterns {
		for _, id := range p.ExampleEpisodeIDs {
			linked[id] = true
		}
	}
	return linked, nil
}

func buildPattern(cluster []*types.Episode) *types.Pattern {
	embeddings := make([][]float32, 0, len(cluster))
	examples := make([]types.ID, 0, len(cluster))
	bigramCounts := make(map[string]int)
	descriptions := make([]string, 0, len(cluster))
	seenDesc := make(map[string]bool)

	for _, e := range cluster {
		if len(e.Embedding) > 0 {
			embeddings = append(embeddings, []float32(e.Embedding))
		}
		examples = append(examples, e.ID)
		for i := 0; i+1 < len(e.ToolsUsed); i++ {
			bigramCounts[e.ToolsUsed[i]+"+"+e.ToolsUsed[i+1]]++
		}
		if e.Task != "" && !seenDesc[e.Task] {
			seenDesc[e.Task] = true
			descriptions = append(descriptions, e.Task)
		}
	}

	name := mostFrequentBigram(bigramCounts)
	if name == "" {
		name = "pattern-" + cluster[0].ID.String()[:8]
	}

	return &types.Pattern{
		Type:              patternTypeFor(cluster[0].Type),
		Name:              name,
		Description:       joinDeduped(descriptions),
		ExampleEpisodeIDs: examples,
		Embedding:         types.Embedding(vecmath.MeanNormalized(embeddings)),
	}
}

func mostFrequentBigram(counts map[string]int) string {
	var best string
	var bestCount int
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

func joinDeduped(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}

func patternTypeFor(et types.EpisodeType) types.PatternType {
	switch et {
	case types.EpisodeRefactor:
		return types.PatternRefactor
	case types.EpisodeBugfix:
		return types.PatternErrorRecover
	default:
		return types.PatternCode
	}
}

// stageDuplicateMerge is stage 4: collapse near-duplicate pairs within
// both the Procedural and the Episodic tiers (spec §4.5 stage 4).
func stageDuplicateMerge(ctx context.Context, c *Consolidator, report *Report) error {
	if err := mergeDuplicatePatterns(ctx, c, report); err != nil {
		return err
	}
	return mergeDuplicateEpisodes(ctx, c, report)
}

func mergeDuplicatePatterns(ctx context.Context, c *Consolidator, report *Report) error {
	patterns, err := c.procedural.All(ctx)
	if err != nil {
		return err
	}
	merged := make(map[types.ID]bool)
	for i := 0; i < len(patterns); i++ {
		if merged[patterns[i].ID] || len(patterns[i].Embedding) == 0 {
			continue
		}
		group := []types.ID{patterns[i].ID}
		for j := i + 1; j < len(patterns); j++ {
			if merged[patterns[j].ID] || len(patterns[j].Embedding) == 0 {
				continue
			}
			if patterns[i].Type != patterns[j].Type {
				continue
			}
			if vecmath.Cosine(patterns[i].Embedding, patterns[j].Embedding) >= c.cfg.DupThreshold {
				group = append(group, patterns[j].ID)
			}
		}
		if len(group) < 2 {
			continue
		}
		for _, id := range group {
			merged[id] = true
		}
		if _, err := c.procedural.Merge(ctx, group); err != nil {
			return err
		}
		report.DuplicatesMerged += len(group) - 1
	}
	return nil
}

// mergeDuplicateEpisodes collapses near-duplicate episodes, skipping any
// episode already referenced as a pattern's example (stage 3, earlier in
// the same sweep, just fixed that pattern's example set; re-merging one
// of its examples here would mean rewriting a set stage 3 just
// established rather than resolving an independent duplicate). Any
// pattern still referencing a merged-away episode id has that reference
// rewritten to the surviving merged episode.
func mergeDuplicateEpisodes(ctx context.Context, c *Consolidator, report *Report) error {
	episodes, err := c.episodic.All(ctx)
	if err != nil {
		return err
	}
	linked, err := c.linkedEpisodeIDs(ctx)
	if err != nil {
		return err
	}
	merged := make(map[types.ID]bool)
	for i := 0; i < len(episodes); i++ {
		if merged[episodes[i].ID] || linked[episodes[i].ID] || len(episodes[i].Embedding) == 0 {
			continue
		}
		group := []types.ID{episodes[i].ID}
		for j := i + 1; j < len(episodes); j++ {
			if merged[episodes[j].ID] || linked[episodes[j].ID] || len(episodes[j].Embedding) == 0 {
				continue
			}
			if episodes[i].Type != episodes[j].Type {
				continue
			}
			if vecmath.Cosine(episodes[i].Embedding, episodes[j].Embedding) >= c.cfg.DupThreshold {
				group = append(group, episodes[j].ID)
			}
		}
		if len(group) < 2 {
			continue
		}
		for _, id := range group {
			merged[id] = true
		}
		mergedEpisode, err := c.episodic.Merge(ctx, group)
		if err != nil {
			return err
		}
		for _, id := range group {
			if err := c.procedural.RewriteExampleEpisode(ctx, id, mergedEpisode.ID); err != nil {
				return err
			}
		}
		report.DuplicatesMerged += len(group) - 1
	}
	return nil
}

// stageKnowledgeLinking is stage 5: attach the top-K CodeUnits whose
// embedding is similar to each pattern, recording the association as a
// typed cross-tier edge in the same dependency store the semantic tier
// uses for code-to-code edges.
func stageKnowledgeLinking(ctx context.Context, c *Consolidator, report *Report) error {
	patterns, err := c.procedural.All(ctx)
	if err != nil {
		return err
	}
	for _, p := range patterns {
		if len(p.Embedding) == 0 {
			continue
		}
		units, err := c.semantic.Search(ctx, p.Embedding, c.cfg.LinkTopK)
		if err != nil {
			return err
		}
		for _, u := range units {
			if vecmath.Cosine(p.Embedding, u.Embedding) < c.cfg.LinkThreshold {
				continue
			}
			if _, err := c.semantic.StoreDep(ctx, p.ID, u.ID, types.DepReferences); err != nil {
				return err
			}
			report.KnowledgeLinksCreated++
		}
	}
	return nil
}

// stageRetirement is stage 6: retire underperforming patterns.
func stageRetirement(ctx context.Context, c *Consolidator, report *Report) error {
	candidates, err := c.procedural.RetirementCandidates(ctx)
	if err != nil {
		return err
	}
	for _, p := range candidates {
		if err := c.procedural.Retire(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}
