// Package engineconfig loads the engine's tunable weights, thresholds, and
// capacities from a TOML file via github.com/BurntSushi/toml, mirroring
// bd's own choice of a TOML-family config format for its CLI layer.
// Most tunable weights, thresholds, half-lives, and batch sizes live here
// as fields with documented defaults. A few remain literals in other
// packages: the outcome weights (types.Outcome.Weight), the priority
// weights (types.Priority.Weight), and consolidation stage 1's centroid
// window (50 episodes) and fan-out (8).
package engineconfig

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// WorkingConfig configures the working tier (spec §4.1).
type WorkingConfig struct {
	MaxItems     int     `toml:"max_items"`
	MaxBytes     int64   `toml:"max_bytes"`
	HalfLife     Duration `toml:"recency_half_life"`
	WeightPriority float64 `toml:"weight_priority"`
	WeightRecency  float64 `toml:"weight_recency"`
	WeightFrequency float64 `toml:"weight_frequency"`
}

// EpisodicConfig configures importance scoring and forgetting (spec §4.2).
type EpisodicConfig struct {
	RecencyHalfLife Duration `toml:"recency_half_life"`
	ComplexityK     float64  `toml:"complexity_k"`
	ComplexityM     float64  `toml:"complexity_m"`

	WeightRecency    float64 `toml:"weight_recency"`
	WeightFrequency  float64 `toml:"weight_frequency"`
	WeightOutcome    float64 `toml:"weight_outcome"`
	WeightComplexity float64 `toml:"weight_complexity"`
	WeightNovelty    float64 `toml:"weight_novelty"`
	WeightRelevance  float64 `toml:"weight_relevance"`
}

// SemanticConfig configures the dependency graph (spec §4.3).
type SemanticConfig struct {
	MaxTraversalDepth int `toml:"max_traversal_depth"`
}

// ProceduralConfig configures pattern retirement and merge (spec §4.4).
type ProceduralConfig struct {
	RetirementThreshold    float64 `toml:"retirement_threshold"`
	RetirementMinApplications int64 `toml:"retirement_min_applications"`
	MergeThreshold         float64 `toml:"merge_threshold"`
}

// ConsolidatorConfig configures the six consolidation stages (spec §4.5).
type ConsolidatorConfig struct {
	BatchSize             int     `toml:"batch_size"`
	DecayInterval         Duration `toml:"decay_interval"`
	DecayFactor           float64 `toml:"decay_factor"`
	ForgetThreshold       float64 `toml:"forget_threshold"`
	ClusterThreshold      float64 `toml:"cluster_threshold"`
	MinClusterSize        int     `toml:"min_cluster_size"`
	DupThreshold          float64 `toml:"dup_threshold"`
	LinkThreshold         float64 `toml:"link_threshold"`
	LinkTopK              int     `toml:"link_top_k"`
	MaxCandidateClusters  int     `toml:"max_candidate_clusters"`
	ContinueOnStageError  bool    `toml:"continue_on_stage_error"`
	MaxStageRetries       int     `toml:"max_stage_retries"`
}

// QueryConfig configures the unified recall composite score (spec §4.6).
type QueryConfig struct {
	EpisodeWeights ScoreWeights `toml:"episode_weights"`
	UnitWeights    ScoreWeights `toml:"unit_weights"`
	PatternWeights ScoreWeights `toml:"pattern_weights"`
}

// ScoreWeights are the (α, β, γ, δ) composite-score coefficients from
// spec §4.6.
type ScoreWeights struct {
	Similarity float64 `toml:"similarity"`
	Importance float64 `toml:"importance"`
	Recency    float64 `toml:"recency"`
	SuccessRate float64 `toml:"success_rate"`
}

// EngineConfig is the full set of tunables the engine reads. All defaults
// below are configuration, not contract, per spec §9 — tests parameterize
// rather than hardcode them.
type EngineConfig struct {
	Working     WorkingConfig     `toml:"working"`
	Episodic    EpisodicConfig    `toml:"episodic"`
	Semantic    SemanticConfig    `toml:"semantic"`
	Procedural  ProceduralConfig  `toml:"procedural"`
	Consolidator ConsolidatorConfig `toml:"consolidator"`
	Query       QueryConfig       `toml:"query"`
}

// Duration wraps time.Duration so TOML's string durations ("5m") decode
// without a custom parser at every call site.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration with every default named in spec.md.
func Default() *EngineConfig {
	return &EngineConfig{
		Working: WorkingConfig{
			MaxItems:        7,
			MaxBytes:        1 << 20,
			HalfLife:        Duration(5 * time.Minute),
			WeightPriority:  0.5,
			WeightRecency:   0.3,
			WeightFrequency: 0.2,
		},
		Episodic: EpisodicConfig{
			RecencyHalfLife: Duration(30 * 24 * time.Hour),
			ComplexityK:     10,
			ComplexityM:     5,
			WeightRecency:    0.25,
			WeightFrequency:  0.15,
			WeightOutcome:    0.20,
			WeightComplexity: 0.15,
			WeightNovelty:    0.10,
			WeightRelevance:  0.15,
		},
		Semantic: SemanticConfig{
			MaxTraversalDepth: 8,
		},
		Procedural: ProceduralConfig{
			RetirementThreshold:       0.2,
			RetirementMinApplications: 10,
			MergeThreshold:            0.92,
		},
		Consolidator: ConsolidatorConfig{
			BatchSize:            500,
			DecayInterval:        Duration(14 * 24 * time.Hour),
			DecayFactor:          0.95,
			ForgetThreshold:      0.1,
			ClusterThreshold:     0.85,
			MinClusterSize:       3,
			DupThreshold:         0.97,
			LinkThreshold:        0.75,
			LinkTopK:             5,
			MaxCandidateClusters: 1000,
			ContinueOnStageError: false,
			MaxStageRetries:      3,
		},
		Query: QueryConfig{
			EpisodeWeights: ScoreWeights{Similarity: 0.6, Importance: 0.2, Recency: 0.1, SuccessRate: 0.1},
			UnitWeights:    ScoreWeights{Similarity: 0.7, Importance: 0.1, Recency: 0.1, SuccessRate: 0.1},
			PatternWeights: ScoreWeights{Similarity: 0.5, Importance: 0.1, Recency: 0.1, SuccessRate: 0.3},
		},
	}
}

// Load reads an EngineConfig from a TOML file at path, filling any field
// left unset by the file with the documented default.
func Load(path string) (*EngineConfig, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode engine config %s: %w", path, err)
	}
	return cfg, nil
}
