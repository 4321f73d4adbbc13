// Package forest implements a generic random-forest engine: training
// and evaluation of ensembles of binary decision trees over a
// caller-supplied label type, feature functor, and node/output
// probability distribution. The discrete and circular packages are thin
// specializations built on top of this package's Model[L] hook bundle.
package forest

import (
	"log/slog"

	"github.com/google/uuid"
)

// Forest is a trained (or in-progress) ensemble of trees over label
// type L. It is parameterized by a Model[L], which supplies the
// specialization-specific impurity measurement, split search, and
// header serialization hooks; Forest itself only knows about the
// generic tree-array structure and the training/inference algorithms
// that operate on it.
type Forest[L any] struct {
	id    uuid.UUID
	model Model[L]
	log   *slog.Logger

	trees     []*tree[L]
	depth     int
	numParams int

	fitSplitNodes bool

	// featureHeader and featureDef are opaque, caller-defined strings
	// describing how raw examples map onto feature indices. Forest
	// never interprets them; it only persists and restores them
	// verbatim, the same contract original_source's
	// setFeatureDefinitionString gives its callers.
	featureHeader string
	featureDef    string
}

// Option configures a Forest at construction time.
type Option[L any] func(*Forest[L])

// WithLogger overrides the default slog.Logger (slog.Default()) a
// Forest holds. Training, loading and inference in this package do not
// write log records to it.
func WithLogger[L any](log *slog.Logger) Option[L] {
	return func(f *Forest[L]) { f.log = log }
}

// New constructs an empty, untrained Forest over the given Model.
// Call Train to populate it, or Load to restore one from a model file.
func New[L any](model Model[L], opts ...Option[L]) *Forest[L] {
	f := &Forest[L]{
		id:    uuid.New(),
		model: model,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID returns this forest's process-local identity, used as the
// "forest_id" label on every metric this package emits. A forest
// restored via Load gets a fresh ID; IDs are never persisted.
func (f *Forest[L]) ID() uuid.UUID { return f.id }

// NumTrees returns the number of trees currently held by the forest.
func (f *Forest[L]) NumTrees() int { return len(f.trees) }

// Depth returns the configured maximum tree depth.
func (f *Forest[L]) Depth() int { return f.depth }

// SetFeatureDefinition records the caller-defined header line and
// feature-definition string that describe how raw examples map onto
// the parameter-indexed scores the Model's feature functor computes.
// Both strings are opaque to Forest and are persisted verbatim by Save.
func (f *Forest[L]) SetFeatureDefinition(header, featureDef string) {
	f.featureHeader = header
	f.featureDef = featureDef
}

// FeatureDefinition returns the strings last set by SetFeatureDefinition,
// or the ones restored by Load.
func (f *Forest[L]) FeatureDefinition() (header, featureDef string) {
	return f.featureHeader, f.featureDef
}

// Leaves returns a borrowed reference to every leaf posterior across
// every tree in the forest. Forest itself never interprets what it
// finds there; this exists so a specialization-specific, post-training
// adjustment (the discrete classifier's temperature-raising softmax
// smoothing, for instance) can walk and mutate every leaf in place
// without Forest needing a hook for every such operation a
// specialization might want.
func (f *Forest[L]) Leaves() []Distribution[L] {
	var leaves []Distribution[L]
	for _, t := range f.trees {
		for i := range t.nodes {
			if t.nodes[i].isLeaf {
				leaves = append(leaves, t.nodes[i].posterior)
			}
		}
	}
	return leaves
}
