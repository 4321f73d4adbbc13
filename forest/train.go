package forest

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Examples gives the training algorithm access to a caller's dataset
// without copying it: the forest only ever needs the label at a given
// example index and the total example count.
type Examples[L any] interface {
	NumExamples() int
	Label(exampleIndex int) L
}

// Features evaluates a single example against a candidate parameter
// vector, the pointwise form used when routing one example through an
// already-built tree (Predict) and as the fallback split-search path.
type Features interface {
	Evaluate(exampleIndex int, params []int) float64
}

// GroupFeatures is the optional groupwise extension of Features: a
// feature source that can score every example in a bag against one
// parameter vector in a single call, letting batched extractors
// amortize setup cost across a node's whole bag instead of paying it
// once per example. Train uses this path when the caller's Features
// value implements it.
type GroupFeatures interface {
	Features
	EvaluateGroup(ids []int, params []int) []float64
}

// Train fits cfg.NumTrees trees from scratch, replacing any trees the
// Forest already holds. Each tree is trained by an independent
// goroutine out of a worker pool sized to GOMAXPROCS, pulling tree
// indices off a shared atomic counter — the same disjoint-write
// parallelism pattern as the teacher's commitLinks worker pool, safe
// without locking because every tree owns a disjoint slice of f.trees.
func (f *Forest[L]) Train(ctx context.Context, cfg Config, examples Examples[L], features Features, paramGen ParameterGenerator) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.depth = cfg.MaxDepth
	f.numParams = cfg.NumParams
	f.fitSplitNodes = cfg.FitSplitNodes

	trees := make([]*tree[L], cfg.NumTrees)
	seeds := seedSourceFor(cfg)

	var nextTree atomic.Int64
	var firstErr atomic.Value // stores error
	workers := runtime.GOMAXPROCS(0)
	if workers > cfg.NumTrees {
		workers = cfg.NumTrees
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := int(nextTree.Add(1)) - 1
				if i >= cfg.NumTrees {
					return
				}
				select {
				case <-ctx.Done():
					firstErr.CompareAndSwap(nil, ctx.Err())
					return
				default:
				}
				start := time.Now()
				rng := seeds.rngForTree(i)
				t := newTree[L](cfg.MaxDepth)
				var bag Bag
				if cfg.Bagging {
					bag = sampleBag(rng, examples.NumExamples(), cfg.BagProportion)
				} else {
					bag = fullBag(examples.NumExamples())
				}
				f.buildTree(rng, cfg, t, 0, 0, bag, examples, features, paramGen)
				trees[i] = t
				metrics.treesTrained.WithLabelValues(f.id.String()).Inc()
				metrics.treeTrainTime.WithLabelValues(f.id.String()).Observe(time.Since(start).Seconds())
			}
		}()
	}
	wg.Wait()

	if v := firstErr.Load(); v != nil {
		return v.(error)
	}
	f.trees = trees
	metrics.liveForestSize.WithLabelValues(f.id.String()).Set(float64(len(f.trees)))
	return nil
}

func seedSourceFor(cfg Config) seedSource {
	if cfg.UseSeed {
		return fixedSeedSource{master: cfg.Seed}
	}
	return cryptoSeedSource{}
}

// fullBag returns the index set [0, n), used in place of sampleBag when
// bagging is disabled so every tree trains on the whole dataset.
func fullBag(n int) Bag {
	bag := make(Bag, n)
	for i := range bag {
		bag[i] = i
	}
	return bag
}

// sampleBag draws a subsample of floor(proportion*n) distinct example
// indices from [0, n) without replacement, via a partial Fisher-Yates
// shuffle: shuffle the full index set and truncate to the requested
// size, so every kept index is unique and every unkept one was equally
// likely to have been chosen instead.
func sampleBag(rng *rand.Rand, n int, proportion float64) Bag {
	size := int(proportion * float64(n))
	if size < 1 {
		size = 1
	}
	if size > n {
		size = n
	}
	indices := fullBag(n)
	for i := 0; i < size; i++ {
		j := i + rng.IntN(n-i)
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices[:size]
}

// buildTree recursively fits the subtree rooted at nodeIdx from the
// given bag, following the step (a)-(d) trial loop: generate a
// candidate parameter vector, score the bag, sweep for the best
// threshold, and keep the best trial across cfg.NumParamCombos attempts
// before falling back to a leaf.
func (f *Forest[L]) buildTree(rng *rand.Rand, cfg Config, t *tree[L], nodeIdx, depth int, bag Bag, examples Examples[L], features Features, paramGen ParameterGenerator) {
	labels := make([]L, len(bag))
	for i, idx := range bag {
		labels[i] = examples.Label(idx)
	}
	dist := f.model.NewDistribution()
	dist.Fit(labels)

	forceLeaf := func(reason string) {
		dist.Normalise()
		t.nodes[nodeIdx] = node[L]{isLeaf: true, posterior: dist}
		metrics.leavesForced.WithLabelValues(f.id.String(), reason).Inc()
	}

	if depth >= cfg.MaxDepth {
		forceLeaf(reasonMaxDepth)
		return
	}
	if len(bag) < cfg.MinTrainingData {
		forceLeaf(reasonMinTrainingData)
		return
	}

	parentImpurity := f.model.Impurity(dist)

	var (
		bestGain   float64
		bestOK     bool
		bestParams []int
		bestSplit  SplitResult
	)
	params := make([]int, cfg.NumParams)
	for trial := 0; trial < cfg.NumParamCombos; trial++ {
		paramGen.Generate(rng, params)
		scores := evaluateGroup(bag, params, features)
		metrics.splitAttempts.WithLabelValues(f.id.String()).Inc()
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, si := range scores {
			lo, hi = math.Min(lo, si.Score), math.Max(hi, si.Score)
		}
		if hi-lo <= math.SmallestNonzeroFloat32*float64(len(bag)) {
			// No variation across the bag: the trial fails.
			continue
		}
		result := f.model.BestSplit(scores, labels, parentImpurity)
		if result.OK && (!bestOK || result.InfoGain > bestGain) {
			bestOK = true
			bestGain = result.InfoGain
			bestSplit = result
			bestParams = append(bestParams[:0], params...)
		}
	}

	if !bestOK || bestGain <= f.model.MinInfoGain() {
		forceLeaf(reasonNoGain)
		return
	}

	leftBag, rightBag := partitionBag(bag, bestParams, bestSplit.Threshold, features)
	if len(leftBag) == 0 || len(rightBag) == 0 {
		forceLeaf(reasonNoGain)
		return
	}
	metrics.splitsAccepted.WithLabelValues(f.id.String()).Inc()

	n := &t.nodes[nodeIdx]
	n.isLeaf = false
	n.params = bestParams
	n.threshold = bestSplit.Threshold
	if cfg.FitSplitNodes {
		dist.Normalise()
		n.posterior = dist
	}

	left, right := children(nodeIdx)
	f.buildTree(rng, cfg, t, left, depth+1, leftBag, examples, features, paramGen)
	f.buildTree(rng, cfg, t, right, depth+1, rightBag, examples, features, paramGen)
}

// evaluateGroup scores every example in bag against params, preferring
// the caller's GroupFeatures batch path when available.
func evaluateGroup(bag Bag, params []int, features Features) []ScoreIndex {
	out := make([]ScoreIndex, len(bag))
	if gf, ok := features.(GroupFeatures); ok {
		scores := gf.EvaluateGroup(bag, params)
		for i, idx := range bag {
			out[i] = ScoreIndex{Score: scores[i], Index: idx}
		}
		return out
	}
	for i, idx := range bag {
		out[i] = ScoreIndex{Score: features.Evaluate(idx, params), Index: idx}
	}
	return out
}

// partitionBag routes each example in bag left or right of threshold
// using the same parameter vector and feature source the split was
// chosen with.
func partitionBag(bag Bag, params []int, threshold float64, features Features) (left, right Bag) {
	scores := evaluateGroup(bag, params, features)
	for _, si := range scores {
		if si.Score < threshold {
			left = append(left, si.Index)
		} else {
			right = append(right, si.Index)
		}
	}
	return left, right
}
