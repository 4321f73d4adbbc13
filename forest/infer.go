package forest

import (
	"runtime"
	"sync"
)

// Predict routes a single example through every tree and combines the
// resulting leaf posteriors into one normalised Distribution. This is
// the pointwise inference path: each tree lookup evaluates the feature
// functor one example at a time, suited to serving a single query.
func (f *Forest[L]) Predict(features Features, exampleIndex int) Distribution[L] {
	result := f.model.NewDistribution()
	result.Reset()
	for _, t := range f.trees {
		leaf := walkPointwise(t, features, exampleIndex)
		result.Combine(leaf)
	}
	result.Normalise()
	return result
}

// walkPointwise descends t from the root, evaluating features at each
// split node for the single example exampleIndex, and returns the leaf
// posterior reached.
func walkPointwise[L any](t *tree[L], features Features, exampleIndex int) Distribution[L] {
	idx := 0
	for {
		n := &t.nodes[idx]
		if n.isLeaf {
			return n.posterior
		}
		score := features.Evaluate(exampleIndex, n.params)
		left, right := children(idx)
		if score < n.threshold {
			idx = left
		} else {
			idx = right
		}
	}
}

// PredictGroup routes a batch of examples through every tree at once,
// evaluating the feature functor for every example still active at a
// given node before descending, so a GroupFeatures implementation can
// batch its work across the whole frontier of a level instead of one
// example at a time. Trees are routed in parallel, one goroutine each;
// the per-id combine runs afterwards in tree order. Returns one
// normalised Distribution per id, in the same order as ids.
func (f *Forest[L]) PredictGroup(features Features, ids []int) []Distribution[L] {
	results := make([]Distribution[L], len(ids))
	for i := range results {
		d := f.model.NewDistribution()
		d.Reset()
		results[i] = d
	}

	leavesPerTree := make([][]Distribution[L], len(f.trees))
	var wg sync.WaitGroup
	wg.Add(len(f.trees))
	for ti, t := range f.trees {
		go func(ti int, t *tree[L]) {
			defer wg.Done()
			leavesPerTree[ti] = walkGroupwise(t, features, ids)
		}(ti, t)
	}
	wg.Wait()
	for _, leaves := range leavesPerTree {
		for i, leaf := range leaves {
			results[i].Combine(leaf)
		}
	}
	for _, d := range results {
		d.Normalise()
	}
	return results
}

// walkGroupwise descends t level by level, keeping the set of ids still
// active at each node and evaluating the whole active set for a node in
// one EvaluateGroup call before splitting it into the two child sets.
// Returns the leaf posterior each id in ids ends up at, aligned by
// index with ids.
func walkGroupwise[L any](t *tree[L], features Features, ids []int) []Distribution[L] {
	leaves := make([]Distribution[L], len(ids))
	frontier := map[int][]int{0: append([]int(nil), ids...)}
	// pos tracks, for every id still in flight, its index into the
	// original ids slice so results can be written back in order.
	positions := make(map[int][]int, len(frontier))
	allIdx := make([]int, len(ids))
	for i := range ids {
		allIdx[i] = i
	}
	positions[0] = allIdx

	for len(frontier) > 0 {
		next := make(map[int][]int)
		nextPositions := make(map[int][]int)
		for nodeIdx, group := range frontier {
			n := &t.nodes[nodeIdx]
			pos := positions[nodeIdx]
			if n.isLeaf {
				for _, p := range pos {
					leaves[p] = n.posterior
				}
				continue
			}
			scores := evaluateGroup(group, n.params, features)
			left, right := children(nodeIdx)
			for i, si := range scores {
				p := pos[i]
				if si.Score < n.threshold {
					next[left] = append(next[left], si.Index)
					nextPositions[left] = append(nextPositions[left], p)
				} else {
					next[right] = append(next[right], si.Index)
					nextPositions[right] = append(nextPositions[right], p)
				}
			}
		}
		frontier = next
		positions = nextPositions
	}
	return leaves
}

// Combiner folds a freshly computed probability value into whatever is
// already sitting in an output slot. The zero value is nil, which
// Probability and ProbabilityGroup treat as overwrite.
type Combiner func(existing, value float64) float64

func overwriteCombiner(_, value float64) float64 { return value }

// resolveLabels validates the (labels, singleLabel) contract shared by
// Probability and ProbabilityGroup and returns a lookup closure: either
// every id maps to labels[0], or id i maps to labels[i].
func resolveLabels[L any](labels []L, singleLabel bool, numIDs int) (func(i int) L, error) {
	if singleLabel {
		if len(labels) != 1 {
			return nil, &ConfigError{Field: "labels", Value: len(labels), Err: errSingleLabelWantsOne}
		}
		return func(int) L { return labels[0] }, nil
	}
	if len(labels) != numIDs {
		return nil, &ConfigError{Field: "labels", Value: len(labels), Err: errLabelsWantIDCount}
	}
	return func(i int) L { return labels[i] }, nil
}

// Probability evaluates, for each id, (1/T)*sum over trees of the
// probability mass the tree's reached leaf assigns to that id's label,
// without ever materialising a merged Distribution. Trees are walked
// pointwise (one feature evaluation per internal node per id); ids are
// shared out among up to GOMAXPROCS worker goroutines, each taking the
// next unprocessed id from a shared counter. Each
// computed value is folded into out[i] by combine, which may be nil to
// overwrite the slot outright.
func (f *Forest[L]) Probability(features Features, ids []int, labels []L, singleLabel bool, combine Combiner) ([]float64, error) {
	label, err := resolveLabels(labels, singleLabel, len(ids))
	if err != nil {
		return nil, err
	}
	if combine == nil {
		combine = overwriteCombiner
	}

	out := make([]float64, len(ids))
	numTrees := float64(len(f.trees))

	workers := runtime.GOMAXPROCS(0)
	if workers > len(ids) {
		workers = len(ids)
	}
	if workers <= 1 {
		for i, id := range ids {
			out[i] = combine(out[i], f.probabilityForID(features, id, label(i), numTrees))
		}
		return out, nil
	}

	var next int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= len(ids) {
					return
				}
				value := f.probabilityForID(features, ids[i], label(i), numTrees)
				out[i] = combine(out[i], value)
			}
		}()
	}
	wg.Wait()
	return out, nil
}

// probabilityForID walks every tree pointwise for one id and averages
// the reached leaves' pdf at the given label.
func (f *Forest[L]) probabilityForID(features Features, id int, label L, numTrees float64) float64 {
	sum := 0.0
	for _, t := range f.trees {
		leaf := walkPointwise(t, features, id)
		sum += leaf.Pdf(label)
	}
	return sum / numTrees
}

// ProbabilityGroup is the groupwise counterpart of Probability: trees
// are routed in parallel, each one batching its feature evaluation
// across the whole frontier of ids still live at a node, and the final
// per-id average and combine step runs sequentially once every tree's
// leaves are known.
func (f *Forest[L]) ProbabilityGroup(features Features, ids []int, labels []L, singleLabel bool, combine Combiner) ([]float64, error) {
	label, err := resolveLabels(labels, singleLabel, len(ids))
	if err != nil {
		return nil, err
	}
	if combine == nil {
		combine = overwriteCombiner
	}

	leavesPerTree := make([][]Distribution[L], len(f.trees))
	var wg sync.WaitGroup
	wg.Add(len(f.trees))
	for ti, t := range f.trees {
		go func(ti int, t *tree[L]) {
			defer wg.Done()
			leavesPerTree[ti] = walkGroupwise(t, features, ids)
		}(ti, t)
	}
	wg.Wait()

	out := make([]float64, len(ids))
	numTrees := float64(len(f.trees))
	for i := range ids {
		sum := 0.0
		lbl := label(i)
		for _, leaves := range leavesPerTree {
			sum += leaves[i].Pdf(lbl)
		}
		out[i] = combine(out[i], sum/numTrees)
	}
	return out, nil
}
