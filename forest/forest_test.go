package forest_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/cpbridge/canopy/discrete"
	"github.com/cpbridge/canopy/forest"
)

// pointExamples is a trivial Examples[int] over 2D points, separable
// along the first coordinate into two clusters.
type pointExamples struct {
	points [][2]float64
	labels []int
}

func (e pointExamples) NumExamples() int { return len(e.labels) }
func (e pointExamples) Label(i int) int  { return e.labels[i] }

// coordFeatures evaluates the coordinate named by params[0] (0 or 1),
// implementing both Features and GroupFeatures so training exercises
// the batched evaluation path.
type coordFeatures struct {
	points [][2]float64
}

func (f coordFeatures) Evaluate(exampleIndex int, params []int) float64 {
	return f.points[exampleIndex][params[0]]
}

func (f coordFeatures) EvaluateGroup(ids []int, params []int) []float64 {
	out := make([]float64, len(ids))
	for i, id := range ids {
		out[i] = f.points[id][params[0]]
	}
	return out
}

func buildDataset(n int, seed uint64) (pointExamples, coordFeatures) {
	rng := rand.New(rand.NewPCG(seed, seed^0xabc))
	points := make([][2]float64, n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			points[i] = [2]float64{rng.Float64()*2 - 1, rng.Float64()*10 - 5}
			labels[i] = 0
		} else {
			points[i] = [2]float64{rng.Float64()*2 - 1 + 10, rng.Float64()*10 - 5}
			labels[i] = 1
		}
	}
	return pointExamples{points: points, labels: labels}, coordFeatures{points: points}
}

func trainTestForest(t *testing.T, seed uint64) (*forest.Forest[int], coordFeatures) {
	return trainTestForestWith(t, seed, false)
}

func trainTestForestWith(t *testing.T, seed uint64, fitSplitNodes bool) (*forest.Forest[int], coordFeatures) {
	t.Helper()
	examples, features := buildDataset(200, 1)

	cfg := forest.DefaultConfig()
	cfg.NumTrees = 6
	cfg.MaxDepth = 4
	cfg.NumParams = 1
	cfg.MinTrainingData = 5
	cfg.NumParamCombos = 2
	cfg.UseSeed = true
	cfg.Seed = seed
	cfg.FitSplitNodes = fitSplitNodes

	model := discrete.NewModel(2, 1)
	f := forest.New[int](model)
	paramGen := forest.NewDefaultParameterGenerator([]int{1})

	if err := f.Train(context.Background(), cfg, examples, features, paramGen); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return f, features
}

func TestTrainProducesRequestedTreeCount(t *testing.T) {
	f, _ := trainTestForest(t, 42)
	if f.NumTrees() != 6 {
		t.Fatalf("NumTrees() = %d, want 6", f.NumTrees())
	}
}

func TestPredictSeparatesClusters(t *testing.T) {
	f, _ := trainTestForest(t, 42)

	clusterA := coordFeatures{points: [][2]float64{{0, 0}}}
	clusterB := coordFeatures{points: [][2]float64{{10, 0}}}

	distA := f.Predict(clusterA, 0)
	distB := f.Predict(clusterB, 0)

	if distA.Pdf(0) <= distA.Pdf(1) {
		t.Fatalf("cluster A point should predict class 0 more likely: got %v vs %v", distA.Pdf(0), distA.Pdf(1))
	}
	if distB.Pdf(1) <= distB.Pdf(0) {
		t.Fatalf("cluster B point should predict class 1 more likely: got %v vs %v", distB.Pdf(1), distB.Pdf(0))
	}
}

func TestPredictGroupMatchesPointwisePredict(t *testing.T) {
	f, features := trainTestForest(t, 42)

	ids := []int{0, 1, 2, 3, 4, 5}
	group := f.PredictGroup(features, ids)
	for _, id := range ids {
		single := f.Predict(features, id)
		g := group[id]
		if absDiff(single.Pdf(0), g.Pdf(0)) > 1e-9 || absDiff(single.Pdf(1), g.Pdf(1)) > 1e-9 {
			t.Fatalf("id %d: groupwise prediction %v/%v disagrees with pointwise %v/%v",
				id, g.Pdf(0), g.Pdf(1), single.Pdf(0), single.Pdf(1))
		}
	}
}

func TestTrainIsDeterministicUnderFixedSeed(t *testing.T) {
	f1, _ := trainTestForest(t, 7)
	f2, _ := trainTestForest(t, 7)

	var buf1, buf2 bytes.Buffer
	f1.SetFeatureDefinition("h", "d")
	f2.SetFeatureDefinition("h", "d")
	if err := f1.Save(&buf1); err != nil {
		t.Fatalf("Save f1: %v", err)
	}
	if err := f2.Save(&buf2); err != nil {
		t.Fatalf("Save f2: %v", err)
	}
	if buf1.String() != buf2.String() {
		t.Fatalf("two forests trained with the same seed produced different model files")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f, features := trainTestForest(t, 99)
	f.SetFeatureDefinition("coord header", "coord feature definition")

	var buf bytes.Buffer
	if err := f.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	model := discrete.NewModel(0, 0)
	loaded, err := forest.Load[int](&buf, model, 0, -1, -1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NumTrees() != f.NumTrees() {
		t.Fatalf("loaded NumTrees() = %d, want %d", loaded.NumTrees(), f.NumTrees())
	}
	header, def := loaded.FeatureDefinition()
	if header != "coord header" || def != "coord feature definition" {
		t.Fatalf("got feature definition (%q, %q)", header, def)
	}

	before := f.Predict(features, 0)
	// Predict the same example (id 0 in features) via the loaded forest.
	after := loaded.Predict(features, 0)
	if absDiff(before.Pdf(0), after.Pdf(0)) > 1e-6 {
		t.Fatalf("loaded forest prediction %v diverges from original %v", after.Pdf(0), before.Pdf(0))
	}
}

func TestLoadWithDepthTruncation(t *testing.T) {
	// Depth truncation reinterprets a split node as a leaf using its own
	// stored posterior, so the posterior must actually be present in the
	// file: train with FitSplitNodes so interior nodes carry one.
	f, _ := trainTestForestWith(t, 5, true)
	f.SetFeatureDefinition("h", "d")

	var buf bytes.Buffer
	if err := f.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	model := discrete.NewModel(0, 0)
	loaded, err := forest.Load[int](&buf, model, 0, 1, -1)
	if err != nil {
		t.Fatalf("Load with depth truncation: %v", err)
	}
	if loaded.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", loaded.Depth())
	}

	clusterA := coordFeatures{points: [][2]float64{{0, 0}}}
	dist := loaded.Predict(clusterA, 0)
	sum := dist.Pdf(0) + dist.Pdf(1)
	if absDiff(sum, 1) > 1e-6 {
		t.Fatalf("truncated forest's prediction should still normalise to 1, got %v", sum)
	}
}

func TestLoadWithTreeCountTruncation(t *testing.T) {
	f, _ := trainTestForest(t, 5)
	f.SetFeatureDefinition("h", "d")

	var buf bytes.Buffer
	if err := f.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	model := discrete.NewModel(0, 0)
	loaded, err := forest.Load[int](&buf, model, 0, -1, 2)
	if err != nil {
		t.Fatalf("Load with tree-count truncation: %v", err)
	}
	if loaded.NumTrees() != 2 {
		t.Fatalf("NumTrees() = %d, want 2", loaded.NumTrees())
	}
}

func TestLoadWithDepthTruncationFailsWithoutFitSplitNodes(t *testing.T) {
	// Without FitSplitNodes, interior split nodes carry no posterior in
	// the file, so a request to truncate below the trained depth has no
	// posterior to fall back on and must fail rather than materialize a
	// leaf with an empty distribution.
	f, _ := trainTestForestWith(t, 5, false)
	f.SetFeatureDefinition("h", "d")

	var buf bytes.Buffer
	if err := f.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	model := discrete.NewModel(0, 0)
	_, err := forest.Load[int](&buf, model, 0, 1, -1)
	if err == nil {
		t.Fatalf("Load with depth truncation below an unfit file should fail, got nil error")
	}
	var depthErr *forest.DepthTruncationError
	if !errors.As(err, &depthErr) {
		t.Fatalf("got error %v, want a *forest.DepthTruncationError", err)
	}
	if depthErr.MaxDepth != 1 {
		t.Fatalf("DepthTruncationError.MaxDepth = %d, want 1", depthErr.MaxDepth)
	}
}

func TestProbabilityGroupMatchesProbabilitySingle(t *testing.T) {
	f, features := trainTestForest(t, 11)

	ids := []int{0, 1, 2, 3, 4, 5, 6, 7}
	labels := make([]int, len(ids))
	for i := range labels {
		labels[i] = i % 2
	}

	single, err := f.Probability(features, ids, labels, false, nil)
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	group, err := f.ProbabilityGroup(features, ids, labels, false, nil)
	if err != nil {
		t.Fatalf("ProbabilityGroup: %v", err)
	}

	for i := range ids {
		if absDiff(single[i], group[i]) > 1e-6 {
			t.Fatalf("id %d: pointwise probability %v disagrees with groupwise %v", ids[i], single[i], group[i])
		}
	}
}

func TestProbabilitySingleLabelSharesOneLabelAcrossIDs(t *testing.T) {
	f, features := trainTestForest(t, 11)

	ids := []int{0, 1, 2, 3}
	got, err := f.Probability(features, ids, []int{1}, true, nil)
	if err != nil {
		t.Fatalf("Probability with singleLabel: %v", err)
	}

	repeated := []int{1, 1, 1, 1}
	want, err := f.Probability(features, ids, repeated, false, nil)
	if err != nil {
		t.Fatalf("Probability with repeated labels: %v", err)
	}

	for i, id := range ids {
		if absDiff(got[i], want[i]) > 1e-9 {
			t.Fatalf("id %d: singleLabel result %v should match an explicit per-id label slice of all 1s %v", id, got[i], want[i])
		}
	}
}

func TestProbabilityRejectsMismatchedLabelCount(t *testing.T) {
	f, features := trainTestForest(t, 11)
	_, err := f.Probability(features, []int{0, 1, 2}, []int{0, 1}, false, nil)
	if err == nil {
		t.Fatalf("expected an error for a labels slice shorter than ids")
	}
}

func TestProbabilityCombinerOnFreshOutputMatchesOverwrite(t *testing.T) {
	f, features := trainTestForest(t, 11)
	ids := []int{0, 1}
	labels := []int{0, 0}

	sum := func(existing, value float64) float64 { return existing + value }
	out, err := f.Probability(features, ids, labels, false, sum)
	if err != nil {
		t.Fatalf("Probability: %v", err)
	}
	baseline, _ := f.Probability(features, ids, labels, false, nil)
	for i := range ids {
		// out starts from a zero-valued slot, so folding with sum on a
		// fresh call should match a plain overwrite.
		if absDiff(out[i], baseline[i]) > 1e-9 {
			t.Fatalf("id %d: combiner-folded %v should match overwritten %v on a fresh output", ids[i], out[i], baseline[i])
		}
	}
}

func TestLeavesExposesEveryPosteriorForPostHocAdjustment(t *testing.T) {
	f, _ := trainTestForest(t, 42)

	clusterA := coordFeatures{points: [][2]float64{{0, 0}}}
	before := f.Predict(clusterA, 0)
	beforeGap := before.Pdf(0) - before.Pdf(1)

	leaves := f.Leaves()
	if len(leaves) == 0 {
		t.Fatalf("expected at least one leaf across %d trees", f.NumTrees())
	}
	raised := 0
	for _, leaf := range leaves {
		if d, ok := leaf.(*discrete.Distribution); ok {
			d.RaiseTemperature(50)
			raised++
		}
	}
	if raised != len(leaves) {
		t.Fatalf("expected every leaf to be a *discrete.Distribution, got %d of %d", raised, len(leaves))
	}

	after := f.Predict(clusterA, 0)
	afterGap := after.Pdf(0) - after.Pdf(1)
	if afterGap >= beforeGap {
		t.Fatalf("raising every leaf's temperature should make the forest's prediction less confident: before gap=%v, after gap=%v", beforeGap, afterGap)
	}
}

func TestConfigValidateRejectsBadFields(t *testing.T) {
	cfg := forest.DefaultConfig()
	cfg.NumParams = 1
	cfg.BagProportion = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject bag_proportion=1.5")
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
