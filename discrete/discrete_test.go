package discrete

import (
	"math"
	"strings"
	"testing"

	"github.com/cpbridge/canopy/forest"
)

func TestDistributionFitAndNormalise(t *testing.T) {
	d := newDistribution(3, 1.0)
	d.Fit([]int{0, 0, 0, 1, 2})
	d.Normalise()

	sum := 0.0
	for i := 0; i < 3; i++ {
		sum += d.Pdf(i)
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities sum to %v, want 1", sum)
	}
	if d.Pdf(0) <= d.Pdf(1) {
		t.Fatalf("expected class 0 (3 votes) to outrank class 1 (1 vote): got %v vs %v", d.Pdf(0), d.Pdf(1))
	}

	// Normalise is a plain divide-by-sum of the histogram, not a
	// softmax: 3/5, 1/5, 1/5 exactly, regardless of temperature.
	want := []float64{0.6, 0.2, 0.2}
	for i, w := range want {
		if math.Abs(d.Pdf(i)-w) > 1e-9 {
			t.Fatalf("class %d = %v, want plain relative frequency %v", i, d.Pdf(i), w)
		}
	}
}

func TestDistributionNormaliseEmpty(t *testing.T) {
	d := newDistribution(4, 1.0)
	d.Normalise()
	sum := 0.0
	for i := 0; i < 4; i++ {
		sum += d.Pdf(i)
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("empty distribution should normalise to uniform summing to 1, got %v", sum)
	}
	if math.Abs(d.Pdf(0)-0.25) > 1e-9 {
		t.Fatalf("expected uniform 0.25 per class, got %v", d.Pdf(0))
	}
}

func TestDistributionCombine(t *testing.T) {
	a := newDistribution(2, 1.0)
	a.Fit([]int{0, 0, 0, 1})
	a.Normalise()

	b := newDistribution(2, 1.0)
	b.Fit([]int{1, 1, 1, 0})
	b.Normalise()

	result := newDistribution(2, 1.0)
	result.Reset()
	result.Combine(a)
	result.Combine(b)
	result.Normalise()

	if math.Abs(result.Pdf(0)-result.Pdf(1)) > 1e-9 {
		t.Fatalf("symmetric combine should tie: got %v vs %v", result.Pdf(0), result.Pdf(1))
	}
}

func TestDistributionRoundTrip(t *testing.T) {
	d := newDistribution(3, 1.0)
	d.Fit([]int{0, 1, 1, 2, 2, 2})
	d.Normalise()

	var buf strings.Builder
	if err := d.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	restored := newDistribution(3, 1.0)
	if err := restored.ReadFrom(strings.Fields(buf.String())); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(d.Pdf(i)-restored.Pdf(i)) > 1e-9 {
			t.Fatalf("class %d: got %v, want %v", i, restored.Pdf(i), d.Pdf(i))
		}
	}
}

func TestDistributionRaiseTemperatureSmoothsTowardUniform(t *testing.T) {
	d := newDistribution(3, 1.0)
	d.Fit([]int{0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	d.Normalise()

	before := d.Pdf(0) - d.Pdf(2)
	d.RaiseTemperature(10)
	after := d.Pdf(0) - d.Pdf(2)

	if after >= before {
		t.Fatalf("raising temperature should shrink the gap between classes: before=%v after=%v", before, after)
	}

	sum := 0.0
	for i := 0; i < 3; i++ {
		sum += d.Pdf(i)
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities should still sum to 1 after raising temperature, got %v", sum)
	}
}

func TestModelImpurityPureNodeIsZero(t *testing.T) {
	m := NewModel(3, 2)
	d := m.NewDistribution()
	d.Fit([]int{1, 1, 1, 1})
	if got := m.Impurity(d); got != 0 {
		t.Fatalf("pure node impurity = %v, want 0", got)
	}
}

func TestModelImpurityMaximalAtUniform(t *testing.T) {
	m := NewModel(2, 2)
	pure := m.NewDistribution()
	pure.Fit([]int{0, 0, 0, 0})

	mixed := m.NewDistribution()
	mixed.Fit([]int{0, 1, 0, 1})

	if m.Impurity(mixed) <= m.Impurity(pure) {
		t.Fatalf("mixed impurity %v should exceed pure impurity %v", m.Impurity(mixed), m.Impurity(pure))
	}
	if math.Abs(m.Impurity(mixed)-math.Log(2)) > 1e-9 {
		t.Fatalf("evenly split binary node entropy = %v, want log(2)", m.Impurity(mixed))
	}
}

func TestModelClassNamesSynthesized(t *testing.T) {
	m := NewModel(3, 1)
	names := m.ClassNames()
	if len(names) != 3 {
		t.Fatalf("got %d names, want 3", len(names))
	}
	if names[0] != "Class 0" {
		t.Fatalf("unset class name = %q, want synthesized \"Class 0\"", names[0])
	}

	m.SetClassNames([]string{"cat", "dog"})
	names = m.ClassNames()
	if names[0] != "cat" || names[1] != "dog" || names[2] != "Class 2" {
		t.Fatalf("got names %v", names)
	}
}

func TestModelHeaderRoundTrip(t *testing.T) {
	m := NewModel(2, 3)
	m.SetClassNames([]string{"a", "b"})
	m.Temperature = 0.5

	var buf strings.Builder
	if err := m.WriteHeader(&buf); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	restored := NewModel(0, 0)
	if err := restored.ReadHeader(strings.Fields(buf.String())); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if restored.NumClasses != 2 || restored.Params != 3 {
		t.Fatalf("got NumClasses=%d Params=%d", restored.NumClasses, restored.Params)
	}
	if math.Abs(restored.Temperature-0.5) > 1e-9 {
		t.Fatalf("got Temperature=%v, want 0.5", restored.Temperature)
	}
	if got := restored.ClassNames(); got[0] != "a" || got[1] != "b" {
		t.Fatalf("got class names %v", got)
	}
}

func TestModelBestSplitSeparatesCleanClusters(t *testing.T) {
	m := NewModel(2, 1)
	values := []float64{0, 1, 2, 10, 11, 12}
	labels := []int{0, 0, 0, 1, 1, 1}

	pairs := make([]forest.ScoreIndex, len(values))
	for i, v := range values {
		pairs[i] = forest.ScoreIndex{Score: v, Index: i}
	}

	parent := m.NewDistribution()
	parent.Fit(labels)
	parentImpurity := m.Impurity(parent)

	result := m.BestSplit(pairs, labels, parentImpurity)
	if !result.OK {
		t.Fatalf("expected a split to be found")
	}
	if result.Threshold <= 2 || result.Threshold >= 10 {
		t.Fatalf("threshold %v should fall between the two clusters (2, 10)", result.Threshold)
	}
	if result.InfoGain <= 0 {
		t.Fatalf("info gain %v should be positive for a clean separation", result.InfoGain)
	}
}
