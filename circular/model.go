package circular

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/cpbridge/canopy/forest"
)

// DefaultMinInfoGain is the minimum impurity reduction a split must
// achieve over leaving a von Mises leaf as-is.
const DefaultMinInfoGain = 0.01

// numThresholdTrials is the number of candidate thresholds swept across
// a node's score range during BestSplit, evenly spaced rather than
// placed at every sorted-example boundary: a continuous regression
// target gains little from testing all n-1 boundaries the way the
// discrete classifier's entropy sweep does, and capping the trial count
// keeps split search O(trials*n) instead of O(n^2).
const numThresholdTrials = 100

// plateauEps is the info-gain tolerance within which two candidate
// thresholds are considered tied for best.
const plateauEps = 1e-9

// Model is the circular regressor specialization: a forest.Model[float64]
// whose impurity is the sum of squared circular distances from each
// sample to the fitted von Mises mean direction, and whose split search
// sweeps a fixed grid of thresholds across a node's score range.
type Model struct {
	Params  int
	MinGain float64
}

// NewModel constructs a circular Model where each feature test consumes
// numFeatureParams integers.
func NewModel(numFeatureParams int) *Model {
	return &Model{Params: numFeatureParams, MinGain: DefaultMinInfoGain}
}

func (m *Model) NewDistribution() forest.Distribution[float64] { return newDistribution() }

func (m *Model) NumParams() int { return m.Params }

func (m *Model) MinInfoGain() float64 { return m.MinGain }

// Impurity returns the squared-circular-distance impurity of d's
// currently accumulated (unnormalised) moments: sum_{d in B}
// (1/2 * (1 - cos(theta_d - mu)))^2, evaluated at d's own circular
// mean mu, expanded in closed form from the first and second circular
// moments rather than revisiting every angle. Unlike plain circular
// variance this is a sum, not a mean, so it grows with the size of the
// bag; BestSplit compares candidate splits by the plain sum of the two
// child impurities, never by one impurity value alone.
func (m *Model) Impurity(d forest.Distribution[float64]) float64 {
	dist, ok := d.(*Distribution)
	if !ok {
		return 0
	}
	c, s, c2, s2, weight := dist.rawMoments()
	return squaredCircularDistanceSum(c, s, c2, s2, weight)
}

// squaredCircularDistanceSum evaluates sum_{d in B} (1/2*(1-cos(theta_d
// - mu)))^2 given only the first moment (c, s), the second moment
// (c2, s2) = (sum cos(2*theta_d), sum sin(2*theta_d)), and the count
// weight, with mu = atan2(s, c). Expanding the square and using the
// double-angle identities cos^2(x) = (1+cos(2x))/2 reduces the sum to
//
//	(3/8)*weight - (1/2)*r + (1/8)*(cos(2*mu)*c2 + sin(2*mu)*s2)
//
// where r = hypot(c, s) = sum cos(theta_d - mu) by construction of mu
// as the resultant direction.
func squaredCircularDistanceSum(c, s, c2, s2, weight float64) float64 {
	if weight <= 0 {
		return 0
	}
	r := math.Hypot(c, s)
	mu := math.Atan2(s, c)
	sumCos2 := math.Cos(2*mu)*c2 + math.Sin(2*mu)*s2
	return 0.375*weight - 0.5*r + 0.125*sumCos2
}

type scoredLabel struct {
	score float64
	theta float64
}

// BestSplit sweeps numThresholdTrials evenly spaced thresholds across
// the node's score range, scoring each by the sum of the two resulting
// angle sets' squared-circular-distance impurities, and keeps every
// threshold tied for the best gain within plateauEps; the returned
// threshold is the midpoint of that plateau, avoiding a boundary pick
// that happens to separate by a single example. The sorted examples'
// circular moments are prefix-summed once so each trial's split point
// is read off in O(1) amortized instead of rescanning the whole bag.
func (m *Model) BestSplit(scores []forest.ScoreIndex, labels []float64, parentImpurity float64) forest.SplitResult {
	n := len(scores)
	if n < 2 {
		return forest.SplitResult{}
	}
	pairs := make([]scoredLabel, n)
	for i, si := range scores {
		pairs[i] = scoredLabel{score: si.Score, theta: labels[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	minS, maxS := pairs[0].score, pairs[n-1].score
	if maxS-minS <= 0 {
		return forest.SplitResult{}
	}

	prefixC := make([]float64, n+1)
	prefixS := make([]float64, n+1)
	prefixC2 := make([]float64, n+1)
	prefixS2 := make([]float64, n+1)
	for i, p := range pairs {
		prefixC[i+1] = prefixC[i] + math.Cos(p.theta)
		prefixS[i+1] = prefixS[i] + math.Sin(p.theta)
		prefixC2[i+1] = prefixC2[i] + math.Cos(2*p.theta)
		prefixS2[i+1] = prefixS2[i] + math.Sin(2*p.theta)
	}

	var (
		bestGain  float64
		haveBest  bool
		plateauLo float64
		plateauHi float64
	)

	split := 0
	for trial := 1; trial < numThresholdTrials; trial++ {
		frac := float64(trial) / float64(numThresholdTrials)
		threshold := minS + frac*(maxS-minS)

		for split < n && pairs[split].score < threshold {
			split++
		}
		lw := float64(split)
		rw := float64(n - split)
		if lw == 0 || rw == 0 {
			continue
		}
		leftImpurity := squaredCircularDistanceSum(prefixC[split], prefixS[split], prefixC2[split], prefixS2[split], lw)
		rightImpurity := squaredCircularDistanceSum(
			prefixC[n]-prefixC[split], prefixS[n]-prefixS[split],
			prefixC2[n]-prefixC2[split], prefixS2[n]-prefixS2[split], rw)
		gain := parentImpurity - (leftImpurity + rightImpurity)

		switch {
		case !haveBest || gain > bestGain+plateauEps:
			haveBest = true
			bestGain = gain
			plateauLo, plateauHi = threshold, threshold
		case gain > bestGain-plateauEps:
			if threshold < plateauLo {
				plateauLo = threshold
			}
			if threshold > plateauHi {
				plateauHi = threshold
			}
		}
	}

	if !haveBest {
		return forest.SplitResult{}
	}
	return forest.SplitResult{
		Threshold: 0.5 * (plateauLo + plateauHi),
		InfoGain:  bestGain,
		OK:        true,
	}
}

// WriteHeader writes the single field this specialization needs: the
// feature parameter count.
func (m *Model) WriteHeader(w io.Writer) error {
	_, err := io.WriteString(w, strconv.Itoa(m.Params))
	return err
}

// ReadHeader restores Params from the field WriteHeader produced.
func (m *Model) ReadHeader(fields []string) error {
	if len(fields) < 1 {
		return fmt.Errorf("circular: model header needs 1 field, got %d", len(fields))
	}
	params, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("circular: num params: %w", err)
	}
	m.Params = params
	return nil
}
