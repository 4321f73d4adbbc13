package discrete

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cpbridge/canopy/forest"
)

// DefaultMinInfoGain is the minimum entropy reduction a split must
// achieve over a leaf, matching original_source's
// C_DEFAULT_MIN_INFO_GAIN.
const DefaultMinInfoGain = 0.05

// DefaultTemperature is the temperature RaiseTemperature falls back to
// for a freshly constructed Model's distributions when the caller
// doesn't explicitly choose one for a given call.
const DefaultTemperature = 1.0

// Model is the discrete classifier specialization: a forest.Model[int]
// whose impurity is Shannon entropy over a K-class histogram and whose
// split search sweeps a pre-sorted score list with an incremental
// two-histogram entropy update.
type Model struct {
	NumClasses  int
	Params      int
	Temperature float64
	MinGain     float64
	classNames  []string

	xlogxTable []float64
}

// NewModel constructs a discrete Model for numClasses classes, where
// each feature test consumes numFeatureParams integers (e.g. 2 for a
// pixel-pair intensity-difference test).
func NewModel(numClasses, numFeatureParams int) *Model {
	return &Model{
		NumClasses:  numClasses,
		Params:      numFeatureParams,
		Temperature: DefaultTemperature,
		MinGain:     DefaultMinInfoGain,
	}
}

// SetClassNames records a human-readable name per class, persisted in
// the model file header. Fewer names than NumClasses is fine; missing
// entries are synthesized as "Class <index>" on read.
func (m *Model) SetClassNames(names []string) { m.classNames = names }

// ClassNames returns the names last set by SetClassNames or restored by
// ReadHeader, synthesizing "Class <index>" for any class with no name.
func (m *Model) ClassNames() []string {
	out := make([]string, m.NumClasses)
	for i := range out {
		if i < len(m.classNames) && m.classNames[i] != "" {
			out[i] = m.classNames[i]
		} else {
			out[i] = fmt.Sprintf("Class %d", i)
		}
	}
	return out
}

func (m *Model) NewDistribution() forest.Distribution[int] {
	return newDistribution(m.NumClasses, m.Temperature)
}

func (m *Model) NumParams() int { return m.Params }

func (m *Model) MinInfoGain() float64 { return m.MinGain }

// Impurity computes the Shannon entropy of d's current raw counts:
// H = log(N) - (1/N) sum_k count_k*log(count_k), evaluated via the
// precalculated x*log(x) table rather than K direct calls to math.Log.
func (m *Model) Impurity(d forest.Distribution[int]) float64 {
	dist, ok := d.(*Distribution)
	if !ok {
		return 0
	}
	return m.entropyFromCounts(dist.counts())
}

func (m *Model) entropyFromCounts(counts []float64) float64 {
	total := 0.0
	sum := 0.0
	for _, c := range counts {
		total += c
		sum += m.xlogx(c)
	}
	if total <= 0 {
		return 0
	}
	return math.Log(total) - sum/total
}

// xlogx returns x*log(x), using a growable precalculated table for
// non-negative integer x (the common case — x is a class count) and
// falling back to a direct computation for any other value.
func (m *Model) xlogx(x float64) float64 {
	if x <= 0 {
		return 0
	}
	i := int(x)
	if float64(i) != x {
		return x * math.Log(x)
	}
	if i >= len(m.xlogxTable) {
		m.growXlogxTable(i)
	}
	return m.xlogxTable[i]
}

func (m *Model) growXlogxTable(upTo int) {
	next := make([]float64, upTo+1)
	copy(next, m.xlogxTable)
	for i := len(m.xlogxTable); i <= upTo; i++ {
		if i == 0 {
			next[i] = 0
			continue
		}
		next[i] = float64(i) * math.Log(float64(i))
	}
	m.xlogxTable = next
}

// scoredLabel pairs one example's feature score with its label, used
// locally to sort the (score, label) pairs bestSplit sweeps.
type scoredLabel struct {
	score float64
	label int
}

// BestSplit sorts scores ascending and sweeps the boundary between
// consecutive examples, maintaining a left and right class histogram
// incrementally (one count moves from right to left per step) so the
// whole sweep costs O(n*K) instead of O(n^2*K).
func (m *Model) BestSplit(scores []forest.ScoreIndex, labels []int, parentImpurity float64) forest.SplitResult {
	n := len(scores)
	if n < 2 {
		return forest.SplitResult{}
	}

	pairs := make([]scoredLabel, n)
	for i, si := range scores {
		pairs[i] = scoredLabel{score: si.Score, label: labels[i]}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		return pairs[i].label < pairs[j].label
	})

	left := make([]float64, m.NumClasses)
	right := make([]float64, m.NumClasses)
	for _, p := range pairs {
		right[p.label]++
	}

	var best forest.SplitResult
	total := float64(n)
	for i := 0; i < n-1; i++ {
		c := pairs[i].label
		left[c]++
		right[c]--

		if pairs[i].score == pairs[i+1].score {
			continue
		}

		leftN := float64(i + 1)
		rightN := total - leftN
		weighted := (leftN/total)*m.entropyFromCounts(left) + (rightN/total)*m.entropyFromCounts(right)
		gain := parentImpurity - weighted
		if !best.OK || gain > best.InfoGain {
			best = forest.SplitResult{
				Threshold: (pairs[i].score + pairs[i+1].score) / 2,
				InfoGain:  gain,
				OK:        true,
			}
		}
	}
	return best
}

// WriteHeader writes "numClasses params temperature name_0 ... name_{K-1}".
// Names containing whitespace are never produced by SetClassNames in
// practice; this package doesn't escape them.
func (m *Model) WriteHeader(w io.Writer) error {
	fields := []string{
		strconv.Itoa(m.NumClasses),
		strconv.Itoa(m.Params),
		strconv.FormatFloat(m.Temperature, 'g', -1, 64),
	}
	fields = append(fields, m.ClassNames()...)
	_, err := io.WriteString(w, strings.Join(fields, " "))
	return err
}

// ReadHeader restores NumClasses, Params, Temperature, and class names
// from the fields WriteHeader produced.
func (m *Model) ReadHeader(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("discrete: model header needs at least 3 fields, got %d", len(fields))
	}
	numClasses, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("discrete: num classes: %w", err)
	}
	params, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("discrete: num params: %w", err)
	}
	temperature, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return fmt.Errorf("discrete: temperature: %w", err)
	}
	m.NumClasses = numClasses
	m.Params = params
	m.Temperature = temperature
	if rest := fields[3:]; len(rest) > 0 {
		m.classNames = rest
	}
	return nil
}
