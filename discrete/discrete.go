// Package discrete implements the discrete (multi-class) specialization
// of the forest engine: a K-class histogram node posterior fitted by
// label frequency and normalised by dividing by the total count. A
// posterior can optionally be softened toward uniform after the fact
// via RaiseTemperature, a separate operation from ordinary Normalise.
package discrete

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/cpbridge/canopy/forest"
)

// Distribution is a histogram over K integer-coded class labels. Before
// Normalise is called it holds raw label counts (the form Model.Impurity
// expects); after Normalise it holds a probability vector summing to
// one.
type Distribution struct {
	numClasses  int
	temperature float64
	probs       []float64
}

func newDistribution(numClasses int, temperature float64) *Distribution {
	return &Distribution{
		numClasses:  numClasses,
		temperature: temperature,
		probs:       make([]float64, numClasses),
	}
}

// Reset zeroes the histogram.
func (d *Distribution) Reset() {
	for i := range d.probs {
		d.probs[i] = 0
	}
}

// Fit accumulates one count per label into the histogram. Label values
// outside [0, numClasses) are out of contract and silently ignored
// rather than panicking, matching the original's unchecked array index
// into a fixed-size histogram compiled for exactly K classes.
func (d *Distribution) Fit(labels []int) {
	for _, l := range labels {
		if l >= 0 && l < d.numClasses {
			d.probs[l]++
		}
	}
}

// Combine sums other's weight into the receiver. Called with already-
// normalised leaf posteriors during forest-level prediction, so the sum
// accumulates a total "vote weight" of one per combined tree; a final
// Normalise brings that back down to a probability vector.
func (d *Distribution) Combine(other forest.Distribution[int]) {
	o, ok := other.(*Distribution)
	if !ok {
		return
	}
	for i := range d.probs {
		d.probs[i] += o.probs[i]
	}
}

// Normalise turns the accumulated counts/weights into a probability
// vector by dividing each entry by the total: p_k = count_k / sum_j
// count_j. A leaf with no accumulated weight normalises to uniform
// rather than dividing by zero. Tempering a posterior toward uniform is
// a separate, explicitly requested operation — see RaiseTemperature.
func (d *Distribution) Normalise() {
	sum := 0.0
	for _, c := range d.probs {
		sum += c
	}
	if sum == 0 {
		uniform := 1.0 / float64(len(d.probs))
		for i := range d.probs {
			d.probs[i] = uniform
		}
		return
	}
	for i := range d.probs {
		d.probs[i] /= sum
	}
}

// RaiseTemperature re-softmaxes an already-normalised posterior at a
// new temperature: pᵢ <- exp(pᵢ/t), then renormalises to sum to one.
// This operates on the current probability vector, not on the raw
// training counts (which Normalise has already discarded), so it can
// soften a trained leaf's posterior after the fact without retraining
// — e.g. to verify a forest trained on shuffled labels collapses to a
// near-uniform posterior once raised to a high temperature.
func (d *Distribution) RaiseTemperature(t float64) {
	if t <= 0 {
		t = d.temperature
	}
	if t <= 0 {
		t = 1
	}
	sum := 0.0
	exp := make([]float64, len(d.probs))
	for i, p := range d.probs {
		exp[i] = math.Exp(p / t)
		sum += exp[i]
	}
	if sum == 0 {
		return
	}
	for i := range d.probs {
		d.probs[i] = exp[i] / sum
	}
}

// Pdf returns the probability mass assigned to label. Call only after
// Normalise; before that it returns a raw count, not a probability.
func (d *Distribution) Pdf(label int) float64 {
	if label < 0 || label >= len(d.probs) {
		return 0
	}
	return d.probs[label]
}

// WriteTo writes the distribution as numClasses space-separated floats.
func (d *Distribution) WriteTo(w io.Writer) error {
	fields := make([]string, len(d.probs))
	for i, p := range d.probs {
		fields[i] = strconv.FormatFloat(p, 'g', -1, 64)
	}
	_, err := io.WriteString(w, strings.Join(fields, " "))
	return err
}

// ReadFrom parses numClasses space-separated floats back into probs.
func (d *Distribution) ReadFrom(fields []string) error {
	if len(fields) != d.numClasses {
		return fmt.Errorf("discrete: expected %d class values, got %d", d.numClasses, len(fields))
	}
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("discrete: class %d: %w", i, err)
		}
		d.probs[i] = v
	}
	return nil
}

// counts exposes the raw accumulator slice to Model.Impurity within
// this package; it is never part of the forest.Distribution contract.
func (d *Distribution) counts() []float64 { return d.probs }
