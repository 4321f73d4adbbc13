// Package circular implements the circular (von Mises) regressor
// specialization of the forest engine: a node posterior fitted as a
// von Mises distribution over angles in radians, combined across trees
// by the kappa-weighted vector sum described in Stienne et al. 2011 for
// fusing circular sensor estimates.
package circular

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/cpbridge/canopy/forest"
)

// Distribution is a von Mises distribution, N(mu, kappa) on the circle.
// Before Normalise it accumulates a raw resultant vector (c, s) and a
// total weight; after Normalise, mu/kappa/normaliser hold the fitted
// distribution and c/s/weight are left at their last accumulated value
// for diagnostic purposes only.
type Distribution struct {
	mu         float64
	kappa      float64
	normaliser float64

	c, s, weight float64
	c2, s2       float64
}

func newDistribution() *Distribution { return &Distribution{} }

// Reset clears the distribution back to an unfitted, zero state.
func (d *Distribution) Reset() {
	d.mu, d.kappa, d.normaliser = 0, 0, 0
	d.c, d.s, d.weight = 0, 0, 0
	d.c2, d.s2 = 0, 0
}

// Fit accumulates one unit vector per angle (in radians) into the
// running resultant vector, and the corresponding doubled-angle vector
// (c2, s2) into the second circular moment: Model.Impurity needs both
// to evaluate the squared-circular-distance statistic in closed form
// without revisiting every angle.
func (d *Distribution) Fit(labels []float64) {
	for _, theta := range labels {
		d.c += math.Cos(theta)
		d.s += math.Sin(theta)
		d.weight++
		d.c2 += math.Cos(2 * theta)
		d.s2 += math.Sin(2 * theta)
	}
}

// Combine merges other into the receiver by adding other's mean
// direction scaled by its own concentration into the running resultant
// vector: this is the kappa-weighted sine/cosine combination rule
// (Stienne et al. 2011) for fusing independent circular estimates,
// equivalent to Fit's unweighted sum when every combined leaf happens
// to share kappa=1.
func (d *Distribution) Combine(other forest.Distribution[float64]) {
	o, ok := other.(*Distribution)
	if !ok {
		return
	}
	d.c += o.kappa * math.Cos(o.mu)
	d.s += o.kappa * math.Sin(o.mu)
	d.weight += o.kappa
}

// Normalise decomposes the accumulated resultant vector into a mean
// direction and a concentration parameter (via solveKappa on the mean
// resultant length), and precomputes the density normaliser
// 1/(2*pi*I0(kappa)) so Pdf never has to re-evaluate I0. kappa is
// clamped to MaxKappa, which keeps the normaliser a representable
// (if minuscule, ~6.35397e-217 at the clamp) float64 rather than
// overflowing to zero or the density to +Inf.
func (d *Distribution) Normalise() {
	if d.weight <= 0 {
		d.mu, d.kappa, d.normaliser = 0, 0, 1/(2*math.Pi)
		return
	}
	r := math.Hypot(d.c, d.s) / d.weight
	if r > 1 {
		r = 1
	}
	d.mu = math.Atan2(d.s, d.c)
	d.kappa = solveKappa(r)
	d.normaliser = 1.0 / (2 * math.Pi * besselI0(d.kappa))
}

// Pdf evaluates the von Mises density at the given angle (radians).
func (d *Distribution) Pdf(theta float64) float64 {
	return d.normaliser * math.Exp(d.kappa*math.Cos(theta-d.mu))
}

// Entropy returns the differential entropy of the fitted distribution:
// log(2*pi*I0(kappa)) - kappa*I1(kappa)/I0(kappa). Not used by training
// or inference; a diagnostic the original implementation exposed that
// this package carries forward.
func (d *Distribution) Entropy() float64 {
	i0 := besselI0(d.kappa)
	i1 := besselI1(d.kappa)
	return math.Log(2*math.Pi*i0) - d.kappa*i1/i0
}

// Mu returns the fitted mean direction in radians.
func (d *Distribution) Mu() float64 { return d.mu }

// Kappa returns the fitted concentration parameter.
func (d *Distribution) Kappa() float64 { return d.kappa }

// WriteTo writes "mu kappa" as two space-separated floats.
func (d *Distribution) WriteTo(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatFloat(d.mu, 'g', -1, 64)+" "+
		strconv.FormatFloat(d.kappa, 'g', -1, 64))
	return err
}

// ReadFrom parses "mu kappa" and recomputes the density normaliser.
func (d *Distribution) ReadFrom(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("circular: expected 2 fields (mu, kappa), got %d", len(fields))
	}
	mu, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("circular: mu: %w", err)
	}
	kappa, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("circular: kappa: %w", err)
	}
	d.mu = mu
	d.kappa = kappa
	d.normaliser = 1.0 / (2 * math.Pi * besselI0(kappa))
	return nil
}

// rawMoments exposes the accumulated first (c, s) and second (c2, s2)
// circular moments and total weight to Model.Impurity within this
// package, before Normalise has decomposed them into mu/kappa.
func (d *Distribution) rawMoments() (c, s, c2, s2, weight float64) {
	return d.c, d.s, d.c2, d.s2, d.weight
}
