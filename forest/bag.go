package forest

import "sort"

// Bag is the set of training example indices routed to a node during
// training. Indices refer into the caller's example store; the bag
// itself never copies feature data or labels.
type Bag []int

// ScoreIndex pairs a feature score with the training example index it
// was computed for. bestSplit sorts a slice of these once per candidate
// parameter vector and sweeps the sorted order for the best threshold.
type ScoreIndex struct {
	Score float64
	Index int
}

// sortByScore orders s ascending by Score, breaking ties by Index so
// that the sweep in bestSplit is deterministic across runs with the
// same input.
func sortByScore(s []ScoreIndex) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score < s[j].Score
		}
		return s[i].Index < s[j].Index
	})
}

// SplitResult is returned by a Model's bestSplit hook: the threshold and
// info gain of the best candidate boundary found while sweeping a single
// sorted parameter vector's scores, or OK=false if the scores offer no
// boundary to split at. OK=true does not imply a positive InfoGain.
type SplitResult struct {
	Threshold float64
	InfoGain  float64
	OK        bool
}
