// Package boost fits gradient-boosted regression trees with squared loss and
// serialises them to a stable JSON schema.
//
// Fitting is deterministic: candidate splits are scanned feature by feature
// in index order and a later candidate only wins with a strictly larger
// gain.
package boost

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Format identifies serialised ensembles.
const (
	Format        = "pace-gbrt"
	FormatVersion = 1
)

// minGain is the smallest variance reduction worth a split.
const minGain = 1e-12

// ErrDegenerate is returned when the target has no variance to fit.
var ErrDegenerate = errors.New("degenerate target")

// Params controls the ensemble.
type Params struct {
	NEstimators    int     `json:"n_estimators"`
	LearningRate   float64 `json:"learning_rate"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
}

// DefaultParams returns the production hyperparameters.
func DefaultParams() Params {
	return Params{
		NEstimators:    150,
		LearningRate:   0.1,
		MaxDepth:       3,
		MinSamplesLeaf: 5,
	}
}

// Validate checks the hyperparameters.
func (p Params) Validate() error {
	if p.NEstimators < 1 {
		return fmt.Errorf("n_estimators must be at least 1, got %d", p.NEstimators)
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0, 1], got %f", p.LearningRate)
	}
	if p.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", p.MaxDepth)
	}
	if p.MinSamplesLeaf < 1 {
		return fmt.Errorf("min_samples_leaf must be at least 1, got %d", p.MinSamplesLeaf)
	}
	return nil
}

// Node is one tree node. Leaves have Left == Right == -1.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

func (n Node) leaf() bool {
	return n.Left < 0
}

// Tree is a flat array of nodes rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.leaf() {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Ensemble is a fitted model.
type Ensemble struct {
	Format        string    `json:"format"`
	FormatVersion int       `json:"format_version"`
	FeatureNames  []string  `json:"feature_names"`
	Params        Params    `json:"params"`
	BaseScore     float64   `json:"base_score"`
	Trees         []Tree    `json:"trees"`
	Gain          []float64 `json:"gain"`
}

// Fit trains an ensemble on rows X with targets y. names labels the
// columns and fixes the expected row width.
func Fit(X [][]float64, y []float64, names []string, p Params) (*Ensemble, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("boost: %d rows but %d targets", len(X), len(y))
	}
	if len(X) < 2*p.MinSamplesLeaf {
		return nil, fmt.Errorf("boost: %d rows, need at least %d", len(X), 2*p.MinSamplesLeaf)
	}
	width := len(names)
	for i, row := range X {
		if len(row) != width {
			return nil, fmt.Errorf("boost: row %d has %d features, want %d", i, len(row), width)
		}
		if !finite(y[i]) {
			return nil, fmt.Errorf("boost: target %d is not finite", i)
		}
		for _, v := range row {
			if !finite(v) {
				return nil, fmt.Errorf("boost: row %d has non-finite values", i)
			}
		}
	}

	base := 0.0
	for _, v := range y {
		base += v
	}
	base /= float64(len(y))

	variance := 0.0
	for _, v := range y {
		variance += (v - base) * (v - base)
	}
	if variance/float64(len(y)) < 1e-12 {
		return nil, ErrDegenerate
	}

	e := &Ensemble{
		Format:        Format,
		FormatVersion: FormatVersion,
		FeatureNames:  append([]string(nil), names...),
		Params:        p,
		BaseScore:     base,
		Gain:          make([]float64, width),
	}

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = base
	}
	resid := make([]float64, len(y))
	all := make([]int, len(y))
	for i := range all {
		all[i] = i
	}

	b := &builder{X: X, resid: resid, params: p, gain: e.Gain}
	for m := 0; m < p.NEstimators; m++ {
		for i := range resid {
			resid[i] = y[i] - pred[i]
		}
		t := b.build(all)
		for i, row := range X {
			pred[i] += p.LearningRate * t.predict(row)
		}
		e.Trees = append(e.Trees, t)
	}
	return e, nil
}

// Predict evaluates the ensemble on one row.
func (e *Ensemble) Predict(x []float64) float64 {
	out := e.BaseScore
	for i := range e.Trees {
		out += e.Params.LearningRate * e.Trees[i].predict(x)
	}
	return out
}

// FeatureImportance returns each feature's share of the total split gain.
func (e *Ensemble) FeatureImportance() map[string]float64 {
	total := 0.0
	for _, g := range e.Gain {
		total += g
	}
	out := make(map[string]float64, len(e.FeatureNames))
	for i, name := range e.FeatureNames {
		if total > 0 && i < len(e.Gain) {
			out[name] = e.Gain[i] / total
		} else {
			out[name] = 0
		}
	}
	return out
}

// Marshal encodes the ensemble.
func (e *Ensemble) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and structurally checks an ensemble.
func Unmarshal(data []byte) (*Ensemble, error) {
	var e Ensemble
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("boost: decode: %w", err)
	}
	if e.Format != Format || e.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("boost: unsupported format %q v%d", e.Format, e.FormatVersion)
	}
	if err := e.Params.Validate(); err != nil {
		return nil, fmt.Errorf("boost: %w", err)
	}
	width := len(e.FeatureNames)
	for ti, t := range e.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("boost: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.leaf() {
				if n.Right >= 0 {
					return nil, fmt.Errorf("boost: tree %d node %d has one child", ti, ni)
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= width {
				return nil, fmt.Errorf("boost: tree %d node %d uses feature %d of %d", ti, ni, n.Feature, width)
			}
			// Children always follow their parent, so walks terminate.
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("boost: tree %d node %d has invalid children", ti, ni)
			}
		}
	}
	return &e, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type builder struct {
	X      [][]float64
	resid  []float64
	params Params
	gain   []float64
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	left      []int
	right     []int
}

func (b *builder) build(idx []int) Tree {
	var t Tree
	b.grow(&t, idx, 0)
	return t
}

// grow appends the subtree for idx and returns its node index.
func (b *builder) grow(t *Tree, idx []int, depth int) int {
	at := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Feature: -1, Left: -1, Right: -1, Value: b.mean(idx)})
	if depth >= b.params.MaxDepth || len(idx) < 2*b.params.MinSamplesLeaf {
		return at
	}
	s, ok := b.bestSplit(idx)
	if !ok {
		return at
	}
	b.gain[s.feature] += s.gain

	left := b.grow(t, s.left, depth+1)
	right := b.grow(t, s.right, depth+1)
	t.Nodes[at] = Node{Feature: s.feature, Threshold: s.threshold, Left: left, Right: right}
	return at
}

func (b *builder) mean(idx []int) float64 {
	sum := 0.0
	for _, i := range idx {
		sum += b.resid[i]
	}
	return sum / float64(len(idx))
}

func (b *builder) bestSplit(idx []int) (split, bool) {
	n := len(idx)
	minLeaf := b.params.MinSamplesLeaf

	total := 0.0
	for _, i := range idx {
		total += b.resid[i]
	}
	parent := total * total / float64(n)

	best := split{feature: -1}
	bestPos := -1
	var bestOrder []int
	order := make([]int, n)

	for f := range b.gain {
		copy(order, idx)
		sort.SliceStable(order, func(a, c int) bool {
			return b.X[order[a]][f] < b.X[order[c]][f]
		})

		sumL := 0.0
		for pos := 0; pos < n-1; pos++ {
			sumL += b.resid[order[pos]]
			nL := pos + 1
			nR := n - nL
			if nL < minLeaf || nR < minLeaf {
				continue
			}
			lo, hi := b.X[order[pos]][f], b.X[order[pos+1]][f]
			if lo == hi {
				continue
			}
			sumR := total - sumL
			g := sumL*sumL/float64(nL) + sumR*sumR/float64(nR) - parent
			if g > best.gain {
				thr := lo + (hi-lo)/2
				if thr >= hi {
					thr = lo
				}
				best = split{feature: f, threshold: thr, gain: g}
				bestPos = pos
				bestOrder = append(bestOrder[:0], order...)
			}
		}
	}
	if best.feature < 0 || best.gain <= minGain || math.IsNaN(best.gain) {
		return split{}, false
	}
	best.left = append([]int(nil), bestOrder[:bestPos+1]...)
	best.right = append([]int(nil), bestOrder[bestPos+1:]...)
	return best, true
}
