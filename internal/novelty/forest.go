package novelty

import (
	"math"
	"math/rand"
)

const (
	// DecisionBoundary approximates the reference model's automatic
	// contamination boundary on the normalised score scale.
	DecisionBoundary = 0.6

	defaultTrees     = 200
	defaultSubsample = 256

	// Fixed seed: scoring is refit on every call and must stay reproducible
	// across runs for the same candidate batch.
	defaultSeed = 42
)

// Forest is an isolation forest fit on a single candidate batch. It is a
// throwaway model: fit, score, discard. No state survives the call.
type Forest struct {
	trees     []*treeNode
	subsample int
}

type treeNode struct {
	size      int
	splitAttr int
	splitVal  float64
	left      *treeNode
	right     *treeNode
}

func (n *treeNode) leaf() bool {
	return n.left == nil && n.right == nil
}

// Fit builds a forest over the sample matrix. Rows must share a width.
func Fit(samples [][]float64) *Forest {
	return fitSeeded(samples, defaultSeed)
}

func fitSeeded(samples [][]float64, seed int64) *Forest {
	rng := rand.New(rand.NewSource(seed))

	subsample := defaultSubsample
	if len(samples) < subsample {
		subsample = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(subsample), 2))))

	f := &Forest{
		trees:     make([]*treeNode, 0, defaultTrees),
		subsample: subsample,
	}

	for t := 0; t < defaultTrees; t++ {
		idx := rng.Perm(len(samples))[:subsample]
		sub := make([][]float64, subsample)
		for i, j := range idx {
			sub[i] = samples[j]
		}
		f.trees = append(f.trees, buildTree(sub, 0, maxDepth, rng))
	}

	return f
}

func buildTree(samples [][]float64, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if len(samples) <= 1 || depth >= maxDepth {
		return &treeNode{size: len(samples)}
	}

	width := len(samples[0])
	splittable := make([]int, 0, width)
	for attr := 0; attr < width; attr++ {
		lo, hi := attrRange(samples, attr)
		if hi > lo {
			splittable = append(splittable, attr)
		}
	}
	if len(splittable) == 0 {
		// All points identical on every attribute.
		return &treeNode{size: len(samples)}
	}

	attr := splittable[rng.Intn(len(splittable))]
	lo, hi := attrRange(samples, attr)
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, s := range samples {
		if s[attr] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	return &treeNode{
		size:      len(samples),
		splitAttr: attr,
		splitVal:  split,
		left:      buildTree(left, depth+1, maxDepth, rng),
		right:     buildTree(right, depth+1, maxDepth, rng),
	}
}

func attrRange(samples [][]float64, attr int) (float64, float64) {
	lo, hi := samples[0][attr], samples[0][attr]
	for _, s := range samples[1:] {
		if s[attr] < lo {
			lo = s[attr]
		}
		if s[attr] > hi {
			hi = s[attr]
		}
	}
	return lo, hi
}

// Score returns the isolation score of one point in [0, 1]; higher means
// more isolated, hence more novel.
func (f *Forest) Score(x []float64) float64 {
	if len(f.trees) == 0 || f.subsample < 2 {
		return 0
	}

	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.trees))

	return math.Pow(2, -avg/avgPathLength(float64(f.subsample)))
}

func pathLength(n *treeNode, x []float64, depth float64) float64 {
	if n.leaf() {
		if n.size <= 1 {
			return depth
		}
		return depth + avgPathLength(float64(n.size))
	}
	if x[n.splitAttr] < n.splitVal {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search
// over n points, the standard isolation-forest normaliser.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	return 2*(math.Log(n-1)+eulerMascheroni) - 2*(n-1)/n
}
