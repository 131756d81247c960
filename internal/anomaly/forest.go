package anomaly

import (
	"math"
	"math/rand"
)

const (
	// eulerMascheroni is used in the average unsuccessful BST search
	// path length approximation.
	eulerMascheroni = 0.5772156649
)

// forestNode is one node of an isolation tree. Leaf nodes carry the
// subsample size that reached them; internal nodes carry a split.
type forestNode struct {
	Attr  int         `json:"a,omitempty"`
	Split float64     `json:"v,omitempty"`
	Left  *forestNode `json:"l,omitempty"`
	Right *forestNode `json:"r,omitempty"`
	Size  int         `json:"n,omitempty"`
}

// Forest is a trained isolation forest. Randomness exists only at train
// time; scoring a fixed vector against a fixed forest is deterministic.
type Forest struct {
	Trees      []*forestNode `json:"trees"`
	SampleSize int           `json:"sample_size"`
	Dims       int           `json:"dims"`
}

// TrainForest builds an isolation forest over the feature vectors. The
// seed fixes the subsampling and split choices so retraining with the
// same inputs and seed reproduces the same model.
func TrainForest(data [][]float64, trees, sampleSize int, seed int64) *Forest {
	if len(data) == 0 || trees <= 0 {
		return nil
	}
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	rng := rand.New(rand.NewSource(seed))
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	f := &Forest{
		Trees:      make([]*forestNode, 0, trees),
		SampleSize: sampleSize,
		Dims:       len(data[0]),
	}
	for i := 0; i < trees; i++ {
		sample := make([][]float64, sampleSize)
		for j := range sample {
			sample[j] = data[rng.Intn(len(data))]
		}
		f.Trees = append(f.Trees, buildTree(sample, 0, heightLimit, rng))
	}
	return f
}

// buildTree recursively partitions the subsample with random splits.
func buildTree(sample [][]float64, depth, heightLimit int, rng *rand.Rand) *forestNode {
	if depth >= heightLimit || len(sample) <= 1 {
		return &forestNode{Size: len(sample)}
	}

	attr := rng.Intn(len(sample[0]))
	lo, hi := sample[0][attr], sample[0][attr]
	for _, v := range sample[1:] {
		if v[attr] < lo {
			lo = v[attr]
		}
		if v[attr] > hi {
			hi = v[attr]
		}
	}
	if lo == hi {
		return &forestNode{Size: len(sample)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, v := range sample {
		if v[attr] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &forestNode{
		Attr:  attr,
		Split: split,
		Left:  buildTree(left, depth+1, heightLimit, rng),
		Right: buildTree(right, depth+1, heightLimit, rng),
	}
}

// Score returns the anomaly score in (0, 1). Scores approach 1 for
// vectors isolated after very short paths; typical vectors land near
// or below 0.5.
func (f *Forest) Score(v []float64) float64 {
	if f == nil || len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, v, 0)
	}
	avg := total / float64(len(f.Trees))
	return math.Pow(2, -avg/avgPathLength(f.SampleSize))
}

// pathLength walks the tree to the leaf holding v, adding the expected
// remaining depth for leaves that still contain multiple points.
func pathLength(node *forestNode, v []float64, depth float64) float64 {
	if node.Left == nil && node.Right == nil {
		return depth + avgPathLength(node.Size)
	}
	if v[node.Attr] < node.Split {
		return pathLength(node.Left, v, depth+1)
	}
	return pathLength(node.Right, v, depth+1)
}

// avgPathLength is c(n): the average path length of an unsuccessful
// search in a BST of n nodes.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}
