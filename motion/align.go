package motion

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"
)

// AlignmentLoss measures how well the spatio-temporal saliency implied by a
// feature gradient map agrees with a target motion-saliency map. It compares
// the two at three granularities: jointly over space and time, over the
// per-frame totals, and over the time-averaged spatial maps. The temporal
// terms vanish for single-frame videos.
type AlignmentLoss struct {
	batchSize int
}

// NewAlignmentLoss returns the loss for batches of batchSize videos.
func NewAlignmentLoss(batchSize int) (*AlignmentLoss, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("motion: batchSize must be positive, got %d", batchSize)
	}
	return &AlignmentLoss{batchSize: batchSize}, nil
}

// saliency reduces a per-frame gradient map [batchSize*numFrames, c, h, w]
// to a non-negative per-frame spatial saliency [batchSize, numFrames, h*w].
// Channels are weighted by their spatially pooled gradient before summing,
// so channels with a strong overall response dominate.
func (l *AlignmentLoss) saliency(gradMap *Node) *Node {
	dims := gradMap.Shape().Dimensions
	numFrames := dims[0] / l.batchSize
	c, h, w := dims[1], dims[2], dims[3]

	x := Reshape(gradMap, l.batchSize, numFrames, c, h, w)
	x = TransposeAllDims(x, 0, 2, 1, 3, 4)
	weight := ReduceAndKeep(x, ReduceMean, 3, 4)
	weighted := Mul(weight, x)
	predict := activations.Relu(ReduceSum(weighted, 1))
	return Reshape(predict, l.batchSize, numFrames, h*w)
}

// Forward computes the alignment loss between gradMap, a per-frame gradient
// map [batchSize*numFrames, c, h, w], and motionMap, a per-frame target
// saliency [batchSize, numFrames, H, W]. The target is resized to the
// gradient's spatial resolution before comparison. Returns a scalar.
func (l *AlignmentLoss) Forward(gradMap, motionMap *Node) *Node {
	gradMap.AssertRank(4)
	motionMap.AssertRank(4)
	dims := gradMap.Shape().Dimensions
	numFrames := dims[0] / l.batchSize
	h, w := dims[2], dims[3]
	motionMap.AssertDims(l.batchSize, numFrames, -1, -1)

	target := Interpolate(motionMap, l.batchSize, numFrames, h, w).Nearest().Done()
	target = Reshape(target, l.batchSize, numFrames, h*w)
	predict := l.saliency(gradMap)

	// Spatial term: cosine similarity of the time-averaged maps.
	preSpatial := L2NormalizeWithEpsilon(ReduceMean(predict, 1), 1e-12, 1)
	targetSpatial := L2NormalizeWithEpsilon(ReduceMean(target, 1), 1e-12, 1)
	lossSpa := ReduceAllMean(ReduceSum(Mul(preSpatial, targetSpatial), 1))

	if numFrames <= 1 {
		return lossSpa
	}

	// Joint spatio-temporal term: per-frame cosine similarities pooled by
	// the target's per-frame energy.
	targetScore := ReduceSum(target, 2)
	targetAtt := Softmax(targetScore, 1)
	preNorm := L2NormalizeWithEpsilon(predict, 1e-12, 2)
	targetNorm := L2NormalizeWithEpsilon(target, 1e-12, 2)
	sim := ReduceSum(Mul(preNorm, targetNorm), 2)
	simAtt := ReduceSum(Mul(sim, targetAtt), 1)
	lossSpaTemp := ReduceAllMean(OneMinus(simAtt))

	// Temporal term: cosine similarity of the per-frame totals.
	preScore := L2NormalizeWithEpsilon(ReduceSum(predict, 2), 1e-12, 1)
	motionScore := L2NormalizeWithEpsilon(targetScore, 1e-12, 1)
	simTempo := ReduceSum(Mul(preScore, motionScore), 1)
	lossTempo := ReduceAllMean(OneMinus(simTempo))

	return Add(Add(lossSpaTemp, lossSpa), lossTempo)
}
