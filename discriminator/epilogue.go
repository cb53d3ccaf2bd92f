package discriminator

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/mostgan/ops"
)

// epilogue is the 4x4 scoring head: optional fromrgb merge, minibatch
// statistics, a final convolution, a dense hidden projection optionally
// attended against the generator's motion words, and the output score.
// It always runs in full precision.
type epilogue struct {
	cfg        Config
	inChannels int
	cmapDim    int
	resolution int
	mbstd      *MinibatchStd
}

func newEpilogue(cfg Config, inChannels, cmapDim int) *epilogue {
	e := &epilogue{
		cfg:        cfg,
		inChannels: inChannels,
		cmapDim:    cmapDim,
		resolution: 4,
	}
	if cfg.MBStdNumChannels > 0 {
		e.mbstd = &MinibatchStd{
			GroupSize:   cfg.MBStdGroupSize,
			NumChannels: cfg.MBStdNumChannels,
		}
	}
	return e
}

// attendMotion perturbs hidden [batch, hiddenDim] by scaled dot-product
// attention against the motion word bank [1 or batch, numWords, hiddenDim].
func (e *epilogue) attendMotion(hidden, motion *Node) *Node {
	batchSize := hidden.Shape().Dimensions[0]
	hiddenDim := hidden.Shape().Dimensions[1]
	if motion.Shape().Dimensions[0] == 1 {
		motion = BroadcastToDims(motion, batchSize, motion.Shape().Dimensions[1], motion.Shape().Dimensions[2])
	}
	motion = ConvertDType(motion, hidden.DType())
	score := Einsum("bh,bnh->bn", hidden, motion)
	score = MulScalar(score, 1/math.Sqrt(float64(hiddenDim)))
	attn := Softmax(score, 1)
	delta := Einsum("bn,bnh->bh", attn, motion)
	return Mul(hidden, OnePlus(delta))
}

// Forward scores the final feature map. cmap is the mapped conditioning
// (nil when unconditional); motion the optional motion word bank. Returns
// the logits [batch, 1] and the hidden vector [batch, hiddenDim].
func (e *epilogue) Forward(ctx *context.Context, x, img, cmap, motion *Node) (logits, hidden *Node) {
	x.AssertDims(-1, e.inChannels, e.resolution, e.resolution)
	x = ConvertDType(x, dtypes.Float32)

	if e.cfg.Architecture == ArchSkip {
		img.AssertDims(-1, e.cfg.ImgChannels, e.resolution, e.resolution)
		y := ops.Conv2D(ctx.In("fromrgb"), ConvertDType(img, dtypes.Float32)).
			Filters(e.inChannels).KernelSize(1).
			Activation(ops.LeakyReLU).ConvClamp(e.cfg.ConvClamp).Done()
		x = Add(x, y)
	}

	if e.mbstd != nil {
		x = e.mbstd.Forward(x)
	}
	x = ops.Conv2D(ctx.In("conv"), x).
		Filters(e.inChannels).
		Activation(ops.LeakyReLU).ConvClamp(e.cfg.ConvClamp).Done()

	batchSize := x.Shape().Dimensions[0]
	flat := Reshape(x, batchSize, e.inChannels*e.resolution*e.resolution)
	hidden = ops.Dense(ctx.In("fc"), flat).
		OutputDim(e.cfg.HiddenDim).Activation(ops.LeakyReLU).Done()

	if motion != nil {
		hidden = e.attendMotion(hidden, motion)
	}

	outDim := 1
	if e.cmapDim > 0 {
		outDim = e.cmapDim
	}
	logits = ops.Dense(ctx.In("out"), hidden).OutputDim(outDim).Done()

	if e.cmapDim > 0 {
		cmap.AssertDims(batchSize, e.cmapDim)
		logits = ReduceAndKeep(Mul(logits, cmap), ReduceSum, 1)
		logits = MulScalar(logits, 1/math.Sqrt(float64(e.cmapDim)))
	}
	return logits, hidden
}
