package synthesis

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/mostgan/ops"
)

// Block is one resolution step of the synthesis ladder: one or two modulated
// convolutions (the first block replaces conv0 with the learned input),
// optional temporal self-attention, optional resnet skip and the ToRGB
// projection. All structural decisions are made at construction.
type Block struct {
	cfg          Config
	inChannels   int
	outChannels  int
	resolution   int
	isLast       bool
	useFP16      bool
	useAttention bool

	input *genInput
	conv0 *Layer
	conv1 *Layer
	rgb   *toRGB
	tsa   *tsa

	numConv  int
	numTorgb int

	filter *ops.Filter
}

// newBlock assembles the block for one schedule resolution. inChannels == 0
// marks the first (4x4) block, which synthesizes its input instead of
// consuming the caller's.
func newBlock(cfg Config, inChannels, outChannels, resolution int, isLast bool) *Block {
	b := &Block{
		cfg:          cfg,
		inChannels:   inChannels,
		outChannels:  outChannels,
		resolution:   resolution,
		isLast:       isLast,
		useFP16:      cfg.fp16At(resolution),
		useAttention: cfg.attentionAt(resolution),
		filter:       ops.SetupFilter(cfg.ResampleFilter),
	}
	wordMod := cfg.wordModAt(resolution)

	conv1In := outChannels
	if inChannels == 0 {
		b.input = newGenInput(outChannels, cfg.MotionVDim)
		conv1In = b.input.totalChannels()
	} else {
		b.conv0 = newLayer(cfg, inChannels, outChannels, resolution, 2, wordMod, false)
		b.numConv++
	}
	b.conv1 = newLayer(cfg, conv1In, outChannels, resolution, 1, wordMod, false)
	b.numConv++

	if b.useAttention {
		b.tsa = &tsa{channels: outChannels}
	}
	if isLast || cfg.Architecture == ArchSkip {
		b.rgb = &toRGB{
			inChannels:  outChannels,
			outChannels: cfg.ImgChannels,
			convClamp:   cfg.ConvClamp,
		}
		b.numTorgb++
	}
	return b
}

// NumConv returns how many style slots the block's convolutions consume.
func (b *Block) NumConv() int { return b.numConv }

// NumToRGB returns how many style slots the block's ToRGB projection consumes.
func (b *Block) NumToRGB() int { return b.numTorgb }

// Resolution returns the block's output resolution.
func (b *Block) Resolution() int { return b.resolution }

// BlockOpts are the per-call options of Block.Forward.
type BlockOpts struct {
	NoiseMode NoiseMode

	// ForceFP32 disables the block's reduced-precision mode for this call.
	ForceFP32 bool

	// FusedModConv overrides the execution mode of the modulated
	// convolutions. Nil selects automatically: fused outside training when
	// running full precision or with batch size one.
	FusedModConv *bool

	// NumFrames is the frame count per video, required by blocks with
	// temporal self-attention.
	NumFrames int

	// MotionV supplies precomputed per-frame motion codes, shaped
	// [batch*numFrames, motionVDim]. Consumed by Network.Forward, which
	// then skips its motion encoder. Nil invokes the encoder as usual.
	MotionV *Node
}

// Forward runs the block. ws carries exactly numConv+numTorgb per-layer style
// vectors, shaped [batch, numConv+numTorgb, wDim]; ms matches with motion
// words [batch, numConv+numTorgb, numWords, motionDim] (nil when word
// modulation is disabled network-wide). motionV is consumed only by the
// first block's input synthesis.
//
// It returns the feature map, the accumulated RGB image and the mean
// word-diversity diagnostic across the block's convolutions.
func (b *Block) Forward(ctx *context.Context, x, img, ws, ms, motionV *Node, opts BlockOpts) (outX, outImg, sim *Node) {
	g := ws.Graph()
	ws.AssertDims(-1, b.numConv+b.numTorgb, b.cfg.WDim)
	if ms != nil {
		ms.AssertDims(ws.Shape().Dimensions[0], b.numConv+b.numTorgb, b.cfg.MotionNum, b.cfg.MotionDim)
	}
	batchSize := ws.Shape().Dimensions[0]

	dtype := dtypes.Float32
	if b.useFP16 && !opts.ForceFP32 {
		dtype = dtypes.Float16
	}
	fused := !ctx.IsTraining(g) && (dtype == dtypes.Float32 || batchSize == 1)
	if opts.FusedModConv != nil {
		fused = *opts.FusedModConv
	}

	wAt := func(i int) *Node {
		w := Slice(ws, AxisRange(), AxisElem(i), AxisRange())
		return Reshape(w, batchSize, b.cfg.WDim)
	}
	mAt := func(i int) *Node {
		if ms == nil {
			return nil
		}
		m := Slice(ms, AxisRange(), AxisElem(i), AxisRange(), AxisRange())
		return Reshape(m, batchSize, b.cfg.MotionNum, b.cfg.MotionDim)
	}
	layerOpts := func(gain float64) LayerOpts {
		return LayerOpts{NoiseMode: opts.NoiseMode, FusedModConv: fused, Gain: gain}
	}

	// Input.
	if b.inChannels == 0 {
		x = b.input.Forward(ctx.In("input"), g, batchSize, motionV, dtype)
	} else {
		half := b.resolution / 2
		x.AssertDims(-1, b.inChannels, half, half)
		x = ConvertDType(x, dtype)
	}

	// Main convolutions.
	var sims []*Node
	switch {
	case b.inChannels == 0:
		var s *Node
		x, s = b.conv1.Forward(ctx.In("conv1"), x, wAt(0), mAt(0), layerOpts(1))
		sims = append(sims, s)
	case b.cfg.Architecture == ArchResnet:
		y := ops.Conv2D(ctx.In("skip"), x).
			Filters(b.outChannels).KernelSize(1).UseBias(false).Up(2).
			Gain(math.Sqrt(0.5)).ResampleFilter(b.filter).Done()
		var s *Node
		x, s = b.conv0.Forward(ctx.In("conv0"), x, wAt(0), mAt(0), layerOpts(1))
		sims = append(sims, s)
		x, s = b.conv1.Forward(ctx.In("conv1"), x, wAt(1), mAt(1), layerOpts(math.Sqrt(0.5)))
		sims = append(sims, s)
		x = Add(y, x)
	default:
		var s *Node
		x, s = b.conv0.Forward(ctx.In("conv0"), x, wAt(0), mAt(0), layerOpts(1))
		sims = append(sims, s)
		x, s = b.conv1.Forward(ctx.In("conv1"), x, wAt(1), mAt(1), layerOpts(1))
		sims = append(sims, s)
	}

	// Temporal self-attention runs in full precision.
	if b.tsa != nil {
		if opts.NumFrames <= 0 {
			Panicf("synthesis.Block: NumFrames must be set for blocks with temporal self-attention (resolution %d)", b.resolution)
		}
		attended := b.tsa.Forward(ctx.In("tsa"), ConvertDType(x, dtypes.Float32), opts.NumFrames)
		x = ConvertDType(attended, dtype)
	}

	// ToRGB accumulation.
	if img != nil {
		half := b.resolution / 2
		img.AssertDims(-1, b.cfg.ImgChannels, half, half)
		img = ops.Upsample2D(img, b.filter, 2)
	}
	if b.rgb != nil {
		y := b.rgb.Forward(ctx.In("torgb"), x, wAt(b.numConv), fused)
		if img != nil {
			img = Add(img, y)
		} else {
			img = y
		}
	}

	sim = sims[0]
	for _, s := range sims[1:] {
		sim = Add(sim, s)
	}
	if len(sims) > 1 {
		sim = DivScalar(sim, float64(len(sims)))
	}
	return x, img, sim
}
