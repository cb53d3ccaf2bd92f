// Package synthesis implements the generator side of the network: the
// hierarchy of style-modulated synthesis layers and blocks that progressively
// upsample a learned constant input into a full-resolution image, the
// resolution ladder orchestration with motion-word conditioning, and the
// temporal self-attention module.
package synthesis

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/mostgan/modconv"
	"github.com/gomlx/mostgan/ops"
)

// NoiseMode selects the noise injected after each synthesis convolution.
type NoiseMode int

const (
	// NoiseRandom draws fresh gaussian noise every forward pass.
	NoiseRandom NoiseMode = iota

	// NoiseConst reuses a fixed noise pattern registered at construction.
	NoiseConst

	// NoiseNone disables noise injection.
	NoiseNone
)

// Layer is one style-modulated convolution of the synthesis pipeline.
// It is configured once at construction and is stateless across calls: each
// Forward is a pure function of its inputs (plus the context variables).
type Layer struct {
	cfg          Config
	inChannels   int
	outChannels  int
	resolution   int
	kernelSize   int
	up           int
	activation   ops.Activation
	instanceNorm bool

	// wordMod is whether this layer modulates with motion words; styleAffine
	// is whether the global style affine projection exists. At least one is
	// always true.
	wordMod     bool
	styleAffine bool

	filter *ops.Filter
}

// newLayer builds a synthesis layer description. wordMod already accounts for
// the network-wide motion ablation (cfg.MotionNum == 0 disables it).
func newLayer(cfg Config, inChannels, outChannels, resolution, up int, wordMod bool, instanceNorm bool) *Layer {
	return &Layer{
		cfg:          cfg,
		inChannels:   inChannels,
		outChannels:  outChannels,
		resolution:   resolution,
		kernelSize:   3,
		up:           up,
		activation:   ops.LeakyReLU,
		instanceNorm: instanceNorm,
		wordMod:      wordMod,
		styleAffine:  cfg.StyleZ || !wordMod,
		filter:       ops.SetupFilter(cfg.ResampleFilter),
	}
}

// LayerOpts are the per-call options of Layer.Forward.
type LayerOpts struct {
	NoiseMode NoiseMode

	// FusedModConv selects the grouped per-sample convolution mode.
	FusedModConv bool

	// Gain is an extra output gain (used by resnet blocks), 1 when unset by
	// the block.
	Gain float64
}

// Forward applies the layer to the NCHW feature map x, with the per-layer
// style vector w shaped [batch, wDim] and, when word modulation is enabled,
// the motion words shaped [batch, numWords, motionDim].
//
// It returns the transformed feature map and the word-diversity diagnostic
// from the modulated convolution (zero when word modulation is off).
func (l *Layer) Forward(ctx *context.Context, x, w, words *Node, opts LayerOpts) (*Node, *Node) {
	g := x.Graph()
	inResolution := l.resolution / l.up
	x.AssertDims(-1, l.inChannels, inResolution, inResolution)
	batchSize := x.Shape().Dimensions[0]
	k := l.kernelSize

	weightVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1)).
		VariableWithShape("weight", shapes.Make(dtypes.Float32, l.outChannels, l.inChannels, k, k))
	weight := weightVar.ValueGraph(g)
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(dtypes.Float32, l.outChannels))

	var style *Node
	if l.styleAffine {
		style = ops.Dense(ctx.In("affine"), w).OutputDim(l.inChannels).BiasInit(1).Done()
	}

	var wordsProj *Node
	if l.wordMod {
		if words == nil {
			Panicf("synthesis.Layer: layer at resolution %d is configured for word modulation but no motion words were supplied", l.resolution)
		}
		numWords := words.Shape().Dimensions[1]
		flat := Reshape(words, batchSize*numWords, l.cfg.MotionDim)
		projDim := l.cfg.MotionRank * (l.inChannels + k + k)
		proj := ops.Dense(ctx.In("hypernet"), flat).OutputDim(projDim).BiasInit(1).Done()
		wordsProj = Reshape(proj, batchSize, numWords, l.cfg.MotionRank, l.inChannels+k+k)
	}

	var noise *Node
	if l.cfg.UseNoise && opts.NoiseMode != NoiseNone {
		strength := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("noise_strength", shapes.Make(dtypes.Float32)).ValueGraph(g)
		switch opts.NoiseMode {
		case NoiseRandom:
			sample := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batchSize, 1, l.resolution, l.resolution))
			noise = Mul(sample, strength)
		case NoiseConst:
			constVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1)).
				VariableWithShape("noise_const", shapes.Make(dtypes.Float32, l.resolution, l.resolution)).
				SetTrainable(false)
			noise = Mul(Reshape(constVar.ValueGraph(g), 1, 1, l.resolution, l.resolution), strength)
		}
	}

	if l.instanceNorm {
		mean := ReduceAndKeep(x, ReduceMean, 2, 3)
		centered := Sub(x, mean)
		std := Sqrt(ReduceAndKeep(Square(centered), ReduceMean, 2, 3))
		x = Div(centered, AddScalar(std, 1e-8))
	}

	flipWeight := l.up == 1 // 1:1 convolution can run as correlation directly.
	x, sim := modconv.Conv(x, weight).
		Style(style).
		Words(wordsProj).
		Noise(noise).
		Up(l.up).
		Padding(k / 2).
		ResampleFilter(l.filter).
		FlipWeight(flipWeight).
		Fused(opts.FusedModConv).
		DetachSim(l.cfg.DetachSim).
		Done()

	gain := opts.Gain
	if gain == 0 {
		gain = 1
	}
	actGain := l.activation.DefaultGain() * gain
	actClamp := -1.0
	if l.cfg.ConvClamp >= 0 {
		actClamp = l.cfg.ConvClamp * gain
	}
	x = ops.BiasAct(x, biasVar.ValueGraph(g), l.activation, actGain, actClamp)
	return x, sim
}
